package recorder_test

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sealedlog/internal/envelope/envelopetest"
	"sealedlog/internal/eventbin"
	"sealedlog/internal/logging"
	"sealedlog/internal/recorder"
	"sealedlog/internal/security"
	"sealedlog/internal/sink"
)

// crashSession leaves base.events.bin and base.events.meta behind, plus a
// base.log holding the blob and one live line, as a killed process would.
func crashSession(t *testing.T, base string, events int) (key, iv []byte, blob string) {
	t.Helper()

	c := newCipher(t)
	blob, err := c.GenerateSessionKey()
	require.NoError(t, err)

	out, err := sink.OpenBuffered(base+recorder.DefaultLogExt, sink.Options{Encrypter: c, Logger: logging.Discard()})
	require.NoError(t, err)
	out.WriteLine(blob, true)
	out.WriteLine("before recording", false)
	require.NoError(t, out.Close())

	rec := newRecorder(c)
	require.NoError(t, rec.Start(base, blob))
	for i := 0; i < events; i++ {
		rec.WriteKeyEvent(eventbin.KeyEvent{DeltaMs: int32(i), Key: eventbin.KeyA, Down: i%2 == 0, FPS: 60}, nil)
	}
	rec.WriteLine("last words", nil)
	require.NoError(t, rec.Stop(false))

	key, iv, err = c.Export()
	require.NoError(t, err)
	return key, iv, blob
}

func TestRecoverPendingLogs(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "crashed")
	key, iv, blob := crashSession(t, base, 3)

	live := newCipher(t)
	liveKey, _, err := live.Export()
	require.NoError(t, err)
	rec := newRecorder(live)

	report := rec.RecoverPendingLogs([]string{dir})
	require.Len(t, report.Recovered, 1)
	assert.Empty(t, report.Failed)
	assert.Equal(t, base, report.Recovered[0].BasePath)
	assert.Equal(t, base+".log", report.Recovered[0].LogPath)
	assert.Equal(t, 4, report.Recovered[0].Lines)

	assert.False(t, exists(base+recorder.BinSuffix))
	assert.False(t, exists(base+recorder.MetaSuffix))

	data, err := os.ReadFile(base + ".log")
	require.NoError(t, err)
	got := lines(string(data))
	require.Len(t, got, 1+1+1+4)

	assert.Equal(t, blob, got[0])
	_, text, err := envelopetest.Open(got[1], key, iv)
	require.NoError(t, err)
	assert.Equal(t, "before recording", text)

	assert.Equal(t, blob, got[2], "recovered tail starts with the original blob")
	for i := 0; i < 3; i++ {
		n, text, err := envelopetest.Open(got[3+i], key, iv)
		require.NoError(t, err)
		assert.Equal(t, uint64(i), n)
		want := eventbin.KeyEvent{DeltaMs: int32(i), Key: eventbin.KeyA, Down: i%2 == 0, FPS: 60}.Format()
		assert.Equal(t, want, text)
	}
	n, text, err := envelopetest.Open(got[6], key, iv)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), n)
	assert.Equal(t, "last words", text)

	afterKey, _, err := live.Export()
	require.NoError(t, err)
	assert.Equal(t, liveKey, afterKey, "live session must not change")
	assert.Zero(t, live.Counter())

	second := rec.RecoverPendingLogs([]string{dir})
	assert.Empty(t, second.Recovered)
	assert.Empty(t, second.Skipped)

	again, err := os.ReadFile(base + ".log")
	require.NoError(t, err)
	assert.Equal(t, data, again)
}

func TestRecoverSession(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "target")
	other := filepath.Join(dir, "other")
	crashSession(t, target, 2)
	crashSession(t, other, 1)

	rec := newRecorder(newCipher(t))
	report := rec.RecoverSession(target)
	require.Len(t, report.Recovered, 1)
	assert.Equal(t, target, report.Recovered[0].BasePath)
	assert.Equal(t, 3, report.Recovered[0].Lines)
	assert.False(t, exists(target+recorder.BinSuffix))
	assert.True(t, exists(other+recorder.BinSuffix), "other bases are left alone")

	assert.Empty(t, rec.RecoverSession(target).Recovered)
	assert.Empty(t, rec.RecoverSession(filepath.Join(dir, "missing")).Skipped)

	full := rec.RecoverPendingLogs([]string{dir})
	require.Len(t, full.Recovered, 1, "RecoverSession does not use up the one-shot scan")
	assert.Equal(t, other, full.Recovered[0].BasePath)
}

func TestRecoverPendingLogs_WithoutMetaLeavesFile(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "orphan")

	rec := newRecorder(newCipher(t))
	require.NoError(t, rec.Start(base, ""))
	rec.WriteLine("unrecoverable", nil)
	require.NoError(t, rec.Stop(false))

	report := newRecorder(newCipher(t)).RecoverPendingLogs([]string{dir})
	require.Len(t, report.Skipped, 1)
	assert.Equal(t, recorder.SkipNoMeta, report.Skipped[0].Reason)
	assert.True(t, exists(base+recorder.BinSuffix))
	assert.False(t, exists(base+".log"))
}

func TestRecoverPendingLogs_SkipsOwnRecording(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "current")

	rec := newRecorder(newCipher(t))
	require.NoError(t, rec.Start(base, "BLOB"))

	report := rec.RecoverPendingLogs([]string{dir})
	require.Len(t, report.Skipped, 1)
	assert.Equal(t, recorder.SkipRecording, report.Skipped[0].Reason)
	assert.Equal(t, recorder.StateRecording, rec.State())
	assert.True(t, exists(base+recorder.MetaSuffix))

	require.NoError(t, rec.Stop(true))
}

func TestRecoverPendingLogs_SkipsLockedFile(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "busy")
	crashSession(t, base, 1)

	holder, err := os.Open(base + recorder.BinSuffix)
	require.NoError(t, err)
	defer holder.Close()
	if err := security.TryLockFile(holder); err != nil {
		t.Skipf("file locking unavailable: %v", err)
	}
	probe, err := os.Open(base + recorder.BinSuffix)
	require.NoError(t, err)
	probeErr := security.TryLockFile(probe)
	probe.Close()
	if probeErr == nil {
		t.Skip("file locking is a no-op on this platform")
	}

	report := newRecorder(newCipher(t)).RecoverPendingLogs([]string{dir})
	require.Len(t, report.Skipped, 1)
	assert.Equal(t, recorder.SkipLocked, report.Skipped[0].Reason)
	assert.True(t, exists(base+recorder.BinSuffix))
	assert.True(t, exists(base+recorder.MetaSuffix))
}

func TestRecoverPendingLogs_BadMetaFails(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "broken")
	crashSession(t, base, 2)

	require.NoError(t, os.WriteFile(base+recorder.MetaSuffix, []byte("garbage\n"), 0600))

	report := newRecorder(newCipher(t)).RecoverPendingLogs([]string{dir})
	require.Len(t, report.Failed, 1)
	assert.ErrorIs(t, report.Failed[0].Err, recorder.ErrInvalidMeta)
	assert.True(t, exists(base+recorder.BinSuffix))
	assert.True(t, exists(base+recorder.MetaSuffix))
}

func TestRecoverPendingLogs_MultipleDirs(t *testing.T) {
	dirs := []string{t.TempDir(), t.TempDir()}
	for i, d := range dirs {
		crashSession(t, filepath.Join(d, fmt.Sprintf("s%d", i)), i+1)
	}
	// A meta file with no binary log is ignored.
	require.NoError(t, recorder.WriteMeta(filepath.Join(dirs[0], "lonely"+recorder.MetaSuffix),
		recorder.Meta{Key: make([]byte, 32), IV: make([]byte, 16), Blob: "x"}))

	rec := recorder.New(newCipher(t), recorder.Options{Recovery: true, LogExt: ".enc", Logger: logging.Discard()})
	report := rec.RecoverPendingLogs(append(dirs, filepath.Join(t.TempDir(), "missing")))
	require.Len(t, report.Recovered, 2)
	assert.Equal(t, 2, report.Recovered[0].Lines)
	assert.Equal(t, 3, report.Recovered[1].Lines)
	assert.Equal(t, filepath.Join(dirs[1], "s1.enc"), report.Recovered[1].LogPath)
	assert.True(t, exists(filepath.Join(dirs[0], "lonely"+recorder.MetaSuffix)))
}
