package eventlog

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sealedlog/internal/config"
	"sealedlog/internal/envelope"
	"sealedlog/internal/envelope/envelopetest"
	"sealedlog/internal/eventbin"
	"sealedlog/internal/ledger"
	"sealedlog/internal/logging"
	"sealedlog/internal/metrics"
	"sealedlog/internal/recorder"
)

var spaceDown = eventbin.KeyEvent{
	DeltaMs:   50,
	Key:       eventbin.KeySpace,
	Down:      true,
	Watermark: 7,
	Color:     eventbin.RGBA{R: 255, G: 0, B: 0, A: 255},
	FPS:       60,
}

func testConfig(t *testing.T) (*config.Config, *envelope.KeyPair) {
	t.Helper()

	kp, err := envelope.GenerateKeyPair("x25519", nil)
	require.NoError(t, err)

	cfg := config.DefaultConfig()
	cfg.Log.Dir = t.TempDir()
	cfg.Crypto.PublicKey = string(kp.PublicPEM)
	return cfg, kp
}

func testDeps(t *testing.T) Deps {
	t.Helper()

	lg, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.db"), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { lg.Close() })
	return Deps{Logger: logging.Discard(), Ledger: lg}
}

type entry struct {
	counter uint64
	text    string
}

// readLog decrypts a session log. Blob lines switch the key used for the
// envelope lines that follow them.
func readLog(t *testing.T, path string, privatePEM []byte) (blobs []string, entries []entry) {
	t.Helper()

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var key, iv []byte
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if strings.Count(line, "|") != 3 {
			blobs = append(blobs, line)
			key, iv, err = envelopetest.OpenBlob(line, privatePEM)
			require.NoError(t, err)
			continue
		}
		require.NotNil(t, key, "envelope line before any blob")
		n, text, err := envelopetest.Open(line, key, iv)
		require.NoError(t, err)
		entries = append(entries, entry{n, text})
	}
	require.NoError(t, sc.Err())
	return blobs, entries
}

func texts(entries []entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.text
	}
	return out
}

func TestSessionRoundTrip(t *testing.T) {
	for _, kind := range []string{"queue", "buffered"} {
		for _, recording := range []bool{true, false} {
			name := kind
			if recording {
				name += "/recording"
			}
			t.Run(name, func(t *testing.T) {
				cfg, kp := testConfig(t)
				cfg.Log.Sink = kind
				cfg.Recorder.Enabled = recording

				l, err := Open(cfg, "run", Deps{Logger: logging.Discard()})
				require.NoError(t, err)
				assert.Equal(t, filepath.Join(cfg.Log.Dir, "run.log"), l.Path())

				l.Line("hello")
				l.KeyEvent(spaceDown)
				l.Line("bye")
				require.NoError(t, l.Close())

				blobs, entries := readLog(t, l.Path(), kp.PrivatePEM)
				require.Len(t, blobs, 1)
				assert.Equal(t, l.Blob(), blobs[0])
				assert.True(t, strings.HasPrefix(blobs[0], envelope.SchemeBox+"|"))

				assert.Equal(t, []string{"hello", "+50|Space|+|7|#FF0000FF|60|", "bye"}, texts(entries))
				for i, e := range entries {
					assert.Equal(t, uint64(i), e.counter)
				}

				base := filepath.Join(cfg.Log.Dir, "run")
				assert.NoFileExists(t, base+recorder.BinSuffix)
				assert.NoFileExists(t, base+recorder.MetaSuffix)
			})
		}
	}
}

func TestReplayIsNotBoundByQueueCapacity(t *testing.T) {
	cfg, kp := testConfig(t)
	cfg.Queue.Capacity = 4

	l, err := Open(cfg, "long", Deps{Logger: logging.Discard()})
	require.NoError(t, err)
	for i := 0; i < 200; i++ {
		l.KeyEvent(eventbin.KeyEvent{DeltaMs: int32(i), Key: eventbin.KeyA, Down: i%2 == 0, FPS: 60})
	}
	require.NoError(t, l.Close())

	_, entries := readLog(t, l.Path(), kp.PrivatePEM)
	require.Len(t, entries, 200)
	assert.Equal(t, uint64(199), entries[199].counter)
	assert.Zero(t, l.Dropped())
}

func TestRecordingWritesSidecar(t *testing.T) {
	cfg, _ := testConfig(t)

	l, err := Open(cfg, "live", Deps{Logger: logging.Discard()})
	require.NoError(t, err)

	base := filepath.Join(cfg.Log.Dir, "live")
	assert.FileExists(t, base+recorder.BinSuffix)
	assert.FileExists(t, base+recorder.MetaSuffix)

	require.NoError(t, l.Close())
}

func TestUnsealedFallback(t *testing.T) {
	cfg, _ := testConfig(t)
	cfg.Crypto.PublicKey = ""
	cfg.Crypto.PublicKeyPath = filepath.Join(t.TempDir(), "absent.pub")

	l, err := Open(cfg, "plain", Deps{Logger: logging.Discard()})
	require.NoError(t, err)
	l.Line("still logged")
	require.NoError(t, l.Close())

	blobs, entries := readLog(t, l.Path(), nil)
	require.Len(t, blobs, 1)
	assert.True(t, strings.HasSuffix(blobs[0], "|"+envelope.UnsealedMarker))
	assert.Equal(t, []string{"still logged"}, texts(entries))
}

func TestRefuseWithoutKey(t *testing.T) {
	cfg, _ := testConfig(t)
	cfg.Crypto.PublicKey = ""
	cfg.Crypto.PublicKeyPath = filepath.Join(t.TempDir(), "absent.pub")
	cfg.Crypto.Fallback = "refuse"

	_, err := Open(cfg, "refused", Deps{Logger: logging.Discard()})
	assert.ErrorIs(t, err, envelope.ErrSealFailed)
	assert.NoFileExists(t, filepath.Join(cfg.Log.Dir, "refused.log"))
}

func TestBadPublicKey(t *testing.T) {
	cfg, _ := testConfig(t)
	cfg.Crypto.PublicKey = "not a key"

	_, err := Open(cfg, "bad", Deps{Logger: logging.Discard()})
	assert.ErrorIs(t, err, envelope.ErrUnsupportedKey)
}

func TestLedgerLifecycle(t *testing.T) {
	cfg, _ := testConfig(t)
	deps := testDeps(t)

	l, err := Open(cfg, "closed", deps)
	require.NoError(t, err)
	require.NotEmpty(t, l.ID())
	l.Line("one")
	l.KeyEvent(spaceDown)
	require.NoError(t, l.Close())

	s, err := deps.Ledger.Get(l.ID())
	require.NoError(t, err)
	assert.Equal(t, ledger.StateClosed, s.State)
	assert.Equal(t, 2, s.Lines)
	assert.Equal(t, envelope.SchemeBox, s.BlobVersion)
	assert.Equal(t, l.Path(), s.LogPath)

	a, err := Open(cfg, "aborted", deps)
	require.NoError(t, err)
	a.Line("never replayed")
	require.NoError(t, a.Abort())

	s, err = deps.Ledger.Get(a.ID())
	require.NoError(t, err)
	assert.Equal(t, ledger.StateDiscarded, s.State)

	base := filepath.Join(cfg.Log.Dir, "aborted")
	assert.NoFileExists(t, base+recorder.BinSuffix)
	assert.NoFileExists(t, base+recorder.MetaSuffix)
}

func TestCloseIsFinal(t *testing.T) {
	cfg, kp := testConfig(t)

	l, err := Open(cfg, "final", Deps{Logger: logging.Discard()})
	require.NoError(t, err)
	l.Line("kept")
	require.NoError(t, l.Close())

	assert.ErrorIs(t, l.Close(), ErrClosed)
	assert.ErrorIs(t, l.Abort(), ErrClosed)
	l.Line("ignored")

	_, entries := readLog(t, l.Path(), kp.PrivatePEM)
	assert.Equal(t, []string{"kept"}, texts(entries))
	assert.Zero(t, l.Dropped())
}

// crash leaves the session's binary log and sidecar behind without
// replaying them, as a killed process would.
func crash(t *testing.T, l *Log) {
	t.Helper()
	require.NoError(t, l.rec.Stop(false))
	require.NoError(t, l.out.Close())
	l.cipher.Close()
	l.closed.Store(true)
}

func TestRecoverAfterCrash(t *testing.T) {
	cfg, kp := testConfig(t)
	deps := testDeps(t)

	l, err := Open(cfg, "crashed", deps)
	require.NoError(t, err)
	l.Line("before the crash")
	l.KeyEvent(spaceDown)
	crash(t, l)

	report := Recover(cfg, deps)
	require.Len(t, report.Recovered, 1)
	assert.Empty(t, report.Failed)
	assert.Equal(t, 2, report.Recovered[0].Lines)

	blobs, entries := readLog(t, l.Path(), kp.PrivatePEM)
	require.Len(t, blobs, 2)
	assert.Equal(t, blobs[0], blobs[1])
	assert.Equal(t, []string{"before the crash", "+50|Space|+|7|#FF0000FF|60|"}, texts(entries))

	s, err := deps.Ledger.Get(l.ID())
	require.NoError(t, err)
	assert.Equal(t, ledger.StateRecovered, s.State)
	assert.Equal(t, 2, s.Lines)

	base := filepath.Join(cfg.Log.Dir, "crashed")
	assert.NoFileExists(t, base+recorder.BinSuffix)
	assert.NoFileExists(t, base+recorder.MetaSuffix)
}

func TestReopenAtCrashedBaseRecoversFirst(t *testing.T) {
	cfg, kp := testConfig(t)
	deps := testDeps(t)

	crashed, err := Open(cfg, "sess", deps)
	require.NoError(t, err)
	crashed.Line("must survive")
	crashed.KeyEvent(spaceDown)
	crash(t, crashed)

	l, err := Open(cfg, "sess", deps)
	require.NoError(t, err)
	l.Line("after restart")
	require.NoError(t, l.Close())

	blobs, entries := readLog(t, l.Path(), kp.PrivatePEM)
	require.Len(t, blobs, 3)
	assert.Equal(t, []string{crashed.Blob(), crashed.Blob(), l.Blob()}, blobs)
	assert.Equal(t, []string{"must survive", "+50|Space|+|7|#FF0000FF|60|", "after restart"}, texts(entries))

	old, err := deps.Ledger.Get(crashed.ID())
	require.NoError(t, err)
	assert.Equal(t, ledger.StateRecovered, old.State)
	assert.Equal(t, 2, old.Lines)

	cur, err := deps.Ledger.Get(l.ID())
	require.NoError(t, err)
	assert.Equal(t, ledger.StateClosed, cur.State)

	base := filepath.Join(cfg.Log.Dir, "sess")
	assert.NoFileExists(t, base+recorder.BinSuffix)
	assert.NoFileExists(t, base+recorder.MetaSuffix)
}

func TestOpenRefusesLiveBase(t *testing.T) {
	cfg, kp := testConfig(t)

	live, err := Open(cfg, "sess", Deps{Logger: logging.Discard()})
	require.NoError(t, err)
	live.Line("still recording")

	_, err = Open(cfg, "sess", Deps{Logger: logging.Discard()})
	require.ErrorIs(t, err, ErrBaseInUse)

	require.NoError(t, live.Close())
	_, entries := readLog(t, live.Path(), kp.PrivatePEM)
	assert.Equal(t, []string{"still recording"}, texts(entries))
}

func TestRecoverPendingSkipsOwnRecording(t *testing.T) {
	cfg, kp := testConfig(t)

	orphan, err := Open(cfg, "orphan", Deps{Logger: logging.Discard()})
	require.NoError(t, err)
	orphan.Line("orphaned")
	crash(t, orphan)

	l, err := Open(cfg, "current", Deps{Logger: logging.Discard()})
	require.NoError(t, err)
	defer l.Close()

	report := l.RecoverPending(cfg.RecoveryDirs())
	require.Len(t, report.Recovered, 1)
	assert.Equal(t, filepath.Join(cfg.Log.Dir, "orphan"), report.Recovered[0].BasePath)
	require.Len(t, report.Skipped, 1)
	assert.Equal(t, recorder.SkipRecording, report.Skipped[0].Reason)

	again := l.RecoverPending(cfg.RecoveryDirs())
	assert.Empty(t, again.Recovered)
	assert.Empty(t, again.Skipped)

	_, entries := readLog(t, orphan.Path(), kp.PrivatePEM)
	assert.Equal(t, []string{"orphaned"}, texts(entries))
}

func TestRecoverPendingWithoutRecorderCountsFiles(t *testing.T) {
	cfg, kp := testConfig(t)

	orphan, err := Open(cfg, "orphan", Deps{Logger: logging.Discard()})
	require.NoError(t, err)
	orphan.Line("orphaned")
	crash(t, orphan)

	m := metrics.New("test", prometheus.NewRegistry())
	cfg.Recorder.Enabled = false
	l, err := Open(cfg, "current", Deps{Logger: logging.Discard(), Metrics: m})
	require.NoError(t, err)
	defer l.Close()

	report := l.RecoverPending(cfg.RecoveryDirs())
	require.Len(t, report.Recovered, 1)

	expected := `
# HELP test_recovery_files_total Orphaned binary event logs seen during recovery by outcome
# TYPE test_recovery_files_total counter
test_recovery_files_total{outcome="recovered"} 1
`
	require.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "test_recovery_files_total"))

	_, entries := readLog(t, orphan.Path(), kp.PrivatePEM)
	assert.Equal(t, []string{"orphaned"}, texts(entries))
}
