package ledger

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTest(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "db", "ledger.db"), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestBeginAndGet(t *testing.T) {
	l := openTest(t)

	id, err := l.Begin("/data/run-1", "/data/run-1.log", "x25519-sealedbox.v1")
	require.NoError(t, err)
	_, err = uuid.Parse(id)
	require.NoError(t, err, "session IDs are UUIDs")

	s, err := l.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "/data/run-1", s.BasePath)
	assert.Equal(t, "/data/run-1.log", s.LogPath)
	assert.Equal(t, "x25519-sealedbox.v1", s.BlobVersion)
	assert.Equal(t, StateActive, s.State)
	assert.NotZero(t, s.StartedNs)
	assert.Zero(t, s.EndedNs)
}

func TestGetNotFound(t *testing.T) {
	l := openTest(t)

	_, err := l.Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFinish(t *testing.T) {
	l := openTest(t)

	id, err := l.Begin("/data/run-1", "/data/run-1.log", "rsa-oaep-sha256.v1")
	require.NoError(t, err)

	require.NoError(t, l.Finish(id, StateClosed, 42, 3))

	s, err := l.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StateClosed, s.State)
	assert.Equal(t, 42, s.Lines)
	assert.Equal(t, uint64(3), s.Dropped)
	assert.GreaterOrEqual(t, s.EndedNs, s.StartedNs)

	assert.ErrorIs(t, l.Finish(id, StateClosed, 1, 0), ErrNotActive)
	assert.ErrorIs(t, l.Finish("missing", StateClosed, 1, 0), ErrNotFound)
}

func TestFinishRejectsBadState(t *testing.T) {
	l := openTest(t)

	id, err := l.Begin("/b", "/b.log", "v")
	require.NoError(t, err)

	assert.ErrorIs(t, l.Finish(id, StateRecovered, 0, 0), ErrBadState)
	assert.ErrorIs(t, l.Finish(id, StateActive, 0, 0), ErrBadState)
}

func TestMarkRecovered(t *testing.T) {
	l := openTest(t)

	id, err := l.Begin("/data/crashed", "/data/crashed.log", "x25519-sealedbox.v1")
	require.NoError(t, err)

	require.NoError(t, l.MarkRecovered("/data/crashed", "/data/crashed.log", 7))

	s, err := l.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StateRecovered, s.State)
	assert.Equal(t, 7, s.Lines)
	assert.NotZero(t, s.EndedNs)
}

func TestMarkRecoveredUnknownSession(t *testing.T) {
	l := openTest(t)

	require.NoError(t, l.MarkRecovered("/elsewhere/run", "/elsewhere/run.log", 5))

	sessions, err := l.List(StateRecovered)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "/elsewhere/run", sessions[0].BasePath)
	assert.Equal(t, 5, sessions[0].Lines)
	assert.Empty(t, sessions[0].BlobVersion)
}

func TestList(t *testing.T) {
	l := openTest(t)

	var tick int64
	l.now = func() time.Time {
		tick++
		return time.Unix(0, tick)
	}

	a, err := l.Begin("/a", "/a.log", "v")
	require.NoError(t, err)
	b, err := l.Begin("/b", "/b.log", "v")
	require.NoError(t, err)
	_, err = l.Begin("/c", "/c.log", "v")
	require.NoError(t, err)

	require.NoError(t, l.Finish(a, StateClosed, 1, 0))
	require.NoError(t, l.Finish(b, StateDiscarded, 0, 0))

	all, err := l.List("")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "/a", all[0].BasePath)
	assert.Equal(t, "/c", all[2].BasePath)

	active, err := l.List(StateActive)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "/c", active[0].BasePath)

	discarded, err := l.List(StateDiscarded)
	require.NoError(t, err)
	require.Len(t, discarded, 1)
	assert.Equal(t, b, discarded[0].ID)
}

func TestReopenKeepsSessions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")

	l, err := Open(path, 0)
	require.NoError(t, err)
	id, err := l.Begin("/a", "/a.log", "v")
	require.NoError(t, err)
	require.NoError(t, l.Close())

	l, err = Open(path, 0)
	require.NoError(t, err)
	defer l.Close()

	s, err := l.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StateActive, s.State)
}

func TestCloseNilDB(t *testing.T) {
	l := &Ledger{}
	assert.NoError(t, l.Close())
}

func TestPing(t *testing.T) {
	l := openTest(t)
	assert.NoError(t, l.Ping(context.Background()))
}
