package state

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestState(t *testing.T) *State {
	t.Helper()

	s, err := Load(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	return s
}

// --- Load ---

func TestLoad_CreatesMissingDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "deeper", "state.db")

	s, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func TestLoad_ReopensExistingDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")

	s, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, s.SetToken("tok-persisted"))
	require.NoError(t, s.Close())

	s, err = Load(path)
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, "tok-persisted", s.Token())
}

// --- tokens ---

func TestToken_EmptyByDefault(t *testing.T) {
	s := newTestState(t)
	assert.Empty(t, s.Token())
	assert.Empty(t, s.PushToken())
}

func TestSetToken_RoundTrip(t *testing.T) {
	s := newTestState(t)

	require.NoError(t, s.SetToken("tok-abc"))
	assert.Equal(t, "tok-abc", s.Token())
}

func TestSetToken_EmptyClears(t *testing.T) {
	s := newTestState(t)

	require.NoError(t, s.SetToken("tok-abc"))
	require.NoError(t, s.SetToken(""))
	assert.Empty(t, s.Token())
}

func TestSetPushToken_IndependentOfAuthToken(t *testing.T) {
	s := newTestState(t)

	require.NoError(t, s.SetToken("auth"))
	require.NoError(t, s.SetPushToken("push"))
	require.NoError(t, s.SetToken(""))

	assert.Empty(t, s.Token())
	assert.Equal(t, "push", s.PushToken())
}

// --- read cursors ---

func TestReadCursor_ZeroByDefault(t *testing.T) {
	s := newTestState(t)

	cursor, err := s.ReadCursor(7)
	require.NoError(t, err)
	assert.Zero(t, cursor)
}

func TestSetReadCursor_RoundTrip(t *testing.T) {
	s := newTestState(t)

	require.NoError(t, s.SetReadCursor(7, 42))
	cursor, err := s.ReadCursor(7)
	require.NoError(t, err)
	assert.EqualValues(t, 42, cursor)
}

func TestSetReadCursor_NeverMovesBackwards(t *testing.T) {
	s := newTestState(t)

	require.NoError(t, s.SetReadCursor(7, 42))
	require.NoError(t, s.SetReadCursor(7, 30))

	cursor, err := s.ReadCursor(7)
	require.NoError(t, err)
	assert.EqualValues(t, 42, cursor)
}

func TestSetReadCursor_AdvancesForward(t *testing.T) {
	s := newTestState(t)

	require.NoError(t, s.SetReadCursor(7, 42))
	require.NoError(t, s.SetReadCursor(7, 99))

	cursor, err := s.ReadCursor(7)
	require.NoError(t, err)
	assert.EqualValues(t, 99, cursor)
}

func TestReadCursor_PerRoom(t *testing.T) {
	s := newTestState(t)

	require.NoError(t, s.SetReadCursor(7, 42))
	require.NoError(t, s.SetReadCursor(8, 5))

	a, err := s.ReadCursor(7)
	require.NoError(t, err)
	b, err := s.ReadCursor(8)
	require.NoError(t, err)
	assert.EqualValues(t, 42, a)
	assert.EqualValues(t, 5, b)
}
