package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_SaveThenLoad(t *testing.T) {
	s := New(t.TempDir(), nil)

	require.NoError(t, s.Save("42", "0", []string{"ping", "echo"}))

	endpoints, err := s.Load("42", "0")
	require.NoError(t, err)
	assert.Equal(t, []string{"ping", "echo"}, endpoints)
}

func TestStore_LoadMissingReturnsErrNotFound(t *testing.T) {
	s := New(t.TempDir(), nil)

	_, err := s.Load("42", "0")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_DeleteIsBestEffort(t *testing.T) {
	s := New(t.TempDir(), nil)
	s.Delete("42", "0") // no snapshot written yet; must not panic or error out loud

	require.NoError(t, s.Save("42", "0", []string{"ping"}))
	s.Delete("42", "0")

	_, err := s.Load("42", "0")
	assert.ErrorIs(t, err, ErrNotFound)
}

type fakeMirror struct {
	endpoints map[string][]string
}

func newFakeMirror() *fakeMirror { return &fakeMirror{endpoints: map[string][]string{}} }

func (f *fakeMirror) key(botID, shardID string) string { return botID + "/" + shardID }

func (f *fakeMirror) Put(botID, shardID string, endpoints []string) error {
	f.endpoints[f.key(botID, shardID)] = endpoints
	return nil
}

func (f *fakeMirror) Get(botID, shardID string) ([]string, error) {
	endpoints, ok := f.endpoints[f.key(botID, shardID)]
	if !ok {
		return nil, ErrNotFound
	}
	return endpoints, nil
}

func TestStore_FallsBackToMirrorWhenLocalMissing(t *testing.T) {
	mirror := newFakeMirror()
	mirror.endpoints["42/0"] = []string{"stats"}

	s := New(t.TempDir(), mirror)

	endpoints, err := s.Load("42", "0")
	require.NoError(t, err)
	assert.Equal(t, []string{"stats"}, endpoints)
}

func TestStore_SaveAlsoWritesMirror(t *testing.T) {
	mirror := newFakeMirror()
	s := New(t.TempDir(), mirror)

	require.NoError(t, s.Save("7", "1", []string{"a", "b"}))
	endpoints, err := mirror.Get("7", "1")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, endpoints)
}
