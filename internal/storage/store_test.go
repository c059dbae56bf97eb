package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/syndtr/goleveldb/leveldb"
)

func openService(t *testing.T) (*Service, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "db")
	s, err := NewService(Options{Path: path})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, path
}

func keys(t *testing.T, scan func(Visitor) error) []string {
	t.Helper()
	var out []string
	require.NoError(t, scan(func(key []byte, _ Item) (bool, error) {
		out = append(out, string(key))
		return true, nil
	}))
	return out
}

func TestCompareKeys(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"", "", 0},
		{"a", "a", 0},
		{"a", "b", -1},
		{"b", "a", 1},
		{"ab", "abc", -1},
		{"abc", "ab", 1},
		{"", "a", -1},
		{"b", "abc", 1},
		{"\xff", "\x00\x00", 1},
	}
	for _, tt := range tests {
		t.Run(tt.a+"|"+tt.b, func(t *testing.T) {
			assert.Equal(t, tt.want, CompareKeys([]byte(tt.a), []byte(tt.b)))
		})
	}
}

func TestService_CRUD(t *testing.T) {
	s, _ := openService(t)

	_, err := s.Get([]byte("k"))
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Set([]byte("k"), []byte("v1")))
	require.NoError(t, s.Set([]byte("k"), []byte("v2")))
	item, err := s.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), item.Value)
	assert.Zero(t, item.ExpireAt)

	ok, err := s.Has([]byte("k"))
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.Delete([]byte("k")))
	require.NoError(t, s.Delete([]byte("k")))
	ok, err = s.Has([]byte("k"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestService_ApplyIsIdempotent(t *testing.T) {
	s, _ := openService(t)

	for i := 0; i < 2; i++ {
		require.NoError(t, s.Apply(false, []byte("a"), Item{Value: []byte("1")}, false))
		require.NoError(t, s.Apply(true, []byte("b"), Item{}, false))
		require.NoError(t, s.Apply(false, []byte("c"), Item{Value: []byte("3"), ExpireAt: 42}, true))
	}
	assert.Equal(t, []string{"a", "c"}, keys(t, func(v Visitor) error { return s.Scan(nil, v) }))
}

func TestService_ScanOrderAndStart(t *testing.T) {
	s, _ := openService(t)
	for _, k := range []string{"b", "ab", "a", "abc", "ba"} {
		require.NoError(t, s.Set([]byte(k), []byte("x")))
	}

	assert.Equal(t, []string{"a", "ab", "abc", "b", "ba"}, keys(t, func(v Visitor) error { return s.Scan(nil, v) }))
	assert.Equal(t, []string{"abc", "b", "ba"}, keys(t, func(v Visitor) error { return s.Scan([]byte("abb"), v) }))

	var seen []string
	require.NoError(t, s.Scan(nil, func(key []byte, _ Item) (bool, error) {
		seen = append(seen, string(key))
		return len(seen) < 2, nil
	}))
	assert.Equal(t, []string{"a", "ab"}, seen)
}

func TestService_SnapshotIsStable(t *testing.T) {
	s, _ := openService(t)
	require.NoError(t, s.Set([]byte("a"), []byte("1")))

	snap, err := s.Snapshot()
	require.NoError(t, err)
	defer snap.Release()

	require.NoError(t, s.Set([]byte("b"), []byte("2")))
	require.NoError(t, s.Delete([]byte("a")))

	assert.Equal(t, []string{"a"}, keys(t, func(v Visitor) error { return snap.Scan(nil, v) }))
	assert.Equal(t, []string{"b"}, keys(t, func(v Visitor) error { return s.Scan(nil, v) }))
}

func TestService_ClearAndLoad(t *testing.T) {
	s, _ := openService(t)
	for i := 0; i < 3000; i++ {
		require.NoError(t, s.Set([]byte{byte(i >> 8), byte(i)}, []byte("x")))
	}
	require.NoError(t, s.Clear())
	assert.Empty(t, keys(t, func(v Visitor) error { return s.Scan(nil, v) }))

	require.NoError(t, s.Load(nil, true))
	require.NoError(t, s.Load([]Pair{
		{Key: []byte("x"), Value: []byte("1")},
		{Key: []byte("y"), Value: []byte("2")},
	}, true))
	assert.Equal(t, []string{"x", "y"}, keys(t, func(v Visitor) error { return s.Scan(nil, v) }))
}

func TestService_ExpiryTravelsWithValue(t *testing.T) {
	s, _ := openService(t)
	require.NoError(t, s.Apply(false, []byte("a"), Item{Value: []byte("1"), ExpireAt: 1500}, false))
	require.NoError(t, s.Apply(false, []byte("b"), Item{Value: []byte{}}, false))
	require.NoError(t, s.Load([]Pair{{Key: []byte("c"), Value: []byte("3"), ExpireAt: 99}}, false))

	item, err := s.Get([]byte("a"))
	require.NoError(t, err)
	assert.Equal(t, Item{Value: []byte("1"), ExpireAt: 1500}, item)
	assert.False(t, item.Expired(1499))
	assert.True(t, item.Expired(1500))

	item, err = s.Get([]byte("b"))
	require.NoError(t, err)
	assert.Empty(t, item.Value)
	assert.False(t, item.Expired(1<<62))

	got := map[string]uint64{}
	require.NoError(t, s.Scan(nil, func(key []byte, item Item) (bool, error) {
		got[string(key)] = item.ExpireAt
		return true, nil
	}))
	assert.Equal(t, map[string]uint64{"a": 1500, "b": 0, "c": 99}, got)
}

func TestService_ReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db")
	s, err := NewService(Options{Path: path, Compression: true, ReadVerifyChecksum: true})
	require.NoError(t, err)
	require.NoError(t, s.Set([]byte("k"), []byte("v")))
	require.NoError(t, s.Compact())
	require.NoError(t, s.Close())

	s, err = NewService(Options{Path: path})
	require.NoError(t, err)
	defer s.Close()
	item, err := s.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), item.Value)
}

func TestService_RejectsForeignComparator(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db")
	db, err := leveldb.OpenFile(path, nil)
	require.NoError(t, err)
	require.NoError(t, db.Put([]byte("k"), []byte("v"), nil))
	require.NoError(t, db.Close())

	_, err = NewService(Options{Path: path})
	require.ErrorIs(t, err, ErrStorageOpen)
}

func TestService_Closed(t *testing.T) {
	s, _ := openService(t)
	require.NoError(t, s.Close())

	_, err := s.Get([]byte("k"))
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, s.Set([]byte("k"), nil), ErrClosed)
	require.NoError(t, s.Close())
}
