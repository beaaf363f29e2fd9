package core

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryStorePutGetRoundTrip(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.Put("t", "id1", []byte("value")))
	v, err := s.Get("t", "id1")
	require.NoError(t, err)
	require.Equal(t, []byte("value"), v)
}

func TestMemoryStoreGetMissingIsRecordNotFound(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.Get("t", "missing")
	require.True(t, IsRecordNotFound(err))
}

func TestMemoryStoreFirstReturnsLexicographicallyFirstID(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.Put("t", "zzz", []byte("z")))
	require.NoError(t, s.Put("t", "aaa", []byte("a")))
	id, v, err := s.First("t")
	require.NoError(t, err)
	require.Equal(t, "aaa", id)
	require.Equal(t, []byte("a"), v)
}

func TestMemoryStoreFirstOnEmptyTableIsRecordNotFound(t *testing.T) {
	s := NewMemoryStore()
	_, _, err := s.First("empty")
	require.True(t, IsRecordNotFound(err))
}

func TestMemoryStoreDelete(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.Put("t", "id1", []byte("v")))
	require.NoError(t, s.Delete("t", "id1"))
	_, err := s.Get("t", "id1")
	require.True(t, IsRecordNotFound(err))

	err = s.Delete("t", "id1")
	require.True(t, IsRecordNotFound(err))
}

func TestMemoryStoreGetAll(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.Put("t", "a", []byte("1")))
	require.NoError(t, s.Put("t", "b", []byte("2")))
	all, err := s.GetAll("t")
	require.NoError(t, err)
	require.Equal(t, map[string][]byte{"a": []byte("1"), "b": []byte("2")}, all)
}

func TestMemoryStoreBulkPutAndBulkDelete(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.BulkPut("t", map[string][]byte{"a": []byte("1"), "b": []byte("2")}))
	all, err := s.GetAll("t")
	require.NoError(t, err)
	require.Len(t, all, 2)

	require.NoError(t, s.BulkDelete("t", []string{"a", "b"}))
	all, err = s.GetAll("t")
	require.NoError(t, err)
	require.Empty(t, all)
}

func TestMemoryStorePutCopiesValueSoCallerMutationIsIsolated(t *testing.T) {
	s := NewMemoryStore()
	value := []byte("original")
	require.NoError(t, s.Put("t", "id", value))
	value[0] = 'X'
	got, err := s.Get("t", "id")
	require.NoError(t, err)
	require.Equal(t, []byte("original"), got)
}
