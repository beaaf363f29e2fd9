package core

// Persistent store contract (§6): every module that needs durability
// (the key safe, the block history cache) talks to this interface, not
// to a concrete database. RecordNotFound is the only error shape a
// caller is allowed to distinguish; everything else is opaque.

import (
	"sort"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/pkg/errors"
)

// RecordStore is a minimal table-scoped key/value contract: put, get,
// first (get the lexicographically-first key in a table, used by the
// key safe to find its single record regardless of id scheme), delete,
// get_all, and bulk variants for batched writes (§6).
type RecordStore interface {
	Put(table, id string, value []byte) error
	Get(table, id string) ([]byte, error)
	First(table string) (id string, value []byte, err error)
	Delete(table, id string) error
	GetAll(table string) (map[string][]byte, error)
	BulkPut(table string, items map[string][]byte) error
	BulkDelete(table string, ids []string) error
	Close() error
}

// --- in-memory implementation (tests, and callers with no durability
// requirement) -------------------------------------------------------------

type memoryStore struct {
	mu     sync.RWMutex
	tables map[string]map[string][]byte
}

// NewMemoryStore returns a RecordStore backed by process memory only.
func NewMemoryStore() RecordStore {
	return &memoryStore{tables: map[string]map[string][]byte{}}
}

func (s *memoryStore) table(name string) map[string][]byte {
	t, ok := s.tables[name]
	if !ok {
		t = map[string][]byte{}
		s.tables[name] = t
	}
	return t
}

func (s *memoryStore) Put(table, id string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := append([]byte(nil), value...)
	s.table(table)[id] = cp
	return nil
}

func (s *memoryStore) Get(table, id string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.table(table)[id]
	if !ok {
		return nil, &RecordNotFound{Table: table, ID: id}
	}
	return append([]byte(nil), v...), nil
}

func (s *memoryStore) First(table string) (string, []byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t := s.table(table)
	if len(t) == 0 {
		return "", nil, &RecordNotFound{Table: table, ID: ""}
	}
	ids := make([]string, 0, len(t))
	for id := range t {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	first := ids[0]
	return first, append([]byte(nil), t[first]...), nil
}

func (s *memoryStore) Delete(table, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.table(table)
	if _, ok := t[id]; !ok {
		return &RecordNotFound{Table: table, ID: id}
	}
	delete(t, id)
	return nil
}

func (s *memoryStore) GetAll(table string) (map[string][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]byte, len(s.table(table)))
	for id, v := range s.table(table) {
		out[id] = append([]byte(nil), v...)
	}
	return out, nil
}

func (s *memoryStore) BulkPut(table string, items map[string][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.table(table)
	for id, v := range items {
		t[id] = append([]byte(nil), v...)
	}
	return nil
}

func (s *memoryStore) BulkDelete(table string, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.table(table)
	for _, id := range ids {
		delete(t, id)
	}
	return nil
}

func (s *memoryStore) Close() error { return nil }

// --- Badger-backed implementation -----------------------------------------
//
// One embedded, on-disk LSM db per session directory (SessionConfig's
// StorageDir), keys namespaced as "<table>/<id>" so table scans reuse
// the store's own key ordering instead of a secondary index.

type badgerStore struct {
	db *badger.DB
}

// NewBadgerStore opens (creating if absent) a Badger database rooted at
// dir. Badger's own WAL/compaction give the key safe and block cache
// crash-consistent writes without this package reimplementing one.
func NewBadgerStore(dir string) (RecordStore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrap(err, "opening badger store")
	}
	return &badgerStore{db: db}, nil
}

func badgerKey(table, id string) []byte {
	return []byte(table + "/" + id)
}

func (s *badgerStore) Put(table, id string, value []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(badgerKey(table, id), value)
	})
}

func (s *badgerStore) Get(table, id string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerKey(table, id))
		if err == badger.ErrKeyNotFound {
			return &RecordNotFound{Table: table, ID: id}
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			out = append([]byte(nil), val...)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *badgerStore) First(table string) (string, []byte, error) {
	prefix := []byte(table + "/")
	var id string
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		it.Seek(prefix)
		if !it.ValidForPrefix(prefix) {
			return &RecordNotFound{Table: table, ID: ""}
		}
		item := it.Item()
		id = string(item.KeyCopy(nil)[len(prefix):])
		return item.Value(func(val []byte) error {
			value = append([]byte(nil), val...)
			return nil
		})
	})
	if err != nil {
		return "", nil, err
	}
	return id, value, nil
}

func (s *badgerStore) Delete(table, id string) error {
	key := badgerKey(table, id)
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key); err == badger.ErrKeyNotFound {
			return &RecordNotFound{Table: table, ID: id}
		} else if err != nil {
			return err
		}
		return txn.Delete(key)
	})
}

func (s *badgerStore) GetAll(table string) (map[string][]byte, error) {
	prefix := []byte(table + "/")
	out := map[string][]byte{}
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			id := string(item.KeyCopy(nil)[len(prefix):])
			err := item.Value(func(val []byte) error {
				out[id] = append([]byte(nil), val...)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *badgerStore) BulkPut(table string, items map[string][]byte) error {
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for id, v := range items {
		if err := wb.Set(badgerKey(table, id), v); err != nil {
			return err
		}
	}
	return wb.Flush()
}

func (s *badgerStore) BulkDelete(table string, ids []string) error {
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, id := range ids {
		if err := wb.Delete(badgerKey(table, id)); err != nil {
			return err
		}
	}
	return wb.Flush()
}

func (s *badgerStore) Close() error {
	return s.db.Close()
}
