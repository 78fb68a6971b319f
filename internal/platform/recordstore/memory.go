package recordstore

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store closed")

type memoryEntry struct {
	seq   uint64
	value json.RawMessage
}

type memoryWatcher struct {
	prefix string
	ch     chan []Record
}

// MemoryStore is an in-process Store. It preserves insertion order and
// notifies watchers synchronously after every write.
type MemoryStore struct {
	mu       sync.RWMutex
	records  map[string]*memoryEntry
	order    []string
	seq      uint64
	watchers map[*memoryWatcher]struct{}
	closed   bool
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:  make(map[string]*memoryEntry),
		watchers: make(map[*memoryWatcher]struct{}),
	}
}

func (s *MemoryStore) Put(ctx context.Context, path string, value json.RawMessage) error {
	if err := ValidatePath(path); err != nil {
		return wrapErr("put", path, err)
	}
	if !json.Valid(value) {
		return &Error{Op: "put", Path: path, Message: "value is not valid JSON"}
	}
	if err := ctx.Err(); err != nil {
		return wrapErr("put", path, err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return wrapErr("put", path, ErrClosed)
	}
	stored := append(json.RawMessage(nil), value...)
	if e, ok := s.records[path]; ok {
		e.value = stored
	} else {
		s.seq++
		s.records[path] = &memoryEntry{seq: s.seq, value: stored}
		s.order = append(s.order, path)
	}
	s.notifyLocked(path)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, path string) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, wrapErr("get", path, err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, wrapErr("get", path, ErrClosed)
	}
	e, ok := s.records[path]
	if !ok {
		return nil, nil
	}
	return append(json.RawMessage(nil), e.value...), nil
}

func (s *MemoryStore) Delete(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return wrapErr("delete", path, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return wrapErr("delete", path, ErrClosed)
	}
	if _, ok := s.records[path]; !ok {
		return nil
	}
	delete(s.records, path)
	for i, p := range s.order {
		if p == path {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.notifyLocked(path)
	return nil
}

func (s *MemoryStore) Snapshot(ctx context.Context, prefix string) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, wrapErr("snapshot", prefix, err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, wrapErr("snapshot", prefix, ErrClosed)
	}
	return s.snapshotLocked(prefix), nil
}

func (s *MemoryStore) snapshotLocked(prefix string) []Record {
	out := make([]Record, 0)
	for _, p := range s.order {
		if !under(p, prefix) {
			continue
		}
		out = append(out, Record{Path: p, Value: append(json.RawMessage(nil), s.records[p].value...)})
	}
	return out
}

func (s *MemoryStore) Watch(ctx context.Context, prefix string) (<-chan []Record, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, wrapErr("watch", prefix, ErrClosed)
	}
	w := &memoryWatcher{prefix: prefix, ch: make(chan []Record, watchBuffer)}
	s.watchers[w] = struct{}{}
	offer(w.ch, s.snapshotLocked(prefix))
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		if _, ok := s.watchers[w]; ok {
			delete(s.watchers, w)
			close(w.ch)
		}
		s.mu.Unlock()
	}()
	return w.ch, nil
}

// notifyLocked must be called with s.mu held for writing.
func (s *MemoryStore) notifyLocked(path string) {
	for w := range s.watchers {
		if under(path, w.prefix) {
			offer(w.ch, s.snapshotLocked(w.prefix))
		}
	}
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for w := range s.watchers {
		delete(s.watchers, w)
		close(w.ch)
	}
	return nil
}

// Len returns the number of stored records.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
