package frame

import (
	"sync"
	"sync/atomic"
)

type slot struct {
	blob       atomic.Pointer[[]byte]
	publishes  atomic.Uint64
	overwrites atomic.Uint64
	fetches    atomic.Uint64
}

// SlotStats counts activity on a single key.
type SlotStats struct {
	Publishes  uint64 `json:"publishes"`
	Overwrites uint64 `json:"overwrites"`
	Fetches    uint64 `json:"fetches"`
}

// Store is a set of single-slot cells keyed by stream id. Publish replaces
// the slot value; Fetch returns whatever was published last. There is no
// queue and no notification, readers poll.
//
// Blobs are swapped in as whole values, so a reader sees either the previous
// or the next publish and never a mix of both.
type Store struct {
	slots map[string]*slot
	mux   sync.RWMutex
}

func NewStore() *Store {
	return &Store{slots: make(map[string]*slot)}
}

func (s *Store) get(key string) *slot {
	s.mux.RLock()
	defer s.mux.RUnlock()

	return s.slots[key]
}

func (s *Store) getOrCreate(key string) *slot {
	if sl := s.get(key); sl != nil {
		return sl
	}

	s.mux.Lock()
	defer s.mux.Unlock()

	if sl, ok := s.slots[key]; ok {
		return sl
	}

	sl := &slot{}
	s.slots[key] = sl

	return sl
}

// Publish stores blob under key. The caller hands over ownership of blob and
// must not write to it afterwards.
func (s *Store) Publish(key string, blob []byte) {
	sl := s.getOrCreate(key)

	if old := sl.blob.Swap(&blob); old != nil {
		sl.overwrites.Add(1)
	}
	sl.publishes.Add(1)
}

// Fetch returns the latest blob under key, or false when nothing has been
// published yet. The returned slice is shared; do not modify it.
func (s *Store) Fetch(key string) ([]byte, bool) {
	sl := s.get(key)
	if sl == nil {
		return nil, false
	}

	sl.fetches.Add(1)

	p := sl.blob.Load()
	if p == nil {
		return nil, false
	}

	return *p, true
}

// PublishFrame encodes f and publishes it.
func (s *Store) PublishFrame(key string, f Frame) error {
	blob, err := Encode(f)
	if err != nil {
		return err
	}

	s.Publish(key, blob)
	return nil
}

func (s *Store) Stats(key string) SlotStats {
	sl := s.get(key)
	if sl == nil {
		return SlotStats{}
	}

	return SlotStats{
		Publishes:  sl.publishes.Load(),
		Overwrites: sl.overwrites.Load(),
		Fetches:    sl.fetches.Load(),
	}
}

func (s *Store) Keys() []string {
	s.mux.RLock()
	defer s.mux.RUnlock()

	keys := make([]string, 0, len(s.slots))
	for k := range s.slots {
		keys = append(keys, k)
	}
	return keys
}
