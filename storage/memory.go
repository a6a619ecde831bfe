package storage

import (
	"sort"
	"sync"

	"golang.org/x/xerrors"

	"github.com/ringfs/ringfs/types"
)

// Memory is a map-backed Backend for tests and in-process rings.
type Memory struct {
	mu   sync.RWMutex
	m    int
	data map[string][]byte
}

var _ Backend = (*Memory)(nil)

func NewMemory(m int) *Memory {
	return &Memory{m: m, data: make(map[string][]byte)}
}

func (s *Memory) Save(name string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	s.data[name] = cp
	return nil
}

func (s *Memory) Get(name string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.data[name]
	if !ok {
		return nil, xerrors.Errorf("get %s: %w", name, types.ErrNotFound)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

func (s *Memory) Exists(name string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.data[name]
	return ok, nil
}

func (s *Memory) Delete(name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.data[name]
	delete(s.data, name)
	return ok, nil
}

func (s *Memory) List() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.data))
	for name := range s.data {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *Memory) ScanRange(lo, hi uint64) ([]File, error) {
	names, err := s.List()
	if err != nil {
		return nil, err
	}
	return scanRange(names, s.m, lo, hi, s.Get)
}
