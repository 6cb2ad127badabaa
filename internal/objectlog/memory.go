package objectlog

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"

	"github.com/rotisserie/eris"
)

// MemoryLog is an in-process Log used by tests and local development runs.
// It honors the same PutIfAbsent contract as the gateway.
type MemoryLog struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemory creates an empty MemoryLog.
func NewMemory() *MemoryLog {
	return &MemoryLog{objects: make(map[string][]byte)}
}

func (m *MemoryLog) PutIfAbsent(ctx context.Context, key string, obj any) error {
	data, err := json.Marshal(obj)
	if err != nil {
		return eris.Wrapf(err, "objectlog: marshal %s", key)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[key]; ok {
		return ErrKeyExists
	}
	m.objects[key] = data
	return nil
}

func (m *MemoryLog) Put(ctx context.Context, key string, obj any) error {
	data, err := json.Marshal(obj)
	if err != nil {
		return eris.Wrapf(err, "objectlog: marshal %s", key)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
	return nil
}

func (m *MemoryLog) Get(ctx context.Context, key string, out any) (bool, error) {
	m.mu.RLock()
	data, ok := m.objects[key]
	m.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return false, eris.Wrapf(err, "objectlog: decode %s", key)
		}
	}
	return true, nil
}

func (m *MemoryLog) ListByPrefix(ctx context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var keys []string
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Raw returns the stored bytes for key, for test assertions on byte-identical
// records. Returns nil if absent.
func (m *MemoryLog) Raw(key string) []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.objects[key]
}

// Len returns the number of stored objects.
func (m *MemoryLog) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}
