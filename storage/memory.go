package storage

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/ruteri/scep-provisioning-backend/interfaces"
)

// MemoryBackend keeps records in process memory. It backs tests and
// single-process development setups.
type MemoryBackend struct {
	name    string
	mu      sync.RWMutex
	records map[interfaces.Namespace]map[string][]byte
}

func NewMemoryBackend(name string) *MemoryBackend {
	records := make(map[interfaces.Namespace]map[string][]byte, len(interfaces.Namespaces))
	for _, ns := range interfaces.Namespaces {
		records[ns] = make(map[string][]byte)
	}
	return &MemoryBackend{name: name, records: records}
}

func (b *MemoryBackend) Fetch(ctx context.Context, ns interfaces.Namespace, key string) ([]byte, error) {
	if err := interfaces.ValidateStorageKey(key); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	data, ok := b.records[ns][key]
	if !ok {
		return nil, interfaces.ErrContentNotFound
	}
	return bytes.Clone(data), nil
}

func (b *MemoryBackend) Store(ctx context.Context, ns interfaces.Namespace, key string, data []byte) error {
	if err := interfaces.ValidateStorageKey(key); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.records[ns]; !ok {
		return fmt.Errorf("unknown namespace %d", ns)
	}
	b.records[ns][key] = bytes.Clone(data)
	return nil
}

func (b *MemoryBackend) Available(ctx context.Context) bool {
	return true
}

func (b *MemoryBackend) Name() string {
	return "memory-" + b.name
}

func (b *MemoryBackend) LocationURI() string {
	return "memory://" + b.name
}
