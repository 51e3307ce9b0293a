// SPDX-FileCopyrightText: Copyright 2025 SDK Fleet Authors
// SPDX-License-Identifier: MIT

package secrets

import (
	"context"
	"fmt"
	"sync"
)

var _ Store = (*Memory)(nil)

// Memory is an in-memory [Store]. It backs unit tests and key-file mode,
// where discovered installation ids need a home for the current invocation
// only. The zero value is ready to use.
type Memory struct {
	mu   sync.Mutex
	data map[string][][]byte
}

// GetLatest implements [Store].
func (m *Memory) GetLatest(_ context.Context, name string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	versions := m.data[name]
	if len(versions) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	latest := versions[len(versions)-1]
	out := make([]byte, len(latest))
	copy(out, latest)
	return out, nil
}

// Add implements [Store].
func (m *Memory) Add(_ context.Context, name string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.data == nil {
		m.data = map[string][][]byte{}
	}
	buf := make([]byte, len(payload))
	copy(buf, payload)
	m.data[name] = append(m.data[name], buf)
	return nil
}

// Versions returns the number of versions stored for name.
func (m *Memory) Versions(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.data[name])
}
