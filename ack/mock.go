package ack

import (
	"context"
	"sync"

	"miren.dev/invoker/activation"
)

// MockAcker is a hand-rolled Acker test double, following the same
// override-function idiom as containerops.MockOps.
type MockAcker struct {
	mu sync.Mutex

	OnAck func(ctx context.Context, txnID string, record activation.Record, blocking bool, controllerID, userID string) error

	Acked []activation.Record
}

var _ Acker = &MockAcker{}

func (m *MockAcker) Ack(ctx context.Context, txnID string, record activation.Record, blocking bool, controllerID, userID string) <-chan error {
	ch := make(chan error, 1)

	m.mu.Lock()
	m.Acked = append(m.Acked, record)
	m.mu.Unlock()

	var err error
	if m.OnAck != nil {
		err = m.OnAck(ctx, txnID, record, blocking, controllerID, userID)
	}
	ch <- err
	return ch
}

func (m *MockAcker) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Acked)
}

// MockStore is a hand-rolled Store test double.
type MockStore struct {
	mu sync.Mutex

	OnStore func(ctx context.Context, txnID string, record activation.Record, userID string) error

	Stored []activation.Record
}

var _ Store = &MockStore{}

func (m *MockStore) StoreActivation(ctx context.Context, txnID string, record activation.Record, userID string) <-chan error {
	ch := make(chan error, 1)

	m.mu.Lock()
	m.Stored = append(m.Stored, record)
	m.mu.Unlock()

	var err error
	if m.OnStore != nil {
		err = m.OnStore(ctx, txnID, record, userID)
	}
	ch <- err
	return ch
}

func (m *MockStore) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Stored)
}

// MockLogCollector is a hand-rolled LogCollector test double.
type MockLogCollector struct {
	OnCollect func(ctx context.Context, txnID, userID string, record activation.Record, sandboxID, actionName string) CollectResult
}

var _ LogCollector = &MockLogCollector{}

func (m *MockLogCollector) Collect(ctx context.Context, txnID, userID string, record activation.Record, sandboxID, actionName string) <-chan CollectResult {
	ch := make(chan CollectResult, 1)

	if m.OnCollect != nil {
		ch <- m.OnCollect(ctx, txnID, userID, record, sandboxID, actionName)
	} else {
		ch <- CollectResult{Logs: ActivationLogs{Complete: true}}
	}
	return ch
}
