package recovery

import (
	"context"
	"errors"
	"testing"
)

// mockRecoverable records whether it was called.
type mockRecoverable struct {
	recoverError  error
	recoverCalled bool
}

func (m *mockRecoverable) RecoverState(context.Context) error {
	m.recoverCalled = true
	return m.recoverError
}

func TestManager_RecoverAll_Success(t *testing.T) {
	manager := NewManager()
	mock1 := &mockRecoverable{}
	called := false
	manager.Register("mock1", mock1)
	manager.Register("func", RecoverFunc(func(context.Context) error {
		called = true
		return nil
	}))

	if err := manager.RecoverAll(context.Background()); err != nil {
		t.Errorf("RecoverAll failed: %v", err)
	}
	if !mock1.recoverCalled || !called {
		t.Error("Expected every component to be recovered")
	}
}

func TestManager_RecoverAll_WithErrors(t *testing.T) {
	manager := NewManager()
	cause := errors.New("database is locked")
	mock1 := &mockRecoverable{recoverError: cause}
	mock2 := &mockRecoverable{}
	manager.Register("jobs", mock1)
	manager.Register("outbox", mock2)

	err := manager.RecoverAll(context.Background())
	if err == nil {
		t.Fatal("Expected error from RecoverAll when components fail")
	}
	if !errors.Is(err, cause) {
		t.Errorf("Expected the component error to be wrapped, got %v", err)
	}
	if !mock1.recoverCalled || !mock2.recoverCalled {
		t.Error("All recoverables should be called despite errors")
	}
}

func TestManager_RecoverAll_Cancelled(t *testing.T) {
	manager := NewManager()
	mock1 := &mockRecoverable{}
	manager.Register("mock1", mock1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := manager.RecoverAll(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if mock1.recoverCalled {
		t.Error("Expected no recovery after cancellation")
	}
}
