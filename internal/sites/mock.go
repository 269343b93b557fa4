package sites

import (
	"context"
	"sync"

	"github.com/laurentialabs/registre/internal/browser"
	"github.com/laurentialabs/registre/internal/store"
)

// MockDriver is a configurable Driver for tests.
type MockDriver struct {
	mu sync.Mutex

	// LoginOutcome is returned by Login. Zero value means success.
	LoginOutcome Outcome

	// ExecuteFunc, when set, computes the result per task. Otherwise
	// ExecuteResult is returned as-is.
	ExecuteFunc   func(ctx context.Context, task *Task) Result
	ExecuteResult Result

	LoginCalls   int
	ExecuteCalls int
	SeenTasks    []*Task
}

// NewMockDriver returns a driver that succeeds with the given artifact.
func NewMockDriver(artifact *Artifact) *MockDriver {
	return &MockDriver{
		ExecuteResult: Result{Artifact: artifact},
	}
}

func (m *MockDriver) Login(_ context.Context, _ browser.Session, _ *store.Credential) Outcome {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.LoginCalls++
	return m.LoginOutcome
}

func (m *MockDriver) Execute(ctx context.Context, _ browser.Session, task *Task) Result {
	m.mu.Lock()
	m.ExecuteCalls++
	m.SeenTasks = append(m.SeenTasks, task)
	fn := m.ExecuteFunc
	result := m.ExecuteResult
	m.mu.Unlock()
	if fn != nil {
		return fn(ctx, task)
	}
	return result
}

// Calls returns (login, execute) call counts.
func (m *MockDriver) Calls() (int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.LoginCalls, m.ExecuteCalls
}

// Verify interface compliance
var _ Driver = (*MockDriver)(nil)
