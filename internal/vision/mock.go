package vision

import (
	"context"
	"sync"
)

// MockModel is a scriptable Model for pipeline tests. Responses are served
// in FIFO order per prompt prefix, falling back to Default.
type MockModel struct {
	ModelName string

	// RespondFunc, when set, computes every response.
	RespondFunc func(req Request) (*Response, error)

	// Default is returned when RespondFunc is nil and the queue is empty.
	Default *Response

	mu    sync.Mutex
	queue []*Response
	Calls []Request
}

// Enqueue appends scripted responses served in order.
func (m *MockModel) Enqueue(responses ...*Response) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, responses...)
}

func (m *MockModel) Name() string {
	if m.ModelName == "" {
		return "mock"
	}
	return m.ModelName
}

func (m *MockModel) Complete(_ context.Context, req Request) (*Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, req)

	if m.RespondFunc != nil {
		return m.RespondFunc(req)
	}
	if len(m.queue) > 0 {
		resp := m.queue[0]
		m.queue = m.queue[1:]
		return resp, nil
	}
	if m.Default != nil {
		return m.Default, nil
	}
	return &Response{Text: "", TotalTokens: 10}, nil
}

// CallCount returns how many calls the model has served.
func (m *MockModel) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}

// Verify interface compliance
var _ Model = (*MockModel)(nil)
