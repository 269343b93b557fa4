package browser

import (
	"context"
	"errors"
	"testing"
	"time"
)

// fakeSession records lifecycle calls.
type fakeSession struct {
	closed      bool
	screenshots int
	shotErr     error
}

func (f *fakeSession) Navigate(context.Context, string) error { return nil }
func (f *fakeSession) Screenshot(context.Context) ([]byte, error) {
	f.screenshots++
	if f.shotErr != nil {
		return nil, f.shotErr
	}
	return []byte("png"), nil
}
func (f *fakeSession) Close() error {
	f.closed = true
	return nil
}

func newTestManager(idle time.Duration) (*Manager, *[]*fakeSession) {
	var opened []*fakeSession
	m := NewManager(ManagerConfig{
		IdleTimeout: idle,
		Factory: func(context.Context) (Session, error) {
			s := &fakeSession{}
			opened = append(opened, s)
			return s, nil
		},
	})
	return m, &opened
}

func TestAcquire_LazyAndReused(t *testing.T) {
	m, opened := newTestManager(time.Minute)
	ctx := context.Background()

	if m.Active() {
		t.Fatal("session should not exist before first acquire")
	}

	s1, needLogin, err := m.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if !needLogin {
		t.Error("fresh session must require login")
	}
	m.MarkAuthenticated()

	s2, needLogin, err := m.Acquire(ctx)
	if err != nil {
		t.Fatalf("second acquire failed: %v", err)
	}
	if s2 != s1 {
		t.Error("session should be reused across jobs")
	}
	if needLogin {
		t.Error("authenticated session must not require re-login")
	}
	if len(*opened) != 1 {
		t.Errorf("expected 1 session opened, got %d", len(*opened))
	}
}

func TestReapIdle(t *testing.T) {
	m, opened := newTestManager(10 * time.Millisecond)
	ctx := context.Background()

	if _, _, err := m.Acquire(ctx); err != nil {
		t.Fatal(err)
	}

	// Not yet idle.
	m.ReapIdle()
	if !m.Active() {
		t.Fatal("session reaped before idle timeout")
	}

	time.Sleep(20 * time.Millisecond)
	m.ReapIdle()
	if m.Active() {
		t.Error("idle session should be torn down")
	}
	if !(*opened)[0].closed {
		t.Error("underlying session not closed")
	}

	// Next acquire opens a fresh session and requires login again.
	_, needLogin, err := m.Acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !needLogin || len(*opened) != 2 {
		t.Error("reacquire after teardown should open a fresh session needing login")
	}
}

func TestFailureScreenshot_CapturesAndCloses(t *testing.T) {
	m, opened := newTestManager(time.Minute)
	ctx := context.Background()

	if _, _, err := m.Acquire(ctx); err != nil {
		t.Fatal(err)
	}
	m.MarkAuthenticated()

	shot := m.FailureScreenshot(ctx)
	if string(shot) != "png" {
		t.Errorf("unexpected screenshot %q", shot)
	}
	if m.Active() {
		t.Error("session must be closed after a failure")
	}
	if !(*opened)[0].closed {
		t.Error("underlying session not closed")
	}

	// Successor must re-login.
	_, needLogin, _ := m.Acquire(ctx)
	if !needLogin {
		t.Error("successor job must re-login after failure teardown")
	}
}

func TestFailureScreenshot_ShotErrorStillCloses(t *testing.T) {
	var sess *fakeSession
	m := NewManager(ManagerConfig{
		Factory: func(context.Context) (Session, error) {
			sess = &fakeSession{shotErr: errors.New("tab crashed")}
			return sess, nil
		},
	})
	if _, _, err := m.Acquire(context.Background()); err != nil {
		t.Fatal(err)
	}

	if shot := m.FailureScreenshot(context.Background()); shot != nil {
		t.Errorf("expected nil screenshot on capture failure, got %q", shot)
	}
	if !sess.closed {
		t.Error("session must close even when the screenshot fails")
	}
}

// The session is cached across tasks, so it must not inherit the opening
// task's cancellation: a browser built on a task-scoped context would be
// dead by the time the next task reuses it.
func TestAcquire_SessionOutlivesAcquireContext(t *testing.T) {
	var factoryCtx context.Context
	m := NewManager(ManagerConfig{
		Factory: func(ctx context.Context) (Session, error) {
			factoryCtx = ctx
			return &fakeSession{}, nil
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	if _, _, err := m.Acquire(ctx); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	cancel()

	if err := factoryCtx.Err(); err != nil {
		t.Fatalf("session context died with the acquiring task: %v", err)
	}
	if !m.Active() {
		t.Fatal("session should stay cached after the task context ends")
	}
}
