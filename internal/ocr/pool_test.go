package ocr

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/laurentialabs/registre/internal/envreg"
	"github.com/laurentialabs/registre/internal/store"
)

// Specialization split: proportional to backlog, never starving a kind.
func TestSplitWorkers(t *testing.T) {
	cases := []struct {
		name                 string
		total, indexB, acteB int
		minIndex, minActe    int
		wantIndex, wantActe  int
	}{
		{"even backlog", 4, 50, 50, 1, 1, 2, 2},
		{"index flood keeps one acte", 4, 100, 0, 1, 1, 3, 1},
		{"acte flood keeps one index", 4, 0, 100, 1, 1, 1, 3},
		{"empty queues split evenly", 4, 0, 0, 1, 1, 2, 2},
		{"proportional", 5, 75, 25, 1, 1, 4, 1},
		{"single worker follows backlog", 1, 0, 10, 1, 1, 0, 1},
		{"single worker defaults to index", 1, 0, 0, 1, 1, 1, 0},
		{"two workers always split", 2, 1000, 0, 1, 1, 1, 1},
		{"higher minimums respected", 6, 100, 0, 2, 2, 4, 2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			idx, acte := splitWorkers(tc.total, tc.indexB, tc.acteB, tc.minIndex, tc.minActe)
			if idx != tc.wantIndex || acte != tc.wantActe {
				t.Errorf("splitWorkers(%d, %d, %d) = (%d, %d), want (%d, %d)",
					tc.total, tc.indexB, tc.acteB, idx, acte, tc.wantIndex, tc.wantActe)
			}
			if idx+acte != tc.total && tc.total > 0 {
				t.Errorf("split loses workers: %d + %d != %d", idx, acte, tc.total)
			}
		})
	}
}

func TestAllowedWorkers_CapacityGuard(t *testing.T) {
	cases := []struct {
		name string
		cfg  PoolConfig
		want int
	}{
		{
			name: "cpu bound",
			cfg:  PoolConfig{Size: 8, PerWorkerCPU: 1.0, ServerMaxCPU: 4},
			want: 3, // 80% of 4 cores
		},
		{
			name: "ram bound",
			cfg:  PoolConfig{Size: 8, PerWorkerRAMMB: 1024, ServerMaxRAMMB: 4096, PerWorkerCPU: 0.1, ServerMaxCPU: 64},
			want: 3, // 80% of 4 GiB
		},
		{
			name: "fits as configured",
			cfg:  PoolConfig{Size: 2, PerWorkerCPU: 1.0, ServerMaxCPU: 16, PerWorkerRAMMB: 512, ServerMaxRAMMB: 16384},
			want: 2,
		},
		{
			name: "never below one",
			cfg:  PoolConfig{Size: 4, PerWorkerCPU: 8.0, ServerMaxCPU: 2},
			want: 1,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := NewPool(tc.cfg, nil, nil, testLogger())
			if got := p.allowedWorkers(); got != tc.want {
				t.Errorf("allowedWorkers = %d, want %d", got, tc.want)
			}
		})
	}
}

type stubProcessor struct {
	mu   sync.Mutex
	seen []int64
	err  error
}

func (s *stubProcessor) Process(_ context.Context, _ ArtifactFetcher, job *store.Job) (*Result, error) {
	s.mu.Lock()
	s.seen = append(s.seen, job.ID)
	s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return &Result{
		RawContent:        "--- Page 1 ---\n",
		StructuredContent: `{"pages":[],"is_completed":true}`,
		Completed:         true,
	}, nil
}

func seedOCRJob(t *testing.T, mem *store.MemStore, id int64, kind store.JobKind) {
	t.Helper()
	path := "index/doc.pdf"
	err := mem.InsertJob(context.Background(), &store.Job{
		ID:           id,
		Kind:         kind,
		Status:       store.StatusExtractionComplete,
		ArtifactPath: &path,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func waitForStatus(t *testing.T, mem *store.MemStore, id int64, want store.Status) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := mem.GetJob(context.Background(), id)
		if err != nil {
			t.Fatal(err)
		}
		if job.Status == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	job, _ := mem.GetJob(context.Background(), id)
	t.Fatalf("job %d stuck in %v, want %v", id, job.Status, want)
}

func TestPool_ProcessesBothKinds(t *testing.T) {
	mem := store.NewMemStore()
	seedOCRJob(t, mem, 1, store.KindIndex)
	seedOCRJob(t, mem, 2, store.KindActe)
	seedOCRJob(t, mem, 3, store.KindIndex)

	envs := envreg.NewFromEnvironments(testLogger(), &envreg.Environment{Name: "prod", Store: mem})
	proc := &stubProcessor{}
	pool := NewPool(PoolConfig{
		Size:              2,
		PollInterval:      5 * time.Millisecond,
		RebalanceInterval: 10 * time.Millisecond,
	}, envs, proc, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pool.Start(ctx) }()

	for _, id := range []int64{1, 2, 3} {
		waitForStatus(t, mem, id, store.StatusOCRComplete)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("pool exited with error: %v", err)
	}

	job, _ := mem.GetJob(context.Background(), 1)
	if job.StructuredContent == nil || *job.StructuredContent == "" {
		t.Error("completed job has no structured content")
	}
}

func TestPool_DocumentFailureConsumesOCRAttempts(t *testing.T) {
	mem := store.NewMemStore()
	seedOCRJob(t, mem, 1, store.KindIndex)

	envs := envreg.NewFromEnvironments(testLogger(), &envreg.Environment{Name: "prod", Store: mem})
	proc := &stubProcessor{err: errors.New("raster exploded")}
	pool := NewPool(PoolConfig{
		Size:              1,
		PollInterval:      5 * time.Millisecond,
		RebalanceInterval: time.Hour,
	}, envs, proc, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pool.Start(ctx) }()

	// Default OCR budget is three attempts; the job must land in error.
	waitForStatus(t, mem, 1, store.StatusError)
	cancel()
	<-done

	job, _ := mem.GetJob(context.Background(), 1)
	if job.OCRAttempts != job.OCRMaxAttempts {
		t.Errorf("ocr attempts = %d, want %d", job.OCRAttempts, job.OCRMaxAttempts)
	}
	if job.ErrorMessage == nil || *job.ErrorMessage == "" {
		t.Error("error message not recorded")
	}
}
