package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

func seedJobs(t *testing.T, m *MemStore, n int) []int64 {
	t.Helper()
	ids := make([]int64, 0, n)
	base := time.Now().Add(-time.Hour)
	for i := 0; i < n; i++ {
		job := &Job{
			Kind:            KindIndex,
			DocumentNumber:  fmt.Sprintf("142510%d", i),
			Circumscription: "Montréal",
			Cadastre:        "Cadastre du Québec",
			CreatedAt:       base.Add(time.Duration(i) * time.Second),
		}
		if err := m.InsertJob(context.Background(), job); err != nil {
			t.Fatalf("InsertJob failed: %v", err)
		}
		ids = append(ids, job.ID)
	}
	return ids
}

// No double-claim: N workers racing over M pending jobs end up holding each
// job exactly once.
func TestClaim_NoDoubleClaim(t *testing.T) {
	m := NewMemStore()
	const jobCount = 20
	const workerCount = 8
	seedJobs(t, m, jobCount)

	var mu sync.Mutex
	held := make(map[int64]string) // job -> worker

	var wg sync.WaitGroup
	for w := 0; w < workerCount; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			workerID := fmt.Sprintf("worker-%d", worker)
			for {
				job, err := m.ClaimNextJob(context.Background(), workerID)
				if err != nil {
					t.Errorf("claim error: %v", err)
					return
				}
				if job == nil {
					return
				}
				mu.Lock()
				if prev, dup := held[job.ID]; dup {
					t.Errorf("job %d claimed by both %s and %s", job.ID, prev, workerID)
				}
				held[job.ID] = workerID
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	if len(held) != jobCount {
		t.Fatalf("expected %d claimed jobs, got %d", jobCount, len(held))
	}
}

func TestClaim_OldestFirst(t *testing.T) {
	m := NewMemStore()
	ids := seedJobs(t, m, 3)

	job, err := m.ClaimNextJob(context.Background(), "w1")
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if job == nil || job.ID != ids[0] {
		t.Fatalf("expected oldest job %d first, got %+v", ids[0], job)
	}
	if job.Status != StatusProcessing || job.WorkerID == nil || job.ProcessingStarted == nil {
		t.Errorf("claimed job missing processing bookkeeping: %+v", job)
	}
}

// No orphan processing: every processing job has a holder.
func TestInvariant_NoOrphanProcessing(t *testing.T) {
	m := NewMemStore()
	seedJobs(t, m, 5)

	for i := 0; i < 3; i++ {
		if _, err := m.ClaimNextJob(context.Background(), fmt.Sprintf("w%d", i)); err != nil {
			t.Fatalf("claim failed: %v", err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range m.jobs {
		if j.Status == StatusProcessing && (j.WorkerID == nil || j.ProcessingStarted == nil) {
			t.Errorf("job %d processing without holder", j.ID)
		}
	}
}

// Idempotent completion: repeating the same completion is a no-op result
// for the row; a different worker's completion loses the conditional update.
func TestComplete_Idempotent(t *testing.T) {
	ctx := context.Background()
	m := NewMemStore()
	seedJobs(t, m, 1)

	job, err := m.ClaimNextJob(ctx, "w1")
	if err != nil || job == nil {
		t.Fatalf("claim failed: %v %v", job, err)
	}

	if err := m.CompleteJob(ctx, job.ID, "w1", "index/1/doc.pdf"); err != nil {
		t.Fatalf("first completion failed: %v", err)
	}
	if err := m.CompleteJob(ctx, job.ID, "w1", "index/1/doc-2.pdf"); err != ErrNotHolder {
		t.Errorf("second completion should lose the conditional update, got %v", err)
	}
	if err := m.CompleteJob(ctx, job.ID, "w2", "index/1/doc-3.pdf"); err != ErrNotHolder {
		t.Errorf("foreign completion should lose, got %v", err)
	}

	got, err := m.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Status != StatusExtractionComplete || got.ArtifactPath == nil || *got.ArtifactPath != "index/1/doc.pdf" {
		t.Errorf("first completion was overwritten: %+v", got)
	}
	if got.WorkerID != nil {
		t.Errorf("worker_id not cleared on completion")
	}
}

func TestFailJob_AttemptsRouting(t *testing.T) {
	ctx := context.Background()
	m := NewMemStore()

	job := &Job{Kind: KindIndex, DocumentNumber: "1", MaxAttempts: 2}
	if err := m.InsertJob(ctx, job); err != nil {
		t.Fatal(err)
	}

	// First failure: attempts 0 -> 1 < 2, back to pending.
	claimed, _ := m.ClaimNextJob(ctx, "w1")
	if err := m.FailJob(ctx, claimed.ID, "w1", "timeout", "", true); err != nil {
		t.Fatalf("fail failed: %v", err)
	}
	got, _ := m.GetJob(ctx, job.ID)
	if got.Status != StatusPending || got.Attempts != 1 || got.WorkerID != nil {
		t.Fatalf("expected retriable requeue, got %+v", got)
	}

	// Second failure exhausts the budget.
	claimed, _ = m.ClaimNextJob(ctx, "w1")
	if err := m.FailJob(ctx, claimed.ID, "w1", "timeout again", "", true); err != nil {
		t.Fatalf("fail failed: %v", err)
	}
	got, _ = m.GetJob(ctx, job.ID)
	if got.Status != StatusError || got.Attempts != 2 {
		t.Fatalf("expected terminal error, got %+v", got)
	}
}

func TestFailJob_NonRetriableSkipsBudget(t *testing.T) {
	ctx := context.Background()
	m := NewMemStore()
	seedJobs(t, m, 1)

	job, _ := m.ClaimNextJob(ctx, "w1")
	if err := m.FailJob(ctx, job.ID, "w1", "document not found", "", false); err != nil {
		t.Fatalf("fail failed: %v", err)
	}
	got, _ := m.GetJob(ctx, job.ID)
	if got.Status != StatusError {
		t.Errorf("bad-input failure must be terminal, got %s", got.Status)
	}
}

func TestOCRLifecycle(t *testing.T) {
	ctx := context.Background()
	m := NewMemStore()
	seedJobs(t, m, 1)

	job, _ := m.ClaimNextJob(ctx, "w1")
	if err := m.CompleteJob(ctx, job.ID, "w1", "index/1/doc.pdf"); err != nil {
		t.Fatal(err)
	}

	ocrJob, err := m.ClaimNextOCRJob(ctx, "ocr-1", KindIndex)
	if err != nil || ocrJob == nil {
		t.Fatalf("ocr claim failed: %v %v", ocrJob, err)
	}
	if ocrJob.Status != StatusOCRInProgress {
		t.Errorf("expected ocr-in-progress, got %s", ocrJob.Status)
	}

	// Failure goes back to extraction-complete while budget remains.
	if err := m.FailOCR(ctx, ocrJob.ID, "ocr-1", "rasterize failed"); err != nil {
		t.Fatal(err)
	}
	got, _ := m.GetJob(ctx, ocrJob.ID)
	if got.Status != StatusExtractionComplete || got.OCRAttempts != 1 {
		t.Fatalf("expected requeue for ocr retry, got %+v", got)
	}

	ocrJob, _ = m.ClaimNextOCRJob(ctx, "ocr-1", KindIndex)
	if err := m.CompleteOCR(ctx, ocrJob.ID, "ocr-1", "raw", `{"pages":[]}`); err != nil {
		t.Fatal(err)
	}
	got, _ = m.GetJob(ctx, ocrJob.ID)
	if got.Status != StatusOCRComplete || got.StructuredContent == nil {
		t.Fatalf("expected ocr-complete with structured content, got %+v", got)
	}
}

func TestClaimNextOCRJob_FiltersKind(t *testing.T) {
	ctx := context.Background()
	m := NewMemStore()

	acte := &Job{Kind: KindActe, DocumentNumber: "9", Status: StatusExtractionComplete}
	if err := m.InsertJob(ctx, acte); err != nil {
		t.Fatal(err)
	}

	got, err := m.ClaimNextOCRJob(ctx, "ocr-1", KindIndex)
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Errorf("index claim should skip acte jobs, got %+v", got)
	}
	got, _ = m.ClaimNextOCRJob(ctx, "ocr-1", KindActe)
	if got == nil {
		t.Error("acte claim should find the acte job")
	}
}

func TestFinishSearch_AdvancesSession(t *testing.T) {
	ctx := context.Background()
	m := NewMemStore()

	sessID := m.InsertSession(&Session{CompanyName: "ACME INC.", ReqCompleted: true, Status: SessionSearchingNames})
	m.InsertSearch(&PersonalRightsSearch{SessionID: sessID, SearchName: "ACME HOLDINGS", Status: SearchCompleted})
	searchID := m.InsertSearch(&PersonalRightsSearch{SessionID: sessID, SearchName: "ACME INC."})

	claimed, err := m.ClaimNextSearch(ctx, "w1")
	if err != nil || claimed == nil || claimed.ID != searchID {
		t.Fatalf("search claim failed: %+v %v", claimed, err)
	}

	if err := m.FinishSearch(ctx, searchID, "w1", SearchNotFound, "", "no match for exact name"); err != nil {
		t.Fatalf("finish failed: %v", err)
	}

	sess, err := m.GetSession(ctx, sessID)
	if err != nil {
		t.Fatal(err)
	}
	if sess.Status != SessionCompleted {
		t.Errorf("all children terminal, session should complete, got %s", sess.Status)
	}
}

func TestFinishSearch_WaitsForSiblings(t *testing.T) {
	ctx := context.Background()
	m := NewMemStore()

	sessID := m.InsertSession(&Session{CompanyName: "ACME INC.", ReqCompleted: true, Status: SessionSearchingNames})
	first := m.InsertSearch(&PersonalRightsSearch{SessionID: sessID, SearchName: "A"})
	m.InsertSearch(&PersonalRightsSearch{SessionID: sessID, SearchName: "B"})

	claimed, _ := m.ClaimNextSearch(ctx, "w1")
	if claimed.ID != first {
		t.Fatalf("expected oldest search first")
	}
	if err := m.FinishSearch(ctx, first, "w1", SearchCompleted, "rdprm-documents/1/a.pdf", ""); err != nil {
		t.Fatal(err)
	}

	sess, _ := m.GetSession(ctx, sessID)
	if sess.Status == SessionCompleted {
		t.Error("session completed while a sibling search is still pending")
	}
}

func TestSelectCredential_LRUOrder(t *testing.T) {
	ctx := context.Background()
	m := NewMemStore()

	old := time.Now().Add(-2 * time.Hour)
	older := time.Now().Add(-4 * time.Hour)
	m.InsertCredential(&Credential{Username: "used-recently", Active: true, LastUsed: &old})
	m.InsertCredential(&Credential{Username: "used-long-ago", Active: true, LastUsed: &older})
	m.InsertCredential(&Credential{Username: "never-used", Active: true})
	m.InsertCredential(&Credential{Username: "locked", Active: true, Failures: CredentialMaxFailures})
	m.InsertCredential(&Credential{Username: "inactive", Active: false})

	cred, err := m.SelectCredential(ctx)
	if err != nil {
		t.Fatalf("selection failed: %v", err)
	}
	if cred.Username != "never-used" {
		t.Errorf("never-used credential should be preferred, got %s", cred.Username)
	}

	cred, _ = m.SelectCredential(ctx)
	if cred.Username != "used-long-ago" {
		t.Errorf("expected least-recently-used next, got %s", cred.Username)
	}
}

func TestReleaseJob_RespectsAbandonedMarker(t *testing.T) {
	ctx := context.Background()
	m := NewMemStore()
	seedJobs(t, m, 1)

	job, _ := m.ClaimNextJob(ctx, "w1")

	m.mu.Lock()
	m.jobs[job.ID].ErrorMessage = strPtr(AbandonedMarker)
	m.mu.Unlock()

	if err := m.ReleaseJob(ctx, job.ID, "w1", "released: dead worker w1"); err != ErrNotHolder {
		t.Errorf("abandoned jobs must not be re-released, got %v", err)
	}
}

// ClaimJob targets one row but keeps the conditional-claim semantics.
func TestClaimJob_ByID(t *testing.T) {
	m := NewMemStore()
	ctx := context.Background()
	ids := seedJobs(t, m, 2)

	job, err := m.ClaimJob(ctx, ids[1], "w1")
	if err != nil {
		t.Fatalf("ClaimJob: %v", err)
	}
	if job == nil || job.ID != ids[1] {
		t.Fatalf("claimed %+v, want job %d", job, ids[1])
	}
	if job.Status != StatusProcessing || job.WorkerID == nil || *job.WorkerID != "w1" {
		t.Errorf("claimed job not held by w1: %+v", job)
	}

	// A held job is not claimable, regardless of who asks.
	if again, err := m.ClaimJob(ctx, ids[1], "w2"); err != nil || again != nil {
		t.Errorf("second claim = (%v, %v), want (nil, nil)", again, err)
	}

	// The other job is untouched.
	if other, _ := m.GetJob(ctx, ids[0]); other.Status != StatusPending {
		t.Errorf("sibling job status = %s, want pending", other.Status)
	}

	if _, err := m.ClaimJob(ctx, 9999, "w1"); err != ErrNotFound {
		t.Errorf("missing job claim err = %v, want ErrNotFound", err)
	}
}
