package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemStore is an in-memory Store used by tests and by the single-shot
// process-queue path when pointed at a fixture. The conditional updates
// mirror the SQL WHERE clauses exactly, so claim-race tests exercised
// against MemStore say something true about the Postgres implementation.
type MemStore struct {
	mu          sync.Mutex
	jobs        map[int64]*Job
	sessions    map[int64]*Session
	searches    map[int64]*PersonalRightsSearch
	workers     map[string]*WorkerStatus
	credentials map[int64]*Credential
	nextID      int64

	// now is swappable so reaper tests can move the clock.
	now func() time.Time
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		jobs:        make(map[int64]*Job),
		sessions:    make(map[int64]*Session),
		searches:    make(map[int64]*PersonalRightsSearch),
		workers:     make(map[string]*WorkerStatus),
		credentials: make(map[int64]*Credential),
		nextID:      1,
		now:         time.Now,
	}
}

// SetClock overrides the store's clock. Test helper.
func (m *MemStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *MemStore) nextIDLocked() int64 {
	id := m.nextID
	m.nextID++
	return id
}

// --- extraction queue ---

func (m *MemStore) InsertJob(_ context.Context, job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job.ID == 0 {
		job.ID = m.nextIDLocked()
	} else if job.ID >= m.nextID {
		m.nextID = job.ID + 1
	}
	if job.Status == 0 {
		job.Status = StatusPending
	}
	if job.MaxAttempts == 0 {
		job.MaxAttempts = 3
	}
	if job.OCRMaxAttempts == 0 {
		job.OCRMaxAttempts = 3
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = m.now()
	}
	cp := *job
	m.jobs[job.ID] = &cp
	return nil
}

func (m *MemStore) GetJob(_ context.Context, id int64) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *job
	return &cp, nil
}

func (m *MemStore) ClaimNextJob(_ context.Context, workerID string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job := m.oldestLocked(func(j *Job) bool {
		return j.Status == StatusPending && j.WorkerID == nil
	})
	if job == nil {
		return nil, nil
	}

	now := m.now()
	job.Status = StatusProcessing
	job.WorkerID = &workerID
	job.ProcessingStarted = &now
	cp := *job
	return &cp, nil
}

func (m *MemStore) ClaimJob(_ context.Context, id int64, workerID string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if job.Status != StatusPending || job.WorkerID != nil {
		return nil, nil
	}

	now := m.now()
	job.Status = StatusProcessing
	job.WorkerID = &workerID
	job.ProcessingStarted = &now
	cp := *job
	return &cp, nil
}

func (m *MemStore) CompleteJob(_ context.Context, id int64, workerID, artifactPath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if job.Status != StatusProcessing || job.WorkerID == nil || *job.WorkerID != workerID {
		return ErrNotHolder
	}
	now := m.now()
	job.Status = StatusExtractionComplete
	job.WorkerID = nil
	job.ArtifactPath = &artifactPath
	job.CompletedAt = &now
	return nil
}

func (m *MemStore) FailJob(_ context.Context, id int64, workerID, message, screenshotURL string, retriable bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if job.Status != StatusProcessing || job.WorkerID == nil || *job.WorkerID != workerID {
		return ErrNotHolder
	}
	job.Attempts++
	if retriable && job.Attempts < job.MaxAttempts {
		job.Status = StatusPending
		job.ProcessingStarted = nil
	} else {
		job.Status = StatusError
	}
	job.WorkerID = nil
	job.ErrorMessage = strPtr(message)
	if screenshotURL != "" {
		job.ErrorScreenshot = &screenshotURL
	}
	return nil
}

func (m *MemStore) ReleaseJob(_ context.Context, id int64, holderID, marker string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if job.WorkerID == nil || *job.WorkerID != holderID {
		return ErrNotHolder
	}
	if job.ErrorMessage != nil && *job.ErrorMessage == AbandonedMarker {
		// Abandoned jobs were already routed to error on shutdown.
		return ErrNotHolder
	}
	job.Status = StatusPending
	job.WorkerID = nil
	job.ProcessingStarted = nil
	msg := marker
	if job.ErrorMessage != nil && *job.ErrorMessage != "" {
		msg = *job.ErrorMessage + "; " + marker
	}
	job.ErrorMessage = &msg
	return nil
}

// --- OCR queue ---

func (m *MemStore) ClaimNextOCRJob(_ context.Context, workerID string, kind JobKind) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job := m.oldestLocked(func(j *Job) bool {
		return j.Status == StatusExtractionComplete &&
			j.WorkerID == nil &&
			j.Kind == kind &&
			j.OCRAttempts < j.OCRMaxAttempts
	})
	if job == nil {
		return nil, nil
	}
	now := m.now()
	job.Status = StatusOCRInProgress
	job.WorkerID = &workerID
	job.OCRStartedAt = &now
	cp := *job
	return &cp, nil
}

func (m *MemStore) CompleteOCR(_ context.Context, id int64, workerID, rawContent, structuredContent string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if job.Status != StatusOCRInProgress || job.WorkerID == nil || *job.WorkerID != workerID {
		return ErrNotHolder
	}
	now := m.now()
	job.Status = StatusOCRComplete
	job.WorkerID = nil
	job.RawContent = &rawContent
	job.StructuredContent = &structuredContent
	job.OCRCompletedAt = &now
	return nil
}

func (m *MemStore) FailOCR(_ context.Context, id int64, workerID, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if job.Status != StatusOCRInProgress || job.WorkerID == nil || *job.WorkerID != workerID {
		return ErrNotHolder
	}
	job.OCRAttempts++
	if job.OCRAttempts < job.OCRMaxAttempts {
		job.Status = StatusExtractionComplete
	} else {
		job.Status = StatusError
	}
	job.WorkerID = nil
	job.ErrorMessage = strPtr(message)
	return nil
}

func (m *MemStore) CountOCRBacklog(_ context.Context, kind JobKind) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, j := range m.jobs {
		if j.Status == StatusExtractionComplete && j.Kind == kind && j.OCRAttempts < j.OCRMaxAttempts {
			n++
		}
	}
	return n, nil
}

// --- sessions and personal-rights searches ---

// InsertSession seeds a session row. Test helper; production rows are
// created by the user-facing service.
func (m *MemStore) InsertSession(sess *Session) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sess.ID == 0 {
		sess.ID = m.nextIDLocked()
	}
	if sess.Status == "" {
		sess.Status = SessionPendingCompanySelection
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = m.now()
	}
	cp := *sess
	m.sessions[sess.ID] = &cp
	return sess.ID
}

// InsertSearch seeds a personal-rights search. In production these rows are
// materialized by a datastore rule on the parent session; workers never
// insert them. Test helper.
func (m *MemStore) InsertSearch(s *PersonalRightsSearch) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID == 0 {
		s.ID = m.nextIDLocked()
	}
	if s.Status == "" {
		s.Status = SearchPending
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = m.now()
	}
	cp := *s
	m.searches[s.ID] = &cp
	return s.ID
}

func (m *MemStore) ClaimNextSession(_ context.Context, workerID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var best *Session
	for _, s := range m.sessions {
		if s.Status != SessionPendingCompanySelection || !s.ReqCompleted || s.WorkerID != nil {
			continue
		}
		if best == nil || s.CreatedAt.Before(best.CreatedAt) || (s.CreatedAt.Equal(best.CreatedAt) && s.ID < best.ID) {
			best = s
		}
	}
	if best == nil {
		return nil, nil
	}
	best.Status = SessionProcessing
	best.WorkerID = &workerID
	cp := *best
	return &cp, nil
}

func (m *MemStore) FinishSession(_ context.Context, id int64, workerID string, status SessionStatus, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if sess.WorkerID == nil || *sess.WorkerID != workerID {
		return ErrNotHolder
	}
	sess.Status = status
	sess.WorkerID = nil
	if message != "" {
		sess.ErrorMessage = &message
	}
	if status == SessionCompleted || status == SessionFailed {
		now := m.now()
		sess.CompletedAt = &now
	}
	return nil
}

func (m *MemStore) ClaimNextSearch(_ context.Context, workerID string) (*PersonalRightsSearch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var best *PersonalRightsSearch
	for _, s := range m.searches {
		if s.Status != SearchPending || s.WorkerID != nil {
			continue
		}
		if best == nil || s.CreatedAt.Before(best.CreatedAt) || (s.CreatedAt.Equal(best.CreatedAt) && s.ID < best.ID) {
			best = s
		}
	}
	if best == nil {
		return nil, nil
	}
	best.Status = SearchInProgress
	best.WorkerID = &workerID
	cp := *best
	return &cp, nil
}

func (m *MemStore) FinishSearch(_ context.Context, id int64, workerID string, status SearchStatus, artifactPath, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	search, ok := m.searches[id]
	if !ok {
		return ErrNotFound
	}
	if search.WorkerID == nil || *search.WorkerID != workerID {
		return ErrNotHolder
	}
	search.Status = status
	search.WorkerID = nil
	if artifactPath != "" {
		search.ArtifactPath = &artifactPath
	}
	if message != "" {
		search.ErrorMessage = &message
	}
	now := m.now()
	search.CompletedAt = &now

	// Session completion rule: terminal when every child is terminal.
	allTerminal := true
	for _, sib := range m.searches {
		if sib.SessionID == search.SessionID && !sib.Status.Terminal() {
			allTerminal = false
			break
		}
	}
	if allTerminal {
		if sess, ok := m.sessions[search.SessionID]; ok && sess.Status != SessionFailed {
			sess.Status = SessionCompleted
			sess.CompletedAt = &now
		}
	}
	return nil
}

// GetSearch returns a copy of a search row. Test helper.
func (m *MemStore) GetSearch(id int64) (*PersonalRightsSearch, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.searches[id]
	if !ok {
		return nil, false
	}
	cp := *s
	return &cp, true
}

func (m *MemStore) GetSession(_ context.Context, id int64) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *sess
	return &cp, nil
}

// --- worker liveness ---

func (m *MemStore) UpsertWorkerStatus(_ context.Context, ws *WorkerStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *ws
	if cp.LastHeartbeat.IsZero() {
		cp.LastHeartbeat = m.now()
	}
	if cp.StartedAt.IsZero() {
		cp.StartedAt = m.now()
	}
	m.workers[ws.WorkerID] = &cp
	return nil
}

func (m *MemStore) Heartbeat(_ context.Context, workerID string, state WorkerState, currentJobID *int64, currentJobEnv *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ws, ok := m.workers[workerID]
	if !ok {
		return ErrNotFound
	}
	ws.State = state
	ws.CurrentJobID = currentJobID
	ws.CurrentJobEnv = currentJobEnv
	ws.LastHeartbeat = m.now()
	return nil
}

func (m *MemStore) SetWorkerCredential(_ context.Context, workerID string, credentialID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ws, ok := m.workers[workerID]
	if !ok {
		return ErrNotFound
	}
	ws.CredentialID = &credentialID
	return nil
}

func (m *MemStore) ListStaleWorkers(_ context.Context, deadThreshold time.Duration) ([]WorkerStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-deadThreshold)
	var stale []WorkerStatus
	for _, ws := range m.workers {
		if ws.State != WorkerOffline && ws.LastHeartbeat.Before(cutoff) {
			stale = append(stale, *ws)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].WorkerID < stale[j].WorkerID })
	return stale, nil
}

func (m *MemStore) MarkWorkerOffline(_ context.Context, workerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ws, ok := m.workers[workerID]
	if !ok {
		return ErrNotFound
	}
	ws.State = WorkerOffline
	ws.CurrentJobID = nil
	ws.CurrentJobEnv = nil
	return nil
}

func (m *MemStore) BumpWorkerCounters(_ context.Context, workerID string, completed, failed int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ws, ok := m.workers[workerID]
	if !ok {
		return ErrNotFound
	}
	ws.JobsCompleted += completed
	ws.JobsFailed += failed
	return nil
}

// GetWorkerStatus returns a copy of a worker row. Test helper.
func (m *MemStore) GetWorkerStatus(workerID string) (*WorkerStatus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ws, ok := m.workers[workerID]
	if !ok {
		return nil, false
	}
	cp := *ws
	return &cp, true
}

// --- credentials ---

// InsertCredential seeds a credential row. Test helper.
func (m *MemStore) InsertCredential(c *Credential) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.ID == 0 {
		c.ID = m.nextIDLocked()
	}
	cp := *c
	m.credentials[c.ID] = &cp
	return c.ID
}

func (m *MemStore) SelectCredential(_ context.Context) (*Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var best *Credential
	for _, c := range m.credentials {
		if !c.Active || c.Failures >= CredentialMaxFailures {
			continue
		}
		if best == nil {
			best = c
			continue
		}
		// Never-used sorts first, then least recently used, then lowest ID
		// for a stable order.
		switch {
		case c.LastUsed == nil && best.LastUsed != nil:
			best = c
		case c.LastUsed == nil && best.LastUsed == nil && c.ID < best.ID:
			best = c
		case c.LastUsed != nil && best.LastUsed != nil:
			if c.LastUsed.Before(*best.LastUsed) || (c.LastUsed.Equal(*best.LastUsed) && c.ID < best.ID) {
				best = c
			}
		}
	}
	if best == nil {
		return nil, ErrNoEligibleCredential
	}
	now := m.now()
	best.LastUsed = &now
	cp := *best
	return &cp, nil
}

func (m *MemStore) ResetCredentialFailures(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.credentials[id]
	if !ok {
		return ErrNotFound
	}
	c.Failures = 0
	now := m.now()
	c.LastUsed = &now
	return nil
}

func (m *MemStore) BumpCredentialFailure(_ context.Context, id int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.credentials[id]
	if !ok {
		return 0, ErrNotFound
	}
	c.Failures++
	return c.Failures, nil
}

// oldestLocked returns the matching job with the earliest created_at,
// breaking ties by ID. Mirrors ORDER BY created_at ASC LIMIT 1.
func (m *MemStore) oldestLocked(match func(*Job) bool) *Job {
	var best *Job
	for _, j := range m.jobs {
		if !match(j) {
			continue
		}
		if best == nil || j.CreatedAt.Before(best.CreatedAt) || (j.CreatedAt.Equal(best.CreatedAt) && j.ID < best.ID) {
			best = j
		}
	}
	return best
}

func strPtr(s string) *string { return &s }

// Verify interface compliance
var _ Store = (*MemStore)(nil)
