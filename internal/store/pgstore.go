package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
)

// PGStore implements Store on Postgres via sqlx. Every racing mutation is a
// single conditional UPDATE ... RETURNING so the database arbitrates claims;
// no transaction spans more than one statement.
type PGStore struct {
	db *sqlx.DB
}

// NewPGStore wraps an existing sqlx handle.
func NewPGStore(db *sqlx.DB) *PGStore {
	return &PGStore{db: db}
}

// Open connects to a Postgres datastore using the pgx stdlib driver.
func Open(ctx context.Context, dsn string) (*PGStore, error) {
	db, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open datastore: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("datastore unreachable: %w", err)
	}
	return &PGStore{db: db}, nil
}

// Close releases the connection pool.
func (p *PGStore) Close() error {
	return p.db.Close()
}

// jobColumns is the column list shared by SELECT and RETURNING clauses.
// "attemtps" preserves a schema typo that is part of the external contract.
const jobColumns = `id, document_type, acte_type, document_number,
	document_number_normalized, circumscription, cadastre,
	designation_secondaire, status, attemtps, max_attempts, worker_id,
	created_at, processing_started_at, completed_at, artifact_path,
	error_message, error_screenshot_url, ocr_attempts, ocr_max_attempts,
	ocr_started_at, ocr_completed_at, raw_content, structured_content`

// --- extraction queue ---

func (p *PGStore) InsertJob(ctx context.Context, job *Job) error {
	if job.Status == 0 {
		job.Status = StatusPending
	}
	if job.MaxAttempts == 0 {
		job.MaxAttempts = 3
	}
	if job.OCRMaxAttempts == 0 {
		job.OCRMaxAttempts = 3
	}
	row := p.db.QueryRowxContext(ctx, `
		INSERT INTO extraction_queue (
			document_type, acte_type, document_number,
			document_number_normalized, circumscription, cadastre,
			designation_secondaire, status, attemtps, max_attempts,
			ocr_max_attempts, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,0,$9,$10,now())
		RETURNING id, created_at`,
		job.Kind, job.ActeType, job.DocumentNumber, job.DocumentNumberNorm,
		job.Circumscription, job.Cadastre, job.Designation, job.Status,
		job.MaxAttempts, job.OCRMaxAttempts,
	)
	if err := row.Scan(&job.ID, &job.CreatedAt); err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}
	return nil
}

func (p *PGStore) GetJob(ctx context.Context, id int64) (*Job, error) {
	var job Job
	err := p.db.GetContext(ctx, &job,
		`SELECT `+jobColumns+` FROM extraction_queue WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job %d: %w", id, err)
	}
	return &job, nil
}

func (p *PGStore) ClaimNextJob(ctx context.Context, workerID string) (*Job, error) {
	var job Job
	err := p.db.GetContext(ctx, &job, `
		UPDATE extraction_queue
		   SET status = $1, worker_id = $2, processing_started_at = now()
		 WHERE id = (
			SELECT id FROM extraction_queue
			 WHERE status = $3 AND worker_id IS NULL
			 ORDER BY created_at ASC
			 LIMIT 1
			 FOR UPDATE SKIP LOCKED
		 )
		   AND status = $3 AND worker_id IS NULL
		RETURNING `+jobColumns,
		StatusProcessing, workerID, StatusPending)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim failed: %w", err)
	}
	return &job, nil
}

func (p *PGStore) ClaimJob(ctx context.Context, id int64, workerID string) (*Job, error) {
	var job Job
	err := p.db.GetContext(ctx, &job, `
		UPDATE extraction_queue
		   SET status = $1, worker_id = $2, processing_started_at = now()
		 WHERE id = $3 AND status = $4 AND worker_id IS NULL
		RETURNING `+jobColumns,
		StatusProcessing, workerID, id, StatusPending)
	if errors.Is(err, sql.ErrNoRows) {
		// Distinguish "not claimable" from "no such job".
		if _, getErr := p.GetJob(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim of job %d failed: %w", id, err)
	}
	return &job, nil
}

func (p *PGStore) CompleteJob(ctx context.Context, id int64, workerID, artifactPath string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE extraction_queue
		   SET status = $1, worker_id = NULL, artifact_path = $2,
		       completed_at = now()
		 WHERE id = $3 AND status = $4 AND worker_id = $5`,
		StatusExtractionComplete, artifactPath, id, StatusProcessing, workerID)
	if err != nil {
		return fmt.Errorf("failed to complete job %d: %w", id, err)
	}
	return requireRow(res)
}

func (p *PGStore) FailJob(ctx context.Context, id int64, workerID, message, screenshotURL string, retriable bool) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE extraction_queue
		   SET attemtps = attemtps + 1,
		       status = CASE
		                  WHEN $1 AND attemtps + 1 < max_attempts THEN $2
		                  ELSE $3
		                END,
		       processing_started_at = CASE
		                  WHEN $1 AND attemtps + 1 < max_attempts THEN NULL
		                  ELSE processing_started_at
		                END,
		       worker_id = NULL,
		       error_message = $4,
		       error_screenshot_url = COALESCE(NULLIF($5, ''), error_screenshot_url)
		 WHERE id = $6 AND status = $7 AND worker_id = $8`,
		retriable, StatusPending, StatusError, message, screenshotURL,
		id, StatusProcessing, workerID)
	if err != nil {
		return fmt.Errorf("failed to fail job %d: %w", id, err)
	}
	return requireRow(res)
}

func (p *PGStore) ReleaseJob(ctx context.Context, id int64, holderID, marker string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE extraction_queue
		   SET status = $1, worker_id = NULL, processing_started_at = NULL,
		       error_message = CASE
		                         WHEN error_message IS NULL OR error_message = '' THEN $2
		                         ELSE error_message || '; ' || $2
		                       END
		 WHERE id = $3 AND worker_id = $4
		   AND (error_message IS NULL OR error_message <> $5)`,
		StatusPending, marker, id, holderID, AbandonedMarker)
	if err != nil {
		return fmt.Errorf("failed to release job %d: %w", id, err)
	}
	return requireRow(res)
}

// --- OCR queue ---

func (p *PGStore) ClaimNextOCRJob(ctx context.Context, workerID string, kind JobKind) (*Job, error) {
	var job Job
	err := p.db.GetContext(ctx, &job, `
		UPDATE extraction_queue
		   SET status = $1, worker_id = $2, ocr_started_at = now()
		 WHERE id = (
			SELECT id FROM extraction_queue
			 WHERE status = $3 AND worker_id IS NULL
			   AND document_type = $4
			   AND ocr_attempts < ocr_max_attempts
			 ORDER BY created_at ASC
			 LIMIT 1
			 FOR UPDATE SKIP LOCKED
		 )
		   AND status = $3 AND worker_id IS NULL
		RETURNING `+jobColumns,
		StatusOCRInProgress, workerID, StatusExtractionComplete, kind)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ocr claim failed: %w", err)
	}
	return &job, nil
}

func (p *PGStore) CompleteOCR(ctx context.Context, id int64, workerID, rawContent, structuredContent string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE extraction_queue
		   SET status = $1, worker_id = NULL, raw_content = $2,
		       structured_content = $3, ocr_completed_at = now()
		 WHERE id = $4 AND status = $5 AND worker_id = $6`,
		StatusOCRComplete, rawContent, structuredContent,
		id, StatusOCRInProgress, workerID)
	if err != nil {
		return fmt.Errorf("failed to complete ocr for job %d: %w", id, err)
	}
	return requireRow(res)
}

func (p *PGStore) FailOCR(ctx context.Context, id int64, workerID, message string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE extraction_queue
		   SET ocr_attempts = ocr_attempts + 1,
		       status = CASE
		                  WHEN ocr_attempts + 1 < ocr_max_attempts THEN $1
		                  ELSE $2
		                END,
		       worker_id = NULL,
		       error_message = $3
		 WHERE id = $4 AND status = $5 AND worker_id = $6`,
		StatusExtractionComplete, StatusError, message,
		id, StatusOCRInProgress, workerID)
	if err != nil {
		return fmt.Errorf("failed to fail ocr for job %d: %w", id, err)
	}
	return requireRow(res)
}

func (p *PGStore) CountOCRBacklog(ctx context.Context, kind JobKind) (int, error) {
	var n int
	err := p.db.GetContext(ctx, &n, `
		SELECT count(*) FROM extraction_queue
		 WHERE status = $1 AND document_type = $2
		   AND ocr_attempts < ocr_max_attempts`,
		StatusExtractionComplete, kind)
	if err != nil {
		return 0, fmt.Errorf("failed to count ocr backlog: %w", err)
	}
	return n, nil
}

// --- sessions and personal-rights searches ---

func (p *PGStore) ClaimNextSession(ctx context.Context, workerID string) (*Session, error) {
	var sess Session
	err := p.db.GetContext(ctx, &sess, `
		UPDATE registre_sessions
		   SET status = $1, worker_id = $2
		 WHERE id = (
			SELECT id FROM registre_sessions
			 WHERE status = $3 AND req_completed = true AND worker_id IS NULL
			 ORDER BY created_at ASC
			 LIMIT 1
			 FOR UPDATE SKIP LOCKED
		 )
		   AND status = $3 AND worker_id IS NULL
		RETURNING id, company_name, selected_company, status, req_completed,
		          worker_id, created_at, completed_at, error_message`,
		SessionProcessing, workerID, SessionPendingCompanySelection)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("session claim failed: %w", err)
	}
	return &sess, nil
}

func (p *PGStore) FinishSession(ctx context.Context, id int64, workerID string, status SessionStatus, message string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE registre_sessions
		   SET status = $1, worker_id = NULL,
		       error_message = NULLIF($2, ''),
		       completed_at = CASE WHEN $1 IN ($3, $4) THEN now() ELSE completed_at END
		 WHERE id = $5 AND worker_id = $6`,
		status, message, SessionCompleted, SessionFailed, id, workerID)
	if err != nil {
		return fmt.Errorf("failed to finish session %d: %w", id, err)
	}
	return requireRow(res)
}

func (p *PGStore) ClaimNextSearch(ctx context.Context, workerID string) (*PersonalRightsSearch, error) {
	var search PersonalRightsSearch
	err := p.db.GetContext(ctx, &search, `
		UPDATE rdprm_searches
		   SET status = $1, worker_id = $2
		 WHERE id = (
			SELECT id FROM rdprm_searches
			 WHERE status = $3 AND worker_id IS NULL
			 ORDER BY created_at ASC
			 LIMIT 1
			 FOR UPDATE SKIP LOCKED
		 )
		   AND status = $3 AND worker_id IS NULL
		RETURNING id, session_id, search_name, status, worker_id,
		          artifact_path, created_at, completed_at, error_message`,
		SearchInProgress, workerID, SearchPending)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("search claim failed: %w", err)
	}
	return &search, nil
}

func (p *PGStore) FinishSearch(ctx context.Context, id int64, workerID string, status SearchStatus, artifactPath, message string) error {
	var sessionID int64
	err := p.db.GetContext(ctx, &sessionID, `
		UPDATE rdprm_searches
		   SET status = $1, worker_id = NULL,
		       artifact_path = COALESCE(NULLIF($2, ''), artifact_path),
		       error_message = NULLIF($3, ''),
		       completed_at = now()
		 WHERE id = $4 AND worker_id = $5
		RETURNING session_id`,
		status, artifactPath, message, id, workerID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotHolder
	}
	if err != nil {
		return fmt.Errorf("failed to finish search %d: %w", id, err)
	}

	// Advance the parent once every sibling is terminal. Best effort: a
	// concurrent sibling finishing runs the same statement and one of them
	// wins; the condition makes the update idempotent.
	_, err = p.db.ExecContext(ctx, `
		UPDATE registre_sessions
		   SET status = $1, completed_at = now()
		 WHERE id = $2 AND status NOT IN ($1, $3)
		   AND NOT EXISTS (
			SELECT 1 FROM rdprm_searches
			 WHERE session_id = $2 AND status NOT IN ($4, $5, $6)
		 )`,
		SessionCompleted, sessionID, SessionFailed,
		SearchCompleted, SearchFailed, SearchNotFound)
	if err != nil {
		return fmt.Errorf("failed to advance session %d: %w", sessionID, err)
	}
	return nil
}

func (p *PGStore) GetSession(ctx context.Context, id int64) (*Session, error) {
	var sess Session
	err := p.db.GetContext(ctx, &sess, `
		SELECT id, company_name, selected_company, status, req_completed,
		       worker_id, created_at, completed_at, error_message
		  FROM registre_sessions WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session %d: %w", id, err)
	}
	return &sess, nil
}

// --- worker liveness ---

func (p *PGStore) UpsertWorkerStatus(ctx context.Context, ws *WorkerStatus) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO worker_status (
			worker_id, hostname, status, current_job_id, current_job_env,
			credential_id, last_heartbeat, jobs_completed, jobs_failed, started_at
		) VALUES ($1,$2,$3,$4,$5,$6,now(),$7,$8,now())
		ON CONFLICT (worker_id) DO UPDATE
		   SET hostname = EXCLUDED.hostname,
		       status = EXCLUDED.status,
		       credential_id = EXCLUDED.credential_id,
		       last_heartbeat = now()`,
		ws.WorkerID, ws.Hostname, ws.State, ws.CurrentJobID, ws.CurrentJobEnv,
		ws.CredentialID, ws.JobsCompleted, ws.JobsFailed)
	if err != nil {
		return fmt.Errorf("failed to upsert worker status: %w", err)
	}
	return nil
}

func (p *PGStore) Heartbeat(ctx context.Context, workerID string, state WorkerState, currentJobID *int64, currentJobEnv *string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE worker_status
		   SET status = $1, current_job_id = $2, current_job_env = $3,
		       last_heartbeat = now()
		 WHERE worker_id = $4`,
		state, currentJobID, currentJobEnv, workerID)
	if err != nil {
		return fmt.Errorf("heartbeat failed: %w", err)
	}
	return requireRow(res)
}

func (p *PGStore) SetWorkerCredential(ctx context.Context, workerID string, credentialID int64) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE worker_status SET credential_id = $1 WHERE worker_id = $2`,
		credentialID, workerID)
	if err != nil {
		return fmt.Errorf("failed to set worker credential: %w", err)
	}
	return requireRow(res)
}

func (p *PGStore) ListStaleWorkers(ctx context.Context, deadThreshold time.Duration) ([]WorkerStatus, error) {
	var stale []WorkerStatus
	err := p.db.SelectContext(ctx, &stale, `
		SELECT worker_id, hostname, status, current_job_id, current_job_env,
		       credential_id, last_heartbeat, jobs_completed, jobs_failed,
		       started_at
		  FROM worker_status
		 WHERE status <> $1
		   AND last_heartbeat < now() - $2::interval
		 ORDER BY worker_id`,
		WorkerOffline, fmt.Sprintf("%d milliseconds", deadThreshold.Milliseconds()))
	if err != nil {
		return nil, fmt.Errorf("failed to list stale workers: %w", err)
	}
	return stale, nil
}

func (p *PGStore) MarkWorkerOffline(ctx context.Context, workerID string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE worker_status
		   SET status = $1, current_job_id = NULL, current_job_env = NULL
		 WHERE worker_id = $2`,
		WorkerOffline, workerID)
	if err != nil {
		return fmt.Errorf("failed to mark worker offline: %w", err)
	}
	return requireRow(res)
}

func (p *PGStore) BumpWorkerCounters(ctx context.Context, workerID string, completed, failed int64) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE worker_status
		   SET jobs_completed = jobs_completed + $1,
		       jobs_failed = jobs_failed + $2
		 WHERE worker_id = $3`,
		completed, failed, workerID)
	if err != nil {
		return fmt.Errorf("failed to bump worker counters: %w", err)
	}
	return nil
}

// --- credentials ---

func (p *PGStore) SelectCredential(ctx context.Context) (*Credential, error) {
	var cred Credential
	err := p.db.GetContext(ctx, &cred, `
		UPDATE registry_credentials
		   SET last_used = now()
		 WHERE id = (
			SELECT id FROM registry_credentials
			 WHERE active = true AND failures < $1
			 ORDER BY last_used ASC NULLS FIRST, id ASC
			 LIMIT 1
			 FOR UPDATE SKIP LOCKED
		 )
		RETURNING id, username, password, active, failures, last_used`,
		CredentialMaxFailures)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoEligibleCredential
	}
	if err != nil {
		return nil, fmt.Errorf("credential selection failed: %w", err)
	}
	return &cred, nil
}

func (p *PGStore) ResetCredentialFailures(ctx context.Context, id int64) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE registry_credentials
		   SET failures = 0, last_used = now()
		 WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to reset credential %d: %w", id, err)
	}
	return nil
}

func (p *PGStore) BumpCredentialFailure(ctx context.Context, id int64) (int, error) {
	var failures int
	err := p.db.GetContext(ctx, &failures, `
		UPDATE registry_credentials
		   SET failures = failures + 1
		 WHERE id = $1
		RETURNING failures`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to bump credential %d: %w", id, err)
	}
	return failures, nil
}

// requireRow converts a zero-row conditional update into ErrNotHolder.
func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotHolder
	}
	return nil
}

// Verify interface compliance
var _ Store = (*PGStore)(nil)
