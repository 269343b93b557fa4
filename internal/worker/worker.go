// Package worker runs the unified claim loop: one process serves the
// extraction queue, business-registry sessions, and personal-rights searches
// across every configured environment, in priority order. All coordination
// happens through conditional datastore updates; workers never talk to each
// other.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/laurentialabs/registre/internal/accounts"
	"github.com/laurentialabs/registre/internal/browser"
	"github.com/laurentialabs/registre/internal/envreg"
	"github.com/laurentialabs/registre/internal/sites"
	"github.com/laurentialabs/registre/internal/storage"
	"github.com/laurentialabs/registre/internal/store"
)

// Config assembles one worker.
type Config struct {
	Logger   *slog.Logger
	Identity Identity

	Envs        *envreg.Registry
	Drivers     *sites.DriverSet
	Browser     *browser.Manager
	Credentials *accounts.Pool

	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	// ShutdownGrace bounds how long an in-flight job may keep running after
	// a shutdown signal. Past it the job is abandoned and marked error.
	ShutdownGrace time.Duration
}

// Worker is one unified worker process.
type Worker struct {
	cfg    Config
	logger *slog.Logger

	current currentTask

	// authKind is the task kind the live session authenticated for. A
	// session logged into one registry cannot serve another; switching
	// kinds drops the session. Only the claim loop touches it.
	authKind sites.TaskKind
}

// New builds a worker. Start runs it.
func New(cfg Config) *Worker {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 30 * time.Second
	}
	return &Worker{
		cfg:    cfg,
		logger: logger.With("component", "worker", "worker_id", cfg.Identity.ID),
	}
}

// Start runs the claim loop until ctx is cancelled. Blocks. Returns nil on a
// clean shutdown; a credential lockout surfaces as accounts.ErrLockedOut so
// the process exits non-zero instead of hammering the registry.
func (w *Worker) Start(ctx context.Context) error {
	w.registerAll(ctx)

	hbCtx, hbCancel := context.WithCancel(context.WithoutCancel(ctx))
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		w.heartbeatLoop(hbCtx)
	}()
	defer func() {
		hbCancel()
		<-hbDone
		w.markOfflineAll()
		w.cfg.Browser.Close()
	}()

	w.logger.Info("worker started", "hostname", w.cfg.Identity.Hostname)

	for {
		if ctx.Err() != nil {
			w.logger.Info("worker stopping")
			return nil
		}

		task := w.claim(ctx)
		if task == nil {
			w.cfg.Browser.ReapIdle()
			select {
			case <-ctx.Done():
			case <-time.After(w.cfg.PollInterval):
			}
			continue
		}

		if err := w.process(ctx, task); err != nil {
			return err
		}
	}
}

// ProcessJob forces one extraction job through the normal execute path and
// reports its final state. Single-shot: no heartbeat, no polling; the browser
// session is torn down afterwards. Backs the process-queue command.
func (w *Worker) ProcessJob(ctx context.Context, envName string, id int64) error {
	env := w.cfg.Envs.Get(envName)
	if env == nil {
		return fmt.Errorf("environment %q not configured", envName)
	}
	defer w.cfg.Browser.Close()

	job, err := env.Store.ClaimJob(ctx, id, w.cfg.Identity.ID)
	if err != nil {
		return fmt.Errorf("claim job %d: %w", id, err)
	}
	if job == nil {
		return fmt.Errorf("job %d is not claimable (not pending, or held by another worker)", id)
	}

	if err := w.execute(ctx, &sites.Task{Env: envName, Extraction: job}); err != nil {
		return err
	}

	final, err := env.Store.GetJob(ctx, id)
	if err != nil {
		return fmt.Errorf("job %d state unreadable after processing: %w", id, err)
	}
	if final.Status != store.StatusExtractionComplete {
		msg := "no error recorded"
		if final.ErrorMessage != nil {
			msg = *final.ErrorMessage
		}
		return fmt.Errorf("job %d finished in state %s: %s", id, final.Status, msg)
	}
	w.logger.Info("job processed", "job_id", id, "status", final.Status)
	return nil
}

// claim polls every environment in priority order, trying the three queues
// in sequence. First hit wins; the rest of the cycle is skipped so high
// priority environments drain first.
func (w *Worker) claim(ctx context.Context) *sites.Task {
	for _, name := range w.cfg.Envs.List() {
		env := w.cfg.Envs.Get(name)
		if env == nil {
			continue
		}

		job, err := env.Store.ClaimNextJob(ctx, w.cfg.Identity.ID)
		if err != nil {
			w.logger.Warn("extraction claim failed", "env", name, "error", err)
		} else if job != nil {
			return &sites.Task{Env: name, Extraction: job}
		}

		sess, err := env.Store.ClaimNextSession(ctx, w.cfg.Identity.ID)
		if err != nil {
			w.logger.Warn("session claim failed", "env", name, "error", err)
		} else if sess != nil {
			return &sites.Task{Env: name, Session: sess}
		}

		search, err := env.Store.ClaimNextSearch(ctx, w.cfg.Identity.ID)
		if err != nil {
			w.logger.Warn("search claim failed", "env", name, "error", err)
		} else if search != nil {
			return &sites.Task{Env: name, Search: search}
		}
	}
	return nil
}

// process runs one task, surviving shutdown: a cancelled parent context
// gives the in-flight task the grace period to finish, then abandons it.
func (w *Worker) process(parent context.Context, task *sites.Task) error {
	w.current.set(task)
	defer w.current.clear()

	taskCtx, cancel := context.WithCancel(context.WithoutCancel(parent))
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- w.execute(taskCtx, task)
	}()

	select {
	case err := <-done:
		return err
	case <-parent.Done():
	}

	w.logger.Info("shutdown requested, finishing in-flight task",
		"grace", w.cfg.ShutdownGrace)
	select {
	case err := <-done:
		return err
	case <-time.After(w.cfg.ShutdownGrace):
		// Hard deadline. Settle the row before cancelling so that when the
		// task goroutine limps home, its conditional update loses against
		// the cleared holder and is logged, not applied.
		w.abandon(task)
		cancel()
		return nil
	}
}

// abandon marks a task that outlived the shutdown grace. The error message
// carries the canonical marker so the reaper knows the row was settled
// deliberately.
func (w *Worker) abandon(task *sites.Task) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	env := w.cfg.Envs.Get(task.Env)
	if env == nil {
		return
	}
	w.logger.Warn("abandoning in-flight task", "env", task.Env, "kind", task.Kind())

	var err error
	switch task.Kind() {
	case sites.TaskExtraction:
		err = env.Store.FailJob(ctx, task.Extraction.ID, w.cfg.Identity.ID,
			store.AbandonedMarker, "", false)
	case sites.TaskSession:
		err = env.Store.FinishSession(ctx, task.Session.ID, w.cfg.Identity.ID,
			store.SessionFailed, store.AbandonedMarker)
	case sites.TaskSearch:
		err = env.Store.FinishSearch(ctx, task.Search.ID, w.cfg.Identity.ID,
			store.SearchFailed, "", store.AbandonedMarker)
	}
	// The task goroutine may have settled the row before the deadline hit.
	if err != nil && !errors.Is(err, store.ErrNotHolder) {
		w.logger.Error("abandon failed", "error", err)
	}
}

// execute drives one task through login and the site flow. A non-nil return
// stops the worker; task-level failures settle the row and return nil.
func (w *Worker) execute(ctx context.Context, task *sites.Task) error {
	env := w.cfg.Envs.Get(task.Env)
	if env == nil {
		return fmt.Errorf("environment %q vanished", task.Env)
	}
	log := w.logger.With("env", task.Env, "kind", task.Kind())
	log.Info("task claimed", "task", taskRef(task))

	if w.authKind != "" && w.authKind != task.Kind() {
		log.Debug("task kind changed, dropping session", "was", w.authKind)
		w.cfg.Browser.Close()
		w.authKind = ""
	}

	sess, needLogin, err := w.cfg.Browser.Acquire(ctx)
	if err != nil {
		log.Error("browser acquisition failed", "error", err)
		w.settle(ctx, env, task, sites.Result{Outcome: sites.Outcome{
			Kind:    sites.FailureInfrastructure,
			Message: "browser: " + err.Error(),
		}})
		return nil
	}

	driver := w.cfg.Drivers.For(task.Kind())
	if needLogin {
		stop, ok := w.login(ctx, env, driver, sess, task)
		if stop != nil || !ok {
			return stop
		}
	}
	w.authKind = task.Kind()

	res := driver.Execute(ctx, sess, task)
	w.settle(ctx, env, task, res)
	return nil
}

// login runs the authentication flow for a fresh session. ok=false means the
// task was settled (released or failed) and must not execute; a non-nil stop
// error shuts the worker down.
func (w *Worker) login(ctx context.Context, env *envreg.Environment, driver sites.Driver, sess browser.Session, task *sites.Task) (stop error, ok bool) {
	var cred *store.Credential
	if task.Kind() == sites.TaskExtraction {
		var err error
		cred, err = w.cfg.Credentials.Acquire(ctx)
		if err != nil {
			w.logger.Error("no credential available", "error", err)
			w.release(ctx, env, task, "no eligible credential")
			return nil, false
		}
		w.publishCredential(ctx, cred.ID)
	}

	out := driver.Login(ctx, sess, cred)
	switch out.Kind {
	case sites.FailureNone:
		w.cfg.Browser.MarkAuthenticated()
		if cred != nil {
			if err := w.cfg.Credentials.ReportSuccess(ctx); err != nil {
				w.logger.Warn("failure counter reset failed", "error", err)
			}
		}
		return nil, true

	case sites.FailureLoginFailed, sites.FailureAccountLocked:
		// A refused credential is terminal for the task: retrying the same
		// login with the same job buys nothing.
		w.logger.Warn("login failed", "outcome", out.Kind, "message", out.Message)
		w.cfg.Browser.Close()
		if task.Kind() == sites.TaskExtraction {
			w.failJob(ctx, env, task.Extraction, "login failed: "+out.Message, "", false)
		} else {
			w.release(ctx, env, task, out.Message)
		}
		if cred == nil {
			return nil, false
		}
		if err := w.cfg.Credentials.ReportLoginFailure(ctx); errors.Is(err, accounts.ErrLockedOut) {
			return err, false
		}
		if out.Kind == sites.FailureAccountLocked {
			return accounts.ErrLockedOut, false
		}
		return nil, false

	default:
		// Login never reached the credential check: site or browser trouble.
		w.logger.Warn("login aborted", "outcome", out.Kind, "message", out.Message)
		w.cfg.Browser.Close()
		w.release(ctx, env, task, out.Message)
		return nil, false
	}
}

// release puts a task back without consuming an attempt. Extraction rows
// have a real release path; sessions and searches are single-attempt, so a
// pre-execution failure settles them as failed.
func (w *Worker) release(ctx context.Context, env *envreg.Environment, task *sites.Task, reason string) {
	var err error
	switch task.Kind() {
	case sites.TaskExtraction:
		err = env.Store.ReleaseJob(ctx, task.Extraction.ID, w.cfg.Identity.ID, "released: "+reason)
	case sites.TaskSession:
		err = env.Store.FinishSession(ctx, task.Session.ID, w.cfg.Identity.ID,
			store.SessionFailed, reason)
	case sites.TaskSearch:
		err = env.Store.FinishSearch(ctx, task.Search.ID, w.cfg.Identity.ID,
			store.SearchFailed, "", reason)
	}
	if err != nil {
		w.logger.Error("release failed", "kind", task.Kind(), "error", err)
	}
}

// settle records a driver result on the claimed row.
func (w *Worker) settle(ctx context.Context, env *envreg.Environment, task *sites.Task, res sites.Result) {
	switch task.Kind() {
	case sites.TaskExtraction:
		w.settleExtraction(ctx, env, task.Extraction, res)
	case sites.TaskSession:
		w.settleSession(ctx, env, task.Session, res)
	case sites.TaskSearch:
		w.settleSearch(ctx, env, task.Search, res)
	}
}

func (w *Worker) settleExtraction(ctx context.Context, env *envreg.Environment, job *store.Job, res sites.Result) {
	log := w.logger.With("env", env.Name, "job_id", job.ID)

	if res.Outcome.OK() && res.Artifact != nil {
		name := res.Artifact.Filename
		if name == "" {
			name = job.DocumentNumber
		}
		key := storage.ArtifactKey(job.ID, name, time.Now())
		path, err := env.Storage.Upload(ctx, job.Kind.Bucket(), key, res.Artifact.Bytes, res.Artifact.MimeType)
		if err != nil {
			log.Error("artifact upload failed", "error", err)
			w.failJob(ctx, env, job, "upload failed: "+err.Error(), "", true)
			return
		}
		if err := env.Store.CompleteJob(ctx, job.ID, w.cfg.Identity.ID, path); err != nil {
			log.Error("completion lost", "error", err)
			return
		}
		if err := env.Store.BumpWorkerCounters(ctx, w.cfg.Identity.ID, 1, 0); err != nil {
			log.Warn("counter bump failed", "error", err)
		}
		log.Info("job complete", "artifact", path)
		return
	}

	retriable := res.Outcome.Kind.Retriable()
	log.Warn("job failed", "outcome", res.Outcome.Kind, "message", res.Outcome.Message, "retriable", retriable)

	screenshotURL := ""
	if !retriable {
		screenshotURL = w.captureFailure(ctx, env, job)
	}
	w.failJob(ctx, env, job, res.Outcome.Message, screenshotURL, retriable)
}

func (w *Worker) failJob(ctx context.Context, env *envreg.Environment, job *store.Job, message, screenshotURL string, retriable bool) {
	if err := env.Store.FailJob(ctx, job.ID, w.cfg.Identity.ID, message, screenshotURL, retriable); err != nil {
		w.logger.Error("failure not recorded", "job_id", job.ID, "error", err)
		return
	}
	if !retriable {
		if err := env.Store.BumpWorkerCounters(ctx, w.cfg.Identity.ID, 0, 1); err != nil {
			w.logger.Warn("counter bump failed", "error", err)
		}
	}
}

// captureFailure screenshots the dying session and stores it next to the
// job's artifacts. Best effort: a failed capture or upload returns "".
func (w *Worker) captureFailure(ctx context.Context, env *envreg.Environment, job *store.Job) string {
	shot := w.cfg.Browser.FailureScreenshot(ctx)
	if shot == nil {
		return ""
	}
	key := fmt.Sprintf("%d/error-%d.png", job.ID, time.Now().Unix())
	path, err := env.Storage.Upload(ctx, job.Kind.Bucket(), key, shot, "image/png")
	if err != nil {
		w.logger.Warn("screenshot upload failed", "job_id", job.ID, "error", err)
		return ""
	}
	return path
}

func (w *Worker) settleSession(ctx context.Context, env *envreg.Environment, sess *store.Session, res sites.Result) {
	status := store.SessionSearchingNames
	message := ""
	if !res.Outcome.OK() {
		status = store.SessionFailed
		message = res.Outcome.Message
	}
	if err := env.Store.FinishSession(ctx, sess.ID, w.cfg.Identity.ID, status, message); err != nil {
		w.logger.Error("session finish failed", "session_id", sess.ID, "error", err)
		return
	}
	w.logger.Info("session settled", "session_id", sess.ID, "status", status)
}

func (w *Worker) settleSearch(ctx context.Context, env *envreg.Environment, search *store.PersonalRightsSearch, res sites.Result) {
	log := w.logger.With("env", env.Name, "search_id", search.ID)

	switch {
	case res.Outcome.OK() && res.Artifact != nil:
		key := storage.SearchResultKey(search.SessionID, search.SearchName)
		path, err := env.Storage.Upload(ctx, storage.RDPRMBucket, key, res.Artifact.Bytes, res.Artifact.MimeType)
		if err != nil {
			log.Error("search result upload failed", "error", err)
			w.finishSearch(ctx, env, search, store.SearchFailed, "", "upload failed: "+err.Error())
			return
		}
		w.finishSearch(ctx, env, search, store.SearchCompleted, path, "")
		log.Info("search complete", "artifact", path)

	case res.Outcome.Kind == sites.FailureNotFound:
		// No registered rights under this name: a normal, terminal answer.
		w.finishSearch(ctx, env, search, store.SearchNotFound, "", res.Outcome.Message)
		log.Info("search found nothing")

	default:
		w.finishSearch(ctx, env, search, store.SearchFailed, "", res.Outcome.Message)
		log.Warn("search failed", "outcome", res.Outcome.Kind, "message", res.Outcome.Message)
	}
}

func (w *Worker) finishSearch(ctx context.Context, env *envreg.Environment, search *store.PersonalRightsSearch, status store.SearchStatus, path, message string) {
	if err := env.Store.FinishSearch(ctx, search.ID, w.cfg.Identity.ID, status, path, message); err != nil {
		w.logger.Error("search finish failed", "search_id", search.ID, "error", err)
	}
}

func taskRef(task *sites.Task) string {
	switch task.Kind() {
	case sites.TaskExtraction:
		return fmt.Sprintf("job %d (%s)", task.Extraction.ID, task.Extraction.Kind)
	case sites.TaskSession:
		return fmt.Sprintf("session %d", task.Session.ID)
	default:
		return fmt.Sprintf("search %d", task.Search.ID)
	}
}
