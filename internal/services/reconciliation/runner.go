package reconciliation

import (
	"context"
	"encoding/json"
	"errors"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"payment-orchestration-backend/internal/config"
	"payment-orchestration-backend/internal/models"
	"payment-orchestration-backend/internal/payerr"
	"payment-orchestration-backend/internal/providers"
)

// JobStore persists jobs and their reports.
type JobStore interface {
	CreateJob(ctx context.Context, start, end time.Time, providers []string, autoFix bool, requestedBy string) (*models.ReconciliationJob, error)
	GetJob(ctx context.Context, id uuid.UUID) (*models.ReconciliationJob, error)
	Heartbeat(ctx context.Context, jobID uuid.UUID, processed int) error
	FinishJob(ctx context.Context, jobID uuid.UUID, status models.JobStatus, processed int, errMsg string) error
	FailStaleJobs(ctx context.Context, staleAfter time.Duration) (int, error)
}

// Request is a reconciliation submitted over the API, the CLI or the
// scheduler.
type Request struct {
	Window      providers.Window
	Providers   []string
	AutoFix     bool
	RequestedBy string
}

// Progress is the in-memory view of a running job.
type Progress struct {
	ProcessedCount int
	Status         models.JobStatus
}

type queued struct {
	job *models.ReconciliationJob
	req Request
	ctx context.Context
}

// Runner executes reconciliation jobs on a fixed set of workers. Jobs are
// persisted before they are queued so their status survives a restart.
type Runner struct {
	service    *ReconciliationService
	store      JobStore
	workers    int
	staleAfter time.Duration
	log        logrus.FieldLogger

	queue chan queued

	mu      sync.Mutex
	cancels map[uuid.UUID]context.CancelFunc
	base    context.Context
	stop    context.CancelFunc
	closed  bool
	wg      sync.WaitGroup

	progressCache sync.Map // jobID -> *Progress
}

func NewRunner(service *ReconciliationService, store JobStore, cfg config.ReconciliationConfig, log logrus.FieldLogger) *Runner {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	size := cfg.QueueSize
	if size <= 0 {
		size = 16
	}
	staleAfter := cfg.StaleAfter
	if staleAfter <= 0 {
		staleAfter = 10 * time.Minute
	}
	return &Runner{
		service:    service,
		store:      store,
		workers:    workers,
		staleAfter: staleAfter,
		log:        log.WithField("module", "reconciliation.runner"),
		queue:      make(chan queued, size),
		cancels:    make(map[uuid.UUID]context.CancelFunc),
	}
}

// Start fails jobs orphaned by a previous process and launches the workers.
func (r *Runner) Start(ctx context.Context) error {
	n, err := r.store.FailStaleJobs(ctx, r.staleAfter)
	if err != nil {
		return err
	}
	if n > 0 {
		r.log.WithField("jobs", n).Warn("marked interrupted reconciliation jobs as failed")
	}

	r.mu.Lock()
	r.base, r.stop = context.WithCancel(context.WithoutCancel(ctx))
	r.mu.Unlock()

	for i := 0; i < r.workers; i++ {
		r.wg.Add(1)
		go r.worker()
	}
	r.wg.Add(1)
	go r.heartbeats(r.base)
	return nil
}

// Stop cancels queued and running jobs and waits for the workers.
func (r *Runner) Stop() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.queue)
	if r.stop != nil {
		r.stop()
	}
	r.mu.Unlock()
	r.wg.Wait()
}

// Submit validates the request, persists the job and its report, and queues
// it. It never waits for the run itself.
func (r *Runner) Submit(ctx context.Context, req Request) (*models.ReconciliationJob, error) {
	if !req.Window.End.After(req.Window.Start) {
		return nil, payerr.InvalidRequest("endDate must be after startDate")
	}
	adapters, err := r.service.ResolveProviders(req.Providers)
	if err != nil {
		return nil, err
	}
	req.Providers = make([]string, len(adapters))
	for i, a := range adapters {
		req.Providers[i] = a.ID()
	}

	if !r.accepting() {
		return nil, payerr.New(payerr.KindProviderUnavailable, "reconciliation runner is not accepting jobs")
	}
	job, err := r.store.CreateJob(ctx, req.Window.Start, req.Window.End, req.Providers, req.AutoFix, req.RequestedBy)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = r.store.FinishJob(context.WithoutCancel(ctx), job.ID, models.JobCancelled, 0, "runner stopped")
		return nil, payerr.New(payerr.KindProviderUnavailable, "reconciliation runner is not accepting jobs")
	}
	jobCtx, cancel := context.WithCancel(r.base)
	r.progressCache.Store(job.ID, &Progress{Status: models.JobProcessing})
	select {
	case r.queue <- queued{job: job, req: req, ctx: jobCtx}:
		r.cancels[job.ID] = cancel
		r.mu.Unlock()
	default:
		r.mu.Unlock()
		cancel()
		r.progressCache.Delete(job.ID)
		_ = r.store.FinishJob(context.WithoutCancel(ctx), job.ID, models.JobFailed, 0, "reconciliation queue is full")
		return nil, payerr.New(payerr.KindConflict, "too many reconciliation jobs are queued, try again later")
	}

	r.log.WithFields(logrus.Fields{
		"jobId":       job.ID,
		"providers":   req.Providers,
		"autoFix":     req.AutoFix,
		"requestedBy": req.RequestedBy,
	}).Info("reconciliation job queued")
	return job, nil
}

func (r *Runner) accepting() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.closed && r.base != nil
}

// Cancel asks a queued or running job to stop. Records already processed
// stay in its report.
func (r *Runner) Cancel(ctx context.Context, id uuid.UUID) (*models.ReconciliationJob, error) {
	job, err := r.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status.Finished() {
		return job, payerr.Newf(payerr.KindConflict, "job is already %s", job.Status)
	}
	r.mu.Lock()
	cancel, ok := r.cancels[id]
	r.mu.Unlock()
	if !ok {
		return job, payerr.New(payerr.KindConflict, "job is running on another instance")
	}
	cancel()
	r.log.WithField("jobId", id).Info("reconciliation job cancellation requested")
	return job, nil
}

// Status returns the persisted job with the live processed count when this
// instance is running it.
func (r *Runner) Status(ctx context.Context, id uuid.UUID) (*models.ReconciliationJob, error) {
	job, err := r.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if val, ok := r.progressCache.Load(id); ok && !job.Status.Finished() {
		p := val.(*Progress)
		r.mu.Lock()
		job.ProcessedCount = p.ProcessedCount
		r.mu.Unlock()
	}
	return job, nil
}

func (r *Runner) worker() {
	defer r.wg.Done()
	for q := range r.queue {
		r.run(q)
	}
}

func (r *Runner) run(q queued) {
	log := r.log.WithField("jobId", q.job.ID)
	defer func() {
		r.mu.Lock()
		if cancel, ok := r.cancels[q.job.ID]; ok {
			cancel()
			delete(r.cancels, q.job.ID)
		}
		r.mu.Unlock()
		r.progressCache.Delete(q.job.ID)
	}()

	val, _ := r.progressCache.LoadOrStore(q.job.ID, &Progress{Status: models.JobProcessing})
	progress := val.(*Progress)

	// Recovery on another instance may have failed the job while it waited
	// in the queue; its report is frozen then and must not be written.
	current, err := r.store.GetJob(context.WithoutCancel(q.ctx), q.job.ID)
	if err == nil && current.Status != models.JobProcessing {
		log.WithField("status", current.Status).Warn("job was finished elsewhere before it started, skipping")
		return
	}

	var summary *Summary
	if err == nil {
		err = q.ctx.Err()
	}
	if err == nil {
		summary, err = r.service.Reconcile(q.ctx, Input{
			ReportID:  q.job.ReportID,
			Window:    q.req.Window,
			Providers: q.req.Providers,
			AutoFix:   q.req.AutoFix,
			Progress: func(n int) {
				r.mu.Lock()
				progress.ProcessedCount = n
				r.mu.Unlock()
			},
		})
	}

	status, msg := models.JobCompleted, ""
	switch {
	case errors.Is(err, context.Canceled):
		status, msg = models.JobCancelled, "cancelled"
	case err != nil:
		status, msg = models.JobFailed, payerr.Public(err)
	}
	count := r.processed(q.job.ID)
	if summary != nil {
		count = summary.Processed
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if ferr := r.store.FinishJob(ctx, q.job.ID, status, count, msg); ferr != nil {
		config.LogError(log, "reconciliation", "run", "could not finish job", status, ferr)
		return
	}
	log.WithFields(logrus.Fields{"status": status, "processed": count}).Info("reconciliation job finished")
}

func (r *Runner) processed(id uuid.UUID) int {
	val, ok := r.progressCache.Load(id)
	if !ok {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return val.(*Progress).ProcessedCount
}

// heartbeats refreshes every job this instance owns, queued or running, so
// FailStaleJobs elsewhere leaves them alone. A job that is no longer
// processing in the store was failed by recovery and is cancelled here.
func (r *Runner) heartbeats(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.staleAfter / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		r.mu.Lock()
		owned := maps.Clone(r.cancels)
		r.mu.Unlock()
		for id, cancel := range owned {
			err := r.store.Heartbeat(ctx, id, r.processed(id))
			switch {
			case errors.Is(err, payerr.ErrConflict):
				r.log.WithField("jobId", id).Warn("job was finished elsewhere, stopping it")
				cancel()
			case err != nil && ctx.Err() == nil:
				r.log.WithError(err).WithField("jobId", id).Warn("job heartbeat failed")
			}
		}
	}
}

// ProvidersOf decodes the provider list stored on a job or report.
func ProvidersOf(raw []byte) []string {
	var out []string
	_ = json.Unmarshal(raw, &out)
	return out
}
