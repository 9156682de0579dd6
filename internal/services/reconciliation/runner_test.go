package reconciliation

import (
	"bytes"
	"context"
	"iter"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
	"go.uber.org/mock/gomock"

	"payment-orchestration-backend/internal/config"
	"payment-orchestration-backend/internal/models"
	"payment-orchestration-backend/internal/payerr"
	"payment-orchestration-backend/internal/providers"
	"payment-orchestration-backend/internal/providers/mocks"
	"payment-orchestration-backend/internal/testutil"
)

func newRunner(t *testing.T, f *fixture) *Runner {
	t.Helper()
	return startRunner(t, f, time.Minute)
}

func startRunner(t *testing.T, f *fixture, staleAfter time.Duration) *Runner {
	t.Helper()
	log, _ := testutil.Logger()
	r := NewRunner(f.svc, f.reports, config.ReconciliationConfig{Workers: 1, QueueSize: 2, StaleAfter: staleAfter}, log)
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(r.Stop)
	return r
}

// blockingProvider signals listed on its first listing and then holds every
// listing until release is closed or the job is cancelled.
func blockingProvider(ctrl *gomock.Controller, times int, listed chan<- struct{}, release <-chan struct{}) *mocks.MockAdapter {
	var once sync.Once
	m := mocks.NewMockAdapter(ctrl)
	m.EXPECT().ID().Return("paystack").AnyTimes()
	m.EXPECT().ListTransactions(gomock.Any(), gomock.Any()).Times(times).
		DoAndReturn(func(ctx context.Context, _ providers.Window) iter.Seq2[providers.Record, error] {
			return func(yield func(providers.Record, error) bool) {
				once.Do(func() { close(listed) })
				select {
				case <-release:
				case <-ctx.Done():
					yield(providers.Record{}, ctx.Err())
				}
			}
		})
	return m
}

func waitListed(t *testing.T, listed <-chan struct{}) {
	t.Helper()
	select {
	case <-listed:
	case <-time.After(5 * time.Second):
		t.Fatal("listing never started")
	}
}

func (r *Runner) owns(id uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.cancels[id]
	return ok
}

func waitForStatus(t *testing.T, r *Runner, job *models.ReconciliationJob, want models.JobStatus) *models.ReconciliationJob {
	t.Helper()
	var got *models.ReconciliationJob
	require.Eventually(t, func() bool {
		var err error
		got, err = r.Status(context.Background(), job.ID)
		return err == nil && got.Status == want
	}, 5*time.Second, 10*time.Millisecond)
	return got
}

func TestRunnerCompletesJobAndFreezesReport(t *testing.T) {
	ctrl := gomock.NewController(t)
	f := newFixture(t, provider(ctrl, "paystack", []providers.Record{record("PS-1", models.StatusCompleted, 100)}, nil))
	f.seed(t, "paystack", "PS-1", 100, models.StatusCompleted)
	r := newRunner(t, f)

	job, err := r.Submit(context.Background(), Request{Window: f.window, AutoFix: true, RequestedBy: "user:ops"})
	require.NoError(t, err)
	assert.Equal(t, models.JobProcessing, job.Status)
	assert.Equal(t, []string{"paystack"}, ProvidersOf(job.Providers))

	done := waitForStatus(t, r, job, models.JobCompleted)
	assert.Equal(t, 1, done.ProcessedCount)
	assert.NotNil(t, done.CompletedAt)

	report, err := f.reports.GetReport(context.Background(), job.ReportID)
	require.NoError(t, err)
	require.NotNil(t, report.FrozenAt)
	assert.Equal(t, 1, resultFor(t, report, "paystack").Reconciled)

	_, err = r.Cancel(context.Background(), job.ID)
	assert.ErrorIs(t, err, payerr.ErrConflict)
}

func TestRunnerCancelsRunningJob(t *testing.T) {
	ctrl := gomock.NewController(t)
	listed := make(chan struct{})
	var once sync.Once
	m := mocks.NewMockAdapter(ctrl)
	m.EXPECT().ID().Return("paystack").AnyTimes()
	m.EXPECT().ListTransactions(gomock.Any(), gomock.Any()).
		DoAndReturn(func(ctx context.Context, _ providers.Window) iter.Seq2[providers.Record, error] {
			return func(yield func(providers.Record, error) bool) {
				if !yield(record("PS-1", models.StatusCompleted, 10), nil) {
					return
				}
				once.Do(func() { close(listed) })
				<-ctx.Done()
				yield(providers.Record{}, ctx.Err())
			}
		})
	f := newFixture(t, m)
	r := newRunner(t, f)

	job, err := r.Submit(context.Background(), Request{Window: f.window})
	require.NoError(t, err)

	select {
	case <-listed:
	case <-time.After(5 * time.Second):
		t.Fatal("listing never started")
	}
	_, err = r.Cancel(context.Background(), job.ID)
	require.NoError(t, err)

	done := waitForStatus(t, r, job, models.JobCancelled)
	assert.Equal(t, 1, done.ProcessedCount)

	report, err := f.reports.GetReport(context.Background(), job.ReportID)
	require.NoError(t, err)
	assert.NotNil(t, report.FrozenAt)
	res := resultFor(t, report, "paystack")
	assert.Equal(t, 1, res.TotalPayments)
	assert.False(t, res.Completed)
}

func TestRunnerSubmitValidation(t *testing.T) {
	ctrl := gomock.NewController(t)
	f := newFixture(t, provider(ctrl, "paystack", nil, nil))
	r := newRunner(t, f)
	ctx := context.Background()

	_, err := r.Submit(ctx, Request{Window: providers.Window{Start: f.window.End, End: f.window.Start}})
	assert.ErrorIs(t, err, payerr.ErrInvalidRequest)

	_, err = r.Submit(ctx, Request{Window: f.window, Providers: []string{"bitcoin"}})
	assert.ErrorIs(t, err, payerr.ErrInvalidRequest)

	var count int64
	require.NoError(t, f.db.Model(&models.ReconciliationJob{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestRunnerStartFailsStaleJobs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	stale, err := f.reports.CreateJob(ctx, f.window.Start, f.window.End, []string{"paystack"}, false, "user:ops")
	require.NoError(t, err)
	require.NoError(t, f.db.Model(&models.ReconciliationJob{}).
		Where("id = ?", stale.ID).
		Update("heartbeat_at", time.Now().UTC().Add(-time.Hour)).Error)
	fresh, err := f.reports.CreateJob(ctx, f.window.Start, f.window.End, []string{"paystack"}, false, "user:ops")
	require.NoError(t, err)

	newRunner(t, f)

	got, err := f.reports.GetJob(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, got.Status)
	assert.Contains(t, got.Error, "interrupted")

	got, err = f.reports.GetJob(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobProcessing, got.Status)
}

func TestRunnerHeartbeatsQueuedJobs(t *testing.T) {
	ctrl := gomock.NewController(t)
	listed, release := make(chan struct{}), make(chan struct{})
	f := newFixture(t, blockingProvider(ctrl, 2, listed, release))
	staleAfter := 600 * time.Millisecond
	r := startRunner(t, f, staleAfter)
	ctx := context.Background()

	running, err := r.Submit(ctx, Request{Window: f.window})
	require.NoError(t, err)
	queued, err := r.Submit(ctx, Request{Window: f.window})
	require.NoError(t, err)
	waitListed(t, listed)

	time.Sleep(staleAfter + 300*time.Millisecond)
	n, err := f.reports.FailStaleJobs(ctx, staleAfter)
	require.NoError(t, err)
	assert.Zero(t, n)

	close(release)
	waitForStatus(t, r, running, models.JobCompleted)
	waitForStatus(t, r, queued, models.JobCompleted)
}

func TestRunnerSkipsQueuedJobFailedElsewhere(t *testing.T) {
	ctrl := gomock.NewController(t)
	listed, release := make(chan struct{}), make(chan struct{})
	f := newFixture(t, blockingProvider(ctrl, 1, listed, release))
	r := newRunner(t, f)
	ctx := context.Background()

	running, err := r.Submit(ctx, Request{Window: f.window, AutoFix: true})
	require.NoError(t, err)
	queued, err := r.Submit(ctx, Request{Window: f.window, AutoFix: true})
	require.NoError(t, err)
	waitListed(t, listed)

	// Recovery on another instance gives up on the queued job.
	require.NoError(t, f.reports.FinishJob(ctx, queued.ID, models.JobFailed, 0, "interrupted: worker stopped before completion"))

	close(release)
	waitForStatus(t, r, running, models.JobCompleted)
	require.Eventually(t, func() bool { return !r.owns(queued.ID) }, 5*time.Second, 10*time.Millisecond)

	got, err := f.reports.GetJob(ctx, queued.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, got.Status)
	assert.Contains(t, got.Error, "interrupted")
	report, err := f.reports.GetReport(ctx, queued.ReportID)
	require.NoError(t, err)
	assert.Empty(t, report.Results)
}

func TestRunnerStopsJobFailedElsewhere(t *testing.T) {
	ctrl := gomock.NewController(t)
	listed := make(chan struct{})
	f := newFixture(t, blockingProvider(ctrl, 1, listed, make(chan struct{})))
	r := startRunner(t, f, 300*time.Millisecond)
	ctx := context.Background()

	job, err := r.Submit(ctx, Request{Window: f.window})
	require.NoError(t, err)
	waitListed(t, listed)

	require.NoError(t, f.reports.FinishJob(ctx, job.ID, models.JobFailed, 0, "interrupted: worker stopped before completion"))
	require.Eventually(t, func() bool { return !r.owns(job.ID) }, 5*time.Second, 10*time.Millisecond)

	got, err := f.reports.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, got.Status)
	assert.Contains(t, got.Error, "interrupted")
}

type recordingSubmitter struct {
	requests []Request
}

func (s *recordingSubmitter) Submit(_ context.Context, req Request) (*models.ReconciliationJob, error) {
	s.requests = append(s.requests, req)
	return &models.ReconciliationJob{}, nil
}

func TestSchedulerSubmitsTrailingWindow(t *testing.T) {
	log, _ := testutil.Logger()
	sub := &recordingSubmitter{}
	s := NewScheduler(sub, config.ReconciliationConfig{Interval: time.Hour, Lookback: 6 * time.Hour, AutoFix: true}, log)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	s.tick(context.Background())
	require.Len(t, sub.requests, 1)
	req := sub.requests[0]
	assert.Equal(t, now.Add(-6*time.Hour), req.Window.Start)
	assert.Equal(t, now, req.Window.End)
	assert.Empty(t, req.Providers)
	assert.True(t, req.AutoFix)
	assert.Equal(t, "scheduler", req.RequestedBy)
}

func TestSchedulerDisabledWithoutInterval(t *testing.T) {
	log, _ := testutil.Logger()
	sub := &recordingSubmitter{}
	s := NewScheduler(sub, config.ReconciliationConfig{}, log)

	done := make(chan struct{})
	go func() {
		s.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("disabled scheduler should return immediately")
	}
	assert.Empty(t, sub.requests)
}

func TestWriteXLSX(t *testing.T) {
	ctrl := gomock.NewController(t)
	f := newFixture(t, provider(ctrl, "paystack", []providers.Record{record("PS-NEW", models.StatusCompleted, 10)}, nil))
	f.seed(t, "paystack", "PS-GHOST", 80, models.StatusCompleted)
	report, discrepancies := f.run(t, false)
	require.Len(t, discrepancies, 2)

	var buf bytes.Buffer
	require.NoError(t, WriteXLSX(&buf, report, discrepancies))

	book, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer book.Close()
	assert.Equal(t, []string{summarySheet, discrepanciesSheet}, book.GetSheetList())

	name, err := book.GetCellValue(summarySheet, "A4")
	require.NoError(t, err)
	assert.Equal(t, "paystack", name)
	missingLocal, err := book.GetCellValue(summarySheet, "E4")
	require.NoError(t, err)
	assert.Equal(t, "1", missingLocal)

	rows, err := book.GetRows(discrepanciesSheet)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "Kind", rows[0][1])
	kinds := []string{rows[1][1], rows[2][1]}
	assert.ElementsMatch(t, []string{"missing_local", "missing_provider"}, kinds)
}
