// Package reconciliation compares provider-side transaction listings with
// the ledger, reports discrepancies and optionally corrects them.
package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"payment-orchestration-backend/internal/config"
	"payment-orchestration-backend/internal/lock"
	"payment-orchestration-backend/internal/models"
	"payment-orchestration-backend/internal/payerr"
	"payment-orchestration-backend/internal/providers"
	"payment-orchestration-backend/internal/repository"
)

const performedBy = "reconciliation"

// Ledger is the part of the transaction repository reconciliation reads and
// corrects through.
type Ledger interface {
	Create(ctx context.Context, t *models.Transaction, performedBy string) error
	Transition(ctx context.Context, id uuid.UUID, ch repository.Change) (*models.Transaction, error)
	GetByID(ctx context.Context, id uuid.UUID) (*models.Transaction, error)
	FindByProviderReference(ctx context.Context, provider, reference string) (*models.Transaction, error)
	FindByCorrelationID(ctx context.Context, correlationID string) (*models.Transaction, error)
	EachInWindow(ctx context.Context, f repository.Filter, batchSize int, fn func([]models.Transaction) error) error
}

// ReportWriter persists per-provider results and discrepancy rows.
type ReportWriter interface {
	SaveProviderResult(ctx context.Context, res *models.ReconciliationProviderResult) error
	AddDiscrepancy(ctx context.Context, d *models.ReconciliationDiscrepancy) error
}

type ReconciliationService struct {
	ledger      Ledger
	reports     ReportWriter
	registry    *providers.Registry
	locker      lock.Locker
	concurrency int
	log         logrus.FieldLogger
	tracer      trace.Tracer
}

func NewReconciliationService(
	ledger Ledger,
	reports ReportWriter,
	registry *providers.Registry,
	locker lock.Locker,
	cfg config.ReconciliationConfig,
	log logrus.FieldLogger,
) *ReconciliationService {
	concurrency := cfg.ProviderConcurrency
	if concurrency <= 0 {
		concurrency = 3
	}
	if locker == nil {
		locker = lock.NewLocal()
	}
	return &ReconciliationService{
		ledger:      ledger,
		reports:     reports,
		registry:    registry,
		locker:      locker,
		concurrency: concurrency,
		log:         log.WithField("module", "reconciliation"),
		tracer:      otel.Tracer("payment-orchestration-backend/reconciliation"),
	}
}

// Input is one reconciliation run. Results are written to ReportID as each
// provider finishes.
type Input struct {
	ReportID  uuid.UUID
	Window    providers.Window
	Providers []string
	AutoFix   bool
	// Progress, when set, receives the running count of provider records
	// processed across all providers.
	Progress func(processed int)
}

// Summary is what a finished run hands back to its caller.
type Summary struct {
	Processed int
	Results   []models.ReconciliationProviderResult
}

// ResolveProviders returns the adapters to reconcile. An empty list means
// every registered provider.
func (s *ReconciliationService) ResolveProviders(ids []string) ([]providers.Adapter, error) {
	if len(ids) == 0 {
		ids = s.registry.IDs()
	}
	out := make([]providers.Adapter, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		a, err := s.registry.Get(id)
		if err != nil {
			return nil, err
		}
		if seen[a.ID()] {
			continue
		}
		seen[a.ID()] = true
		out = append(out, a)
	}
	if len(out) == 0 {
		return nil, payerr.InvalidRequest("no providers configured for reconciliation")
	}
	return out, nil
}

// Reconcile runs every requested provider in a bounded pool. A failing
// provider is recorded in its own result and never stops the others. The
// returned error is only non-nil when ctx was cancelled or the input is
// invalid.
func (s *ReconciliationService) Reconcile(ctx context.Context, in Input) (*Summary, error) {
	if !in.Window.End.After(in.Window.Start) {
		return nil, payerr.InvalidRequest("reconciliation window end must be after its start")
	}
	adapters, err := s.ResolveProviders(in.Providers)
	if err != nil {
		return nil, err
	}

	ctx, span := s.tracer.Start(ctx, "reconciliation.Reconcile", trace.WithAttributes(
		attribute.String("report.id", in.ReportID.String()),
		attribute.Int("providers", len(adapters)),
		attribute.Bool("autofix", in.AutoFix),
	))
	defer span.End()

	started := time.Now()
	var processed atomic.Int64
	tick := func() {
		n := processed.Add(1)
		if in.Progress != nil {
			in.Progress(int(n))
		}
	}

	var (
		mu      sync.Mutex
		results = make([]models.ReconciliationProviderResult, 0, len(adapters))
		g       errgroup.Group
	)
	g.SetLimit(s.concurrency)
	for _, a := range adapters {
		g.Go(func() error {
			res := s.reconcileProvider(ctx, a, in, tick)
			mu.Lock()
			results = append(results, *res)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	summary := &Summary{Processed: int(processed.Load()), Results: results}
	s.log.WithFields(logrus.Fields{
		"reportId":  in.ReportID,
		"processed": summary.Processed,
		"elapsed":   time.Since(started).String(),
	}).Info("reconciliation run finished")

	if err := ctx.Err(); err != nil {
		return summary, err
	}
	return summary, nil
}

// providerRun carries the mutable state of one provider's pass.
type providerRun struct {
	adapter providers.Adapter
	in      Input
	res     *models.ReconciliationProviderResult
	matched map[uuid.UUID]struct{}
	log     logrus.FieldLogger
}

func (s *ReconciliationService) reconcileProvider(ctx context.Context, a providers.Adapter, in Input, tick func()) *models.ReconciliationProviderResult {
	ctx, span := s.tracer.Start(ctx, "reconciliation.provider", trace.WithAttributes(attribute.String("provider", a.ID())))
	defer span.End()

	run := &providerRun{
		adapter: a,
		in:      in,
		res:     &models.ReconciliationProviderResult{ReportID: in.ReportID, Provider: a.ID()},
		matched: make(map[uuid.UUID]struct{}),
		log:     s.log.WithFields(logrus.Fields{"provider": a.ID(), "reportId": in.ReportID}),
	}
	// Results already gathered are kept even when the run is cancelled.
	defer s.saveResult(context.WithoutCancel(ctx), run)

	release, err := s.locker.Acquire(ctx, lock.ProviderKey(a.ID()))
	if err != nil {
		run.res.Errors++
		run.log.WithError(err).Warn("provider is being reconciled elsewhere, skipping")
		return run.res
	}
	defer release()

	listed := true
	for rec, err := range a.ListTransactions(ctx, in.Window) {
		if err != nil {
			if ctx.Err() == nil {
				run.res.Errors++
				config.LogError(run.log, "reconciliation", "ListTransactions", "provider listing failed", a.ID(), err)
			}
			listed = false
			break
		}
		if ctx.Err() != nil {
			listed = false
			break
		}
		run.res.TotalPayments++
		s.reconcileRecord(ctx, run, rec)
		tick()
	}

	// An incomplete listing would flag every unseen row as missing.
	if listed && ctx.Err() == nil {
		s.findMissingAtProvider(ctx, run)
	}
	run.res.Completed = listed && ctx.Err() == nil
	return run.res
}

func (s *ReconciliationService) saveResult(ctx context.Context, run *providerRun) {
	if err := s.reports.SaveProviderResult(ctx, run.res); err != nil {
		config.LogError(run.log, "reconciliation", "saveResult", "could not save provider result", run.res, err)
	}
}

func (s *ReconciliationService) reconcileRecord(ctx context.Context, run *providerRun, rec providers.Record) {
	local, err := s.findLocal(ctx, run.adapter.ID(), rec)
	if err != nil && !errors.Is(err, payerr.ErrNotFound) {
		run.res.Errors++
		run.log.WithError(err).WithField("reference", rec.Reference).Warn("ledger lookup failed")
		return
	}
	if local == nil {
		s.handleMissingLocal(ctx, run, rec)
		return
	}
	run.matched[local.ID] = struct{}{}

	if agrees(local, rec) {
		run.res.Reconciled++
		return
	}
	run.res.Mismatches++
	d := discrepancy(run, models.DiscrepancyMismatch, rec)
	d.TransactionID = &local.ID
	d.LocalStatus = local.Status
	d.LocalAmount = nullAmount(local.Amount)
	d.Note = describeMismatch(local, rec)

	if run.in.AutoFix {
		fixed, note, err := s.correct(ctx, run, local.ID, rec)
		if err != nil {
			run.res.Errors++
			run.log.WithError(err).WithField("transactionId", local.ID).Warn("correction failed")
			note = "correction failed: " + payerr.Public(err)
		}
		if fixed {
			run.res.Corrected++
			d.Corrected = true
		}
		if note != "" {
			d.Note = d.Note + "; " + note
		}
	}
	s.addDiscrepancy(ctx, run, d)
}

// findLocal matches by provider reference first and falls back to the
// correlation id we sent at initiation.
func (s *ReconciliationService) findLocal(ctx context.Context, provider string, rec providers.Record) (*models.Transaction, error) {
	if rec.Reference != "" {
		t, err := s.ledger.FindByProviderReference(ctx, provider, rec.Reference)
		if err == nil || !errors.Is(err, payerr.ErrNotFound) {
			return t, err
		}
	}
	if rec.CorrelationID != "" {
		t, err := s.ledger.FindByCorrelationID(ctx, rec.CorrelationID)
		if err != nil {
			return nil, err
		}
		if t.Provider != provider {
			return nil, payerr.NotFound("transaction not found")
		}
		return t, nil
	}
	return nil, payerr.NotFound("transaction not found")
}

func (s *ReconciliationService) handleMissingLocal(ctx context.Context, run *providerRun, rec providers.Record) {
	run.res.MissingLocal++
	d := discrepancy(run, models.DiscrepancyMissingLocal, rec)
	d.Note = "no ledger transaction for this provider reference"

	if run.in.AutoFix {
		t, note, err := s.synthesize(ctx, run, rec)
		switch {
		case err != nil:
			run.res.Errors++
			run.log.WithError(err).WithField("reference", rec.Reference).Warn("could not synthesize local transaction")
			d.Note += "; synthesis failed: " + payerr.Public(err)
		case t != nil:
			run.matched[t.ID] = struct{}{}
			run.res.Corrected++
			d.Corrected = true
			d.TransactionID = &t.ID
			d.LocalStatus = t.Status
			d.LocalAmount = nullAmount(t.Amount)
		}
		if note != "" {
			d.Note += "; " + note
		}
	}
	s.addDiscrepancy(ctx, run, d)
}

// findMissingAtProvider reports non-pending ledger rows in the window that
// the provider never listed. These are never corrected automatically.
func (s *ReconciliationService) findMissingAtProvider(ctx context.Context, run *providerRun) {
	filter := repository.Filter{
		Provider:       run.adapter.ID(),
		Start:          run.in.Window.Start,
		End:            run.in.Window.End,
		ExcludePending: true,
	}
	err := s.ledger.EachInWindow(ctx, filter, 500, func(batch []models.Transaction) error {
		for i := range batch {
			t := &batch[i]
			if _, ok := run.matched[t.ID]; ok {
				continue
			}
			run.res.MissingProvider++
			d := &models.ReconciliationDiscrepancy{
				ReportID:          run.in.ReportID,
				Provider:          run.adapter.ID(),
				ProviderReference: t.Reference(),
				TransactionID:     &t.ID,
				Kind:              models.DiscrepancyMissingProvider,
				LocalStatus:       t.Status,
				LocalAmount:       nullAmount(t.Amount),
				Note:              "provider did not list this transaction",
			}
			s.addDiscrepancy(ctx, run, d)
		}
		return nil
	})
	if err != nil && ctx.Err() == nil {
		run.res.Errors++
		run.log.WithError(err).Warn("ledger scan for missing provider rows failed")
	}
}

func (s *ReconciliationService) addDiscrepancy(ctx context.Context, run *providerRun, d *models.ReconciliationDiscrepancy) {
	if err := s.reports.AddDiscrepancy(context.WithoutCancel(ctx), d); err != nil {
		run.res.Errors++
		run.log.WithError(err).WithField("kind", d.Kind).Warn("could not record discrepancy")
	}
}

func discrepancy(run *providerRun, kind models.DiscrepancyKind, rec providers.Record) *models.ReconciliationDiscrepancy {
	return &models.ReconciliationDiscrepancy{
		ReportID:          run.in.ReportID,
		Provider:          run.adapter.ID(),
		ProviderReference: rec.Reference,
		Kind:              kind,
		ProviderStatus:    rec.Status,
		ProviderAmount:    nullAmount(rec.Amount),
	}
}

func describeMismatch(local *models.Transaction, rec providers.Record) string {
	switch {
	case !statusAgrees(local.Status, rec.Status):
		return fmt.Sprintf("status %s locally, %s at provider", local.Status, rec.Status)
	case !local.Amount.Equal(rec.Amount):
		return fmt.Sprintf("amount %s locally, %s at provider", local.Amount.StringFixed(2), rec.Amount.StringFixed(2))
	default:
		return fmt.Sprintf("currency %s locally, %s at provider", local.Currency, rec.Currency)
	}
}
