// Package analytics rolls ledger rows up into period metrics. It only
// reads.
package analytics

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"payment-orchestration-backend/internal/models"
	"payment-orchestration-backend/internal/payerr"
	"payment-orchestration-backend/internal/repository"
)

type Period string

const (
	PeriodDay   Period = "day"
	PeriodWeek  Period = "week"
	PeriodMonth Period = "month"
)

func ParsePeriod(s string) (Period, error) {
	switch p := Period(strings.ToLower(strings.TrimSpace(s))); p {
	case PeriodDay, PeriodWeek, PeriodMonth:
		return p, nil
	case "":
		return PeriodDay, nil
	}
	return "", payerr.InvalidRequest("period must be one of day, week, month")
}

// start returns the beginning of the bucket t falls in. Weeks start on
// Monday; all buckets are in UTC.
func (p Period) start(t time.Time) time.Time {
	t = t.UTC()
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	switch p {
	case PeriodWeek:
		offset := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -offset)
	case PeriodMonth:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	}
	return day
}

// Counts is one set of totals; the report and every bucket carry one.
type Counts struct {
	TotalTransactions      int             `json:"totalTransactions"`
	SuccessfulTransactions int             `json:"successfulTransactions"`
	FailedTransactions     int             `json:"failedTransactions"`
	TotalRevenue           decimal.Decimal `json:"totalRevenue"`
}

func (c *Counts) add(t *models.Transaction) {
	c.TotalTransactions++
	switch {
	case t.Status.IsSettled():
		c.SuccessfulTransactions++
		c.TotalRevenue = c.TotalRevenue.Add(t.Amount.Sub(t.RefundedAmount))
	case t.Status == models.StatusFailed:
		c.FailedTransactions++
	}
}

type Bucket struct {
	Start time.Time `json:"start"`
	Counts
}

type Metrics struct {
	Period   Period    `json:"period"`
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	Currency string    `json:"currency,omitempty"`
	Counts
	// RevenueByCurrency splits TotalRevenue when no currency filter is set.
	RevenueByCurrency map[string]decimal.Decimal `json:"revenueByCurrency"`
	Buckets           []Bucket                   `json:"buckets"`
}

// Scanner streams ledger rows of a window.
type Scanner interface {
	EachInWindow(ctx context.Context, f repository.Filter, batchSize int, fn func([]models.Transaction) error) error
}

type Service struct {
	ledger    Scanner
	batchSize int
	log       logrus.FieldLogger
}

func NewService(ledger Scanner, log logrus.FieldLogger) *Service {
	return &Service{ledger: ledger, batchSize: 1000, log: log.WithField("module", "analytics")}
}

// MetricsForPeriod aggregates transactions created in [start, end).
func (s *Service) MetricsForPeriod(ctx context.Context, period Period, start, end time.Time, currency string) (*Metrics, error) {
	if !end.After(start) {
		return nil, payerr.InvalidRequest("end must be after start")
	}
	if period == "" {
		period = PeriodDay
	}
	currency = strings.ToUpper(strings.TrimSpace(currency))

	m := &Metrics{
		Period:            period,
		Start:             start.UTC(),
		End:               end.UTC(),
		Currency:          currency,
		RevenueByCurrency: map[string]decimal.Decimal{},
	}
	buckets := map[time.Time]*Bucket{}

	err := s.ledger.EachInWindow(ctx, repository.Filter{Currency: currency, Start: start, End: end}, s.batchSize, func(batch []models.Transaction) error {
		for i := range batch {
			t := &batch[i]
			m.add(t)
			if t.Status.IsSettled() {
				m.RevenueByCurrency[t.Currency] = m.RevenueByCurrency[t.Currency].Add(t.Amount.Sub(t.RefundedAmount))
			}
			key := period.start(t.CreatedAt)
			b, ok := buckets[key]
			if !ok {
				b = &Bucket{Start: key}
				buckets[key] = b
			}
			b.add(t)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.Buckets = make([]Bucket, 0, len(buckets))
	for _, b := range buckets {
		m.Buckets = append(m.Buckets, *b)
	}
	sort.Slice(m.Buckets, func(i, j int) bool { return m.Buckets[i].Start.Before(m.Buckets[j].Start) })

	s.log.WithFields(logrus.Fields{
		"period":       period,
		"transactions": m.TotalTransactions,
	}).Debug("metrics computed")
	return m, nil
}
