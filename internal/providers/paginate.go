package providers

import (
	"context"
	"iter"
	"time"

	"github.com/sirupsen/logrus"

	"payment-orchestration-backend/internal/payerr"
)

// pageFunc fetches one page (1-based) and reports whether more follow.
type pageFunc func(ctx context.Context, page int) (records []Record, more bool, err error)

// paginate turns a page fetcher into a lazy sequence. A page that still
// fails after retries is yielded as an error and ends the sequence.
func (b *base) paginate(ctx context.Context, fetch pageFunc) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		for page := 1; ; page++ {
			if err := ctx.Err(); err != nil {
				yield(Record{}, err)
				return
			}

			var (
				records []Record
				more    bool
			)
			err := Retry(ctx, b.retryAttempts, b.retryBackoff, func(ctx context.Context) error {
				var err error
				records, more, err = fetch(ctx, page)
				return err
			})
			if err != nil {
				b.log.WithFields(logrus.Fields{"page": page}).WithError(err).Warn("listing page failed")
				yield(Record{}, err)
				return
			}

			for _, r := range records {
				if !yield(r, nil) {
					return
				}
			}
			if !more || len(records) == 0 {
				return
			}
		}
	}
}

// Retry runs fn until it succeeds, returns a non-retryable error or the
// attempts are used up. Backoff doubles after each failure.
func Retry(ctx context.Context, attempts int, backoff time.Duration, fn func(ctx context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(ctx); err == nil || !payerr.Retryable(err) {
			return err
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff << i):
		}
	}
	return err
}
