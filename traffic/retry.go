package traffic

import (
	"context"
	"errors"
	"time"

	"clone-stats-service/metrics"
	"clone-stats-service/models"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

const (
	DefaultAttempts = 10
	DefaultDelay    = 5 * time.Second
)

// Retrier retries a Fetcher with a constant delay between attempts.
// Only errors whose FetchError.Retryable reports true are retried.
type Retrier struct {
	Fetcher  Fetcher
	Attempts int
	Delay    time.Duration
	Log      logrus.FieldLogger
	Metrics  *metrics.Metrics

	// NewTimer overrides the timer used between attempts
	NewTimer func() backoff.Timer
}

func NewRetrier(f Fetcher, attempts int, delay time.Duration, log logrus.FieldLogger, m *metrics.Metrics) *Retrier {
	return &Retrier{
		Fetcher:  f,
		Attempts: attempts,
		Delay:    delay,
		Log:      log,
		Metrics:  m,
	}
}

// Fetch calls the wrapped Fetcher until it succeeds, returns a non-retryable
// error or the attempt budget is spent. The last error is returned.
func (r *Retrier) Fetch(ctx context.Context, target models.RepositoryTarget) (*models.RepositorySnapshot, error) {
	attempts := r.Attempts
	if attempts < 1 {
		attempts = 1
	}
	log := r.logger().WithField("repo", target.FullName())

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(r.Delay), uint64(attempts-1)),
		ctx,
	)

	attempt := 0
	var snapshot *models.RepositorySnapshot
	operation := func() error {
		attempt++
		s, err := r.Fetcher.Fetch(ctx, target)
		if err != nil {
			r.observe(target, outcome(err))
			var fe *FetchError
			if errors.As(err, &fe) && !fe.Retryable() {
				return backoff.Permanent(err)
			}
			return err
		}
		r.observe(target, "success")
		snapshot = s
		return nil
	}

	notify := func(err error, wait time.Duration) {
		entry := log.WithError(err).WithField("attempt", attempt)
		var fe *FetchError
		if errors.As(err, &fe) && fe.StatusCode != 0 {
			entry = entry.WithField("status", fe.StatusCode)
		}
		entry.Warnf("fetch failed, will retry in %s", wait)
	}

	var timer backoff.Timer
	if r.NewTimer != nil {
		timer = r.NewTimer()
	}

	if err := backoff.RetryNotifyWithTimer(operation, policy, notify, timer); err != nil {
		log.WithError(err).WithField("attempts", attempt).Error("giving up on repository for this cycle")
		return nil, err
	}
	return snapshot, nil
}

func (r *Retrier) logger() logrus.FieldLogger {
	if r.Log == nil {
		return logrus.StandardLogger()
	}
	return r.Log
}

func (r *Retrier) observe(target models.RepositoryTarget, result string) {
	if r.Metrics == nil {
		return
	}
	r.Metrics.FetchAttemptsTotal.WithLabelValues(target.FullName(), result).Inc()
}

func outcome(err error) string {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind.String()
	}
	return "error"
}
