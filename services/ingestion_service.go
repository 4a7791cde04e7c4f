package services

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"clone-stats-service/database"
	"clone-stats-service/metrics"
	"clone-stats-service/models"
	"clone-stats-service/traffic"
	"clone-stats-service/utils"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const DefaultSyncInterval = 3 * time.Hour

// Phase is where a repository's ingestion stopped in the current cycle
type Phase string

const (
	PhaseIdle        Phase = "idle"
	PhaseFetching    Phase = "fetching"
	PhaseNormalizing Phase = "normalizing"
	PhasePersisting  Phase = "persisting"
)

// StoreProvider opens the store of a repository
type StoreProvider interface {
	Store(name string) (*database.CloneStore, error)
}

// RepoResult is the outcome of one repository in one cycle.
// Err is nil and Phase is PhaseIdle on success; otherwise Phase is the phase that failed.
type RepoResult struct {
	Repo    string
	Phase   Phase
	Records int
	Err     error
}

// CycleReport summarizes one pass over every configured repository
type CycleReport struct {
	Started  time.Time
	Finished time.Time
	Results  []RepoResult
}

// Failed returns the results that did not complete
func (r CycleReport) Failed() []RepoResult {
	var failed []RepoResult
	for _, res := range r.Results {
		if res.Err != nil {
			failed = append(failed, res)
		}
	}
	return failed
}

// IngestionService periodically pulls clone traffic for every target and
// stores it. It is the only writer of the repository stores.
type IngestionService struct {
	targets  []models.RepositoryTarget
	fetcher  traffic.Fetcher
	stores   StoreProvider
	policy   utils.DayKeyPolicy
	interval time.Duration
	log      logrus.FieldLogger
	metrics  *metrics.Metrics

	// Now and Sleep are replaced in tests
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

func NewIngestionService(
	targets []models.RepositoryTarget,
	fetcher traffic.Fetcher,
	stores StoreProvider,
	policy utils.DayKeyPolicy,
	interval time.Duration,
	log logrus.FieldLogger,
	m *metrics.Metrics,
) *IngestionService {
	if interval <= 0 {
		interval = DefaultSyncInterval
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &IngestionService{
		targets:  targets,
		fetcher:  fetcher,
		stores:   stores,
		policy:   policy,
		interval: interval,
		log:      log,
		metrics:  m,
		Now:      time.Now,
		Sleep:    sleepContext,
	}
}

// Run repeats RunCycle every interval until ctx is cancelled
func (s *IngestionService) Run(ctx context.Context) {
	s.log.WithField("interval", s.interval).Infof("Ingestion started for %d repositories", len(s.targets))

	for {
		s.RunCycle(ctx)

		if err := s.Sleep(ctx, s.interval); err != nil {
			s.log.Info("Ingestion stopped")
			return
		}
	}
}

// RunCycle fetches every repository concurrently, then normalizes and
// persists each snapshot one repository at a time as it arrives.
// A failing repository never affects the others.
func (s *IngestionService) RunCycle(ctx context.Context) CycleReport {
	report := CycleReport{Started: s.Now()}

	type fetched struct {
		target   models.RepositoryTarget
		snapshot *models.RepositorySnapshot
		err      error
	}
	results := make(chan fetched, len(s.targets))

	var g errgroup.Group
	g.SetLimit(max(len(s.targets), 1))
	go func() {
		for _, target := range s.targets {
			target := target
			g.Go(func() error {
				snapshot, err := s.fetcher.Fetch(ctx, target)
				results <- fetched{target: target, snapshot: snapshot, err: err}
				return nil
			})
		}
		g.Wait()
		close(results)
	}()

	for f := range results {
		var res RepoResult
		if f.err != nil {
			res = RepoResult{Repo: f.target.FullName(), Phase: PhaseFetching, Err: f.err}
		} else {
			res = s.ingest(ctx, f.target, f.snapshot)
		}
		s.record(res)
		report.Results = append(report.Results, res)
	}

	report.Finished = s.Now()
	if s.metrics != nil {
		s.metrics.CycleDurationSeconds.Observe(report.Finished.Sub(report.Started).Seconds())
	}
	s.log.WithFields(logrus.Fields{
		"repositories": len(report.Results),
		"failed":       len(report.Failed()),
	}).Info("Ingestion cycle finished")

	return report
}

func (s *IngestionService) ingest(ctx context.Context, target models.RepositoryTarget, snapshot *models.RepositorySnapshot) RepoResult {
	res := RepoResult{Repo: target.FullName(), Phase: PhaseNormalizing}

	records := make([]models.CloneRecord, len(snapshot.Records))
	for i, rec := range snapshot.Records {
		key, err := utils.DayKey(rec.Day(), s.policy)
		if err != nil {
			res.Err = fmt.Errorf("normalizing %s: %w", target.FullName(), err)
			return res
		}
		rec.UnixTime = key
		records[i] = rec
	}

	res.Phase = PhasePersisting
	store, err := s.stores.Store(target.StorageName())
	if err != nil {
		res.Err = err
		return res
	}
	if err := store.EnsureSchema(ctx); err != nil {
		res.Err = err
		return res
	}
	if err := store.UpsertBatch(ctx, records); err != nil {
		res.Err = err
		return res
	}

	res.Phase = PhaseIdle
	res.Records = len(records)
	return res
}

func (s *IngestionService) record(res RepoResult) {
	log := s.log.WithField("repo", res.Repo)

	if res.Err != nil {
		log.WithError(res.Err).WithField("phase", res.Phase).Error("Ingestion failed, skipping repository until next cycle")
		if s.metrics != nil {
			s.metrics.RepoCyclesTotal.WithLabelValues(res.Repo, string(res.Phase)).Inc()
		}
		return
	}

	now := s.Now()
	log.WithField("records", res.Records).Infof("%s update table %s successfully", now.UTC().Format(http.TimeFormat), res.Repo)
	if s.metrics != nil {
		s.metrics.RepoCyclesTotal.WithLabelValues(res.Repo, "success").Inc()
		s.metrics.RecordsUpsertedTotal.WithLabelValues(res.Repo).Add(float64(res.Records))
		s.metrics.LastSuccessTimestamp.WithLabelValues(res.Repo).Set(float64(now.Unix()))
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
