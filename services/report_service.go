package services

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"clone-stats-service/models"
)

const DefaultReportLimit = 365

// RepoReport is the stored history of one repository
type RepoReport struct {
	Repo               string               `json:"repo"`
	TotalUniqueCloners int64                `json:"total_unique_cloners"`
	Records            []models.CloneRecord `json:"records"`
	Err                error                `json:"-"`
}

// Report is what the read endpoint renders
type Report struct {
	AsOf  time.Time
	Repos []RepoReport
}

// ReportService reads the stores. It never writes clone records.
type ReportService struct {
	targets []models.RepositoryTarget
	stores  StoreProvider
	limit   int

	Now func() time.Time
}

func NewReportService(targets []models.RepositoryTarget, stores StoreProvider, limit int) *ReportService {
	if limit <= 0 {
		limit = DefaultReportLimit
	}
	return &ReportService{
		targets: targets,
		stores:  stores,
		limit:   limit,
		Now:     time.Now,
	}
}

// BuildReport reads every repository. A repository that cannot be read is
// reported with its error instead of failing the whole report.
func (s *ReportService) BuildReport(ctx context.Context) Report {
	report := Report{AsOf: s.Now()}

	for _, target := range s.targets {
		rr := RepoReport{Repo: target.StorageName()}
		rr.TotalUniqueCloners, rr.Records, rr.Err = s.read(ctx, target)
		report.Repos = append(report.Repos, rr)
	}

	return report
}

func (s *ReportService) read(ctx context.Context, target models.RepositoryTarget) (int64, []models.CloneRecord, error) {
	store, err := s.stores.Store(target.StorageName())
	if err != nil {
		return 0, nil, err
	}
	if err := store.EnsureSchema(ctx); err != nil {
		return 0, nil, err
	}
	return store.Summary(ctx, s.limit)
}

// Text renders the plain text report, one blank-line separated block per repository
func (r Report) Text() string {
	asOf := r.AsOf.UTC().Format(http.TimeFormat)

	var b strings.Builder
	for _, repo := range r.Repos {
		if repo.Err != nil {
			fmt.Fprintf(&b, "%s %s error: %v\n\n", asOf, repo.Repo, repo.Err)
			continue
		}

		fmt.Fprintf(&b, "%s %s unique clones: %d, details:\n", asOf, repo.Repo, repo.TotalUniqueCloners)
		for _, rec := range repo.Records {
			fmt.Fprintf(&b, "%s, %d, %d\n", rec.Timestamp, rec.Count, rec.Uniques)
		}
		b.WriteString("\n")
	}
	return b.String()
}
