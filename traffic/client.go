// Package traffic fetches repository clone traffic from the GitHub REST API.
package traffic

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"clone-stats-service/models"

	"github.com/google/go-github/v62/github"
	"golang.org/x/oauth2"
)

const (
	DefaultBaseURL    = "https://api.github.com/"
	DefaultUserAgent  = "clone-stats"
	DefaultAPIVersion = "2022-11-28"
	mediaTypeJSON     = "application/vnd.github+json"
)

// Fetcher returns the current clone traffic window of one repository
type Fetcher interface {
	Fetch(ctx context.Context, target models.RepositoryTarget) (*models.RepositorySnapshot, error)
}

// ClientConfig configures a Client
type ClientConfig struct {
	Token      string
	BaseURL    string
	UserAgent  string
	APIVersion string
	Timeout    time.Duration
	Transport  http.RoundTripper // defaults to http.DefaultTransport
}

// Client performs a single traffic request per Fetch call. It is safe for
// concurrent use and reuses one HTTP client across calls.
type Client struct {
	gh *github.Client
}

// NewClient builds an authenticated GitHub client
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = DefaultAPIVersion
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Transport == nil {
		cfg.Transport = http.DefaultTransport
	}

	baseURL, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid api base url %q: %w", cfg.BaseURL, err)
	}
	if !strings.HasSuffix(baseURL.Path, "/") {
		baseURL.Path += "/"
	}

	httpClient := &http.Client{
		Timeout: cfg.Timeout,
		Transport: &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token}),
			Base: &headerTransport{
				accept:     mediaTypeJSON,
				apiVersion: cfg.APIVersion,
				base:       cfg.Transport,
			},
		},
	}

	gh := github.NewClient(httpClient)
	gh.BaseURL = baseURL
	gh.UserAgent = cfg.UserAgent

	return &Client{gh: gh}, nil
}

// trafficClones mirrors the traffic response but keeps each timestamp as sent
type trafficClones struct {
	Count   int64 `json:"count"`
	Uniques int64 `json:"uniques"`
	Clones  []struct {
		Timestamp *string `json:"timestamp"`
		Count     int64   `json:"count"`
		Uniques   int64   `json:"uniques"`
	} `json:"clones"`
}

// Fetch issues one GET for the repository's clone traffic
func (c *Client) Fetch(ctx context.Context, target models.RepositoryTarget) (*models.RepositorySnapshot, error) {
	req, err := c.gh.NewRequest(http.MethodGet, target.ResourcePath(), nil)
	if err != nil {
		return nil, &FetchError{Kind: KindTerminal, Repo: target.FullName(), Err: err}
	}

	var body trafficClones
	resp, err := c.gh.Do(ctx, req, &body)
	if err != nil {
		return nil, classify(target, resp, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &FetchError{
			Kind:       KindTransient,
			Repo:       target.FullName(),
			StatusCode: resp.StatusCode,
			Err:        errors.New("unexpected status"),
		}
	}

	snapshot := &models.RepositorySnapshot{
		Count:   body.Count,
		Uniques: body.Uniques,
		Records: make([]models.CloneRecord, 0, len(body.Clones)),
	}
	for _, day := range body.Clones {
		if day.Timestamp == nil {
			return nil, &FetchError{
				Kind:       KindMalformed,
				Repo:       target.FullName(),
				StatusCode: resp.StatusCode,
				Err:        errors.New("clone entry without timestamp"),
			}
		}
		snapshot.Records = append(snapshot.Records, models.CloneRecord{
			Timestamp: *day.Timestamp,
			Count:     day.Count,
			Uniques:   day.Uniques,
		})
	}

	return snapshot, nil
}

func classify(target models.RepositoryTarget, resp *github.Response, err error) *FetchError {
	fe := &FetchError{Kind: KindTransient, Repo: target.FullName(), Err: err}
	if resp != nil && resp.Response != nil {
		fe.StatusCode = resp.StatusCode
	}

	switch {
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		fe.Kind = KindTerminal
	case fe.StatusCode == http.StatusOK:
		// go-github only returns an error on a 200 when decoding the body failed
		fe.Kind = KindMalformed
	}
	return fe
}

// headerTransport pins the Accept and API version headers of every request
type headerTransport struct {
	accept     string
	apiVersion string
	base       http.RoundTripper
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Accept", t.accept)
	req.Header.Set("X-GitHub-Api-Version", t.apiVersion)
	return t.base.RoundTrip(req)
}
