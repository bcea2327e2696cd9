// Package fetch implements the Fetch Scheduler: bounded per-lane
// concurrency, a per-host pacer, and a deterministic fallback ladder
// (HTTP -> headless browser -> give up) for every URL the engine fetches.
// The ladder has no alternate-crawler rung: FetcherAlternate is declared,
// but no result produced here ever carries it.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/spec-harvester/convergence/internal/frontier"
	"github.com/spec-harvester/convergence/internal/logging"
	"github.com/spec-harvester/convergence/internal/retry"
)

// Lane identifies one of the four independently-bounded worker pools.
type Lane string

const (
	LaneSearch Lane = "search"
	LaneFetch  Lane = "fetch"
	LaneParse  Lane = "parse"
	LaneLLM    Lane = "llm"
)

// FetcherKind names which rung of the fallback ladder produced a result.
type FetcherKind string

const (
	FetcherHTTP        FetcherKind = "http"
	FetcherHeadless    FetcherKind = "headless"
	FetcherAlternate   FetcherKind = "alternate_crawler"
)

// Attempt records one fallback-ladder rung's outcome, persisted alongside
// the eventual result for diagnosis.
type Attempt struct {
	AttemptIndex int
	FetcherKind  FetcherKind
	Reason       string
	ElapsedMs    int64
	StatusCode   int
	Err          error
}

// Result is the outcome of fetching one URL: the final body (if any) plus
// every rung attempted.
type Result struct {
	URL         string
	FinalURL    string
	Body        []byte
	StatusCode  int
	Attempts    []Attempt
	FetcherUsed FetcherKind
}

// HeadlessFetcher renders a page in a headless browser and returns its
// final HTML. Implemented by internal/fetch's rod-backed browser session
// in production; tests substitute a stub.
type HeadlessFetcher interface {
	Render(ctx context.Context, rawURL string) (finalURL string, html []byte, err error)
}

// Scheduler dispatches fetches across lanes with per-host pacing and the
// fallback ladder.
type Scheduler struct {
	client      *http.Client
	userAgent   string
	pacers      map[Lane]*Pacer
	frontier    *frontier.Frontier
	headless    HeadlessFetcher
	retryConfig retry.Config
}

// Config configures one Scheduler instance.
type Config struct {
	UserAgent       string
	Timeout         time.Duration
	MinHostInterval time.Duration
	PerHostInFlight int
	RetryConfig     retry.Config
}

// New constructs a Scheduler. headless may be nil to disable the headless
// rung entirely (HTTP-only ladder).
func New(cfg Config, fr *frontier.Frontier, headless HeadlessFetcher) *Scheduler {
	if cfg.UserAgent == "" {
		cfg.UserAgent = "convergence-engine/1.0"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 20 * time.Second
	}
	return &Scheduler{
		client:      &http.Client{Timeout: cfg.Timeout},
		userAgent:   cfg.UserAgent,
		pacers:      map[Lane]*Pacer{LaneFetch: NewPacer(cfg.MinHostInterval, cfg.PerHostInFlight)},
		frontier:    fr,
		headless:    headless,
		retryConfig: cfg.RetryConfig,
	}
}

// FetchURLs runs Fetch for every URL concurrently, bounded by concurrency,
// and returns results in input order. A URL that ShouldSkip rejects is
// never attempted; its Result carries only the URL (no body, zero
// Attempts), and the skip reason is only logged.
func (s *Scheduler) FetchURLs(ctx context.Context, urls []string, concurrency int) ([]Result, error) {
	results := make([]Result, len(urls))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for i, u := range urls {
		i, u := i, u
		g.Go(func() error {
			r, err := s.Fetch(gctx, u)
			results[i] = r
			if err != nil {
				logging.Get(logging.CategoryFetch).Warn("fetch %s failed: %v", u, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}

// Fetch executes the fallback ladder for one URL: HTTP first, escalating to
// headless rendering when HTTP signals escalation, then giving up.
func (s *Scheduler) Fetch(ctx context.Context, rawURL string) (Result, error) {
	host := hostOf(rawURL)

	if skip, reason, err := s.frontier.ShouldSkip(rawURL); err == nil && skip {
		logging.Get(logging.CategoryFetch).Info("skip %s: %s", rawURL, reason)
		return Result{URL: rawURL}, fmt.Errorf("skipped: %s", reason)
	}

	pacer := s.pacers[LaneFetch]
	if pacer != nil {
		pacer.Acquire(host)
		defer pacer.Release(host)
	}

	// A single unescalated probe first: 404/410 is terminal (it triggers a
	// repair-query enqueue upstream, never a headless retry), so it must
	// never enter the fallback ladder.
	if probe, probeErr := s.fetchHTTP(ctx, rawURL); probeErr != nil {
		if _, isNotFound := probeErr.(*notFoundError); isNotFound {
			_ = s.frontier.RecordFetch(rawURL, false, false, 0)
			return probe, probeErr
		}
	} else {
		if recErr := s.frontier.RecordFetch(rawURL, true, false, 0); recErr != nil {
			logging.Get(logging.CategoryFetch).Warn("record fetch %s: %v", rawURL, recErr)
		}
		probe.FetcherUsed = FetcherHTTP
		return probe, nil
	}

	rungs := []retry.Rung[Result]{
		{Name: string(FetcherHTTP), Run: func(ctx context.Context) (Result, error) { return s.fetchHTTP(ctx, rawURL) }},
	}
	if s.headless != nil {
		rungs = append(rungs, retry.Rung[Result]{
			Name: string(FetcherHeadless),
			Run:  func(ctx context.Context) (Result, error) { return s.fetchHeadless(ctx, rawURL) },
		})
	}

	ladder, err := retry.RunLadder(ctx, s.retryConfig, rungs)
	ok := err == nil
	blocked := false
	var cooldown time.Duration
	if !ok {
		blocked = isBlockedClass(err)
		cooldown = 30 * time.Minute
	}
	if recErr := s.frontier.RecordFetch(rawURL, ok, blocked, cooldown); recErr != nil {
		logging.Get(logging.CategoryFetch).Warn("record fetch %s: %v", rawURL, recErr)
	}

	if err != nil {
		return Result{URL: rawURL}, err
	}
	result := ladder.Value
	result.FetcherUsed = FetcherKind(ladder.RungName)
	return result, nil
}

func (s *Scheduler) fetchHTTP(ctx context.Context, rawURL string) (Result, error) {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("User-Agent", s.userAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return Result{}, &escalatableError{cause: err, reason: "network"}
	}
	defer resp.Body.Close()

	attempt := Attempt{
		FetcherKind: FetcherHTTP,
		StatusCode:  resp.StatusCode,
		ElapsedMs:   time.Since(start).Milliseconds(),
	}

	if resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusTooManyRequests {
		attempt.Reason = fmt.Sprintf("http_%d", resp.StatusCode)
		return Result{Attempts: []Attempt{attempt}}, &escalatableError{reason: attempt.Reason}
	}
	if resp.StatusCode >= 500 {
		attempt.Reason = "5xx"
		return Result{Attempts: []Attempt{attempt}}, &escalatableError{reason: attempt.Reason}
	}
	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		return Result{URL: rawURL, StatusCode: resp.StatusCode, Attempts: []Attempt{attempt}},
			&notFoundError{status: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 5<<20))
	if err != nil {
		return Result{}, err
	}
	if looksJSOnly(body) {
		attempt.Reason = "js_only_page"
		return Result{Attempts: []Attempt{attempt}}, &escalatableError{reason: attempt.Reason}
	}

	return Result{
		URL:        rawURL,
		FinalURL:   resp.Request.URL.String(),
		Body:       body,
		StatusCode: resp.StatusCode,
		Attempts:   []Attempt{attempt},
	}, nil
}

func (s *Scheduler) fetchHeadless(ctx context.Context, rawURL string) (Result, error) {
	start := time.Now()
	finalURL, html, err := s.headless.Render(ctx, rawURL)
	attempt := Attempt{FetcherKind: FetcherHeadless, ElapsedMs: time.Since(start).Milliseconds(), Err: err}
	if err != nil {
		return Result{Attempts: []Attempt{attempt}}, err
	}
	return Result{URL: rawURL, FinalURL: finalURL, Body: html, StatusCode: http.StatusOK, Attempts: []Attempt{attempt}}, nil
}

func looksJSOnly(body []byte) bool {
	lower := strings.ToLower(string(body))
	if len(body) < 600 && strings.Contains(lower, "<div id=\"root\"") {
		return true
	}
	return strings.Contains(lower, "enable javascript") || strings.Contains(lower, "access denied")
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return u.Hostname()
}

type escalatableError struct {
	cause  error
	reason string
}

func (e *escalatableError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.reason, e.cause)
	}
	return e.reason
}

type notFoundError struct{ status int }

func (e *notFoundError) Error() string { return fmt.Sprintf("http %d", e.status) }

// IsNotFound reports whether err signals a 404/410, which triggers a
// repair-query enqueue rather than a retry.
func IsNotFound(err error) bool {
	_, ok := err.(*notFoundError)
	return ok
}

func isBlockedClass(err error) bool {
	esc, ok := err.(*escalatableError)
	if !ok {
		return false
	}
	return strings.HasPrefix(esc.reason, "http_403") || strings.HasPrefix(esc.reason, "http_429")
}
