// Package collyscraper implements the scrape callback using gocolly.
//
// This is the bundled default for deployments that do not inject their own
// extraction pipeline: it fetches pages within the tenant's domain and
// reports how many were processed. Content handling stays out of scope;
// only the outcome and its retryable/permanent classification leave this
// package.
package collyscraper

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/siteindexer/scrapequeue/internal/jobs"
)

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	Timeout       time.Duration
	RespectRobots bool
	// MaxPages caps how many pages a crawl or refresh job visits.
	MaxPages int
	// MaxDepth bounds link following for crawl and refresh jobs.
	MaxDepth int
}

// Scraper implements jobs.Scraper with a Colly collector per execution.
type Scraper struct {
	cfg    Config
	logger *zap.Logger
}

// New builds a Scraper.
func New(cfg Config, logger *zap.Logger) *Scraper {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 50
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = 2
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scraper{cfg: cfg, logger: logger}
}

// Execute fetches the tenant domain. Single jobs probe the root page only;
// crawl and refresh jobs follow same-domain links up to the configured
// page and depth caps.
func (s *Scraper) Execute(ctx context.Context, domain string, jobType jobs.Type) (jobs.Result, error) {
	startURL, host, err := normalizeDomain(domain)
	if err != nil {
		return jobs.Result{}, jobs.Permanent(err)
	}

	depth := 1
	if jobType == jobs.TypeCrawl || jobType == jobs.TypeRefresh {
		depth = s.cfg.MaxDepth
	}

	collector := colly.NewCollector(
		colly.AllowedDomains(host, "www."+host),
		colly.MaxDepth(depth),
		colly.StdlibContext(ctx),
	)
	if s.cfg.UserAgent != "" {
		collector.UserAgent = s.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = !s.cfg.RespectRobots
	collector.SetRequestTimeout(s.cfg.Timeout)

	var pages atomic.Int64
	var firstErr error

	collector.OnResponse(func(r *colly.Response) {
		pages.Add(1)
	})
	collector.OnError(func(r *colly.Response, err error) {
		if firstErr == nil {
			status := 0
			if r != nil {
				status = r.StatusCode
			}
			firstErr = classify(err, status)
		}
	})

	if depth > 1 {
		collector.OnHTML("a[href]", func(e *colly.HTMLElement) {
			if int(pages.Load()) >= s.cfg.MaxPages {
				return
			}
			// Visit errors surface through OnError; disallowed and
			// already-visited links are expected noise here.
			_ = e.Request.Visit(e.Attr("href"))
		})
	}

	if err := collector.Visit(startURL); err != nil && firstErr == nil {
		firstErr = classify(err, 0)
	}
	collector.Wait()

	processed := int(pages.Load())
	if processed == 0 {
		if firstErr != nil {
			return jobs.Result{}, firstErr
		}
		if ctx.Err() != nil {
			return jobs.Result{}, jobs.Retryable(ctx.Err())
		}
		return jobs.Result{}, jobs.Retryable(fmt.Errorf("no pages fetched from %s", domain))
	}

	s.logger.Debug("scrape finished",
		zap.String("domain", domain),
		zap.String("type", string(jobType)),
		zap.Int("pages", processed),
	)
	// Partial failures after the first page still count as success; the
	// refresh job will pick up stragglers next cycle.
	return jobs.Result{PagesProcessed: processed}, nil
}

func normalizeDomain(domain string) (startURL, host string, err error) {
	d := strings.TrimSpace(strings.ToLower(domain))
	if d == "" {
		return "", "", fmt.Errorf("empty domain")
	}
	d = strings.TrimPrefix(d, "https://")
	d = strings.TrimPrefix(d, "http://")
	d = strings.TrimSuffix(d, "/")
	if strings.ContainsAny(d, " /") {
		return "", "", fmt.Errorf("invalid domain %q", domain)
	}
	return "https://" + d, d, nil
}

// classify maps fetch failures onto the scheduler's binary taxonomy.
// Auth rejections and unresolvable hosts cannot succeed on retry;
// everything network-shaped can.
func classify(err error, status int) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return jobs.Permanent(fmt.Errorf("target rejected access (%d): %w", status, err))
	case status == http.StatusNotFound || status == http.StatusGone:
		return jobs.Permanent(fmt.Errorf("target not found (%d): %w", status, err))
	case status == http.StatusTooManyRequests || status == http.StatusRequestTimeout || status >= 500:
		return jobs.Retryable(fmt.Errorf("transient target error (%d): %w", status, err))
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
		return jobs.Permanent(fmt.Errorf("domain does not resolve: %w", err))
	}
	return jobs.Retryable(err)
}
