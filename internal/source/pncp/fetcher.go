// Package pncp implements procurement.ItemFetcher against the PNCP item API
// using a Colly collector.
package pncp

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/pncp-item-ingest/internal/metrics"
	"github.com/JakeFAU/pncp-item-ingest/internal/procurement"
)

const (
	defaultTimeout  = 30 * time.Second
	defaultMaxItems = 5000
)

// Config controls collector behavior.
type Config struct {
	// BaseURL is the organization root, e.g. https://pncp.gov.br/api/pncp/v1/orgaos.
	BaseURL   string
	UserAgent string
	Timeout   time.Duration
	// MaxItems bounds pagination for one triple.
	MaxItems int
	// RequestsPerSecond paces requests; zero disables pacing.
	RequestsPerSecond float64
}

// Fetcher paginates item lookups one index at a time until the API answers 404.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
	limiter       *rate.Limiter
	logger        *zap.Logger
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

type page struct {
	status int
	body   []byte
}

// New builds a Fetcher.
func New(cfg Config, logger *zap.Logger) (*Fetcher, error) {
	if _, err := url.ParseRequestURI(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid base url %q: %w", cfg.BaseURL, err)
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxItems <= 0 {
		cfg.MaxItems = defaultMaxItems
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.IgnoreRobotsTxt = true
	// Every status is handled in OnResponse so 404 can end pagination normally.
	c.ParseHTTPErrorResponse = true
	c.WithTransport(newHTTPTransport())
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	c.SetRequestTimeout(cfg.Timeout)

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}

	return &Fetcher{
		cfg:           cfg,
		baseCollector: c,
		limiter:       limiter,
		logger:        logger,
	}, nil
}

// ItemURL composes the lookup URL for one item index.
func (f *Fetcher) ItemURL(organizationID string, year, sequence, itemNumber int) string {
	return fmt.Sprintf("%s/%s/compras/%d/%d/itens/%d",
		f.cfg.BaseURL,
		url.PathEscape(organizationID),
		year,
		sequence,
		itemNumber,
	)
}

// FetchItems walks item indexes from 1 until the API answers 404. Any other
// failure stops pagination for the triple; the items collected so far are
// returned alongside an error wrapping procurement.ErrTransport. There are no
// retries.
func (f *Fetcher) FetchItems(
	ctx context.Context,
	organizationID string,
	year, sequence int,
) ([]procurement.Item, error) {
	logger := f.logger.With(
		zap.String("organization_id", organizationID),
		zap.Int("year", year),
		zap.Int("sequence", sequence),
	)
	var items []procurement.Item
	for n := 1; ; n++ {
		if n > f.cfg.MaxItems {
			logger.Warn("pagination cap reached", zap.Int("max_items", f.cfg.MaxItems))
			return items, fmt.Errorf("%w: stopped after %d items", procurement.ErrPaginationCap, f.cfg.MaxItems)
		}
		if err := f.wait(ctx); err != nil {
			return items, fmt.Errorf("%w: item %d: %w", procurement.ErrTransport, n, err)
		}

		itemURL := f.ItemURL(organizationID, year, sequence, n)
		start := time.Now()
		resp, err := f.fetchPage(ctx, itemURL)
		metrics.ObserveSourceRequest(resp.status, time.Since(start))
		if err != nil {
			logger.Error("item request failed", zap.Int("item_number", n), zap.Error(err))
			return items, fmt.Errorf("%w: item %d: %w", procurement.ErrTransport, n, err)
		}

		switch resp.status {
		case http.StatusOK:
			item, err := procurement.DecodeItem(resp.body)
			if err != nil {
				logger.Error("item payload rejected", zap.Int("item_number", n), zap.Error(err))
				return items, fmt.Errorf("%w: item %d: %w", procurement.ErrTransport, n, err)
			}
			items = append(items, item)
			logger.Debug("item collected", zap.Int("item_number", n))
		case http.StatusNotFound:
			logger.Debug("item not found, end of items", zap.Int("item_number", n))
			return items, nil
		default:
			logger.Error("unexpected item status", zap.Int("item_number", n), zap.Int("status", resp.status))
			return items, fmt.Errorf("%w: item %d: unexpected status %d", procurement.ErrTransport, n, resp.status)
		}
	}
}

func (f *Fetcher) wait(ctx context.Context) error {
	if f.limiter == nil {
		return ctx.Err()
	}
	if err := f.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	return nil
}

// fetchPage runs one Visit on its own goroutine. The page and error it fills
// are returned only through done.
func (f *Fetcher) fetchPage(ctx context.Context, itemURL string) (page, error) {
	done := make(chan visitResult, 1)
	go func() {
		done <- f.visit(itemURL)
	}()

	select {
	case <-ctx.Done():
		return page{}, fmt.Errorf("item fetch canceled: %w", ctx.Err())
	case res := <-done:
		return res.page, res.err
	}
}

type visitResult struct {
	page page
	err  error
}

func (f *Fetcher) visit(itemURL string) visitResult {
	var (
		res     visitResult
		hookErr error
	)
	collector := f.baseCollector.Clone()
	configureCollectorHooks(collector, &res.page, &hookErr)
	if err := collector.Visit(itemURL); err != nil {
		res.err = fmt.Errorf("visit %s: %w", itemURL, err)
		return res
	}
	if hookErr != nil {
		res.err = fmt.Errorf("response %s: %w", itemURL, hookErr)
	}
	return res
}

func configureCollectorHooks(hooks collectorHooks, result *page, fetchErr *error) {
	hooks.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept", "application/json")
	})

	hooks.OnResponse(func(r *colly.Response) {
		*result = page{
			status: r.StatusCode,
			body:   append([]byte(nil), r.Body...),
		}
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil {
			result.status = r.StatusCode
		}
		*fetchErr = err
	})
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
	}
}
