// Package httpdriver drives a site over plain HTTP with gocolly. Every
// connection owns its own collector, so cookie jars, proxies and pacing never
// leak between identities.
package httpdriver

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/identity-harvester/internal/driver"
	"github.com/JakeFAU/identity-harvester/internal/harvest"
	"github.com/JakeFAU/identity-harvester/internal/retry"
)

const defaultTimeout = 30 * time.Second

// Config tunes the per-connection collectors.
type Config struct {
	UserAgent string
	Timeout   time.Duration
	// PaceMin and PaceMax bound the randomized delay between requests of
	// one connection.
	PaceMin    time.Duration
	PaceMax    time.Duration
	Topics     []string
	TopicOrder string
}

// Driver implements harvest.Authenticator, harvest.Fetcher and
// harvest.SeedProvider over HTTP.
type Driver struct {
	target  *driver.Target
	cfg     Config
	topics  []string
	origins []string
	logger  *zap.Logger
}

var (
	_ harvest.Authenticator = (*Driver)(nil)
	_ harvest.Fetcher       = (*Driver)(nil)
	_ harvest.SeedProvider  = (*Driver)(nil)
)

// New builds a Driver for target.
func New(target *driver.Target, cfg Config, logger *zap.Logger) *Driver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Driver{
		target:  target,
		cfg:     cfg,
		topics:  driver.OrderTopics(cfg.Topics, cfg.TopicOrder),
		origins: siteOrigins(target),
		logger:  logger.Named("httpdriver"),
	}
}

// Fetch loads the item page, rejects challenge and logged-out pages, and
// extracts the configured fields and child items.
func (d *Driver) Fetch(ctx context.Context, c harvest.Conn, item harvest.Item) (harvest.Extraction, error) {
	conn, err := asConn(c)
	if err != nil {
		return harvest.Extraction{}, err
	}
	page, doc, err := d.get(ctx, conn, d.target.ItemLink(item))
	if err != nil {
		return harvest.Extraction{}, err
	}
	if err := d.target.Classify(page); err != nil {
		return harvest.Extraction{}, err
	}
	return d.target.Extract(item, doc, page.FinalURL), nil
}

// NextSeed searches the cursor's topic and page and returns the first result
// not yet known. A page without results ends the topic.
func (d *Driver) NextSeed(ctx context.Context, c harvest.Conn, cursor *harvest.SeedCursor, known harvest.Known) (harvest.Item, error) {
	if d.target.SearchURL == "" || cursor.Topic >= len(d.topics) {
		return "", harvest.ErrTopicExhausted
	}
	conn, err := asConn(c)
	if err != nil {
		return "", err
	}
	page, doc, err := d.get(ctx, conn, d.target.SearchLink(d.topics[cursor.Topic], cursor.Page))
	if err != nil {
		return "", err
	}
	if err := d.challenged(page); err != nil {
		return "", err
	}
	links := driver.Links(doc, cmp.Or(d.target.ResultSelector, "a[href]"), page.FinalURL)
	candidates := d.target.ItemsFromLinks(links, "")
	if len(candidates) == 0 {
		return "", harvest.ErrTopicExhausted
	}
	for _, item := range candidates {
		if !known(item) {
			return item, nil
		}
	}
	return "", harvest.ErrNoSeed
}

// challenged classifies a page that has no ready marker of its own.
func (d *Driver) challenged(page driver.Page) error {
	page.Ready = true
	return d.target.Classify(page)
}

func (d *Driver) get(ctx context.Context, conn *Conn, link string) (driver.Page, *goquery.Document, error) {
	return d.request(ctx, conn, link, func(c *colly.Collector) error {
		return c.Visit(link)
	})
}

// request runs one colly request on a clone of the connection's collector.
// The clone shares the connection's transport, jar and limits but carries
// its own callbacks.
func (d *Driver) request(ctx context.Context, conn *Conn, link string, do func(*colly.Collector) error) (driver.Page, *goquery.Document, error) {
	if conn.closed.Load() {
		return driver.Page{}, nil, harvest.Fatal("connection closed", nil)
	}
	collector := conn.collector.Clone()

	var (
		page     driver.Page
		received bool
		respErr  error
	)
	collector.OnResponse(func(r *colly.Response) {
		received = true
		page = driver.Page{
			URL:      link,
			FinalURL: r.Request.URL.String(),
			Status:   r.StatusCode,
			Body:     append([]byte(nil), r.Body...),
		}
	})
	collector.OnError(func(_ *colly.Response, err error) {
		respErr = err
	})

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		done <- do(collector)
	}()

	select {
	case <-ctx.Done():
		return driver.Page{}, nil, fmt.Errorf("request %s: %w", link, ctx.Err())
	case err := <-done:
		err = cmp.Or(err, respErr)
		switch {
		case err != nil && ctx.Err() != nil:
			return driver.Page{}, nil, fmt.Errorf("request %s: %w", link, ctx.Err())
		case err != nil:
			return driver.Page{}, nil, harvest.Transient("request "+link, err)
		case !received:
			return driver.Page{}, nil, harvest.Transient("request "+link, errors.New("no response"))
		}
	}

	doc, err := driver.Document(page.Body)
	if err != nil {
		return driver.Page{}, nil, harvest.NewFailure(harvest.CategoryStructural, "unparseable page", err)
	}
	d.target.Inspect(&page, doc)
	d.logger.Debug("page loaded",
		zap.String("identity", conn.identity.String()),
		zap.String("url", link),
		zap.Int("status", page.Status),
		zap.Duration("duration", time.Since(start)),
	)
	return page, doc, nil
}

// authError keeps transient and cancellation errors as they are; anything
// else at login means the credential did not work.
func authError(err error) error {
	switch retry.Classify(err) {
	case harvest.CategoryTransient, harvest.CategoryCanceled, harvest.CategoryFatal:
		return err
	default:
		return harvest.AuthFailed("login rejected", err)
	}
}

// siteOrigins lists the scheme://host roots whose cookies make up a token.
func siteOrigins(t *driver.Target) []string {
	links := []string{t.LoginURL, t.CheckURL, t.ItemLink("x"), t.SearchLink("x", 0)}
	seen := map[string]struct{}{}
	var out []string
	for _, link := range links {
		u, err := url.Parse(link)
		if err != nil || u.Host == "" {
			continue
		}
		origin := u.Scheme + "://" + u.Host + "/"
		if _, ok := seen[origin]; ok {
			continue
		}
		seen[origin] = struct{}{}
		out = append(out, origin)
	}
	return out
}
