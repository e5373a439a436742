// Package browser drives a site through headless Chrome with chromedp. Each
// connection is its own browser process, started with the identity's egress
// point as proxy.
package browser

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/identity-harvester/internal/driver"
	"github.com/JakeFAU/identity-harvester/internal/harvest"
	"github.com/JakeFAU/identity-harvester/internal/retry"
)

const (
	defaultTimeout   = 45 * time.Second
	defaultReadyWait = 10 * time.Second
	windowWidth      = 1366
	windowHeight     = 900
)

// Config tunes the browsers.
type Config struct {
	UserAgent string
	// Timeout bounds one navigation or form interaction.
	Timeout time.Duration
	// ReadyWait bounds the wait for the ready selector on late-rendering pages.
	ReadyWait time.Duration
	Headless  bool
	PaceMin   time.Duration
	PaceMax   time.Duration
	// MaxQPS caps navigations per host across all connections; zero disables it.
	MaxQPS     float64
	Topics     []string
	TopicOrder string
}

// Driver implements harvest.Authenticator, harvest.Fetcher and
// harvest.SeedProvider with a real browser.
type Driver struct {
	target   *driver.Target
	cfg      Config
	topics   []string
	pacer    *Pacer
	limiters sync.Map
	logger   *zap.Logger
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
	if cfg.ReadyWait <= 0 {
		cfg.ReadyWait = min(defaultReadyWait, cfg.Timeout)
	}
	return &Driver{
		target: target,
		cfg:    cfg,
		topics: driver.OrderTopics(cfg.Topics, cfg.TopicOrder),
		pacer:  NewPacer(cfg.PaceMin, cfg.PaceMax, nil),
		logger: logger.Named("browser"),
	}
}

// Fetch navigates to the item, rejects challenge pages, waits for the ready
// marker, and reads the fields in the page.
func (d *Driver) Fetch(ctx context.Context, c harvest.Conn, item harvest.Item) (harvest.Extraction, error) {
	conn, err := asConn(c)
	if err != nil {
		return harvest.Extraction{}, err
	}
	page, doc, err := d.load(ctx, conn, d.target.ItemLink(item), true)
	if err != nil {
		return harvest.Extraction{}, err
	}
	if err := d.target.Classify(page); err != nil {
		return harvest.Extraction{}, err
	}

	ext := d.target.Extract(item, doc, page.FinalURL)
	fields, err := d.readFields(ctx, conn)
	if err != nil {
		if ctx.Err() != nil {
			return harvest.Extraction{}, fmt.Errorf("read fields: %w", ctx.Err())
		}
		d.logger.Debug("field script failed, using page snapshot", zap.Error(err))
		return ext, nil
	}
	ext.Fields = fields
	return ext, nil
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
	page, doc, err := d.load(ctx, conn, d.target.SearchLink(d.topics[cursor.Topic], cursor.Page), false)
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

// load navigates to link and snapshots the rendered page. With waitReady, a
// page that is neither ready nor a challenge gets ReadyWait to render the
// ready marker.
func (d *Driver) load(ctx context.Context, conn *Conn, link string, waitReady bool) (driver.Page, *goquery.Document, error) {
	if conn.closed.Load() {
		return driver.Page{}, nil, harvest.Fatal("connection closed", nil)
	}
	if err := d.throttle(ctx, link); err != nil {
		return driver.Page{}, nil, err
	}
	if err := d.pacer.Pause(ctx); err != nil {
		return driver.Page{}, nil, fmt.Errorf("pace: %w", err)
	}

	var (
		page driver.Page
		doc  *goquery.Document
	)
	start := time.Now()
	err := d.within(ctx, conn, d.cfg.Timeout, func(runCtx context.Context) error {
		meta := &responseMeta{}
		chromedp.ListenTarget(runCtx, meta.capture)

		if err := chromedp.Run(runCtx,
			chromedp.Navigate(link),
			chromedp.WaitReady("body", chromedp.ByQuery),
		); err != nil {
			return err
		}
		var err error
		if page, doc, err = d.snapshot(runCtx, link, meta); err != nil {
			return err
		}
		if !waitReady || page.Ready || retry.Classify(d.target.Classify(page)) != harvest.CategoryStructural {
			return nil
		}

		waitCtx, cancel := context.WithTimeout(runCtx, d.cfg.ReadyWait)
		defer cancel()
		if err := chromedp.Run(waitCtx, chromedp.WaitReady(d.target.ReadySelector, chromedp.ByQuery)); err != nil {
			return nil // reported as a structural mismatch by the caller
		}
		page, doc, err = d.snapshot(runCtx, link, meta)
		return err
	})
	if err != nil {
		return driver.Page{}, nil, loadError(ctx, link, err)
	}

	d.logger.Debug("page loaded",
		zap.String("identity", conn.identity.String()),
		zap.String("url", link),
		zap.Int("status", page.Status),
		zap.Bool("ready", page.Ready),
		zap.Duration("duration", time.Since(start)),
	)
	return page, doc, nil
}

func (d *Driver) snapshot(ctx context.Context, link string, meta *responseMeta) (driver.Page, *goquery.Document, error) {
	var html, location, title string
	if err := chromedp.Run(ctx,
		chromedp.Location(&location),
		chromedp.Title(&title),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	); err != nil {
		return driver.Page{}, nil, err
	}
	page := driver.Page{
		URL:      link,
		FinalURL: location,
		Status:   meta.status(),
		Title:    title,
		Body:     []byte(html),
	}
	doc, err := driver.Document(page.Body)
	if err != nil {
		return driver.Page{}, nil, harvest.NewFailure(harvest.CategoryStructural, "unparseable page", err)
	}
	d.target.Inspect(&page, doc)
	return page, doc, nil
}

// readFields evaluates the field selectors in the page.
func (d *Driver) readFields(ctx context.Context, conn *Conn) (map[string]string, error) {
	script, err := fieldScript(d.target.Fields)
	if err != nil {
		return nil, err
	}
	var raw map[string]string
	err = d.within(ctx, conn, d.cfg.Timeout, func(runCtx context.Context) error {
		return chromedp.Run(runCtx, chromedp.Evaluate(script, &raw))
	})
	if err != nil {
		return nil, fmt.Errorf("evaluate fields: %w", err)
	}
	fields := make(map[string]string, len(raw))
	for name, text := range raw {
		if text = driver.FirstLine(text); text != "" {
			fields[name] = text
		}
	}
	return fields, nil
}

// challenged classifies a page that has no ready marker of its own.
func (d *Driver) challenged(page driver.Page) error {
	page.Ready = true
	return d.target.Classify(page)
}

// within runs fn on the connection's tab with a timeout, canceled early when
// ctx is.
func (d *Driver) within(ctx context.Context, conn *Conn, timeout time.Duration, fn func(context.Context) error) error {
	runCtx, cancel := context.WithTimeout(conn.ctx, timeout)
	defer cancel()
	stop := forwardCancel(ctx, cancel)
	defer stop()
	return fn(runCtx)
}

// fieldScript builds a script returning the inner text of the first match of
// every field selector.
func fieldScript(fields map[string]string) (string, error) {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	pairs := make([][2]string, 0, len(names))
	for _, name := range names {
		pairs = append(pairs, [2]string{name, fields[name]})
	}
	encoded, err := json.Marshal(pairs)
	if err != nil {
		return "", fmt.Errorf("encode field selectors: %w", err)
	}
	return `(() => {
  const out = {};
  for (const [name, selector] of ` + string(encoded) + `) {
    const el = document.querySelector(selector);
    if (el) out[name] = el.innerText || el.textContent || "";
  }
  return out;
})()`, nil
}

// egressFailures are navigation errors caused by the proxy rather than the site.
var egressFailures = []string{
	"ERR_PROXY_CONNECTION_FAILED",
	"ERR_TUNNEL_CONNECTION_FAILED",
	"ERR_PROXY_AUTH",
	"ERR_NO_SUPPORTED_PROXIES",
	"ERR_PROXY_CERTIFICATE_INVALID",
}

func loadError(ctx context.Context, link string, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("load %s: %w", link, ctx.Err())
	}
	var failure *harvest.Failure
	if errors.As(err, &failure) {
		return err
	}
	msg := err.Error()
	for _, marker := range egressFailures {
		if strings.Contains(msg, marker) {
			return harvest.NewFailure(harvest.CategorySessionInvalid, "egress unreachable", err)
		}
	}
	return harvest.Transient("load "+link, err)
}

func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}

type responseMeta struct {
	mu   sync.Mutex
	code int
}

// capture keeps the status of the last document response, which is the
// final hop of a redirect chain.
func (m *responseMeta) capture(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	m.mu.Lock()
	m.code = int(resp.Response.Status)
	m.mu.Unlock()
}

func (m *responseMeta) status() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.code == 0 {
		return 200
	}
	return m.code
}
