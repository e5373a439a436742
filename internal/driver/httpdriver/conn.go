package httpdriver

import (
	"net"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/identity-harvester/internal/harvest"
)

// Conn is one identity's HTTP client: a collector with its own cookie jar,
// proxy transport and request pacing.
type Conn struct {
	identity  harvest.Identity
	collector *colly.Collector
	transport *http.Transport
	closed    atomic.Bool
}

// Identity returns the identity the connection was opened for.
func (c *Conn) Identity() harvest.Identity {
	return c.identity
}

// Close drops idle connections. Requests on a closed Conn fail.
func (c *Conn) Close() error {
	if c.closed.CompareAndSwap(false, true) {
		c.transport.CloseIdleConnections()
	}
	return nil
}

func (d *Driver) newConn(identity harvest.Identity) (*Conn, error) {
	transport := newHTTPTransport()
	if !identity.Egress.Direct() {
		proxy, err := url.Parse(identity.Egress.URL())
		if err != nil {
			return nil, harvest.Fatal("egress "+identity.Egress.Redacted(), err)
		}
		transport.Proxy = http.ProxyURL(proxy)
	}

	opts := []colly.CollectorOption{colly.AllowURLRevisit()}
	if d.cfg.UserAgent != "" {
		opts = append(opts, colly.UserAgent(d.cfg.UserAgent))
	}
	collector := colly.NewCollector(opts...)
	collector.ParseHTTPErrorResponse = true
	collector.WithTransport(transport)
	collector.SetRequestTimeout(d.cfg.Timeout)
	if err := collector.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: 1,
		Delay:       d.cfg.PaceMin,
		RandomDelay: max(0, d.cfg.PaceMax-d.cfg.PaceMin),
	}); err != nil {
		return nil, harvest.Fatal("configure collector", err)
	}

	return &Conn{identity: identity, collector: collector, transport: transport}, nil
}

func asConn(c harvest.Conn) (*Conn, error) {
	conn, ok := c.(*Conn)
	if !ok || conn == nil {
		return nil, harvest.Fatal("connection not opened by the http driver", nil)
	}
	return conn, nil
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
		MaxIdleConns:          16,
		IdleConnTimeout:       90 * time.Second,
	}
}
