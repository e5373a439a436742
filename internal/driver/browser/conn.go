package browser

import (
	"context"
	"sync/atomic"

	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/identity-harvester/internal/harvest"
)

// Conn is one identity's browser: a Chrome process and its single tab.
type Conn struct {
	identity harvest.Identity
	ctx      context.Context
	cancel   context.CancelFunc
	closed   atomic.Bool
}

// Identity returns the identity the browser was started for.
func (c *Conn) Identity() harvest.Identity {
	return c.identity
}

// Close stops the browser.
func (c *Conn) Close() error {
	if c.closed.CompareAndSwap(false, true) {
		c.cancel()
	}
	return nil
}

func (d *Driver) allocatorOptions(egress harvest.EgressPoint) []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", d.cfg.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.WindowSize(windowWidth, windowHeight),
	)
	if d.cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(d.cfg.UserAgent))
	}
	if !egress.Direct() {
		// Chrome takes no credentials in --proxy-server; they are answered
		// through the Fetch domain.
		opts = append(opts, chromedp.ProxyServer(cmpScheme(egress.Scheme)+"://"+egress.Host))
	}
	return opts
}

func (d *Driver) newConn(identity harvest.Identity) (*Conn, error) {
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), d.allocatorOptions(identity.Egress)...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx)
	conn := &Conn{
		identity: identity,
		ctx:      tabCtx,
		cancel: func() {
			tabCancel()
			allocCancel()
		},
	}

	actions := []chromedp.Action{network.Enable()}
	if identity.Egress.Username != "" {
		answerProxyAuth(tabCtx, identity.Egress)
		actions = append(actions, fetch.Enable().WithHandleAuthRequests(true))
	}
	// The first Run starts the browser and must not carry a deadline, or the
	// browser dies with it.
	if err := chromedp.Run(tabCtx, actions...); err != nil {
		_ = conn.Close()
		return nil, harvest.Fatal("start browser", err)
	}
	return conn, nil
}

// answerProxyAuth supplies the egress credentials to proxy challenges and
// releases every request paused by the Fetch domain.
func answerProxyAuth(ctx context.Context, egress harvest.EgressPoint) {
	chromedp.ListenTarget(ctx, func(ev any) {
		switch ev := ev.(type) {
		case *fetch.EventAuthRequired:
			go func() {
				_ = chromedp.Run(ctx, fetch.ContinueWithAuth(ev.RequestID, &fetch.AuthChallengeResponse{
					Response: fetch.AuthChallengeResponseResponseProvideCredentials,
					Username: egress.Username,
					Password: egress.Password,
				}))
			}()
		case *fetch.EventRequestPaused:
			go func() {
				_ = chromedp.Run(ctx, fetch.ContinueRequest(ev.RequestID))
			}()
		}
	})
}

func asConn(c harvest.Conn) (*Conn, error) {
	conn, ok := c.(*Conn)
	if !ok || conn == nil {
		return nil, harvest.Fatal("connection not opened by the browser driver", nil)
	}
	return conn, nil
}

func cmpScheme(scheme string) string {
	if scheme == "" {
		return "http"
	}
	return scheme
}
