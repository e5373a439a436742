package browser

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/identity-harvester/internal/harvest"
	"github.com/JakeFAU/identity-harvester/internal/retry"
)

// storedCookie is the token format, one entry per browser cookie.
type storedCookie struct {
	Name     string                 `json:"name"`
	Value    string                 `json:"value"`
	Domain   string                 `json:"domain"`
	Path     string                 `json:"path"`
	Expires  float64                `json:"expires,omitempty"`
	Session  bool                   `json:"session,omitempty"`
	Secure   bool                   `json:"secure,omitempty"`
	HTTPOnly bool                   `json:"http_only,omitempty"`
	SameSite network.CookieSameSite `json:"same_site,omitempty"`
}

// Login types the credential into the login form, submits it, and verifies
// the logged-in marker. The token is the browser's cookie store.
func (d *Driver) Login(ctx context.Context, identity harvest.Identity) (harvest.Conn, harvest.Token, error) {
	form := d.target.Login
	idSel := cmp.Or(form.IdentifierSelector, inputSelector(form.IdentifierField))
	secretSel := cmp.Or(form.SecretSelector, inputSelector(form.SecretField))
	if d.target.LoginURL == "" || idSel == "" || secretSel == "" {
		return nil, nil, harvest.Fatal("site login form is not configured", nil)
	}
	conn, err := d.newConn(identity)
	if err != nil {
		return nil, nil, err
	}

	page, _, err := d.load(ctx, conn, d.target.LoginURL, false)
	if err == nil {
		err = d.challenged(page)
	}
	if err == nil {
		err = d.submitLogin(ctx, conn, idSel, secretSel, identity.Credential)
	}
	if err == nil {
		err = d.verify(ctx, conn)
	}
	if err != nil {
		_ = conn.Close()
		return nil, nil, authError(err)
	}

	token, err := d.token(ctx, conn)
	if err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	d.logger.Debug("logged in", zap.String("identity", identity.String()))
	return conn, token, nil
}

// Resume restores a cookie token into a fresh browser and verifies it.
func (d *Driver) Resume(ctx context.Context, identity harvest.Identity, token harvest.Token) (harvest.Conn, error) {
	params, err := decodeCookies(token, time.Now())
	if err != nil {
		return nil, harvest.AuthFailed("unreadable token", err)
	}
	conn, err := d.newConn(identity)
	if err != nil {
		return nil, err
	}
	err = d.within(ctx, conn, d.cfg.Timeout, func(runCtx context.Context) error {
		return chromedp.Run(runCtx, network.SetCookies(params))
	})
	if err != nil {
		_ = conn.Close()
		return nil, harvest.AuthFailed("restore cookies", err)
	}
	if err := d.verify(ctx, conn); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

func (d *Driver) submitLogin(ctx context.Context, conn *Conn, idSel, secretSel string, cred harvest.Credential) error {
	submit := chromedp.Submit(secretSel, chromedp.ByQuery)
	if sel := d.target.Login.SubmitSelector; sel != "" {
		submit = chromedp.Click(sel, chromedp.ByQuery)
	}
	pause := chromedp.ActionFunc(d.pacer.Pause)
	err := d.within(ctx, conn, d.cfg.Timeout+2*d.pacer.Max(), func(runCtx context.Context) error {
		return chromedp.Run(runCtx,
			chromedp.WaitVisible(idSel, chromedp.ByQuery),
			chromedp.SendKeys(idSel, cred.Identifier, chromedp.ByQuery),
			pause,
			chromedp.SendKeys(secretSel, cred.Secret, chromedp.ByQuery),
			pause,
			submit,
		)
	})
	if err != nil {
		return loadError(ctx, d.target.LoginURL, err)
	}
	return nil
}

// verify checks the logged-in marker, on the check page when one is
// configured and otherwise on whatever page the browser is showing.
func (d *Driver) verify(ctx context.Context, conn *Conn) error {
	marker := d.target.LoggedInSelector
	if d.target.CheckURL != "" {
		page, doc, err := d.load(ctx, conn, d.target.CheckURL, false)
		if err != nil {
			return err
		}
		if err := d.challenged(page); err != nil {
			return err
		}
		if marker != "" && doc.Find(marker).Length() == 0 {
			return harvest.AuthFailed("logged-in marker absent", nil)
		}
		return nil
	}
	if marker == "" {
		return nil
	}
	err := d.within(ctx, conn, d.cfg.ReadyWait, func(runCtx context.Context) error {
		return chromedp.Run(runCtx, chromedp.WaitVisible(marker, chromedp.ByQuery))
	})
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("verify login: %w", ctx.Err())
		}
		return harvest.AuthFailed("logged-in marker absent", err)
	}
	return nil
}

func (d *Driver) token(ctx context.Context, conn *Conn) (harvest.Token, error) {
	var cookies []*network.Cookie
	err := d.within(ctx, conn, d.cfg.Timeout, func(runCtx context.Context) error {
		return chromedp.Run(runCtx, chromedp.ActionFunc(func(c context.Context) error {
			var err error
			cookies, err = network.GetCookies().Do(c)
			return err
		}))
	})
	if err != nil {
		return nil, harvest.Transient("read cookies", err)
	}
	return encodeCookies(cookies)
}

func encodeCookies(cookies []*network.Cookie) (harvest.Token, error) {
	stored := make([]storedCookie, 0, len(cookies))
	for _, c := range cookies {
		stored = append(stored, storedCookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  c.Expires,
			Session:  c.Session,
			Secure:   c.Secure,
			HTTPOnly: c.HTTPOnly,
			SameSite: c.SameSite,
		})
	}
	data, err := json.Marshal(stored)
	if err != nil {
		return nil, fmt.Errorf("encode cookies: %w", err)
	}
	return harvest.Token(data), nil
}

// decodeCookies turns a token back into cookie parameters, dropping cookies
// that expired before now.
func decodeCookies(token harvest.Token, now time.Time) ([]*network.CookieParam, error) {
	var stored []storedCookie
	if err := json.Unmarshal(token, &stored); err != nil {
		return nil, fmt.Errorf("decode cookies: %w", err)
	}
	params := make([]*network.CookieParam, 0, len(stored))
	for _, c := range stored {
		param := &network.CookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HTTPOnly: c.HTTPOnly,
			SameSite: c.SameSite,
		}
		if !c.Session && c.Expires > 0 {
			expires := time.Unix(int64(c.Expires), 0)
			if !expires.After(now) {
				continue
			}
			ts := cdp.TimeSinceEpoch(expires)
			param.Expires = &ts
		}
		params = append(params, param)
	}
	return params, nil
}

func inputSelector(name string) string {
	if strings.TrimSpace(name) == "" {
		return ""
	}
	return fmt.Sprintf("input[name=%q]", name)
}

// authError keeps transient, cancellation and fatal errors as they are;
// anything else at login means the credential did not work.
func authError(err error) error {
	switch retry.Classify(err) {
	case harvest.CategoryTransient, harvest.CategoryCanceled, harvest.CategoryFatal:
		return err
	default:
		return harvest.AuthFailed("login rejected", err)
	}
}
