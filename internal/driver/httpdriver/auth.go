package httpdriver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/identity-harvester/internal/driver"
	"github.com/JakeFAU/identity-harvester/internal/harvest"
)

// cookieSet is the token format: the jar's cookies per site origin.
type cookieSet struct {
	Origin  string         `json:"origin"`
	Cookies []*http.Cookie `json:"cookies"`
}

// Login loads the login form, posts the credential with the form's hidden
// inputs, and verifies the logged-in marker. The token is the cookie jar.
func (d *Driver) Login(ctx context.Context, identity harvest.Identity) (harvest.Conn, harvest.Token, error) {
	form := d.target.Login
	if d.target.LoginURL == "" || form.IdentifierField == "" || form.SecretField == "" {
		return nil, nil, harvest.Fatal("site login form is not configured", nil)
	}
	conn, err := d.newConn(identity)
	if err != nil {
		return nil, nil, err
	}

	loginPage, loginDoc, err := d.get(ctx, conn, d.target.LoginURL)
	if err == nil {
		err = d.challenged(loginPage)
	}
	if err != nil {
		_ = conn.Close()
		return nil, nil, authError(err)
	}

	action, data := loginForm(loginDoc, form.FormSelector, loginPage.FinalURL)
	data[form.IdentifierField] = identity.Credential.Identifier
	data[form.SecretField] = identity.Credential.Secret
	landing, landingDoc, err := d.request(ctx, conn, action, func(c *colly.Collector) error {
		return c.Post(action, data)
	})
	if err == nil {
		err = d.verify(ctx, conn, landing, landingDoc)
	}
	if err != nil {
		_ = conn.Close()
		return nil, nil, authError(err)
	}

	token, err := d.token(conn)
	if err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	d.logger.Debug("logged in", zap.String("identity", identity.String()))
	return conn, token, nil
}

// Resume restores a cookie token and verifies it against the check page.
func (d *Driver) Resume(ctx context.Context, identity harvest.Identity, token harvest.Token) (harvest.Conn, error) {
	var sets []cookieSet
	if err := json.Unmarshal(token, &sets); err != nil {
		return nil, harvest.AuthFailed("unreadable token", err)
	}
	conn, err := d.newConn(identity)
	if err != nil {
		return nil, err
	}
	for _, set := range sets {
		if err := conn.collector.SetCookies(set.Origin, set.Cookies); err != nil {
			_ = conn.Close()
			return nil, harvest.AuthFailed("restore cookies", err)
		}
	}
	if d.target.CheckURL == "" {
		return conn, nil
	}
	if err := d.verify(ctx, conn, driver.Page{}, nil); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

// verify checks that the session is logged in, loading the check page when
// one is configured and otherwise inspecting the given landing page.
func (d *Driver) verify(ctx context.Context, conn *Conn, page driver.Page, doc *goquery.Document) error {
	if d.target.CheckURL != "" {
		var err error
		page, doc, err = d.get(ctx, conn, d.target.CheckURL)
		if err != nil {
			return err
		}
	}
	if err := d.challenged(page); err != nil {
		return err
	}
	if sel := d.target.LoggedInSelector; sel != "" && doc.Find(sel).Length() == 0 {
		return harvest.AuthFailed("logged-in marker absent", nil)
	}
	return nil
}

func (d *Driver) token(conn *Conn) (harvest.Token, error) {
	var sets []cookieSet
	for _, origin := range d.origins {
		if cookies := conn.collector.Cookies(origin); len(cookies) > 0 {
			sets = append(sets, cookieSet{Origin: origin, Cookies: cookies})
		}
	}
	data, err := json.Marshal(sets)
	if err != nil {
		return nil, fmt.Errorf("encode cookies: %w", err)
	}
	return harvest.Token(data), nil
}

// loginForm returns the form's absolute action and its hidden inputs.
func loginForm(doc *goquery.Document, selector, base string) (string, map[string]string) {
	form := doc.Find(selector).First()
	data := map[string]string{}
	form.Find("input[type=hidden]").Each(func(_ int, s *goquery.Selection) {
		if name, ok := s.Attr("name"); ok && name != "" {
			data[name] = s.AttrOr("value", "")
		}
	})
	action := base
	if href, ok := form.Attr("action"); ok && href != "" {
		action = driver.ResolveLink(base, href)
	}
	return action, data
}
