package httpdriver

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/identity-harvester/internal/driver"
	"github.com/JakeFAU/identity-harvester/internal/harvest"
	"github.com/JakeFAU/identity-harvester/internal/identity"
	"github.com/JakeFAU/identity-harvester/internal/retry"
)

const loginPage = `<html><head><title>Sign in</title></head><body>
<form id="login" action="/session" method="post">
  <input type="hidden" name="csrf" value="tok123">
  <input name="user"><input name="pass" type="password">
</form></body></html>`

func newSite(t *testing.T) *httptest.Server {
	t.Helper()
	srv, _ := newCountingSite(t)
	return srv
}

// newCountingSite also reports how often the logged-in check page was served.
func newCountingSite(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var feedHits atomic.Int32
	loggedIn := func(r *http.Request) bool {
		c, err := r.Cookie("sid")
		return err == nil && c.Value == "alice-session"
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /login", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = fmt.Fprint(w, loginPage)
	})
	mux.HandleFunc("POST /session", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil || r.PostForm.Get("csrf") != "tok123" {
			http.Error(w, "bad form", http.StatusBadRequest)
			return
		}
		if r.PostForm.Get("user") != "alice" || r.PostForm.Get("pass") != "secret" {
			_, _ = fmt.Fprint(w, loginPage)
			return
		}
		http.SetCookie(w, &http.Cookie{Name: "sid", Value: "alice-session", Path: "/"})
		http.Redirect(w, r, "/feed", http.StatusSeeOther)
	})
	mux.HandleFunc("GET /feed", func(w http.ResponseWriter, r *http.Request) {
		feedHits.Add(1)
		if !loggedIn(r) {
			http.Redirect(w, r, "/login", http.StatusFound)
			return
		}
		_, _ = fmt.Fprint(w, `<html><body><nav class="me">alice</nav></body></html>`)
	})
	mux.HandleFunc("GET /org/{id}", func(w http.ResponseWriter, r *http.Request) {
		if !loggedIn(r) {
			http.Redirect(w, r, "/login", http.StatusFound)
			return
		}
		writeOrg(w, r)
	})
	mux.HandleFunc("GET /search", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("q") != "widgets" || r.URL.Query().Get("page") != "1" {
			_, _ = fmt.Fprint(w, `<html><body><p>No results</p></body></html>`)
			return
		}
		_, _ = fmt.Fprint(w, `<html><body>
<div class="result"><a href="/org/acme?trk=search">Acme</a></div>
<div class="result"><a href="/org/globex">Globex</a></div>
<div class="result"><a href="/org/acme">Acme again</a></div>
</body></html>`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &feedHits
}

func writeOrg(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	switch id {
	case "blocked":
		w.WriteHeader(999)
		return
	case "captcha":
		_, _ = fmt.Fprint(w, `<html><head><title>Security Check</title></head><body></body></html>`)
		return
	case "broken":
		_, _ = fmt.Fprint(w, `<html><body><p>Something went wrong</p></body></html>`)
		return
	case "slow":
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
		return
	}
	_, _ = fmt.Fprintf(w, `<html><body><div class="org-page">
<h1 class="name">Org %[1]s</h1>
<span class="size">
   11-50 employees
</span>
<a class="related" href="/org/%[1]s-a">A</a>
<a class="related" href="/org/%[1]s-b">B</a>
<a class="related" href="/org/%[1]s">self</a>
</div></body></html>`, id)
}

func newTarget(t *testing.T, base string) *driver.Target {
	t.Helper()
	target, err := driver.NewTarget(driver.Site{
		LoginURL:         base + "/login",
		CheckURL:         base + "/feed",
		LoggedInSelector: "nav.me",
		Login: driver.LoginForm{
			FormSelector:    "form#login",
			IdentifierField: "user",
			SecretField:     "pass",
		},
		ItemURL:        base + "/org/{item}",
		ReadySelector:  ".org-page",
		Fields:         map[string]string{"name": "h1.name", "size": ".size", "website": "a.website"},
		ChildSelector:  "a.related",
		ItemPattern:    `/org/([^/?#]+)`,
		SearchURL:      base + "/search?q={topic}&page={page}",
		ResultSelector: ".result a",
	})
	require.NoError(t, err)
	return target
}

func newDriver(t *testing.T, base string) *Driver {
	t.Helper()
	return New(newTarget(t, base), Config{
		UserAgent: "harvester-test",
		Timeout:   5 * time.Second,
		Topics:    []string{"widgets", "gadgets"},
	}, zap.NewNop())
}

func alice() harvest.Identity {
	return harvest.Identity{Credential: harvest.Credential{Identifier: "alice", Secret: "secret"}}
}

func login(t *testing.T, d *Driver) (harvest.Conn, harvest.Token) {
	t.Helper()
	conn, token, err := d.Login(context.Background(), alice())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn, token
}

func category(err error) harvest.Category {
	return retry.Classify(err)
}

func TestLoginAndFetch(t *testing.T) {
	t.Parallel()
	srv := newSite(t)
	d := newDriver(t, srv.URL)
	conn, token := login(t, d)

	require.Equal(t, "alice", conn.Identity().Credential.Identifier)
	require.Contains(t, string(token), "alice-session")

	ext, err := d.Fetch(context.Background(), conn, "acme")
	require.NoError(t, err)
	require.Equal(t, map[string]string{"name": "Org acme", "size": "11-50 employees"}, ext.Fields)
	require.Equal(t, []harvest.Item{"acme-a", "acme-b"}, ext.Children)
}

func TestLoginRejectedCredential(t *testing.T) {
	t.Parallel()
	srv := newSite(t)
	d := newDriver(t, srv.URL)

	id := alice()
	id.Credential.Secret = "wrong"
	conn, token, err := d.Login(context.Background(), id)
	require.Error(t, err)
	require.Nil(t, conn)
	require.Nil(t, token)

	var f *harvest.Failure
	require.ErrorAs(t, err, &f)
	require.Equal(t, harvest.CategoryAuthentication, f.Category)
	require.NotContains(t, err.Error(), "wrong", "secrets never appear in errors")
}

func TestLoginRequiresFormConfig(t *testing.T) {
	t.Parallel()
	srv := newSite(t)
	target := newTarget(t, srv.URL)
	target.Login.SecretField = ""
	d := New(target, Config{}, nil)

	_, _, err := d.Login(context.Background(), alice())
	require.Equal(t, harvest.CategoryFatal, category(err))
}

func TestResumeFromToken(t *testing.T) {
	t.Parallel()
	srv := newSite(t)
	d := newDriver(t, srv.URL)
	_, token := login(t, d)

	resumed, err := d.Resume(context.Background(), alice(), token)
	require.NoError(t, err)
	defer resumed.Close()

	_, err = d.Fetch(context.Background(), resumed, "globex")
	require.NoError(t, err)
}

func TestResumeLoadsCheckPageOnce(t *testing.T) {
	t.Parallel()
	srv, feedHits := newCountingSite(t)
	d := newDriver(t, srv.URL)
	_, token := login(t, d)
	before := feedHits.Load()

	resumed, err := d.Resume(context.Background(), alice(), token)
	require.NoError(t, err)
	defer resumed.Close()
	require.Equal(t, int32(1), feedHits.Load()-before)
}

func TestResumeRejectsStaleToken(t *testing.T) {
	t.Parallel()
	srv := newSite(t)
	d := newDriver(t, srv.URL)

	stale := harvest.Token(fmt.Sprintf(`[{"origin":%q,"cookies":[{"Name":"sid","Value":"expired"}]}]`, srv.URL+"/"))
	_, err := d.Resume(context.Background(), alice(), stale)
	require.Equal(t, harvest.CategorySessionInvalid, category(err))

	_, err = d.Resume(context.Background(), alice(), harvest.Token("not json"))
	require.Equal(t, harvest.CategoryAuthentication, category(err))
}

func TestFetchClassifiesPages(t *testing.T) {
	t.Parallel()
	srv := newSite(t)
	d := newDriver(t, srv.URL)
	conn, _ := login(t, d)

	tests := []struct {
		item harvest.Item
		want harvest.Category
	}{
		{item: "blocked", want: harvest.CategorySessionInvalid},
		{item: "captcha", want: harvest.CategorySessionInvalid},
		{item: "broken", want: harvest.CategoryStructural},
	}
	for _, tt := range tests {
		_, err := d.Fetch(context.Background(), conn, tt.item)
		require.Error(t, err, tt.item)
		require.Equal(t, tt.want, category(err), tt.item)
	}
}

func TestFetchLoggedOutIsSessionInvalid(t *testing.T) {
	t.Parallel()
	srv := newSite(t)
	d := newDriver(t, srv.URL)
	conn, err := d.newConn(alice())
	require.NoError(t, err)
	defer conn.Close()

	_, err = d.Fetch(context.Background(), conn, "acme")
	require.Equal(t, harvest.CategorySessionInvalid, category(err))
}

func TestFetchTransportFailureIsTransient(t *testing.T) {
	t.Parallel()
	srv := newSite(t)
	d := newDriver(t, srv.URL)
	conn, err := d.newConn(alice())
	require.NoError(t, err)
	defer conn.Close()
	srv.Close()

	_, err = d.Fetch(context.Background(), conn, "acme")
	require.Equal(t, harvest.CategoryTransient, category(err))
}

func TestFetchHonorsContextDeadline(t *testing.T) {
	t.Parallel()
	srv := newSite(t)
	d := newDriver(t, srv.URL)
	conn, _ := login(t, d)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := d.Fetch(ctx, conn, "slow")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFetchRejectsForeignOrClosedConn(t *testing.T) {
	t.Parallel()
	srv := newSite(t)
	d := newDriver(t, srv.URL)

	_, err := d.Fetch(context.Background(), nil, "acme")
	require.Equal(t, harvest.CategoryFatal, category(err))

	conn, err := d.newConn(alice())
	require.NoError(t, err)
	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())
	_, err = d.Fetch(context.Background(), conn, "acme")
	require.Equal(t, harvest.CategoryFatal, category(err))
}

func TestNextSeed(t *testing.T) {
	t.Parallel()
	srv := newSite(t)
	d := newDriver(t, srv.URL)
	conn, _ := login(t, d)
	ctx := context.Background()

	known := map[harvest.Item]bool{}
	isKnown := func(item harvest.Item) bool { return known[item] }

	cursor := &harvest.SeedCursor{}
	item, err := d.NextSeed(ctx, conn, cursor, isKnown)
	require.NoError(t, err)
	require.Equal(t, harvest.Item("acme"), item)

	known["acme"] = true
	item, err = d.NextSeed(ctx, conn, cursor, isKnown)
	require.NoError(t, err)
	require.Equal(t, harvest.Item("globex"), item)

	known["globex"] = true
	_, err = d.NextSeed(ctx, conn, cursor, isKnown)
	require.ErrorIs(t, err, harvest.ErrNoSeed)

	_, err = d.NextSeed(ctx, conn, &harvest.SeedCursor{Page: 1}, isKnown)
	require.ErrorIs(t, err, harvest.ErrTopicExhausted)

	_, err = d.NextSeed(ctx, conn, &harvest.SeedCursor{Topic: 2}, isKnown)
	require.ErrorIs(t, err, harvest.ErrTopicExhausted)
}

func TestRequestsGoThroughEgressProxy(t *testing.T) {
	t.Parallel()
	site := newSite(t)

	var (
		mu       sync.Mutex
		proxied  []string
		authSeen []string
	)
	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		proxied = append(proxied, r.URL.String())
		authSeen = append(authSeen, r.Header.Get("Proxy-Authorization"))
		mu.Unlock()
		_, _ = fmt.Fprint(w, `<html><body><div class="org-page"><h1 class="name">Via proxy</h1></div></body></html>`)
	}))
	t.Cleanup(proxy.Close)

	egress, err := identity.ParseEgress(strings.TrimPrefix(proxy.URL, "http://") + ":puser:ppass")
	require.NoError(t, err)
	id := alice()
	id.Egress = egress

	d := newDriver(t, site.URL)
	conn, err := d.newConn(id)
	require.NoError(t, err)
	defer conn.Close()

	ext, err := d.Fetch(context.Background(), conn, "acme")
	require.NoError(t, err)
	require.Equal(t, "Via proxy", ext.Fields["name"])

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{site.URL + "/org/acme"}, proxied)
	want := "Basic " + base64.StdEncoding.EncodeToString([]byte("puser:ppass"))
	require.Equal(t, []string{want}, authSeen)
}

func TestAuthErrorKeepsRetryableCategories(t *testing.T) {
	t.Parallel()
	transient := harvest.Transient("timeout", nil)
	require.Same(t, transient, authError(transient))
	require.ErrorIs(t, authError(context.Canceled), context.Canceled)
	require.Equal(t, harvest.CategoryAuthentication, category(authError(errors.New("form missing"))))
}

func TestSiteOrigins(t *testing.T) {
	t.Parallel()
	target := newTarget(t, "https://example.com")
	target.SearchURL = "https://search.example.com/q?k={topic}"
	require.Equal(t, []string{"https://example.com/", "https://search.example.com/"}, siteOrigins(target))
}
