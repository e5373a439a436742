package driver

import (
	"bytes"
	"fmt"
	"net/url"
	"slices"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/identity-harvester/internal/harvest"
)

// Page is what a driver observed after loading a URL.
type Page struct {
	URL      string
	FinalURL string
	Status   int
	Title    string
	Body     []byte
	// Ready is set when the site's ready selector was found.
	Ready bool
}

// Classify turns an observed page into nil (usable), a SessionInvalid
// failure (challenge, block, or logged out), or a StructuralMismatch when the
// ready marker is absent.
func (t *Target) Classify(page Page) error {
	if slices.Contains(t.Challenge.Statuses, page.Status) {
		return harvest.SessionInvalid(fmt.Sprintf("status %d", page.Status))
	}
	title := strings.ToLower(page.Title)
	for _, marker := range t.Challenge.Titles {
		if marker != "" && strings.Contains(title, strings.ToLower(marker)) {
			return harvest.SessionInvalid("challenge title: " + marker)
		}
	}
	body := bytes.ToLower(page.Body)
	for _, marker := range t.Challenge.Bodies {
		if marker != "" && bytes.Contains(body, []byte(strings.ToLower(marker))) {
			return harvest.SessionInvalid("challenge body: " + marker)
		}
	}
	if t.redirectedToLogin(page) {
		return harvest.SessionInvalid("logged out")
	}
	if !page.Ready {
		return harvest.Structural("ready marker absent: " + t.ReadySelector)
	}
	return nil
}

func (t *Target) redirectedToLogin(page Page) bool {
	if t.LoginURL == "" || page.FinalURL == "" || page.FinalURL == page.URL {
		return false
	}
	login, err := url.Parse(t.LoginURL)
	if err != nil {
		return false
	}
	final, err := url.Parse(page.FinalURL)
	if err != nil {
		return false
	}
	return strings.EqualFold(login.Host, final.Host) && login.Path != "" && strings.HasPrefix(final.Path, login.Path)
}

// Document parses an HTML body.
func Document(body []byte) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return doc, nil
}

// Inspect fills Title and Ready from the page body.
func (t *Target) Inspect(page *Page, doc *goquery.Document) {
	if page.Title == "" {
		page.Title = strings.TrimSpace(doc.Find("title").First().Text())
	}
	page.Ready = doc.Find(t.ReadySelector).Length() > 0
}

// Extract reads the configured fields and child items from a parsed item page.
// Absent fields are omitted, never an error.
func (t *Target) Extract(item harvest.Item, doc *goquery.Document, base string) harvest.Extraction {
	fields := make(map[string]string, len(t.Fields))
	for name, selector := range t.Fields {
		if text := FirstLine(doc.Find(selector).First().Text()); text != "" {
			fields[name] = text
		}
	}
	var children []harvest.Item
	if t.ChildSelector != "" {
		children = t.ItemsFromLinks(Links(doc, t.ChildSelector, base), item)
	}
	return harvest.Extraction{Fields: fields, Children: children}
}

// Links returns the absolute href of every element matching selector.
func Links(doc *goquery.Document, selector, base string) []string {
	baseURL, _ := url.Parse(base)
	var out []string
	doc.Find(selector).Each(func(_ int, s *goquery.Selection) {
		href, ok := s.Attr("href")
		if !ok {
			href, ok = s.Find("a[href]").First().Attr("href")
		}
		if !ok || strings.TrimSpace(href) == "" {
			return
		}
		out = append(out, resolve(baseURL, href))
	})
	return out
}

// ResolveLink resolves href against base.
func ResolveLink(base, href string) string {
	baseURL, _ := url.Parse(base)
	return resolve(baseURL, href)
}

func resolve(base *url.URL, href string) string {
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil || base == nil {
		return href
	}
	return base.ResolveReference(ref).String()
}

// FirstLine trims text and keeps its first non-empty line.
func FirstLine(text string) string {
	for _, line := range strings.Split(text, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return line
		}
	}
	return ""
}
