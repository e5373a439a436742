package driver

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/JakeFAU/identity-harvester/internal/harvest"
)

// ErrInvalidSite is returned when a site description cannot drive a harvest.
var ErrInvalidSite = errors.New("invalid site description")

// Site describes a target surface.
type Site struct {
	// LoginURL is the page holding the login form.
	LoginURL string `mapstructure:"login_url"`
	// CheckURL is visited after login or token restore; LoggedInSelector
	// must be present on it.
	CheckURL         string    `mapstructure:"check_url"`
	LoggedInSelector string    `mapstructure:"logged_in_selector"`
	Login            LoginForm `mapstructure:"login"`

	// ItemURL renders an item page; "{item}" is replaced with the escaped id.
	ItemURL       string `mapstructure:"item_url"`
	ReadySelector string `mapstructure:"ready_selector"`
	// Fields maps record field names to CSS selectors.
	Fields        map[string]string `mapstructure:"fields"`
	ChildSelector string            `mapstructure:"child_selector"`
	// ItemPattern extracts an item id from a link; the first group is the id.
	ItemPattern string `mapstructure:"item_pattern"`

	// SearchURL renders a seed search page from "{topic}" and "{page}" (1-based).
	SearchURL      string `mapstructure:"search_url"`
	ResultSelector string `mapstructure:"result_selector"`

	Challenge Challenge `mapstructure:"challenge"`
}

// LoginForm names the login form inputs.
type LoginForm struct {
	// FormSelector picks the form whose hidden inputs are carried over.
	FormSelector       string `mapstructure:"form_selector"`
	IdentifierField    string `mapstructure:"identifier_field"`
	SecretField        string `mapstructure:"secret_field"`
	IdentifierSelector string `mapstructure:"identifier_selector"`
	SecretSelector     string `mapstructure:"secret_selector"`
	SubmitSelector     string `mapstructure:"submit_selector"`
}

// Challenge lists the signals of a block or verification page.
type Challenge struct {
	Titles   []string `mapstructure:"titles"`
	Bodies   []string `mapstructure:"bodies"`
	Statuses []int    `mapstructure:"statuses"`
}

// DefaultChallenge is used when a site declares no markers of its own.
func DefaultChallenge() Challenge {
	return Challenge{
		Titles:   []string{"security check", "access denied"},
		Bodies:   []string{"prove you're human", "access to this page has been denied"},
		Statuses: []int{403, 429, 999},
	}
}

// Target is a validated Site ready for use by a driver.
type Target struct {
	Site
	itemPattern *regexp.Regexp
	fieldNames  []string
}

// NewTarget validates site and compiles its patterns.
func NewTarget(site Site) (*Target, error) {
	if site.ItemURL == "" || !strings.Contains(site.ItemURL, "{item}") {
		return nil, fmt.Errorf("%w: item_url must contain {item}", ErrInvalidSite)
	}
	if site.ReadySelector == "" {
		return nil, fmt.Errorf("%w: ready_selector is required", ErrInvalidSite)
	}
	if site.ItemPattern == "" {
		return nil, fmt.Errorf("%w: item_pattern is required", ErrInvalidSite)
	}
	re, err := regexp.Compile(site.ItemPattern)
	if err != nil {
		return nil, fmt.Errorf("%w: item_pattern: %v", ErrInvalidSite, err)
	}
	if re.NumSubexp() < 1 {
		return nil, fmt.Errorf("%w: item_pattern needs a capture group", ErrInvalidSite)
	}
	if site.SearchURL != "" && !strings.Contains(site.SearchURL, "{topic}") {
		return nil, fmt.Errorf("%w: search_url must contain {topic}", ErrInvalidSite)
	}
	if len(site.Challenge.Titles)+len(site.Challenge.Bodies)+len(site.Challenge.Statuses) == 0 {
		site.Challenge = DefaultChallenge()
	}
	if site.Login.FormSelector == "" {
		site.Login.FormSelector = "form"
	}

	names := make([]string, 0, len(site.Fields))
	for name := range site.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return &Target{Site: site, itemPattern: re, fieldNames: names}, nil
}

// FieldNames returns the configured record fields, sorted.
func (t *Target) FieldNames() []string {
	out := make([]string, len(t.fieldNames))
	copy(out, t.fieldNames)
	return out
}

// ItemLink renders the page URL of an item.
func (t *Target) ItemLink(item harvest.Item) string {
	return strings.ReplaceAll(t.ItemURL, "{item}", url.PathEscape(item.String()))
}

// SearchLink renders the seed search URL for a topic and zero-based page.
func (t *Target) SearchLink(topic string, page int) string {
	link := strings.ReplaceAll(t.SearchURL, "{topic}", url.QueryEscape(topic))
	return strings.ReplaceAll(link, "{page}", strconv.Itoa(page+1))
}

// ItemFromLink extracts the item id from a link, if it points at an item.
func (t *Target) ItemFromLink(link string) (harvest.Item, bool) {
	m := t.itemPattern.FindStringSubmatch(link)
	if len(m) < 2 {
		return "", false
	}
	id, err := url.PathUnescape(m[1])
	if err != nil {
		id = m[1]
	}
	item := harvest.Item(strings.TrimSpace(id))
	return item, item.Valid()
}

// ItemsFromLinks maps links to unique item ids in order of first appearance.
func (t *Target) ItemsFromLinks(links []string, exclude harvest.Item) []harvest.Item {
	seen := map[harvest.Item]struct{}{exclude: {}}
	var out []harvest.Item
	for _, link := range links {
		item, ok := t.ItemFromLink(link)
		if !ok {
			continue
		}
		if _, dup := seen[item]; dup {
			continue
		}
		seen[item] = struct{}{}
		out = append(out, item)
	}
	return out
}

// OrderTopics returns the topic sequence for a seed cursor. "shuffle"
// randomizes the order once per call; anything else keeps it.
func OrderTopics(topics []string, order string) []string {
	out := make([]string, len(topics))
	copy(out, topics)
	if order == "shuffle" {
		rand.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	}
	return out
}
