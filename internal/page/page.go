// Package page bootstraps a refresh session from a rendered quote page: the
// session parameters embedded on the refresher script tag and the values the
// page currently displays.
package page

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"quoterefresh/internal/quote"
)

// ErrNoParams is returned when the page has no refresher script tag.
var ErrNoParams = errors.New("page: no refresher parameters found")

const paramsSelector = "script[data-symbols], script[data-tickers]"

// Params are the session inputs found on a page.
type Params struct {
	Targets    []string
	MarketOpen bool
	// Interval is the page's data-quote-refresh value; zero when absent.
	Interval time.Duration
	// Displayed maps #{target}_{field} elements to their current text.
	Displayed map[quote.FieldKey]string
}

// HTTPClient describes an HTTP client.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Parse reads a page. When fields is non-empty only those fields are
// collected into Displayed.
func Parse(r io.Reader, fields []string) (Params, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return Params{}, fmt.Errorf("parsing page: %w", err)
	}
	return FromDocument(doc, fields)
}

// FromDocument extracts Params from an already parsed document. The last
// matching script tag wins, as it would for the script reading its own tag.
func FromDocument(doc *goquery.Document, fields []string) (Params, error) {
	tag := doc.Find(paramsSelector).Last()
	if tag.Length() == 0 {
		return Params{}, ErrNoParams
	}

	raw, ok := tag.Attr("data-symbols")
	if !ok {
		raw, _ = tag.Attr("data-tickers")
	}
	p := Params{
		Targets:    quote.SplitCSV(raw),
		MarketOpen: strings.TrimSpace(tag.AttrOr("data-is-market-open", "")) == "true",
		Displayed:  map[quote.FieldKey]string{},
	}
	if v := strings.TrimSpace(tag.AttrOr("data-quote-refresh", "")); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil || secs <= 0 {
			return Params{}, fmt.Errorf("page: invalid data-quote-refresh %q", v)
		}
		p.Interval = time.Duration(secs) * time.Second
	}

	var allow map[string]struct{}
	if len(fields) > 0 {
		allow = make(map[string]struct{}, len(fields))
		for _, f := range fields {
			allow[f] = struct{}{}
		}
	}
	doc.Find("[id]").Each(func(_ int, s *goquery.Selection) {
		key, ok := matchID(s.AttrOr("id", ""), p.Targets)
		if !ok {
			return
		}
		if allow != nil {
			if _, ok := allow[key.Field]; !ok {
				return
			}
		}
		p.Displayed[key] = strings.TrimSpace(s.Text())
	})
	return p, nil
}

// matchID splits an element id of the form {target}_{field}. Targets may
// themselves contain underscores, so the longest matching target wins.
func matchID(id string, targets []string) (quote.FieldKey, bool) {
	var best string
	for _, t := range targets {
		if len(t) > len(best) && len(id) > len(t)+1 && strings.HasPrefix(id, t+"_") {
			best = t
		}
	}
	if best == "" {
		return quote.FieldKey{}, false
	}
	return quote.FieldKey{Target: best, Field: id[len(best)+1:]}, true
}

// Fetch downloads and parses the page at url.
func Fetch(ctx context.Context, client HTTPClient, url string, fields []string) (Params, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return Params{}, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "text/html")
	res, err := client.Do(req)
	if err != nil {
		return Params{}, fmt.Errorf("fetching page: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return Params{}, fmt.Errorf("fetching page: unexpected status code: %d", res.StatusCode)
	}
	return Parse(res.Body, fields)
}
