package catalog

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

var shopNamePattern = regexp.MustCompile(`/shop/([^/?#]+)`)

// UnknownShop is used when a URL carries no shop segment
const UnknownShop = "unknown_shop"

// ShopName extracts the shop identifier from a shop URL
func ShopName(shopURL string) string {
	if m := shopNamePattern.FindStringSubmatch(shopURL); len(m) == 2 {
		return m[1]
	}
	return UnknownShop
}

// Extractor turns shop page markup into listings
type Extractor struct {
	Selectors Selectors
	BaseURL   string
	now       func() time.Time
}

// NewExtractor creates an extractor qualifying relative links against baseURL
func NewExtractor(baseURL string) *Extractor {
	return &Extractor{
		Selectors: DefaultSelectors(),
		BaseURL:   strings.TrimRight(baseURL, "/"),
		now:       time.Now,
	}
}

// createDocument creates a goquery document from markup
func (e *Extractor) createDocument(html string) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return doc, nil
}

// HasGrid reports whether the listing grid container is present
func (e *Extractor) HasGrid(html string) bool {
	doc, err := e.createDocument(html)
	if err != nil {
		return false
	}
	return doc.Find(e.Selectors.Grid).Length() > 0
}

// Extract returns the listings of one shop page in page order.
// A page without the grid container yields an empty slice.
func (e *Extractor) Extract(html, shopURL string) ([]Listing, error) {
	doc, err := e.createDocument(html)
	if err != nil {
		return nil, err
	}

	grid := doc.Find(e.Selectors.Grid)
	if grid.Length() == 0 {
		return []Listing{}, nil
	}

	shop := ShopName(shopURL)
	scrapedAt := e.now()
	seen := make(map[string]bool)
	listings := []Listing{}

	grid.Find(e.Selectors.Item).Each(func(_ int, s *goquery.Selection) {
		listing, ok := e.processItem(s)
		if !ok || seen[listing.ID] {
			return
		}
		seen[listing.ID] = true
		listing.ShopName = shop
		listing.ScrapedAt = scrapedAt
		listings = append(listings, listing)
	})

	return listings, nil
}

func (e *Extractor) processItem(s *goquery.Selection) (Listing, bool) {
	id := strings.TrimSpace(s.AttrOr(e.Selectors.IDAttr, ""))
	if id == "" {
		return Listing{}, false
	}

	href := strings.TrimSpace(s.AttrOr("href", ""))
	if href == "" {
		return Listing{}, false
	}

	title := strings.TrimSpace(s.AttrOr("title", ""))
	if title == "" {
		title = strings.TrimSpace(s.Find(e.Selectors.Title).First().Text())
	}
	if title == "" {
		title = UntitledListing
	}

	listing := Listing{
		ID:       id,
		Title:    title,
		URL:      e.ResolveURL(href),
		Price:    strings.TrimSpace(s.Find(e.Selectors.Price).First().Text()),
		Currency: strings.TrimSpace(s.Find(e.Selectors.Currency).First().Text()),
	}
	if src, ok := s.Find(e.Selectors.Image).First().Attr("src"); ok {
		listing.ImageURL = e.ResolveURL(strings.TrimSpace(src))
	}
	return listing, true
}

// ResolveURL qualifies a relative link against the site base
func (e *Extractor) ResolveURL(link string) string {
	if link == "" {
		return ""
	}
	if strings.HasPrefix(link, "//") {
		return "https:" + link
	}
	u, err := url.Parse(link)
	if err == nil && u.IsAbs() {
		return link
	}
	if !strings.HasPrefix(link, "/") {
		link = "/" + link
	}
	return e.BaseURL + link
}

// NextPage returns the URL of the page after the current one, or "" on the last page.
// Production runs read a single newest-first page and never follow it.
func (e *Extractor) NextPage(html string) (string, error) {
	doc, err := e.createDocument(html)
	if err != nil {
		return "", err
	}

	links := doc.Find(e.Selectors.Pagination)
	current := -1
	links.EachWithBreak(func(i int, s *goquery.Selection) bool {
		if s.Is(e.Selectors.PaginationCur) {
			current = i
			return false
		}
		return true
	})
	if current < 0 {
		return "", nil
	}

	var next string
	links.Slice(current+1, links.Length()).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if _, ok := s.Attr(e.Selectors.PageAttr); !ok || s.HasClass(e.Selectors.DisabledClass) {
			return true
		}
		if href := strings.TrimSpace(s.AttrOr("href", "")); href != "" {
			next = e.ResolveURL(href)
			return false
		}
		return true
	})
	return next, nil
}
