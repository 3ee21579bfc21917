package catalog

import (
	"time"
)

// Listing is one catalog entry scraped from a shop page
type Listing struct {
	ID        string    `json:"listing_id"`
	Title     string    `json:"title"`
	URL       string    `json:"url"`
	ShopName  string    `json:"shop_name"`
	Price     string    `json:"price,omitempty"`
	Currency  string    `json:"currency,omitempty"`
	ImageURL  string    `json:"image_url,omitempty"`
	ScrapedAt time.Time `json:"scraped_at"`
}

// Selectors describes the hard-coded storefront structure
type Selectors struct {
	Grid          string
	Item          string
	IDAttr        string
	Title         string
	Price         string
	Currency      string
	Image         string
	Pagination    string
	PaginationCur string
	PageAttr      string
	DisabledClass string
}

// GridMarker is the component name of the listing grid container
const GridMarker = "shop_home_listing_grid"

// UntitledListing is used when neither the title attribute nor a heading is present
const UntitledListing = "Untitled"

// DefaultSelectors returns the selectors of the storefront shop home page
func DefaultSelectors() Selectors {
	return Selectors{
		Grid:          `div[data-appears-component-name="` + GridMarker + `"]`,
		Item:          "a[data-listing-id]",
		IDAttr:        "data-listing-id",
		Title:         "h3",
		Price:         "span.currency-value",
		Currency:      "span.currency-symbol",
		Image:         "img[src]",
		Pagination:    `nav[data-clg-id="WtPagination"] a.wt-action-group__item`,
		PaginationCur: `[aria-current="true"]`,
		PageAttr:      "data-page",
		DisabledClass: "wt-is-disabled",
	}
}
