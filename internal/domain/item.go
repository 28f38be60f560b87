package domain

import "time"

// CatalogItem is what the listing page tells us about a product.
type CatalogItem struct {
	Slug         string `json:"slug"`                    // Stable identifier, e.g. "asus-tuf-gaming-f15"
	Title        string `json:"title"`                   // Card title
	URL          string `json:"url"`                     // Absolute product URL
	Price        int64  `json:"price,omitempty"`         // Toman, 0 when not shown on the card
	ThumbnailURL string `json:"thumbnail_url,omitempty"` // Card image
}

// WorkItem is one catalog entry and its lifecycle through both phases.
type WorkItem struct {
	ID           string            `json:"id"`
	Catalog      CatalogItem       `json:"catalog"`
	Status       Status            `json:"status"`
	Attributes   map[string]string `json:"attributes,omitempty"` // Only set when Status is fetched
	Derived      DerivedSpecs      `json:"derived"`
	AttemptCount int               `json:"attempt_count"`
	LastError    string            `json:"last_error,omitempty"`
	Dead         bool              `json:"dead"` // Failed for good, never reset to pending
	UpdatedAt    time.Time         `json:"updated_at"`
}

// CatalogPage is one parsed listing page.
type CatalogPage struct {
	PageNumber int           `json:"page_number"`
	Items      []CatalogItem `json:"items"`        // In-stock prefix only
	CardCount  int           `json:"card_count"`   // All product cards on the page
	OutOfStock bool          `json:"out_of_stock"` // Page contained an out-of-stock card
}

// Terminal reports whether enumeration must stop after this page.
func (p *CatalogPage) Terminal() bool {
	return p.OutOfStock || p.CardCount == 0
}

// ItemDetails is the parsed detail page of one product.
type ItemDetails struct {
	Attributes map[string]string `json:"attributes"`
	Derived    DerivedSpecs      `json:"derived"`
}

// StatusCounts summarises the store for status reporting.
type StatusCounts struct {
	Pending int `json:"pending"`
	Fetched int `json:"fetched"`
	Failed  int `json:"failed"`
	Dead    int `json:"dead"`
	Cursor  int `json:"cursor"`
}

func (c StatusCounts) Total() int {
	return c.Pending + c.Fetched + c.Failed
}
