package client

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"catalog/ingest/internal/domain"

	"github.com/PuerkitoBio/goquery"
	log "github.com/sirupsen/logrus"
)

const (
	outOfStockLabel = "ناموجود"
	keySpecsHeading = "خصوصیات کلیدی"
	modelCodeLabel  = "مدل کالا"
)

var modelCodeRe = regexp.MustCompile(modelCodeLabel + `:\s*(.+)`)

// keySpecLabels maps labels of the key-spec box to canonical attribute keys.
var keySpecLabels = map[string]string{
	"مدل پردازنده":         domain.AttrCPUModel,
	"تعداد هسته پردازنده":  domain.AttrCPUCores,
	"ظرفیت RAM":            domain.AttrRAM,
	"مدل پردازنده گرافیکی": domain.AttrGPUModel,
	"HDD":                  domain.AttrHDD,
	"SSD":                  domain.AttrSSD,
	"سایز صفحه نمایش":      domain.AttrScreenSize,
	"سری لپ تاپ":           domain.AttrLaptopSeries,
	"وزن لپ تاپ":           domain.AttrWeight,
}

// fullSpecLabels fills canonical keys the key-spec box left empty.
var fullSpecLabels = map[string]string{
	"مدل پردازنده":         domain.AttrCPUModel,
	"تعداد هسته پردازنده":  domain.AttrCPUCores,
	"ظرفیت RAM":            domain.AttrRAM,
	"مدل پردازنده گرافیکی": domain.AttrGPUModel,
	"HDD":                  domain.AttrHDD,
	"SSD":                  domain.AttrSSD,
	"سایز صفحه نمایش":      domain.AttrScreenSize,
	"سری لپ تاپ":           domain.AttrLaptopSeries,
	"وزن":                  domain.AttrWeight,
}

type pageParser struct {
	origin string
}

func newPageParser(origin string) *pageParser {
	return &pageParser{
		origin: strings.TrimRight(origin, "/"),
	}
}

// ParseCatalogPage returns the in-stock prefix of a listing page. Cards from
// the first out-of-stock one onwards are dropped.
func (p *pageParser) ParseCatalogPage(html string, pageNumber int) (*domain.CatalogPage, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}

	cards := doc.Find("div.grid-product")
	page := &domain.CatalogPage{
		PageNumber: pageNumber,
		CardCount:  cards.Length(),
		Items:      make([]domain.CatalogItem, 0, cards.Length()),
	}

	seen := make(map[string]bool)
	cards.EachWithBreak(func(i int, card *goquery.Selection) bool {
		if isOutOfStock(card) {
			page.OutOfStock = true
			log.Debugf("Page %d: first out-of-stock card at position %d", pageNumber, i+1)
			return false
		}

		item, ok := p.extractCard(card)
		if !ok || seen[item.Slug] {
			return true
		}
		seen[item.Slug] = true
		page.Items = append(page.Items, item)
		return true
	})

	return page, nil
}

func isOutOfStock(card *goquery.Selection) bool {
	found := false
	card.Find("h5.text-danger").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		found = strings.Contains(s.Text(), outOfStockLabel)
		return !found
	})
	return found
}

func (p *pageParser) extractCard(card *goquery.Selection) (domain.CatalogItem, bool) {
	link := card.Find("a.font-latin-yekan.text-truncate-2").First()
	if link.Length() == 0 {
		link = card.Find("a[href*='/product/']").First()
	}
	href, ok := link.Attr("href")
	if !ok || !strings.Contains(href, "/product/") {
		return domain.CatalogItem{}, false
	}

	fullURL := p.absolute(href)
	slug := extractSlug(fullURL)
	if slug == "" {
		return domain.CatalogItem{}, false
	}

	title := collapse(link.Text())
	if len([]rune(title)) < 3 {
		title = strings.ReplaceAll(slug, "-", " ")
	}

	item := domain.CatalogItem{
		Slug:  slug,
		Title: title,
		URL:   fullURL,
	}

	card.Find("*").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if s.Children().Length() > 0 {
			return true
		}
		text := s.Text()
		if !domain.IsPriceText(text) {
			return true
		}
		if price, ok := domain.ParsePrice(text); ok {
			item.Price = price
			return false
		}
		return true
	})

	img := card.Find("img").First()
	if src, ok := img.Attr("data-src"); ok && src != "" {
		item.ThumbnailURL = p.absolute(src)
	} else if src, ok := img.Attr("src"); ok && src != "" {
		item.ThumbnailURL = p.absolute(src)
	}

	return item, true
}

// ParseItemDetails collects the key-spec box, the full specification table and
// the page header into one attribute map.
func (p *pageParser) ParseItemDetails(html string) (*domain.ItemDetails, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}

	attrs := make(map[string]string)

	if title := collapse(doc.Find("h1.fw-bold").First().Text()); title != "" {
		attrs[domain.AttrTitle] = title
	}

	doc.Find("h6.text-secondary").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if m := modelCodeRe.FindStringSubmatch(collapse(s.Text())); len(m) > 1 {
			attrs[domain.AttrModelCode] = strings.TrimSpace(m[1])
			return false
		}
		return true
	})

	if priceText := collapse(doc.Find("h2.fw-bold").First().Text()); domain.IsPriceText(priceText) {
		attrs[domain.AttrPrice] = priceText
	}

	keySpecs := extractKeySpecs(doc)
	fullSpecs := extractFullSpecs(doc)

	if len(attrs) == 0 && len(keySpecs) == 0 && len(fullSpecs) == 0 {
		return nil, fmt.Errorf("no title, price or specifications found: %w", ErrMalformedPage)
	}

	for label, value := range fullSpecs {
		attrs[label] = value
	}
	for label, value := range keySpecs {
		attrs[label] = value
		if key, ok := keySpecLabels[label]; ok {
			attrs[key] = value
		}
	}
	for label, key := range fullSpecLabels {
		if _, ok := attrs[key]; ok {
			continue
		}
		if value, ok := fullSpecs[label]; ok {
			attrs[key] = value
		}
	}

	return &domain.ItemDetails{
		Attributes: attrs,
		Derived:    domain.Normalize(attrs),
	}, nil
}

func extractKeySpecs(doc *goquery.Document) map[string]string {
	specs := make(map[string]string)

	heading := doc.Find("h6").FilterFunction(func(_ int, s *goquery.Selection) bool {
		return strings.Contains(s.Text(), keySpecsHeading)
	}).First()
	if heading.Length() == 0 {
		return specs
	}

	container := heading.Closest("div")
	container.Find("div.d-flex").Each(func(_ int, row *goquery.Selection) {
		labelEl := row.Find("span.text-black-50").First()
		if labelEl.Length() == 0 {
			return
		}
		rawLabel := strings.TrimSpace(labelEl.Text())
		label := normalizeLabel(strings.TrimRight(rawLabel, ": \u200c\u200b"))

		var value string
		if valueEl := row.Find("span.text-dark").First(); valueEl.Length() > 0 {
			value = collapse(valueEl.Text())
		} else {
			value = collapse(strings.Replace(row.Text(), rawLabel, "", 1))
		}

		if label != "" && value != "" {
			specs[label] = value
		}
	})

	return specs
}

func extractFullSpecs(doc *goquery.Document) map[string]string {
	specs := make(map[string]string)

	doc.Find("#tab-specification table tr").Each(func(_ int, row *goquery.Selection) {
		cells := row.Find("td")
		if cells.Length() < 2 {
			return
		}
		key := normalizeLabel(cells.Eq(0).Text())
		if key == "" {
			return
		}
		specs[key] = collapse(cells.Eq(1).Text())
	})

	return specs
}

func (p *pageParser) absolute(href string) string {
	switch {
	case strings.HasPrefix(href, "http://"), strings.HasPrefix(href, "https://"):
		return href
	case strings.HasPrefix(href, "//"):
		return "https:" + href
	case strings.HasPrefix(href, "/"):
		return p.origin + href
	default:
		return p.origin + "/" + href
	}
}

// extractSlug returns the segment after /product/, or the last path segment.
func extractSlug(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	var parts []string
	for _, part := range strings.Split(u.Path, "/") {
		if part != "" {
			parts = append(parts, part)
		}
	}
	if len(parts) >= 2 && parts[0] == "product" {
		return parts[1]
	}
	if len(parts) > 0 {
		return parts[len(parts)-1]
	}
	return ""
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// normalizeLabel turns zero-width non-joiners into spaces so "وزن لپ\u200cتاپ" and
// "وزن لپ تاپ" match.
func normalizeLabel(s string) string {
	return collapse(strings.ReplaceAll(s, "\u200c", " "))
}
