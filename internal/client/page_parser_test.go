package client

import (
	"os"
	"testing"

	"catalog/ingest/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadFixture(t *testing.T, name string) string {
	t.Helper()
	data, err := os.ReadFile("testdata/" + name)
	require.NoError(t, err)
	return string(data)
}

func TestParseCatalogPage(t *testing.T) {
	parser := newPageParser("https://exo.ir/")

	page, err := parser.ParseCatalogPage(loadFixture(t, "catalog_page.html"), 3)
	require.NoError(t, err)

	assert.Equal(t, 3, page.PageNumber)
	assert.Equal(t, 6, page.CardCount)
	assert.True(t, page.OutOfStock)
	assert.True(t, page.Terminal())
	require.Len(t, page.Items, 3)

	vivobook := page.Items[0]
	assert.Equal(t, "asus-vivobook-15", vivobook.Slug)
	assert.Equal(t, "ASUS Vivobook 15 X1504VA", vivobook.Title)
	assert.Equal(t, "https://exo.ir/product/asus-vivobook-15", vivobook.URL)
	assert.Equal(t, int64(32500000), vivobook.Price)
	assert.Equal(t, "https://exo.ir/images/vivobook-15.jpg", vivobook.ThumbnailURL)

	thinkpad := page.Items[1]
	assert.Equal(t, "lenovo-thinkpad-e14", thinkpad.Slug)
	assert.Equal(t, int64(48900000), thinkpad.Price)
	assert.Equal(t, "https://cdn.exo.ir/thinkpad.jpg", thinkpad.ThumbnailURL)

	fallback := page.Items[2]
	assert.Equal(t, "hp-15-fd0", fallback.Slug)
	assert.Equal(t, "hp 15 fd0", fallback.Title)
	assert.Zero(t, fallback.Price)
}

func TestParseCatalogPageWithoutCards(t *testing.T) {
	parser := newPageParser("https://exo.ir")

	page, err := parser.ParseCatalogPage("<html><body><p>nothing here</p></body></html>", 51)
	require.NoError(t, err)

	assert.Zero(t, page.CardCount)
	assert.False(t, page.OutOfStock)
	assert.True(t, page.Terminal())
	assert.Empty(t, page.Items)
}

func TestParseCatalogPageOutOfStockFirst(t *testing.T) {
	parser := newPageParser("https://exo.ir")
	html := `<div class="grid-product"><a href="/product/a">Alpha laptop</a><h5 class="text-danger"> ناموجود </h5></div>
<div class="grid-product"><a href="/product/b">Beta laptop</a></div>`

	page, err := parser.ParseCatalogPage(html, 1)
	require.NoError(t, err)

	assert.Equal(t, 2, page.CardCount)
	assert.True(t, page.OutOfStock)
	assert.Empty(t, page.Items)
}

func TestParseItemDetails(t *testing.T) {
	parser := newPageParser("https://exo.ir")

	details, err := parser.ParseItemDetails(loadFixture(t, "item_page.html"))
	require.NoError(t, err)

	attrs := details.Attributes
	assert.Equal(t, "لپ تاپ ایسوس Vivobook 15 X1504VA", attrs[domain.AttrTitle])
	assert.Equal(t, "X1504VA-NJ1234", attrs[domain.AttrModelCode])
	assert.Equal(t, "Core i5 1335U", attrs[domain.AttrCPUModel], "key specs win over the full table")
	assert.Equal(t, "15.6 اینچ", attrs[domain.AttrScreenSize])
	assert.Equal(t, "Intel Iris Xe", attrs[domain.AttrGPUModel])
	assert.Equal(t, "Vivobook", attrs[domain.AttrLaptopSeries])
	assert.Equal(t, "1.7 کیلوگرم", attrs[domain.AttrWeight])
	assert.Equal(t, "Core i5 1335U", attrs["مدل پردازنده"])
	assert.NotContains(t, attrs, "تنها یک ستون")

	derived := details.Derived
	require.NotNil(t, derived.Price)
	assert.Equal(t, int64(32500000), *derived.Price)
	require.NotNil(t, derived.RAMMB)
	assert.Equal(t, 16384, *derived.RAMMB)
	require.NotNil(t, derived.SSDGB)
	assert.Equal(t, 512, *derived.SSDGB)
	require.NotNil(t, derived.HDDGB)
	assert.Equal(t, 0, *derived.HDDGB)
	require.NotNil(t, derived.ScreenInches)
	assert.InDelta(t, 15.6, *derived.ScreenInches, 0.001)
	require.NotNil(t, derived.WeightKG)
	assert.InDelta(t, 1.7, *derived.WeightKG, 0.001)
}

func TestParseItemDetailsMalformed(t *testing.T) {
	parser := newPageParser("https://exo.ir")

	_, err := parser.ParseItemDetails("<html><body><div>maintenance</div></body></html>")
	require.ErrorIs(t, err, ErrMalformedPage)
}

func TestExtractSlug(t *testing.T) {
	tests := []struct {
		url  string
		want string
	}{
		{"https://exo.ir/product/asus-vivobook-15", "asus-vivobook-15"},
		{"https://exo.ir/product/asus-vivobook-15/", "asus-vivobook-15"},
		{"https://exo.ir/product/asus-vivobook-15?ref=grid", "asus-vivobook-15"},
		{"https://exo.ir/laptops/lenovo-e14", "lenovo-e14"},
		{"https://exo.ir/", ""},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			assert.Equal(t, tt.want, extractSlug(tt.url))
		})
	}
}

func TestNormalizeLabel(t *testing.T) {
	assert.Equal(t, "وزن لپ تاپ", normalizeLabel(" وزن لپ\u200cتاپ "))
	assert.Equal(t, "سری لپ تاپ", normalizeLabel("سری  لپ \n تاپ"))
}
