package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRAMMB(t *testing.T) {
	tests := []struct {
		in   string
		want *int
	}{
		{"16 گیگابایت", intPtr(16384)},
		{"64 GB", intPtr(65536)},
		{"512 مگابایت", intPtr(512)},
		{"1 ترابایت", intPtr(1024 * 1024)},
		{"32", intPtr(32768)},
		{"ندارد", nil},
		{"", nil},
		{"نامشخص", nil},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseRAMMB(tt.in))
		})
	}
}

func TestParseStorageGB(t *testing.T) {
	assert.Equal(t, intPtr(1024), ParseStorageGB("1 ترابایت"))
	assert.Equal(t, intPtr(512), ParseStorageGB("512 گیگابایت"))
	assert.Equal(t, intPtr(1), ParseStorageGB("256 مگابایت"))
	assert.Equal(t, intPtr(0), ParseStorageGB("ندارد"))
	assert.Equal(t, intPtr(0), ParseStorageGB(""))
	assert.Nil(t, ParseStorageGB("SSD"))
}

func TestParseWeightKG(t *testing.T) {
	kg := ParseWeightKG("2.4 کیلوگرم")
	require.NotNil(t, kg)
	assert.InDelta(t, 2.4, *kg, 1e-9)

	g := ParseWeightKG("1360 گرم")
	require.NotNil(t, g)
	assert.InDelta(t, 1.36, *g, 1e-9)

	assert.Nil(t, ParseWeightKG(""))
}

func TestParsePrice(t *testing.T) {
	v, ok := ParsePrice("137,250,000  تومان")
	require.True(t, ok)
	assert.Equal(t, int64(137250000), v)

	v, ok = ParsePrice("۴۵,۰۰۰,۰۰۰ تومان")
	require.True(t, ok)
	assert.Equal(t, int64(45000000), v)

	_, ok = ParsePrice("تماس بگیرید")
	assert.False(t, ok)
}

func TestNormalize(t *testing.T) {
	d := Normalize(map[string]string{
		AttrPrice:      "99,000,000 تومان",
		AttrRAM:        "16 گیگابایت",
		AttrSSD:        "1 ترابایت",
		AttrHDD:        "ندارد",
		AttrScreenSize: "14.2 اینچ",
		AttrWeight:     "1.6 کیلوگرم",
		AttrCPUCores:   "24 هسته / 32 رشته",
	})

	require.NotNil(t, d.Price)
	assert.Equal(t, int64(99000000), *d.Price)
	assert.Equal(t, intPtr(16384), d.RAMMB)
	assert.Equal(t, intPtr(1024), d.SSDGB)
	assert.Equal(t, intPtr(0), d.HDDGB)
	require.NotNil(t, d.ScreenInches)
	assert.InDelta(t, 14.2, *d.ScreenInches, 1e-9)
	assert.Equal(t, intPtr(24), d.CPUCoreCount)
	assert.Equal(t, intPtr(32), d.CPUThreadCount)
}

func TestCatalogPageTerminal(t *testing.T) {
	assert.True(t, (&CatalogPage{}).Terminal())
	assert.True(t, (&CatalogPage{CardCount: 120, OutOfStock: true}).Terminal())
	assert.False(t, (&CatalogPage{CardCount: 120}).Terminal())
}

func TestParseStatus(t *testing.T) {
	s, err := ParseStatus("fetched")
	require.NoError(t, err)
	assert.Equal(t, StatusFetched, s)

	_, err = ParseStatus("in_progress")
	assert.Error(t, err)
}

func intPtr(v int) *int { return &v }
