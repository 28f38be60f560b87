package domain

import (
	"math"
	"regexp"
	"strconv"
	"strings"
)

// Canonical attribute keys filled from the key-spec box or the full spec table.
const (
	AttrTitle        = "title"
	AttrModelCode    = "model_code"
	AttrPrice        = "price"
	AttrCPUModel     = "cpu_model"
	AttrCPUCores     = "cpu_cores"
	AttrRAM          = "ram"
	AttrGPUModel     = "gpu_model"
	AttrHDD          = "hdd"
	AttrSSD          = "ssd"
	AttrScreenSize   = "screen_size"
	AttrLaptopSeries = "laptop_series"
	AttrWeight       = "weight"
)

// DerivedSpecs holds numeric values normalised from the raw attribute text.
// Nil means the value was missing or unparseable.
type DerivedSpecs struct {
	Price          *int64   `json:"price,omitempty"`
	RAMMB          *int     `json:"ram_mb,omitempty"`
	SSDGB          *int     `json:"ssd_gb,omitempty"`
	HDDGB          *int     `json:"hdd_gb,omitempty"`
	ScreenInches   *float64 `json:"screen_inches,omitempty"`
	WeightKG       *float64 `json:"weight_kg,omitempty"`
	CPUCoreCount   *int     `json:"cpu_core_count,omitempty"`
	CPUThreadCount *int     `json:"cpu_thread_count,omitempty"`
}

const (
	unitNone     = "ندارد"
	unitTB       = "ترابایت"
	unitGB       = "گیگابایت"
	unitMB       = "مگابایت"
	unitGram     = "گرم"
	unitKilo     = "کیلو"
	wordCores    = "هسته"
	wordThreads  = "رشته"
	currencyWord = "تومان"
)

var (
	numberRe  = regexp.MustCompile(`([\d.]+)`)
	coresRe   = regexp.MustCompile(`(\d+)\s*` + wordCores)
	threadsRe = regexp.MustCompile(`(\d+)\s*` + wordThreads)
	nonDigit  = regexp.MustCompile(`[^\d]`)
)

// Normalize derives numeric specs from canonical attributes.
func Normalize(attrs map[string]string) DerivedSpecs {
	return DerivedSpecs{
		Price:          parsePriceAttr(attrs[AttrPrice]),
		RAMMB:          ParseRAMMB(attrs[AttrRAM]),
		SSDGB:          ParseStorageGB(attrs[AttrSSD]),
		HDDGB:          ParseStorageGB(attrs[AttrHDD]),
		ScreenInches:   ParseScreenInches(attrs[AttrScreenSize]),
		WeightKG:       ParseWeightKG(attrs[AttrWeight]),
		CPUCoreCount:   firstInt(coresRe, attrs[AttrCPUCores]),
		CPUThreadCount: firstInt(threadsRe, attrs[AttrCPUCores]),
	}
}

// ParsePrice extracts the integer amount from text like "137,250,000 تومان".
func ParsePrice(text string) (int64, bool) {
	digits := nonDigit.ReplaceAllString(toLatinDigits(text), "")
	if digits == "" {
		return 0, false
	}
	v, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// IsPriceText reports whether text carries a currency amount.
func IsPriceText(text string) bool {
	return strings.Contains(text, currencyWord)
}

func parsePriceAttr(text string) *int64 {
	if v, ok := ParsePrice(text); ok {
		return &v
	}
	return nil
}

// ParseRAMMB converts "16 گیگابایت" to 16384. Unit defaults to GB.
func ParseRAMMB(text string) *int {
	if text == "" || text == unitNone {
		return nil
	}
	val, ok := leadingNumber(text)
	if !ok {
		return nil
	}
	upper := strings.ToUpper(text)
	var mb int
	switch {
	case strings.Contains(text, unitTB) || strings.Contains(upper, "TB"):
		mb = int(val * 1024 * 1024)
	case strings.Contains(text, unitMB) || strings.Contains(upper, "MB"):
		mb = int(val)
	default:
		mb = int(val * 1024)
	}
	return &mb
}

// ParseStorageGB converts "1 ترابایت" to 1024. "ندارد" and empty mean no drive (0).
func ParseStorageGB(text string) *int {
	if text == "" || text == unitNone {
		zero := 0
		return &zero
	}
	val, ok := leadingNumber(text)
	if !ok {
		return nil
	}
	upper := strings.ToUpper(text)
	var gb int
	switch {
	case strings.Contains(text, unitTB) || strings.Contains(upper, "TB"):
		gb = int(val * 1024)
	case strings.Contains(text, unitMB) || strings.Contains(upper, "MB"):
		gb = max(1, int(val/1024))
	default:
		gb = int(val)
	}
	return &gb
}

func ParseScreenInches(text string) *float64 {
	if text == "" {
		return nil
	}
	val, ok := leadingNumber(text)
	if !ok {
		return nil
	}
	return &val
}

// ParseWeightKG converts grams to kilograms; unit defaults to kg.
func ParseWeightKG(text string) *float64 {
	if text == "" {
		return nil
	}
	val, ok := leadingNumber(text)
	if !ok {
		return nil
	}
	if strings.Contains(text, unitGram) && !strings.Contains(text, unitKilo) {
		val = math.Round(val) / 1000
	}
	return &val
}

func leadingNumber(text string) (float64, bool) {
	m := numberRe.FindStringSubmatch(toLatinDigits(text))
	if len(m) < 2 {
		return 0, false
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func firstInt(re *regexp.Regexp, text string) *int {
	if text == "" {
		return nil
	}
	m := re.FindStringSubmatch(toLatinDigits(text))
	if len(m) < 2 {
		return nil
	}
	v, err := strconv.Atoi(m[1])
	if err != nil {
		return nil
	}
	return &v
}

// toLatinDigits maps Persian and Arabic-Indic digits to ASCII.
func toLatinDigits(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= '۰' && r <= '۹':
			return '0' + (r - '۰')
		case r >= '٠' && r <= '٩':
			return '0' + (r - '٠')
		case r == '٫':
			return '.'
		}
		return r
	}, s)
}
