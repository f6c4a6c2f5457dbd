package market

import (
	"strconv"
	"strings"
	"time"
	"unicode"
)

// PriceRecord is one normalized mandi price row. ArrivalDate is rendered as
// 2006-01-02 and stays empty when the upstream row carries no usable date.
type PriceRecord struct {
	State       string  `json:"state"`
	District    string  `json:"district"`
	Market      string  `json:"market"`
	Commodity   string  `json:"commodity"`
	Variety     string  `json:"variety,omitempty"`
	Grade       string  `json:"grade,omitempty"`
	MinPrice    float64 `json:"minPrice"`
	MaxPrice    float64 `json:"maxPrice"`
	ModalPrice  float64 `json:"modalPrice"`
	ArrivalsQtl float64 `json:"arrivalsQtl,omitempty"`
	ArrivalDate string  `json:"arrivalDate,omitempty"`
}

// ArrivalTime parses the normalized arrival date. The second return is false
// when the record has no usable date.
func (r PriceRecord) ArrivalTime() (time.Time, bool) {
	if r.ArrivalDate == "" {
		return time.Time{}, false
	}
	t, err := time.Parse("2006-01-02", r.ArrivalDate)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

type upstreamEnvelope struct {
	Records []map[string]any `json:"records"`
}

// Field spellings differ across dataset snapshots; each list is ordered by
// how often the variant appears in practice. The _x0020_ forms are the
// XML-escaped spaces the live resource serves for the price columns.
var (
	stateKeys     = []string{"state", "state_name"}
	districtKeys  = []string{"district", "district_name"}
	marketKeys    = []string{"market", "market_name"}
	commodityKeys = []string{"commodity", "crop", "product"}
	varietyKeys   = []string{"variety"}
	gradeKeys     = []string{"grade"}
	minPriceKeys  = []string{"min_price", "min_x0020_price", "min"}
	maxPriceKeys  = []string{"max_price", "max_x0020_price", "max"}
	modalKeys     = []string{"modal_price", "price", "modal"}
	arrivalsKeys  = []string{"arrivals_in_qtl", "arrival", "arrivals"}
	dateKeys      = []string{"arrival_date", "date", "week"}
)

// The upstream serves dates in dd/mm/yyyy most of the time, but older rows
// use ISO or unpadded day/month forms.
var arrivalDateLayouts = []string{"02/01/2006", "2006-01-02", "2/1/2006"}

// normalizeRecord maps one raw upstream row onto a PriceRecord, tolerating the
// field-name and date-format drift the dataset is known for.
func normalizeRecord(raw map[string]any) PriceRecord {
	record := PriceRecord{
		State:     titleCase(pickString(raw, stateKeys)),
		District:  titleCase(pickString(raw, districtKeys)),
		Market:    titleCase(pickString(raw, marketKeys)),
		Commodity: titleCase(pickString(raw, commodityKeys)),
		Variety:   pickString(raw, varietyKeys),
		Grade:     pickString(raw, gradeKeys),
	}
	record.MinPrice = nonNegative(pickFloat(raw, minPriceKeys))
	record.MaxPrice = nonNegative(pickFloat(raw, maxPriceKeys))
	record.ModalPrice = nonNegative(pickFloat(raw, modalKeys))
	record.ArrivalsQtl = nonNegative(pickFloat(raw, arrivalsKeys))
	if t, ok := parseArrivalDate(pickString(raw, dateKeys)); ok {
		record.ArrivalDate = t.Format("2006-01-02")
	}
	return record
}

func parseArrivalDate(raw string) (time.Time, bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return time.Time{}, false
	}
	for _, layout := range arrivalDateLayouts {
		if t, err := time.Parse(layout, trimmed); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func pickString(raw map[string]any, keys []string) string {
	for _, key := range keys {
		if value, ok := raw[key]; ok {
			if s := asString(value); s != "" {
				return s
			}
		}
	}
	return ""
}

func pickFloat(raw map[string]any, keys []string) float64 {
	for _, key := range keys {
		if value, ok := raw[key]; ok {
			if f, ok := asFloat(value); ok {
				return f
			}
		}
	}
	return 0
}

// nonNegative clamps price and arrival figures to 0. A negative value in the
// dataset is an entry mistake, not a price.
func nonNegative(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}

func asString(value any) string {
	switch v := value.(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	default:
		return ""
	}
}

func asFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case string:
		trimmed := strings.TrimSpace(v)
		if trimmed == "" || strings.EqualFold(trimmed, "nr") || strings.EqualFold(trimmed, "na") {
			return 0, false
		}
		f, err := strconv.ParseFloat(trimmed, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// titleCase capitalizes the first letter of each word, matching how the
// dataset's mixed-case names are usually presented.
func titleCase(s string) string {
	if s == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(s))
	prevLetter := false
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) && !prevLetter {
			b.WriteRune(unicode.ToUpper(r))
		} else {
			b.WriteRune(r)
		}
		prevLetter = unicode.IsLetter(r)
	}
	return b.String()
}
