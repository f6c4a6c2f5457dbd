package market

import (
	"testing"
	"time"
)

func TestNormalizeRecordFieldVariants(t *testing.T) {
	tests := []struct {
		name string
		raw  map[string]any
		want PriceRecord
	}{
		{
			name: "canonical field names",
			raw: map[string]any{
				"state":           "punjab",
				"district":        "ludhiana",
				"market":          "khanna",
				"commodity":       "wheat",
				"variety":         "Dara",
				"min_price":       "1950",
				"max_price":       "2150",
				"modal_price":     "2025",
				"arrivals_in_qtl": "120.5",
				"arrival_date":    "15/01/2025",
			},
			want: PriceRecord{
				State: "Punjab", District: "Ludhiana", Market: "Khanna",
				Commodity: "Wheat", Variety: "Dara",
				MinPrice: 1950, MaxPrice: 2150, ModalPrice: 2025,
				ArrivalsQtl: 120.5, ArrivalDate: "2025-01-15",
			},
		},
		{
			name: "legacy snapshot names",
			raw: map[string]any{
				"state_name":    "uttar pradesh",
				"district_name": "AGRA",
				"market_name":   "agra mandi",
				"crop":          "potato",
				"price":         2010.5,
				"arrival":       88,
				"date":          "2025-01-15",
			},
			want: PriceRecord{
				State: "Uttar Pradesh", District: "Agra", Market: "Agra Mandi",
				Commodity: "Potato", ModalPrice: 2010.5,
				ArrivalsQtl: 88, ArrivalDate: "2025-01-15",
			},
		},
		{
			name: "xml-escaped price columns and grade",
			raw: map[string]any{
				"state":           "punjab",
				"district":        "ludhiana",
				"market":          "khanna",
				"commodity":       "wheat",
				"grade":           "FAQ",
				"min_x0020_price": "1950",
				"max_x0020_price": "2150",
				"modal_price":     "2025",
			},
			want: PriceRecord{
				State: "Punjab", District: "Ludhiana", Market: "Khanna",
				Commodity: "Wheat", Grade: "FAQ",
				MinPrice: 1950, MaxPrice: 2150, ModalPrice: 2025,
			},
		},
		{
			name: "negative figures clamp to zero",
			raw: map[string]any{
				"state":           "punjab",
				"commodity":       "wheat",
				"min_price":       -10,
				"max_price":       "-2150",
				"modal_price":     -250.5,
				"arrivals_in_qtl": -1,
			},
			want: PriceRecord{State: "Punjab", Commodity: "Wheat"},
		},
		{
			name: "unusable numbers and dates drop out",
			raw: map[string]any{
				"state":        "punjab",
				"commodity":    "bajra(pearl millet)",
				"modal_price":  "NR",
				"arrival_date": "mid january",
			},
			want: PriceRecord{State: "Punjab", Commodity: "Bajra(Pearl Millet)"},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := normalizeRecord(tc.raw); got != tc.want {
				t.Fatalf("record mismatch:\n got %+v\nwant %+v", got, tc.want)
			}
		})
	}
}

func TestParseArrivalDateLayouts(t *testing.T) {
	tests := []struct {
		raw  string
		want string
		ok   bool
	}{
		{"15/01/2025", "2025-01-15", true},
		{"2025-01-15", "2025-01-15", true},
		{"5/1/2025", "2025-01-05", true},
		{" 15/01/2025 ", "2025-01-15", true},
		{"January 15", "", false},
		{"", "", false},
	}
	for _, tc := range tests {
		parsed, ok := parseArrivalDate(tc.raw)
		if ok != tc.ok {
			t.Fatalf("parseArrivalDate(%q) ok=%v, want %v", tc.raw, ok, tc.ok)
		}
		if ok && parsed.Format("2006-01-02") != tc.want {
			t.Fatalf("parseArrivalDate(%q) = %v, want %s", tc.raw, parsed, tc.want)
		}
	}
}

func TestArrivalTime(t *testing.T) {
	record := PriceRecord{ArrivalDate: "2025-03-09"}
	arrived, ok := record.ArrivalTime()
	if !ok {
		t.Fatal("expected a parseable arrival time")
	}
	if want := time.Date(2025, 3, 9, 0, 0, 0, 0, time.UTC); !arrived.Equal(want) {
		t.Fatalf("expected %v, got %v", want, arrived)
	}

	if _, ok := (PriceRecord{}).ArrivalTime(); ok {
		t.Fatal("expected no arrival time for an empty date")
	}
	if _, ok := (PriceRecord{ArrivalDate: "soon"}).ArrivalTime(); ok {
		t.Fatal("expected no arrival time for garbage")
	}
}

func TestTitleCase(t *testing.T) {
	tests := []struct{ in, want string }{
		{"uttar pradesh", "Uttar Pradesh"},
		{"PUNJAB", "Punjab"},
		{"bajra(pearl millet/cumbu)", "Bajra(Pearl Millet/Cumbu)"},
		{"", ""},
	}
	for _, tc := range tests {
		if got := titleCase(tc.in); got != tc.want {
			t.Fatalf("titleCase(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestAsFloatCoercions(t *testing.T) {
	if f, ok := asFloat("2025"); !ok || f != 2025 {
		t.Fatalf("expected numeric string to coerce, got %v %v", f, ok)
	}
	if f, ok := asFloat(2025.5); !ok || f != 2025.5 {
		t.Fatalf("expected float passthrough, got %v %v", f, ok)
	}
	if _, ok := asFloat("NR"); ok {
		t.Fatal("expected NR marker to be rejected")
	}
	if _, ok := asFloat(""); ok {
		t.Fatal("expected empty string to be rejected")
	}
	if _, ok := asFloat(nil); ok {
		t.Fatal("expected nil to be rejected")
	}
}
