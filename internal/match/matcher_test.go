package match

import (
	"reflect"
	"sort"
	"testing"

	"github.com/driftlab/marketpulse/internal/model"
)

func floatPtr(v float64) *float64 { return &v }

func TestEvaluate_AllCriteriaMustPass(t *testing.T) {
	listing := &model.Listing{
		Title:    "Oak dining table",
		Price:    floatPtr(500),
		Category: "furniture",
	}
	alert := &model.Alert{
		MinPrice: floatPtr(100),
		MaxPrice: floatPtr(1000),
		Category: "Furniture",
	}

	d := Evaluate(listing, []*model.Alert{alert})[0]
	if !d.Match {
		t.Fatalf("expected match, failed criteria: %v", d.Failed)
	}
	got := append([]string(nil), d.Matched...)
	sort.Strings(got)
	want := []string{CritCategory, CritMaxPrice, CritMinPrice}
	sort.Strings(want)
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("matched criteria = %v, want %v", got, want)
	}
}

func TestEvaluate_NoCriteriaNeverMatches(t *testing.T) {
	listing := &model.Listing{Title: "Anything at all", Price: floatPtr(1)}
	d := Evaluate(listing, []*model.Alert{{IsActive: true}})[0]
	if d.Match {
		t.Fatal("alert with no criteria must never match")
	}
	if len(d.Matched) != 0 || len(d.Failed) != 0 {
		t.Fatalf("no criteria should be evaluated, got matched=%v failed=%v", d.Matched, d.Failed)
	}
}

func TestEvaluate_PriceBounds(t *testing.T) {
	tests := []struct {
		name  string
		price *float64
		min   *float64
		max   *float64
		match bool
	}{
		{"inside bounds", floatPtr(500), floatPtr(100), floatPtr(1000), true},
		{"at min", floatPtr(100), floatPtr(100), nil, true},
		{"at max", floatPtr(1000), nil, floatPtr(1000), true},
		{"below min", floatPtr(50), floatPtr(100), nil, false},
		{"above max", floatPtr(1500), nil, floatPtr(1000), false},
		{"no listing price fails min", nil, floatPtr(100), nil, false},
		{"no listing price fails max", nil, nil, floatPtr(1000), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			listing := &model.Listing{Title: "x", Price: tt.price}
			alert := &model.Alert{MinPrice: tt.min, MaxPrice: tt.max}
			d := Evaluate(listing, []*model.Alert{alert})[0]
			if d.Match != tt.match {
				t.Fatalf("match = %v, want %v (matched=%v failed=%v)", d.Match, tt.match, d.Matched, d.Failed)
			}
		})
	}
}

func TestEvaluate_SuggestedCategory(t *testing.T) {
	listing := &model.Listing{
		Title:    "Three seat couch",
		Category: "misc",
		Analysis: &model.Analysis{SuggestedCategory: "furniture"},
	}
	alert := &model.Alert{Category: "Furniture"}

	d := Evaluate(listing, []*model.Alert{alert})[0]
	if !d.Match {
		t.Fatalf("expected suggested category to satisfy the criterion, failed: %v", d.Failed)
	}
	if d.Matched[0] != CritSuggestedCategory {
		t.Fatalf("matched criterion = %q, want %q", d.Matched[0], CritSuggestedCategory)
	}
}

func TestEvaluate_SearchTermTiers(t *testing.T) {
	tests := []struct {
		name    string
		listing *model.Listing
		term    string
		want    string // "" = no match
	}{
		{
			"exact phrase in title",
			&model.Listing{Title: "Leather sofa in great condition"},
			"leather sofa",
			CritTermExact,
		},
		{
			"majority of words",
			&model.Listing{Title: "Sofa for sale", Description: "Genuine leather, brown"},
			"brown leather sofa",
			CritTermPartial,
		},
		{
			"keyword contained in term",
			&model.Listing{Title: "Comfy couch", Analysis: &model.Analysis{Keywords: []string{"sofa"}}},
			"leather sofa bed",
			CritTermKeyword,
		},
		{
			"no tier hits",
			&model.Listing{Title: "Mountain bike"},
			"leather sofa",
			"",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			alert := &model.Alert{SearchTerm: tt.term}
			d := Evaluate(tt.listing, []*model.Alert{alert})[0]
			if tt.want == "" {
				if d.Match {
					t.Fatalf("expected no match, got %v", d.Matched)
				}
				return
			}
			if !d.Match {
				t.Fatalf("expected match via %s, failed: %v", tt.want, d.Failed)
			}
			if d.Matched[0] != tt.want {
				t.Fatalf("matched via %q, want %q", d.Matched[0], tt.want)
			}
		})
	}
}

func TestEvaluate_LocationContainment(t *testing.T) {
	tests := []struct {
		name     string
		listing  string
		alert    string
		match    bool
	}{
		{"listing contains alert", "Brooklyn, New York", "new york", true},
		{"alert contains listing", "Brooklyn", "brooklyn heights area", true},
		{"disjoint", "Chicago", "Boston", false},
		{"empty listing location", "", "Boston", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			listing := &model.Listing{Title: "x", Location: tt.listing}
			alert := &model.Alert{Location: tt.alert}
			d := Evaluate(listing, []*model.Alert{alert})[0]
			if d.Match != tt.match {
				t.Fatalf("match = %v, want %v", d.Match, tt.match)
			}
		})
	}
}

func TestEvaluate_OneFailedCriterionSinksTheAlert(t *testing.T) {
	listing := &model.Listing{
		Title:    "Oak dining table",
		Price:    floatPtr(2000),
		Category: "furniture",
	}
	alert := &model.Alert{
		Category: "furniture",
		MaxPrice: floatPtr(1000),
	}

	d := Evaluate(listing, []*model.Alert{alert})[0]
	if d.Match {
		t.Fatal("alert should not match when any criterion fails")
	}
	if len(d.Matched) != 1 || d.Matched[0] != CritCategory {
		t.Fatalf("category should still be recorded as matched, got %v", d.Matched)
	}
	if len(d.Failed) != 1 || d.Failed[0] != CritMaxPrice {
		t.Fatalf("failed = %v, want [%s]", d.Failed, CritMaxPrice)
	}
}
