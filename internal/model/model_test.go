package model

import "testing"

func TestListingStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to ListingStatus
		ok       bool
	}{
		{StatusNew, StatusProcessed, true},
		{StatusNew, StatusMatched, true},
		{StatusNew, StatusError, true},
		{StatusProcessed, StatusMatched, true},
		{StatusProcessed, StatusArchived, true},
		{StatusMatched, StatusArchived, true},
		{StatusProcessed, StatusNew, false},
		{StatusMatched, StatusProcessed, false},
		{StatusArchived, StatusNew, false},
		{StatusArchived, StatusMatched, false},
		{StatusError, StatusProcessed, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransition(tt.to); got != tt.ok {
			t.Errorf("%s -> %s = %v, want %v", tt.from, tt.to, got, tt.ok)
		}
	}
}

func TestAlertHasCriteria(t *testing.T) {
	if (&Alert{}).HasCriteria() {
		t.Fatal("empty alert should have no criteria")
	}
	price := 10.0
	for _, a := range []*Alert{
		{SearchTerm: "sofa"},
		{Category: "furniture"},
		{Location: "Brooklyn"},
		{MinPrice: &price},
		{MaxPrice: &price},
	} {
		if !a.HasCriteria() {
			t.Fatalf("alert %+v should have criteria", a)
		}
	}
}
