package match

import (
	"strings"

	"github.com/driftlab/marketpulse/internal/model"
)

// Criterion names recorded in match results. The search term and category
// criteria record which tier actually matched.
const (
	CritMinPrice          = "min_price"
	CritMaxPrice          = "max_price"
	CritCategory          = "category"
	CritSuggestedCategory = "suggested_category"
	CritTermExact         = "search_term_exact"
	CritTermPartial       = "search_term_partial"
	CritTermKeyword       = "search_term_keyword"
	CritLocation          = "location"
)

// Decision is the outcome of evaluating one alert against one listing. A
// listing matches only when every criterion the alert specifies passed;
// Matched and Failed record the individual criterion outcomes.
type Decision struct {
	Alert   *model.Alert
	Match   bool
	Matched []string
	Failed  []string
}

// Evaluate checks every alert against the listing and returns one decision
// per alert. Alerts with no criteria at all never match.
func Evaluate(l *model.Listing, alerts []*model.Alert) []Decision {
	decisions := make([]Decision, 0, len(alerts))
	for _, a := range alerts {
		decisions = append(decisions, evaluateOne(l, a))
	}
	return decisions
}

func evaluateOne(l *model.Listing, a *model.Alert) Decision {
	d := Decision{Alert: a}
	if !a.HasCriteria() {
		return d
	}

	if a.MinPrice != nil {
		if l.Price != nil && *l.Price >= *a.MinPrice {
			d.Matched = append(d.Matched, CritMinPrice)
		} else {
			d.Failed = append(d.Failed, CritMinPrice)
		}
	}
	if a.MaxPrice != nil {
		if l.Price != nil && *l.Price <= *a.MaxPrice {
			d.Matched = append(d.Matched, CritMaxPrice)
		} else {
			d.Failed = append(d.Failed, CritMaxPrice)
		}
	}

	if a.Category != "" {
		switch {
		case strings.EqualFold(l.Category, a.Category):
			d.Matched = append(d.Matched, CritCategory)
		case l.Analysis != nil && strings.EqualFold(l.Analysis.SuggestedCategory, a.Category):
			d.Matched = append(d.Matched, CritSuggestedCategory)
		default:
			d.Failed = append(d.Failed, CritCategory)
		}
	}

	if a.SearchTerm != "" {
		if tier := matchSearchTerm(l, a.SearchTerm); tier != "" {
			d.Matched = append(d.Matched, tier)
		} else {
			d.Failed = append(d.Failed, CritTermExact)
		}
	}

	if a.Location != "" {
		la, ll := strings.ToLower(a.Location), strings.ToLower(l.Location)
		if ll != "" && (strings.Contains(ll, la) || strings.Contains(la, ll)) {
			d.Matched = append(d.Matched, CritLocation)
		} else {
			d.Failed = append(d.Failed, CritLocation)
		}
	}

	d.Match = len(d.Failed) == 0 && len(d.Matched) > 0
	return d
}

// matchSearchTerm tries the three search term tiers in order of strength:
// the whole term appears in the text, a majority of the term's words appear,
// or an extracted keyword is contained in the term. Returns the criterion
// name of the first tier that hits, or "".
func matchSearchTerm(l *model.Listing, term string) string {
	term = strings.ToLower(term)
	text := strings.ToLower(l.Title + " " + l.Description)

	if strings.Contains(text, term) {
		return CritTermExact
	}

	words := strings.Fields(term)
	if len(words) > 1 {
		hits := 0
		for _, w := range words {
			if strings.Contains(text, w) {
				hits++
			}
		}
		if hits*2 > len(words) {
			return CritTermPartial
		}
	}

	if l.Analysis != nil {
		for _, kw := range l.Analysis.Keywords {
			if strings.Contains(term, strings.ToLower(kw)) {
				return CritTermKeyword
			}
		}
	}
	return ""
}
