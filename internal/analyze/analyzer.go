package analyze

import (
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/driftlab/marketpulse/internal/model"
)

// categoryPatterns classify a listing's text into a suggested category.
var categoryPatterns = map[string]*regexp.Regexp{
	"furniture":   regexp.MustCompile(`(?i)(sofa|chair|table|desk|drawers|cabinet|bed|mattress|couch|furniture)`),
	"electronics": regexp.MustCompile(`(?i)(phone|laptop|computer|tv|television|headphone|camera|console|gaming|electronic)`),
	"vehicles":    regexp.MustCompile(`(?i)(car|truck|van|suv|bike|motorcycle|scooter|vehicle)`),
	"clothing":    regexp.MustCompile(`(?i)(shirt|pants|dress|jacket|coat|shoes|boots|clothing|wear|apparel)`),
	"jewelry":     regexp.MustCompile(`(?i)(ring|necklace|bracelet|earring|gold|silver|diamond|jewelry)`),
	"toys":        regexp.MustCompile(`(?i)(toy|game|puzzle|lego|doll|figure|kids|children)`),
	"tools":       regexp.MustCompile(`(?i)(tool|drill|saw|hammer|screwdriver|workbench|equipment)`),
	"appliances":  regexp.MustCompile(`(?i)(refrigerator|fridge|washer|dryer|stove|oven|microwave|dishwasher|appliance)`),
}

// categoryKeywords are the attribute words worth extracting per category.
var categoryKeywords = map[string][]string{
	"furniture":   {"wood", "leather", "fabric", "sofa", "chair", "table", "bed", "desk", "shelf"},
	"electronics": {"screen", "inch", "gb", "tb", "memory", "processor", "camera", "battery"},
	"vehicles":    {"mileage", "miles", "gas", "electric", "transmission", "engine", "year"},
	"clothing":    {"size", "small", "medium", "large", "xl", "cotton", "leather", "wool"},
}

var (
	spamPattern = regexp.MustCompile(`(?i)wholesale|drop.?ship|msg.?me|text.?me|contact.?me|whatsapp|telegram|not.?available|click.?link|click.?here|dm.?me|direct.?message|\$\$\$`)
	wordPattern = regexp.MustCompile(`\b[a-z]{4,}\b`)
	symbolRun   = regexp.MustCompile(`[!$*+#]`)
	capsWord    = regexp.MustCompile(`\b[A-Z]{4,}\b`)
)

const maxKeywords = 15

// Analyzer derives enrichment from a listing's text: keywords, a suggested
// category with confidence, a quality score and a spam score.
type Analyzer struct{}

// New creates an Analyzer.
func New() *Analyzer {
	return &Analyzer{}
}

// Analyze computes the full enrichment for a listing.
func (a *Analyzer) Analyze(l *model.Listing) model.Analysis {
	suggested, confidence := a.SuggestCategory(l.Title, l.Description)
	spamScore := a.SpamScore(l.Title, l.Description)
	return model.Analysis{
		QualityScore:       a.QualityScore(l.Title, l.Description, l.Price),
		Keywords:           a.Keywords(l.Title, l.Description, l.Category),
		SuggestedCategory:  suggested,
		CategoryConfidence: confidence,
		SpamScore:          spamScore,
		IsSpam:             spamScore >= 0.3,
		AnalyzedAt:         time.Now().UTC(),
	}
}

// QualityScore scores listing completeness in [0, 1]: a well-sized title, a
// useful description and a stated price each contribute a third.
func (a *Analyzer) QualityScore(title, description string, price *float64) float64 {
	var score float64

	switch n := len(title); {
	case n < 10:
		score += 0.2
	case n < 20:
		score += 0.5
	case n <= 80:
		score += 1.0
	default:
		score += 0.7
	}

	switch n := len(description); {
	case n < 20:
		score += 0.1
	case n < 50:
		score += 0.3
	case n <= 1000:
		score += 1.0
	default:
		score += 0.6
	}

	if price != nil {
		score += 1.0
	}

	return score / 3.0
}

// Keywords extracts up to maxKeywords keywords: category-specific attribute
// words first, then the most frequent words of four or more letters.
func (a *Analyzer) Keywords(title, description, category string) []string {
	text := strings.ToLower(title + " " + description)

	seen := make(map[string]bool)
	var keywords []string

	if attrs, ok := categoryKeywords[strings.ToLower(category)]; ok {
		for _, attr := range attrs {
			if containsWord(text, attr) && !seen[attr] {
				seen[attr] = true
				keywords = append(keywords, attr)
			}
		}
	}

	counts := make(map[string]int)
	for _, w := range wordPattern.FindAllString(text, -1) {
		counts[w]++
	}
	general := make([]string, 0, len(counts))
	for w := range counts {
		general = append(general, w)
	}
	sort.Slice(general, func(i, j int) bool {
		if counts[general[i]] != counts[general[j]] {
			return counts[general[i]] > counts[general[j]]
		}
		return general[i] < general[j]
	})
	if len(general) > 10 {
		general = general[:10]
	}
	for _, w := range general {
		if !seen[w] {
			seen[w] = true
			keywords = append(keywords, w)
		}
	}

	if len(keywords) > maxKeywords {
		keywords = keywords[:maxKeywords]
	}
	return keywords
}

// SuggestCategory scores each known category by pattern hits in the text and
// returns the best one with a confidence in [0, 1]. Returns "" when nothing
// matches.
func (a *Analyzer) SuggestCategory(title, description string) (string, float64) {
	text := strings.ToLower(title + " " + description)

	best := ""
	bestScore := 0
	for category, pattern := range categoryPatterns {
		score := len(pattern.FindAllString(text, -1))
		if score > bestScore || (score == bestScore && score > 0 && category < best) {
			best = category
			bestScore = score
		}
	}
	if bestScore == 0 {
		return "", 0
	}

	confidence := float64(bestScore) / 3.0
	if confidence > 1.0 {
		confidence = 1.0
	}
	return best, confidence
}

// SpamScore estimates how likely the listing text is spam, in [0, 1].
func (a *Analyzer) SpamScore(title, description string) float64 {
	text := strings.ToLower(title + " " + description)

	score := float64(len(spamPattern.FindAllString(text, -1))) * 0.3
	if len(symbolRun.FindAllString(text, -1)) > 5 {
		score += 0.2
	}
	if capsWord.MatchString(title) {
		score += 0.2
	}

	if score > 1.0 {
		score = 1.0
	}
	return score
}

// containsWord reports whether text contains word on word boundaries.
func containsWord(text, word string) bool {
	idx := 0
	for {
		i := strings.Index(text[idx:], word)
		if i < 0 {
			return false
		}
		start := idx + i
		end := start + len(word)
		beforeOK := start == 0 || !isWordByte(text[start-1])
		afterOK := end == len(text) || !isWordByte(text[end])
		if beforeOK && afterOK {
			return true
		}
		idx = start + 1
	}
}

func isWordByte(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z' || b >= '0' && b <= '9'
}
