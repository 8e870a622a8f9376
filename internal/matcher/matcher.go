// Package matcher scores user input against catalog actions, pre-filtered
// by permission so disallowed actions are invisible to matching rather than
// blocked afterwards.
package matcher

import (
	"context"
	"sort"
	"strings"
	"unicode"

	"github.com/actionbridge/actionbridge/internal/catalog"
	"github.com/actionbridge/actionbridge/internal/config"
	"github.com/actionbridge/actionbridge/internal/nlu"
	"github.com/actionbridge/actionbridge/pkg/models"
	"github.com/rs/zerolog/log"
)

// Matcher ranks catalog actions for a user input.
type Matcher struct {
	catalog *catalog.Catalog
	scorer  nlu.SemanticScorer // nil means keyword-only matching
	cfg     config.MatchConfig
}

// New creates a matcher. scorer may be nil to disable semantic scoring.
func New(cat *catalog.Catalog, scorer nlu.SemanticScorer, cfg config.MatchConfig) *Matcher {
	return &Matcher{catalog: cat, scorer: scorer, cfg: cfg}
}

// Match returns matches above the configured threshold, highest confidence
// first. Ties break on higher action priority, then lexicographically
// smaller action id. An empty result means NO_MATCH; it is never an error.
func (m *Matcher) Match(ctx context.Context, userInput string, perm *models.StandardPermission) []models.ActionMatch {
	input := normalize(userInput)
	if input == "" {
		return nil
	}

	var matches []models.ActionMatch
	for _, action := range m.catalog.ListEnabled() {
		if !perm.Allows(action.ActionID) {
			continue
		}

		kw := keywordScore(input, action)
		confidence := kw
		matchType := models.MatchKeyword

		if m.scorer != nil {
			sem, err := m.scorer.Score(ctx, userInput, candidateText(action))
			if err != nil {
				// Collaborator failure degrades to keyword-only scoring.
				log.Warn().Err(err).Str("action", action.ActionID).Msg("Semantic scorer unavailable, using keyword score only")
			} else {
				confidence = m.cfg.KeywordWeight*kw + m.cfg.SemanticWeight*sem
				matchType = models.MatchHybrid
				if kw == 0 && sem > 0 {
					matchType = models.MatchSemantic
				}
			}
		}

		if confidence < m.cfg.Threshold {
			continue
		}
		matches = append(matches, models.ActionMatch{
			Action:     action,
			Confidence: confidence,
			MatchType:  matchType,
		})
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Confidence != matches[j].Confidence {
			return matches[i].Confidence > matches[j].Confidence
		}
		if matches[i].Action.Priority != matches[j].Action.Priority {
			return matches[i].Action.Priority > matches[j].Action.Priority
		}
		return matches[i].Action.ActionID < matches[j].Action.ActionID
	})
	return matches
}

// keywordScore measures overlap between the input and the action's matching
// hints. For space-separated text it uses token overlap; for CJK and other
// unsegmented scripts it falls back to substring containment, scored by how
// much of the longer string the shorter one covers.
func keywordScore(input string, a *models.ActionDefinition) float64 {
	terms := make([]string, 0, 1+len(a.TriggerKeywords)+len(a.Synonyms)+len(a.ExampleInputs))
	terms = append(terms, a.Name)
	terms = append(terms, a.TriggerKeywords...)
	terms = append(terms, a.Synonyms...)
	terms = append(terms, a.ExampleInputs...)

	best := 0.0
	inputTokens := tokenize(input)
	for _, t := range terms {
		term := normalize(t)
		if term == "" {
			continue
		}
		if s := containScore(input, term); s > best {
			best = s
		}
		if s := tokenOverlap(inputTokens, tokenize(term)); s > best {
			best = s
		}
	}
	return best
}

// containScore returns coverage of the longer string by the shorter one when
// either contains the other, else 0.
func containScore(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	if !strings.Contains(a, b) && !strings.Contains(b, a) {
		return 0
	}
	la, lb := len([]rune(a)), len([]rune(b))
	if la > lb {
		return float64(lb) / float64(la)
	}
	return float64(la) / float64(lb)
}

// tokenOverlap is the Jaccard index of two token sets.
func tokenOverlap(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	set := make(map[string]bool, len(a))
	for _, t := range a {
		set[t] = true
	}
	inter := 0
	union := len(set)
	for _, t := range b {
		if set[t] {
			inter++
		} else {
			union++
		}
	}
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func tokenize(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// candidateText builds the text handed to the semantic scorer.
func candidateText(a *models.ActionDefinition) string {
	parts := []string{a.Name}
	if a.Description != "" {
		parts = append(parts, a.Description)
	}
	if len(a.ExampleInputs) > 0 {
		parts = append(parts, strings.Join(a.ExampleInputs, "; "))
	}
	return strings.Join(parts, ". ")
}
