package registry

import (
	"context"
	"strings"

	"github.com/taskforge-ai/taskforge/core"
)

// synonyms widens word-overlap scoring so colloquial phrasings still hit the
// canonical template vocabulary.
var synonyms = map[string][]string{
	"missed":   {"lost", "unpaid", "overdue"},
	"lost":     {"missed", "failed"},
	"client":   {"customer", "account", "contact"},
	"customer": {"client", "account", "contact"},
	"deal":     {"opportunity", "sale"},
	"report":   {"summary", "overview", "analysis"},
	"chart":    {"diagram", "graph", "visualization"},
	"revenue":  {"income", "sales", "earnings"},
	"invoice":  {"bill", "payment"},
}

// fuzzyScore weights for name resolution. Exact matches dominate so a
// literal template name or id always beats any word-overlap score.
const (
	exactNameWeight   = 15.0
	exactIDWeight     = 10.0
	wordOverlapWeight = 0.5
	enabledBonus      = 0.1
	fuzzyFloor        = 0.5
)

// GetByNameFuzzy resolves a template reference that is a name, id or loose
// phrase rather than an utterance. It is the deterministic fallback used
// when the caller already knows roughly which template it wants, e.g. an
// LLM tool call that emitted a display name. Returns ErrTemplateNotFound
// when nothing scores at or above the floor.
func (r *Registry) GetByNameFuzzy(ctx context.Context, reference string) (*core.Template, error) {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return nil, core.ErrTemplateNotFound
	}

	// Fast path: exact id.
	if tmpl, err := r.Get(ctx, reference); err == nil {
		return tmpl, nil
	} else if !core.IsNotFound(err) {
		return nil, err
	}

	templates, err := r.List(ctx)
	if err != nil {
		return nil, err
	}

	refLower := strings.ToLower(reference)
	refWords := expandWords(tokenize(refLower))

	var best *core.Template
	var bestScore float64
	for _, tmpl := range templates {
		score := fuzzyScore(tmpl, refLower, refWords)
		if score > bestScore {
			best, bestScore = tmpl, score
		}
	}

	if best == nil || bestScore < fuzzyFloor {
		return nil, core.ErrTemplateNotFound
	}

	if r.logger != nil {
		r.logger.DebugWithContext(ctx, "Template resolved by fuzzy name", map[string]interface{}{
			"reference":   reference,
			"template_id": best.ID,
			"score":       bestScore,
		})
	}
	return best, nil
}

func fuzzyScore(tmpl *core.Template, refLower string, refWords map[string]bool) float64 {
	var score float64
	if strings.ToLower(tmpl.Name) == refLower {
		score += exactNameWeight
	}
	if strings.ToLower(tmpl.ID) == refLower {
		score += exactIDWeight
	}

	nameWords := tokenize(strings.ToLower(tmpl.Name + " " + tmpl.Description))
	for _, w := range nameWords {
		if refWords[w] {
			score += wordOverlapWeight
		}
	}

	if tmpl.Enabled {
		score += enabledBonus
	}
	return score
}

func tokenize(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	})
}

// expandWords adds synonyms to the reference word set so "missed payments"
// overlaps a template named "overdue invoices".
func expandWords(words []string) map[string]bool {
	set := make(map[string]bool, len(words)*2)
	for _, w := range words {
		set[w] = true
		for _, syn := range synonyms[w] {
			set[syn] = true
		}
	}
	return set
}
