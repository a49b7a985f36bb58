package registry

import (
	"context"
	"fmt"
	"sort"

	"github.com/taskforge-ai/taskforge/core"
	"github.com/taskforge-ai/taskforge/vector"
)

// MatchPhase identifies which pass of the dual-embedding search produced a
// match.
type MatchPhase string

const (
	// PhaseName is the high-precision pass over name embeddings.
	PhaseName MatchPhase = "name"
	// PhaseFull is the recall pass over full-document embeddings.
	PhaseFull MatchPhase = "full"
)

// Match is a scored template candidate.
type Match struct {
	Template *core.Template
	Score    float64
	Phase    MatchPhase
}

const (
	nameMatchK = 5
	fullMatchK = 10
)

// MatchOption adjusts utterance matching.
type MatchOption func(*matchOptions)

type matchOptions struct {
	includeTesting bool
}

// IncludeTesting opts the caller in to templates in testing mode. Without
// it, testing templates are never selected, regardless of score.
func IncludeTesting() MatchOption {
	return func(o *matchOptions) { o.includeTesting = true }
}

// FindByUtterance resolves an utterance to scored template candidates.
//
// Phase A embeds the utterance as a retrieval query and searches the name
// index with k=5; any enabled hit at or above NameMatchThreshold wins
// immediately. Phase B searches the full-document index with k=10, filtered
// to enabled templates, and keeps hits at or above MatchFloor. Templates in
// testing mode are excluded from both phases unless the caller passes
// IncludeTesting. Ties are broken by template priority, then most recent
// update. An empty result means nothing crossed the floor; the caller
// decides whether to fail or fall back to fuzzy name resolution.
func (r *Registry) FindByUtterance(ctx context.Context, utterance string, opts ...MatchOption) ([]Match, error) {
	if utterance == "" {
		return nil, fmt.Errorf("utterance cannot be empty")
	}
	if r.embedder == nil {
		return nil, fmt.Errorf("registry has no embedder: %w", core.ErrMissingConfiguration)
	}

	var options matchOptions
	for _, opt := range opts {
		opt(&options)
	}

	query, err := r.embedder.Embed(ctx, utterance, core.EmbedRetrievalQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to embed utterance: %w", err)
	}

	filters := map[string]string{"enabled": "true"}
	if !options.includeTesting {
		filters["testing"] = "false"
	}

	nameHits, err := r.nameIndex.Search(ctx, query, nameMatchK, filters)
	if err != nil {
		return nil, fmt.Errorf("name index search failed: %w", err)
	}
	matches, err := r.collectMatches(ctx, nameHits, r.config.NameMatchThreshold, PhaseName, options)
	if err != nil {
		return nil, err
	}
	if len(matches) > 0 {
		r.logMatch(ctx, utterance, matches[0])
		return matches, nil
	}

	fullHits, err := r.fullIndex.Search(ctx, query, fullMatchK, filters)
	if err != nil {
		return nil, fmt.Errorf("full index search failed: %w", err)
	}
	matches, err = r.collectMatches(ctx, fullHits, r.config.MatchFloor, PhaseFull, options)
	if err != nil {
		return nil, err
	}
	if len(matches) > 0 {
		r.logMatch(ctx, utterance, matches[0])
	}
	return matches, nil
}

// collectMatches loads the template documents behind hits that cross the
// floor and orders them score desc, priority desc, updated_at desc. The
// document is re-checked against enabled/testing because an index entry may
// lag a just-written document.
func (r *Registry) collectMatches(ctx context.Context, hits []vector.Hit, floor float64, phase MatchPhase, options matchOptions) ([]Match, error) {
	var matches []Match
	for _, hit := range hits {
		if hit.Score < floor {
			continue
		}
		tmpl, err := r.Get(ctx, hit.ID)
		if err != nil {
			if core.IsNotFound(err) {
				continue // index entry outlived its document
			}
			return nil, err
		}
		if !tmpl.Enabled {
			continue
		}
		if tmpl.Testing && !options.includeTesting {
			continue
		}
		matches = append(matches, Match{Template: tmpl, Score: hit.Score, Phase: phase})
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		if matches[i].Template.Priority != matches[j].Template.Priority {
			return matches[i].Template.Priority > matches[j].Template.Priority
		}
		return matches[i].Template.UpdatedAt.After(matches[j].Template.UpdatedAt)
	})
	return matches, nil
}

func (r *Registry) logMatch(ctx context.Context, utterance string, best Match) {
	if r.logger == nil {
		return
	}
	r.logger.DebugWithContext(ctx, "Template matched", map[string]interface{}{
		"template_id": best.Template.ID,
		"score":       best.Score,
		"phase":       string(best.Phase),
		"utterance":   truncate(utterance, 120),
	})
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
