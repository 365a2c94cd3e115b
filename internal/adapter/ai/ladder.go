package ai

import (
	"strings"

	"github.com/fairyhunter13/threatiq-gateway/internal/domain"
)

// ModelLadder is an immutable, ordered list of model candidates.
type ModelLadder struct {
	candidates []domain.ModelCandidate
}

// NewModelLadder ranks ids by position, dropping blanks and duplicates.
func NewModelLadder(ids []string) ModelLadder {
	seen := make(map[string]struct{}, len(ids))
	out := make([]domain.ModelCandidate, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, domain.ModelCandidate{ID: id, Rank: len(out)})
	}
	return ModelLadder{candidates: out}
}

// Len returns the number of rungs.
func (l ModelLadder) Len() int { return len(l.candidates) }

// At returns the candidate at rank i.
func (l ModelLadder) At(i int) domain.ModelCandidate { return l.candidates[i] }

// Candidates returns a copy of the ladder.
func (l ModelLadder) Candidates() []domain.ModelCandidate {
	out := make([]domain.ModelCandidate, len(l.candidates))
	copy(out, l.candidates)
	return out
}

// IDs returns the model identifiers in rank order.
func (l ModelLadder) IDs() []string {
	out := make([]string, len(l.candidates))
	for i, c := range l.candidates {
		out[i] = c.ID
	}
	return out
}
