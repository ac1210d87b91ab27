package service

import (
	"sort"

	"github.com/timmy/webindex/internal/domain"
)

// DefaultRRFConstant is the standard RRF smoothing parameter κ.
const DefaultRRFConstant = 60.0

type fusedHit struct {
	hit      domain.Hit
	score    float64
	bestRank int
}

// FuseRRF merges ranked lists with Reciprocal Rank Fusion:
//
//	score(d) = Σ 1 / (rank_i(d) + κ)
//
// Ranks are 1-based; a list that lacks d contributes nothing. Results are
// ordered by score (desc), then best individual rank (asc), then document
// URL, then content key, and cut to limit. A limit <= 0 keeps everything.
// The returned hits carry the fused score.
func FuseRRF(lists [][]domain.Hit, k float64, limit int) []domain.Hit {
	if k <= 0 {
		k = DefaultRRFConstant
	}

	fused := make(map[string]*fusedHit)
	for _, list := range lists {
		seen := make(map[string]struct{}, len(list))
		for _, h := range list {
			if _, dup := seen[h.ContentKey]; dup {
				continue
			}
			seen[h.ContentKey] = struct{}{}
			// Duplicates do not take up a rank.
			rank := len(seen)

			f, ok := fused[h.ContentKey]
			if !ok {
				f = &fusedHit{hit: h, bestRank: rank}
				fused[h.ContentKey] = f
			} else if f.hit.Snippet == "" {
				f.hit.Snippet = h.Snippet
			}
			f.score += 1 / (float64(rank) + k)
			if rank < f.bestRank {
				f.bestRank = rank
			}
		}
	}

	ranked := make([]*fusedHit, 0, len(fused))
	for _, f := range fused {
		ranked = append(ranked, f)
	}
	sort.Slice(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if a.bestRank != b.bestRank {
			return a.bestRank < b.bestRank
		}
		if a.hit.DocumentURL != b.hit.DocumentURL {
			return a.hit.DocumentURL < b.hit.DocumentURL
		}
		return a.hit.ContentKey < b.hit.ContentKey
	})

	if limit > 0 && len(ranked) > limit {
		ranked = ranked[:limit]
	}
	out := make([]domain.Hit, len(ranked))
	for i, f := range ranked {
		out[i] = f.hit
		out[i].Score = f.score
	}
	return out
}
