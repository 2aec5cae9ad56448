package federation

import (
	"sort"

	"github.com/mehmetymw/cdcfed/internal/types"
)

const DefaultRRFK = 60

// RankedList is the best-first output of one sub-query.
type RankedList struct {
	Source types.SinkKind
	IDs    []string
}

type Result struct {
	DocumentKey         string                 `json:"document_key"`
	Score               float64                `json:"score"`
	ContributingSources []types.SinkKind       `json:"contributing_sources"`
	Ranks               map[types.SinkKind]int `json:"ranks"`
}

// Fuse merges ranked lists with Reciprocal Rank Fusion: every list adds
// 1/(k+rank) for each document it holds, rank being 1-based. A key repeated
// inside one list only counts at its first rank. Ties go to the lowest rank
// seen in any list, then to the document key. topN <= 0 keeps everything.
func Fuse(lists []RankedList, k float64, topN int) []Result {
	if k <= 0 {
		k = DefaultRRFK
	}
	type acc struct {
		score   float64
		minRank int
		ranks   map[types.SinkKind]int
	}
	byKey := make(map[string]*acc)
	for _, l := range lists {
		seen := make(map[string]bool, len(l.IDs))
		for i, id := range l.IDs {
			if seen[id] {
				continue
			}
			seen[id] = true
			rank := i + 1
			a, ok := byKey[id]
			if !ok {
				a = &acc{minRank: rank, ranks: map[types.SinkKind]int{}}
				byKey[id] = a
			}
			a.score += 1 / (k + float64(rank))
			if rank < a.minRank {
				a.minRank = rank
			}
			if _, ok := a.ranks[l.Source]; !ok {
				a.ranks[l.Source] = rank
			}
		}
	}

	out := make([]Result, 0, len(byKey))
	minRank := make(map[string]int, len(byKey))
	for id, a := range byKey {
		sources := make([]types.SinkKind, 0, len(a.ranks))
		for s := range a.ranks {
			sources = append(sources, s)
		}
		sort.Slice(sources, func(i, j int) bool { return sources[i] < sources[j] })
		out = append(out, Result{DocumentKey: id, Score: a.score, ContributingSources: sources, Ranks: a.ranks})
		minRank[id] = a.minRank
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		ri, rj := minRank[out[i].DocumentKey], minRank[out[j].DocumentKey]
		if ri != rj {
			return ri < rj
		}
		return out[i].DocumentKey < out[j].DocumentKey
	})
	if topN > 0 && len(out) > topN {
		out = out[:topN]
	}
	return out
}
