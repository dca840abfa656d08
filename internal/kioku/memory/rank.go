package memory

import (
	"math"
	"sort"
	"time"
)

const (
	recencyRate  = 0.1 // per day
	recencyFloor = 0.1
)

// Score is (importance/5) × decayScore × recency, where recency decays
// exponentially with days since the memory was last used (or created) and
// never drops below 0.1.
func Score(m *Memory, now time.Time) float64 {
	ref := m.CreatedAt
	if m.LastUsedAt != nil {
		ref = *m.LastUsedAt
	}
	days := max(now.Sub(ref).Hours()/24, 0)
	recency := math.Max(recencyFloor, math.Exp(-recencyRate*days))
	return float64(m.Importance) / MaxImportance * m.DecayScore * recency
}

// Rank orders memories by Score and returns at most limit of them. Ties
// go to the more recently used, then the more recently created, then the
// smaller id, so the result depends only on the input and now.
func Rank(memories []*Memory, now time.Time, limit int) []*Memory {
	type scored struct {
		m     *Memory
		score float64
	}
	items := make([]scored, len(memories))
	for i, m := range memories {
		items[i] = scored{m: m, score: Score(m, now)}
	}
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if la, lb := lastUsed(a.m), lastUsed(b.m); !la.Equal(lb) {
			return la.After(lb)
		}
		if !a.m.CreatedAt.Equal(b.m.CreatedAt) {
			return a.m.CreatedAt.After(b.m.CreatedAt)
		}
		return a.m.ID < b.m.ID
	})
	if limit >= 0 && len(items) > limit {
		items = items[:limit]
	}
	out := make([]*Memory, len(items))
	for i, it := range items {
		out[i] = it.m
	}
	return out
}

func lastUsed(m *Memory) time.Time {
	if m.LastUsedAt == nil {
		return time.Time{}
	}
	return *m.LastUsedAt
}
