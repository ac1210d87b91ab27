package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timmy/webindex/internal/domain"
)

func keysOf(hits []domain.Hit) []string {
	out := make([]string, len(hits))
	for i, h := range hits {
		out[i] = h.ContentKey
	}
	return out
}

func TestFuseRRF_Example(t *testing.T) {
	vector := []domain.Hit{hit("A", "https://a", 0.9), hit("B", "https://b", 0.8), hit("C", "https://c", 0.7)}
	keyword := []domain.Hit{hit("B", "https://b", 12), hit("A", "https://a", 11), hit("D", "https://d", 10)}

	got := FuseRRF([][]domain.Hit{vector, keyword}, 60, 10)

	require.Len(t, got, 4)
	assert.Equal(t, []string{"A", "B", "C", "D"}, keysOf(got))
	assert.InDelta(t, 1.0/61+1.0/62, got[0].Score, 1e-12)
	assert.InDelta(t, 1.0/61+1.0/62, got[1].Score, 1e-12)
	assert.InDelta(t, 1.0/63, got[2].Score, 1e-12)
	assert.InDelta(t, 1.0/63, got[3].Score, 1e-12)
}

func TestFuseRRF_Deterministic(t *testing.T) {
	vector := []domain.Hit{hit("k3", "https://z", 1), hit("k1", "https://m", 1), hit("k2", "https://m", 1)}
	keyword := []domain.Hit{hit("k2", "https://m", 1), hit("k3", "https://z", 1), hit("k4", "https://a", 1)}

	first := FuseRRF([][]domain.Hit{vector, keyword}, 60, 0)
	for i := 0; i < 50; i++ {
		assert.Equal(t, keysOf(first), keysOf(FuseRRF([][]domain.Hit{vector, keyword}, 60, 0)))
	}
}

func TestFuseRRF_TieBreakers(t *testing.T) {
	tests := []struct {
		name  string
		lists [][]domain.Hit
		want  []string
	}{
		{
			name: "document url orders equal hits",
			lists: [][]domain.Hit{
				{hit("X", "https://b", 1)},
				{hit("Y", "https://a", 1)},
			},
			want: []string{"Y", "X"},
		},
		{
			name: "document url then content key",
			lists: [][]domain.Hit{
				{hit("k2", "https://same", 1)},
				{hit("k1", "https://same", 1)},
			},
			want: []string{"k1", "k2"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, keysOf(FuseRRF(tt.lists, 60, 0)))
		})
	}
}

func TestFuseRRF_BestRankBreaksScoreTie(t *testing.T) {
	// With κ=1: P has ranks 1 and 5 → 1/2+1/6 = 2/3; Q has ranks 2 and 2 → 1/3+1/3 = 2/3.
	filler := func(k string) domain.Hit { return hit(k, "https://f/"+k, 0) }
	a := []domain.Hit{hit("P", "https://z", 0), hit("Q", "https://a", 0), filler("f1"), filler("f2"), filler("f3")}
	b := []domain.Hit{filler("g1"), hit("Q", "https://a", 0), filler("g3"), filler("g4"), hit("P", "https://z", 0)}

	got := FuseRRF([][]domain.Hit{a, b}, 1, 2)
	require.Len(t, got, 2)
	assert.Equal(t, "P", got[0].ContentKey)
	assert.Equal(t, "Q", got[1].ContentKey)
}

func TestFuseRRF_LimitAndDuplicates(t *testing.T) {
	list := []domain.Hit{hit("A", "u", 1), hit("A", "u", 1), hit("B", "u", 1), hit("C", "u", 1)}
	got := FuseRRF([][]domain.Hit{list}, 60, 2)
	assert.Equal(t, []string{"A", "B"}, keysOf(got))
	assert.InDelta(t, 1.0/61, got[0].Score, 1e-12)
	assert.InDelta(t, 1.0/62, got[1].Score, 1e-12)
}

func TestFuseRRF_Empty(t *testing.T) {
	assert.Empty(t, FuseRRF(nil, 60, 10))
	assert.Empty(t, FuseRRF([][]domain.Hit{{}, {}}, 60, 10))
}
