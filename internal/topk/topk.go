// Package topk reduces a score vector into K label/confidence slots.
//
// The default strategy is first-fit: slots are scanned in fixed order and a
// score replaces only the first slot whose value it strictly exceeds. Nothing
// is shifted down, so the output is reproducible but is not the true top-K
// by value. For scores [0.9 0.1 0.95 0.2 0.3 0.05] and K=5 the slots end up
// as [0.95 0.3 0.05 - -]. StrategySorted gives the true top-K instead.
package topk

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/Brownie44l1/live-classifier/internal/model"
)

const DefaultK = 5

type Strategy uint

const (
	StrategyUndefined = Strategy(iota)
	StrategyFirstFit
	StrategySorted
)

func (s Strategy) String() string {
	switch s {
	case StrategyUndefined:
		return "<undefined>"
	case StrategyFirstFit:
		return "firstfit"
	case StrategySorted:
		return "sorted"
	default:
		return fmt.Sprintf("<unexpected_value_%d>", uint(s))
	}
}

func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "firstfit", "first-fit":
		return StrategyFirstFit, nil
	case "sorted":
		return StrategySorted, nil
	default:
		return StrategyUndefined, fmt.Errorf("unknown reducer strategy '%s'", s)
	}
}

type Entry struct {
	// Index is -1 for a slot that no score filled.
	Index      int     `json:"index"`
	Label      string  `json:"label"`
	Score      float32 `json:"score"`
	Confidence float32 `json:"confidence"`
}

func (e Entry) Filled() bool {
	return e.Index >= 0
}

type Result []Entry

// Top returns slot 0.
func (r Result) Top() (Entry, bool) {
	if len(r) == 0 || !r[0].Filled() {
		return Entry{Index: -1}, false
	}
	return r[0], true
}

type Reducer struct {
	K        int
	Strategy Strategy
	Labels   model.LabelTable
}

func New(k int, strategy Strategy, labels model.LabelTable) *Reducer {
	if k <= 0 {
		k = DefaultK
	}
	if strategy == StrategyUndefined {
		strategy = StrategyFirstFit
	}
	return &Reducer{K: k, Strategy: strategy, Labels: labels}
}

// TopK does not check the label table against the vector length; callers
// treat a mismatch as a configuration error before reducing.
func (r *Reducer) TopK(scores model.ScoreVector) Result {
	var idx []int
	switch r.Strategy {
	case StrategySorted:
		idx = sortedSlots(scores, r.K)
	default:
		idx = firstFitSlots(scores, r.K)
	}

	result := make(Result, r.K)
	for slot, i := range idx {
		if i < 0 {
			result[slot] = Entry{Index: -1}
			continue
		}
		result[slot] = Entry{
			Index:      i,
			Label:      r.Labels.Label(i),
			Score:      scores[i],
			Confidence: clampUnit(scores[i]),
		}
	}
	return result
}

func firstFitSlots(scores model.ScoreVector, k int) []int {
	values := make([]float32, k)
	indexes := make([]int, k)
	for j := range values {
		values[j] = float32(math.Inf(-1))
		indexes[j] = -1
	}

	for i, score := range scores {
		for j := 0; j < k; j++ {
			if score > values[j] {
				values[j] = score
				indexes[j] = i
				break
			}
		}
	}
	return indexes
}

func sortedSlots(scores model.ScoreVector, k int) []int {
	order := make([]int, len(scores))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return scores[order[a]] > scores[order[b]]
	})

	indexes := make([]int, k)
	for j := range indexes {
		indexes[j] = -1
		if j < len(order) && !math.IsNaN(float64(scores[order[j]])) {
			indexes[j] = order[j]
		}
	}
	return indexes
}

func clampUnit(v float32) float32 {
	switch {
	case v < 0 || math.IsNaN(float64(v)):
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
