package prediction

import (
	"fmt"
	"math"
	"sort"
	"time"
)

// DefaultTopK is the number of predictions surfaced per batch.
const DefaultTopK = 5

// Prediction is a single (label, confidence) pair from one inference tick.
type Prediction struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

// Batch is the ranked output of one tick or callback.
type Batch struct {
	Modality      string       `json:"modality"`
	Seq           uint64       `json:"seq"`
	Predictions   []Prediction `json:"predictions"`
	LowConfidence bool         `json:"low_confidence,omitempty"`
	At            time.Time    `json:"at"`
}

// Top returns the highest ranked prediction, if any.
func (b Batch) Top() (Prediction, bool) {
	if len(b.Predictions) == 0 {
		return Prediction{}, false
	}
	return b.Predictions[0], true
}

// FromScores zips a raw score vector against the label vocabulary.
// Scores without a label get a positional name; labels without a score are dropped.
func FromScores(labels []string, scores []float64) []Prediction {
	out := make([]Prediction, 0, len(scores))
	for i, score := range scores {
		label := fmt.Sprintf("class_%d", i)
		if i < len(labels) {
			label = labels[i]
		}
		out = append(out, Prediction{Label: label, Confidence: clamp(score)})
	}
	return out
}

// Rank sorts predictions by descending confidence and truncates to k.
// Equal confidences keep their original order. k <= 0 keeps everything.
func Rank(preds []Prediction, k int) []Prediction {
	ranked := make([]Prediction, len(preds))
	copy(ranked, preds)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Confidence > ranked[j].Confidence
	})
	if k > 0 && len(ranked) > k {
		ranked = ranked[:k]
	}
	return ranked
}

// MaxScore returns the largest value in scores, or 0 for an empty vector.
func MaxScore(scores []float64) float64 {
	var best float64
	for i, s := range scores {
		if i == 0 || s > best {
			best = s
		}
	}
	return best
}

func clamp(v float64) float64 {
	switch {
	case math.IsNaN(v):
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
