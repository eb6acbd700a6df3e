package types

import "sort"

// Prediction is one independent (label, confidence) score. Confidences are in
// [0,1] and are not required to sum to 1.
type Prediction struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

func ClampConfidence(c float64) float64 {
	if c != c || c < 0 { // NaN or negative
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}

// RankPredictions sorts by descending confidence (ties by label) and keeps the
// top k. A k <= 0 keeps everything.
func RankPredictions(preds []Prediction, k int) []Prediction {
	ranked := make([]Prediction, len(preds))
	copy(ranked, preds)

	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Confidence == ranked[j].Confidence {
			return ranked[i].Label < ranked[j].Label
		}
		return ranked[i].Confidence > ranked[j].Confidence
	})

	if k > 0 && len(ranked) > k {
		ranked = ranked[:k]
	}
	return ranked
}
