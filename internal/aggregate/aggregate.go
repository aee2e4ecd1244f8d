// Package aggregate reduces the per-face expression scores of one frame into a
// single percentage distribution.
package aggregate

import "github.com/andresmejia3/emoscope/internal/types"

// Reduce sums every label's score across all faces and normalizes the totals to
// percentages. Summing before normalizing weights each face by how much expression
// signal it carries, so a barely registering face counts for less than a strong one.
//
// Labels no face reported are absent from the result. When no score was seen at all
// (including an empty FrameResult) the result is the empty, no-data distribution.
func Reduce(result types.FrameResult) types.Distribution {
	totals := Totals(result)

	var total float64
	for _, v := range totals {
		total += v
	}
	if total == 0 {
		return types.Distribution{}
	}

	out := make(types.Distribution, len(totals))
	for e, v := range totals {
		out[e] = v / total * 100
	}
	return out
}

// Totals is the raw per-label sum across faces.
func Totals(result types.FrameResult) map[types.Expression]float64 {
	totals := make(map[types.Expression]float64)
	for _, face := range result {
		for e, v := range face {
			totals[e] += v
		}
	}
	return totals
}
