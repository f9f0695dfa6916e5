// Package geoscore infers the most likely relay route behind the path
// tokens attached to a forwarded frame. Tokens carry one byte of each
// relaying node's public key; the engine scores full-pub candidates with
// a geographic emission model and a distance/edge-prior transition model,
// then runs a Viterbi sweep over the positions.
package geoscore

import (
	"math"

	"github.com/meshrank/meshrank/internal/geo"
)

// Weights are the scoring model knobs. Zero value is unusable; use
// DefaultWeights or fill from config.
type Weights struct {
	Obs  float64 // observer-distance emission term
	Rel  float64 // staleness emission term
	Dist float64 // transition distance penalty
	Edge float64 // transition edge-prior bonus
}

func DefaultWeights() Weights {
	return Weights{Obs: 1.0, Rel: 1.0, Dist: 0.3, Edge: 0.15}
}

const (
	stalenessDay  = 24 * 60 * 60 * 1000
	stalenessWeek = 7 * stalenessDay
)

// staleness scores how recently a candidate was heard: fresh nodes are
// plausible relays, long-silent ones are not.
func staleness(lastSeenMs, nowMs int64) float64 {
	if lastSeenMs <= 0 {
		return -2
	}
	age := nowMs - lastSeenMs
	switch {
	case age <= stalenessDay:
		return 0
	case age <= stalenessWeek:
		return -1
	default:
		return -3
	}
}

// emission scores one candidate independent of its neighbors. When either
// the observer home or the candidate position is unknown the distance term
// contributes nothing, leaving staleness to discriminate.
func (w Weights) emission(home, pos *geo.LatLon, lastSeenMs, nowMs int64) float64 {
	score := staleness(lastSeenMs, nowMs) * w.Rel
	if home != nil && pos != nil {
		d := geo.DistanceKm(*home, *pos)
		score += -math.Log(1+d/10) * w.Obs
	}
	return score
}

// distancePenalty is the piecewise per-hop geography cost: cheap within
// typical LoRa range, steep once a single hop claims hundreds of km. A
// candidate without GPS cannot anchor a hop at all.
func distancePenalty(prev, next *geo.LatLon) float64 {
	if prev == nil || next == nil {
		return -50
	}
	d := geo.DistanceKm(*prev, *next)
	switch {
	case d <= 100:
		return -d * 0.01
	case d <= 260:
		return -(1 + (d-100)*0.02)
	default:
		return -(4 + (d-260)*0.06)
	}
}

// transition scores moving from prev to next: the distance penalty plus a
// bonus for edges already seen in resolved routes.
func (w Weights) transition(prev, next *geo.LatLon, edgeCount int) float64 {
	return distancePenalty(prev, next)*w.Dist + w.Edge*math.Log(1+float64(edgeCount))
}

// logistic maps a score margin to (0,1).
func logistic(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}
