package geoscore

import (
	"sort"

	"github.com/meshrank/meshrank/internal/geo"
	"github.com/meshrank/meshrank/internal/store"
)

// Input is one route to infer.
type Input struct {
	Tokens     []string
	ObserverID string

	// ObserverHome anchors the emission model; nil when the reporting
	// observer has no stored GPS.
	ObserverHome *geo.LatLon

	// Candidates maps a path token to its candidate pool, pre-ordered by
	// freshness. The engine re-ranks by emission and truncates.
	Candidates func(token string) ([]*store.Candidate, error)

	// EdgePrior returns how many resolved routes already used prev→next.
	EdgePrior func(prev, next string) int

	NowMs int64
}

// Thresholds gate whether an inferred route counts as resolved.
type Thresholds struct {
	RouteConf      float64
	HopConf        float64
	CandidateLimit int
}

func DefaultThresholds() Thresholds {
	return Thresholds{RouteConf: 0.65, HopConf: 0.60, CandidateLimit: 25}
}

// CandidateScore is one diagnostics entry.
type CandidateScore struct {
	Pub      string  `json:"pub"`
	Name     string  `json:"name,omitempty"`
	Emission float64 `json:"emission"`
}

// TokenDiagnostics lists the top-scoring candidates for one position.
type TokenDiagnostics struct {
	Token      string           `json:"token"`
	Candidates []CandidateScore `json:"candidates"`
}

// Diagnostics explains an inference, resolved or not.
type Diagnostics struct {
	FailedTokens []string           `json:"failedTokens,omitempty"`
	Tokens       []TokenDiagnostics `json:"tokens"`
}

// Result is the inference outcome. InferredPubs has one entry per token;
// entries are nil when the route could not be resolved.
type Result struct {
	InferredPubs  []*string
	HopConfidence []float64
	RouteConf     float64
	Unresolved    bool
	TeleportMaxKm float64
	Diagnostics   Diagnostics
}

// Engine runs the Viterbi sweep.
type Engine struct {
	weights    Weights
	thresholds Thresholds
}

func NewEngine(w Weights, t Thresholds) *Engine {
	if t.CandidateLimit <= 0 {
		t.CandidateLimit = DefaultThresholds().CandidateLimit
	}
	return &Engine{weights: w, thresholds: t}
}

// scored is one candidate with its emission, the lattice column entry.
type scored struct {
	cand     *store.Candidate
	emission float64
}

const diagnosticsTopN = 5

// Score infers the route for one token sequence. An empty token list
// yields nil. A datastore error from the candidate source is returned;
// everything else (including zero candidates) is a normal Result.
func (e *Engine) Score(in *Input) (*Result, error) {
	if len(in.Tokens) == 0 {
		return nil, nil
	}

	res := &Result{
		InferredPubs:  make([]*string, len(in.Tokens)),
		HopConfidence: make([]float64, len(in.Tokens)),
	}

	// Build the lattice columns: candidates per position, re-ranked by
	// emission and truncated. A single empty column fails the whole route.
	columns := make([][]scored, len(in.Tokens))
	for i, token := range in.Tokens {
		cands, err := e.column(in, token)
		if err != nil {
			return nil, err
		}
		columns[i] = cands
		res.Diagnostics.Tokens = append(res.Diagnostics.Tokens, tokenDiagnostics(token, cands))
		if len(cands) == 0 {
			res.Diagnostics.FailedTokens = append(res.Diagnostics.FailedTokens, token)
		}
	}
	if len(res.Diagnostics.FailedTokens) > 0 {
		res.Unresolved = true
		return res, nil
	}

	// Viterbi sweep. score[j] is the best path score ending at candidate j
	// of the current position; back[i][j] is its predecessor index.
	back := make([][]int, len(columns))
	score := make([]float64, len(columns[0]))
	for j, c := range columns[0] {
		score[j] = c.emission
	}
	res.HopConfidence[0] = marginConfidence(score)

	for i := 1; i < len(columns); i++ {
		col := columns[i]
		next := make([]float64, len(col))
		back[i] = make([]int, len(col))
		for j, c := range col {
			bestK, bestScore := 0, negInf()
			for k, p := range columns[i-1] {
				t := e.weights.transition(p.cand.GPS, c.cand.GPS, in.EdgePrior(p.cand.Pub, c.cand.Pub))
				if s := score[k] + t; s > bestScore {
					bestK, bestScore = k, s
				}
			}
			next[j] = bestScore + c.emission
			back[i][j] = bestK
		}
		score = next
		res.HopConfidence[i] = marginConfidence(score)
	}

	res.RouteConf = marginConfidence(score)

	// Backtrack from the argmax at the last position.
	j := argmax(score)
	for i := len(columns) - 1; i >= 0; i-- {
		pub := columns[i][j].cand.Pub
		res.InferredPubs[i] = &pub
		if i > 0 {
			j = back[i][j]
		}
	}

	res.TeleportMaxKm = teleportMax(columns, res.InferredPubs)

	if res.RouteConf < e.thresholds.RouteConf {
		res.Unresolved = true
	}
	for _, hc := range res.HopConfidence {
		if hc < e.thresholds.HopConf {
			res.Unresolved = true
		}
	}
	return res, nil
}

func (e *Engine) column(in *Input, token string) ([]scored, error) {
	cands, err := in.Candidates(token)
	if err != nil {
		return nil, err
	}
	col := make([]scored, 0, len(cands))
	for _, c := range cands {
		col = append(col, scored{
			cand:     c,
			emission: e.weights.emission(in.ObserverHome, c.GPS, c.LastSeenMs, in.NowMs),
		})
	}
	sort.SliceStable(col, func(a, b int) bool { return col[a].emission > col[b].emission })
	if len(col) > e.thresholds.CandidateLimit {
		col = col[:e.thresholds.CandidateLimit]
	}
	return col, nil
}

func tokenDiagnostics(token string, col []scored) TokenDiagnostics {
	d := TokenDiagnostics{Token: token}
	for i, c := range col {
		if i == diagnosticsTopN {
			break
		}
		d.Candidates = append(d.Candidates, CandidateScore{
			Pub:      c.cand.Pub,
			Name:     c.cand.Name,
			Emission: c.emission,
		})
	}
	return d
}

// marginConfidence maps the gap between the best and second-best score to
// (0,1]. A lone candidate has no competitor and full confidence.
func marginConfidence(scores []float64) float64 {
	if len(scores) == 1 {
		return 1.0
	}
	best, second := negInf(), negInf()
	for _, s := range scores {
		if s > best {
			best, second = s, best
		} else if s > second {
			second = s
		}
	}
	return logistic(best - second)
}

func teleportMax(columns [][]scored, inferred []*string) float64 {
	var prev *geo.LatLon
	max := 0.0
	for i, pub := range inferred {
		if pub == nil {
			continue
		}
		var pos *geo.LatLon
		for _, c := range columns[i] {
			if c.cand.Pub == *pub {
				pos = c.cand.GPS
				break
			}
		}
		if pos == nil {
			prev = nil
			continue
		}
		if prev != nil {
			if d := geo.DistanceKm(*prev, *pos); d > max {
				max = d
			}
		}
		prev = pos
	}
	return max
}

func argmax(scores []float64) int {
	best, bestScore := 0, negInf()
	for i, s := range scores {
		if s > bestScore {
			best, bestScore = i, s
		}
	}
	return best
}

func negInf() float64 {
	return -1e18
}
