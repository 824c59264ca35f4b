package optimizer

import (
	"math"
	"math/rand/v2"
	"sort"

	"github.com/AhmedAldahshoury/coffee/internal/model"
)

// History is what a sampler may learn from: the completed trials of one study.
type History struct {
	Direction model.Direction
	Trials    []model.Trial
}

// Sampler draws one untested assignment per parameter of a space. Results
// must honor bounds, step and choices; rng is the only source of randomness.
type Sampler interface {
	Name() string
	Sample(space Space, h History, rng *rand.Rand) model.ParamSet
}

// RandomSampler draws every parameter uniformly.
type RandomSampler struct{}

func (RandomSampler) Name() string { return "random" }

func (RandomSampler) Sample(space Space, _ History, rng *rand.Rand) model.ParamSet {
	out := make(model.ParamSet, len(space))
	for _, d := range space {
		out[d.Name] = sampleUniform(d, rng)
	}
	return out
}

func sampleUniform(d Distribution, rng *rand.Rand) model.Value {
	switch {
	case d.Categorical():
		return d.choiceValue(rng.IntN(len(d.Choices)))
	case d.Step != nil:
		k := rng.IntN(d.gridSize())
		return d.valueAt(d.Low + float64(k)*(*d.Step))
	default:
		return d.valueAt(d.Low + rng.Float64()*(d.High-d.Low))
	}
}

// TPESampler is a univariate tree-structured Parzen estimator. The first
// StartupTrials draws are uniform; afterwards each parameter is sampled from
// candidates ranked by the density ratio between the best Gamma fraction of
// completed trials and the rest.
type TPESampler struct {
	StartupTrials int
	Candidates    int
	Gamma         float64
}

// NewTPESampler returns a TPE sampler with the usual candidate count and split.
func NewTPESampler(startupTrials int) *TPESampler {
	return &TPESampler{StartupTrials: startupTrials, Candidates: 24, Gamma: 0.25}
}

func (s *TPESampler) Name() string { return "tpe" }

func (s *TPESampler) Sample(space Space, h History, rng *rand.Rand) model.ParamSet {
	trials := scoredTrials(h.Trials)
	if len(trials) < max(s.StartupTrials, 2) {
		return RandomSampler{}.Sample(space, h, rng)
	}

	sort.SliceStable(trials, func(i, j int) bool {
		if h.Direction == model.Minimize {
			return *trials[i].Value < *trials[j].Value
		}
		return *trials[i].Value > *trials[j].Value
	})
	nGood := max(1, int(math.Ceil(s.Gamma*float64(len(trials)))))
	good, bad := trials[:nGood], trials[nGood:]

	out := make(model.ParamSet, len(space))
	for _, d := range space {
		if d.Categorical() {
			out[d.Name] = s.sampleCategorical(d, good, bad, rng)
		} else {
			out[d.Name] = s.sampleNumeric(d, good, bad, rng)
		}
	}
	return out
}

func (s *TPESampler) sampleCategorical(d Distribution, good, bad []model.Trial, rng *rand.Rand) model.Value {
	l := categoricalWeights(d, good)
	g := categoricalWeights(d, bad)

	best, bestScore := -1, math.Inf(-1)
	for range max(s.Candidates, 1) {
		i := weightedIndex(l, rng)
		if score := math.Log(l[i]) - math.Log(g[i]); score > bestScore {
			best, bestScore = i, score
		}
	}
	return d.choiceValue(best)
}

// categoricalWeights is a Laplace-smoothed frequency of each choice.
func categoricalWeights(d Distribution, trials []model.Trial) []float64 {
	w := make([]float64, len(d.Choices))
	for i := range w {
		w[i] = 1
	}
	total := float64(len(w))
	for _, t := range trials {
		if i := d.choiceIndex(t.Params[d.Name]); i >= 0 {
			w[i]++
			total++
		}
	}
	for i := range w {
		w[i] /= total
	}
	return w
}

func weightedIndex(w []float64, rng *rand.Rand) int {
	r := rng.Float64()
	for i, p := range w {
		r -= p
		if r <= 0 {
			return i
		}
	}
	return len(w) - 1
}

func (s *TPESampler) sampleNumeric(d Distribution, good, bad []model.Trial, rng *rand.Rand) model.Value {
	if d.High == d.Low {
		return d.valueAt(d.Low)
	}
	l := newParzen(d, numericObservations(d, good))
	g := newParzen(d, numericObservations(d, bad))

	var (
		best      model.Value
		bestScore = math.Inf(-1)
	)
	for range max(s.Candidates, 1) {
		v := d.valueAt(l.draw(rng))
		x, _ := v.Float()
		if score := math.Log(l.density(x)) - math.Log(g.density(x)); score > bestScore {
			best, bestScore = v, score
		}
	}
	return best
}

func numericObservations(d Distribution, trials []model.Trial) []float64 {
	xs := make([]float64, 0, len(trials))
	for _, t := range trials {
		if x, ok := t.Params[d.Name].Float(); ok {
			xs = append(xs, x)
		}
	}
	return xs
}

// parzen is a Gaussian kernel density over [low, high] mixed with a uniform
// prior of weight one observation.
type parzen struct {
	low, high float64
	sigma     float64
	points    []float64
}

func newParzen(d Distribution, points []float64) parzen {
	width := d.High - d.Low
	sigma := width / math.Sqrt(float64(len(points))+1)
	if d.Step != nil {
		sigma = math.Max(sigma, *d.Step)
	}
	return parzen{low: d.Low, high: d.High, sigma: math.Max(sigma, width*0.01), points: points}
}

func (p parzen) draw(rng *rand.Rand) float64 {
	i := rng.IntN(len(p.points) + 1)
	if i == len(p.points) {
		return p.low + rng.Float64()*(p.high-p.low)
	}
	return p.points[i] + rng.NormFloat64()*p.sigma
}

func (p parzen) density(x float64) float64 {
	sum := 1 / (p.high - p.low)
	for _, c := range p.points {
		z := (x - c) / p.sigma
		sum += math.Exp(-0.5*z*z) / (p.sigma * math.Sqrt(2*math.Pi))
	}
	return sum / float64(len(p.points)+1)
}

func scoredTrials(trials []model.Trial) []model.Trial {
	out := make([]model.Trial, 0, len(trials))
	for _, t := range trials {
		if t.State == model.TrialComplete && t.Value != nil {
			out = append(out, t)
		}
	}
	return out
}
