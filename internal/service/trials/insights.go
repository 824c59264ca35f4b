package trials

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/AhmedAldahshoury/coffee/internal/model"
)

// minTrialsForImportance is the completed-trial count below which parameter
// importance stays empty.
const minTrialsForImportance = 3

// Insights summarises the study behind req: trial counts, the best completed
// trial and a per-parameter importance estimate.
func (s *Service) Insights(ctx context.Context, req ContextRequest) (model.Insight, error) {
	ctx, span := s.tracer.Start(ctx, "trials.Insights")
	defer span.End()

	r, err := s.resolve(ctx, req)
	if err != nil {
		return model.Insight{}, err
	}
	trials, err := s.backend.Trials(ctx, r.Context.ContextKey)
	if err != nil {
		return model.Insight{}, fmt.Errorf("trials: insights: %w", err)
	}
	return summarize(r.Context.ContextKey, r.Profile, trials), nil
}

func summarize(key string, profile model.MethodProfile, trials []model.Trial) model.Insight {
	out := model.Insight{
		ContextKey:          key,
		TrialCount:          len(trials),
		ParameterImportance: map[string]float64{},
		GeneratedAt:         time.Now().UTC(),
	}

	var completed []model.Trial
	for _, t := range trials {
		if t.State != model.TrialComplete || t.Value == nil {
			continue
		}
		completed = append(completed, t)
		if out.BestTrial == nil || *t.Value > *out.BestTrial.Value {
			best := t
			out.BestTrial = &best
		}
	}
	out.CompletedCount = len(completed)
	if len(completed) < minTrialsForImportance {
		return out
	}

	ys := make([]float64, len(completed))
	for i, t := range completed {
		ys[i] = *t.Value
	}

	var total float64
	raw := map[string]float64{}
	for _, d := range profile.Parameters {
		if d.Kind == model.KindEnum {
			continue
		}
		xs := make([]float64, 0, len(completed))
		for _, t := range completed {
			x, ok := t.Params[d.Name].Numeric()
			if !ok {
				break
			}
			xs = append(xs, x)
		}
		if len(xs) != len(completed) {
			continue
		}
		r := math.Abs(pearson(xs, ys))
		raw[d.Name] = r
		total += r
	}
	for name, r := range raw {
		if total > 0 {
			out.ParameterImportance[name] = r / total
		} else {
			out.ParameterImportance[name] = 0
		}
	}
	return out
}

// pearson returns the correlation coefficient of xs and ys, or 0 when either
// series is constant.
func pearson(xs, ys []float64) float64 {
	n := float64(len(xs))
	var mx, my float64
	for i := range xs {
		mx += xs[i]
		my += ys[i]
	}
	mx /= n
	my /= n

	var cov, vx, vy float64
	for i := range xs {
		dx, dy := xs[i]-mx, ys[i]-my
		cov += dx * dy
		vx += dx * dx
		vy += dy * dy
	}
	if vx == 0 || vy == 0 {
		return 0
	}
	return cov / math.Sqrt(vx*vy)
}
