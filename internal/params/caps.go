package params

import (
	"fmt"

	"github.com/AhmedAldahshoury/coffee/internal/model"
)

// Cap is a domain hard limit that overrides profile bounds for one method.
// Check returns "" when the set is within the cap.
type Cap struct {
	MethodID string
	Field    string
	Check    func(set model.ParamSet) string
}

// DefaultCaps are the hard limits applied to every validation.
var DefaultCaps = []Cap{
	{
		MethodID: "aeropress",
		Field:    "steep_s",
		Check:    maxSum(180, "steep_s", "plunge_s"),
	},
	{
		MethodID: "v60",
		Field:    "bloom_s",
		Check: func(set model.ParamSet) string {
			bloom, ok1 := set["bloom_s"].Float()
			total, ok2 := set["total_time_s"].Float()
			if ok1 && ok2 && bloom >= total {
				return "bloom must end before the total brew time"
			}
			return ""
		},
	},
	{
		MethodID: "v60",
		Field:    "total_time_s",
		Check:    maxSum(240, "total_time_s"),
	},
}

// maxSum caps the sum of the named numeric parameters. Absent parameters
// count as zero.
func maxSum(limit float64, names ...string) func(model.ParamSet) string {
	return func(set model.ParamSet) string {
		var sum float64
		for _, n := range names {
			if x, ok := set[n].Float(); ok {
				sum += x
			}
		}
		if sum > limit {
			if len(names) == 1 {
				return fmt.Sprintf("must not exceed %g", limit)
			}
			return fmt.Sprintf("%v must not exceed %g in total", names, limit)
		}
		return ""
	}
}

func checkCaps(profile model.MethodProfile, set model.ParamSet, caps []Cap) error {
	fields := map[string]string{}
	for _, c := range caps {
		if c.MethodID != profile.MethodID {
			continue
		}
		if reason := c.Check(set); reason != "" {
			fields[c.Field] = reason
		}
	}
	if len(fields) > 0 {
		return model.NewError(model.CodeInvalidSuggestedParams, "parameters exceed hard limits for %s", profile.MethodID).
			WithFields(fields)
	}
	return nil
}
