package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/AhmedAldahshoury/coffee/internal/model"
	"github.com/AhmedAldahshoury/coffee/internal/service/trials"
	"github.com/AhmedAldahshoury/coffee/internal/storage"
)

// Serialization failures on a whole operation are retried this many times.
const (
	txRetries   = 3
	txBaseDelay = 25 * time.Millisecond
)

func newRootCmd(logger *slog.Logger, level *slog.LevelVar) *cobra.Command {
	root := &cobra.Command{
		Use:           "coffee",
		Short:         "Brew-parameter trial engine",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &usageError{msg: err.Error()}
	})
	// Cobra checks required and exclusive flags after the persistent hooks;
	// checking here reports them as usage errors.
	root.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		if err := cmd.ValidateRequiredFlags(); err != nil {
			return &usageError{msg: err.Error()}
		}
		if err := cmd.ValidateFlagGroups(); err != nil {
			return &usageError{msg: err.Error()}
		}
		return nil
	}

	// withApp opens the application for one command and closes it afterwards.
	withApp := func(fn func(ctx context.Context, cmd *cobra.Command, a *app) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, logger, level)
			if err != nil {
				return err
			}
			defer func() {
				if cerr := a.close(); cerr != nil {
					logger.Warn("shutdown", "error", cerr)
				}
			}()
			return fn(ctx, cmd, a)
		}
	}

	root.AddCommand(
		newMigrateCmd(withApp),
		newMethodsCmd(withApp),
		newContextCmd(withApp),
		newObserveCmd(withApp),
		newDeleteObservationCmd(withApp),
		newSuggestCmd(withApp),
		newSuggestionsCmd(withApp),
		newApplyCmd(withApp),
		newWarmStartCmd(withApp),
		newInsightsCmd(withApp),
	)
	return root
}

type runner func(fn func(ctx context.Context, cmd *cobra.Command, a *app) error) func(*cobra.Command, []string) error

func newMigrateCmd(withApp runner) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply schema migrations and seed method profiles",
		RunE: withApp(func(ctx context.Context, cmd *cobra.Command, a *app) error {
			applied, err := a.db.AppliedMigrations(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"migrations": slices.Sorted(maps.Keys(applied)),
				"methods":    a.profiles.Methods(),
			})
		}),
	}
}

type methodInfo struct {
	MethodID       string        `json:"method_id"`
	DefaultVariant string        `json:"default_variant"`
	Variants       []variantInfo `json:"variants"`
}

type variantInfo struct {
	VariantID     string   `json:"variant_id"`
	SchemaVersion int      `json:"schema_version"`
	Parameters    []string `json:"parameters"`
}

func newMethodsCmd(withApp runner) *cobra.Command {
	return &cobra.Command{
		Use:   "methods",
		Short: "List brew methods, their variants and latest profile versions",
		RunE: withApp(func(_ context.Context, cmd *cobra.Command, a *app) error {
			var out []methodInfo
			for _, m := range a.profiles.Methods() {
				variants, err := a.profiles.Variants(m)
				if err != nil {
					return err
				}
				def, err := a.profiles.DefaultVariant(m)
				if err != nil {
					return err
				}
				info := methodInfo{MethodID: m, DefaultVariant: def}
				for _, v := range variants {
					p, err := a.profiles.Latest(m, v)
					if err != nil {
						return err
					}
					vi := variantInfo{VariantID: v, SchemaVersion: p.SchemaVersion}
					for _, d := range p.Parameters {
						vi.Parameters = append(vi.Parameters, d.Name)
					}
					info.Variants = append(info.Variants, vi)
				}
				out = append(out, info)
			}
			return printJSON(cmd.OutOrStdout(), out)
		}),
	}
}

// scopeFlags are the flags naming one search scope.
type scopeFlags struct {
	owner     string
	method    string
	variant   string
	equipment string
	bean      string
}

func (f *scopeFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.owner, "owner", "", "Owner ID (UUID)")
	cmd.Flags().StringVar(&f.method, "method", "", "Brew method, e.g. aeropress")
	cmd.Flags().StringVar(&f.variant, "variant", "", "Method variant (defaults to the method's default variant)")
	cmd.Flags().StringVar(&f.equipment, "equipment", "", "Equipment ID (UUID)")
	cmd.Flags().StringVar(&f.bean, "bean", "", "Bean ID (UUID)")
	_ = cmd.MarkFlagRequired("owner")
	_ = cmd.MarkFlagRequired("method")
}

func (f *scopeFlags) request() (trials.ContextRequest, error) {
	owner, err := parseID("owner", f.owner)
	if err != nil {
		return trials.ContextRequest{}, err
	}
	req := trials.ContextRequest{OwnerID: owner, MethodID: f.method}
	if f.variant != "" {
		v := f.variant
		req.VariantID = &v
	}
	if req.EquipmentID, err = parseOptionalID("equipment", f.equipment); err != nil {
		return trials.ContextRequest{}, err
	}
	if req.BeanID, err = parseOptionalID("bean", f.bean); err != nil {
		return trials.ContextRequest{}, err
	}
	return req, nil
}

func newContextCmd(withApp runner) *cobra.Command {
	var scope scopeFlags
	cmd := &cobra.Command{
		Use:   "context",
		Short: "Resolve (and create on first access) the search context of a scope",
		RunE: withApp(func(ctx context.Context, cmd *cobra.Command, a *app) error {
			req, err := scope.request()
			if err != nil {
				return err
			}
			sc, err := a.svc.ResolveContext(ctx, req)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), sc)
		}),
	}
	scope.bind(cmd)
	return cmd
}

func newObserveCmd(withApp runner) *cobra.Command {
	var (
		scope    scopeFlags
		rawJSON  string
		score    float64
		failed   bool
		brewedAt string
	)
	cmd := &cobra.Command{
		Use:   "observe",
		Short: "Record a brew observation",
		RunE: withApp(func(ctx context.Context, cmd *cobra.Command, a *app) error {
			req, err := scope.request()
			if err != nil {
				return err
			}
			obs := model.Observation{
				OwnerID:     req.OwnerID,
				MethodID:    req.MethodID,
				EquipmentID: req.EquipmentID,
				BeanID:      req.BeanID,
				Status:      model.ObservationOK,
				BrewedAt:    time.Now().UTC(),
			}
			if req.VariantID != nil {
				obs.VariantID = *req.VariantID
			}
			if err := json.Unmarshal([]byte(rawJSON), &obs.Params); err != nil {
				return usageErrorf("--params: %v", err)
			}
			if cmd.Flags().Changed("score") {
				obs.Score = &score
			}
			if failed {
				obs.Status = model.ObservationFailed
			}
			if brewedAt != "" {
				if obs.BrewedAt, err = time.Parse(time.RFC3339, brewedAt); err != nil {
					return usageErrorf("--brewed-at: %v", err)
				}
			}
			out, err := a.svc.RecordObservation(ctx, obs)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		}),
	}
	scope.bind(cmd)
	cmd.Flags().StringVar(&rawJSON, "params", "", `Brew parameters as a JSON object, e.g. '{"dose_g":15}'`)
	cmd.Flags().Float64Var(&score, "score", 0, "Taste score")
	cmd.Flags().BoolVar(&failed, "failed", false, "Mark the brew as failed")
	cmd.Flags().StringVar(&brewedAt, "brewed-at", "", "Brew time in RFC 3339 (defaults to now)")
	_ = cmd.MarkFlagRequired("params")
	cmd.MarkFlagsMutuallyExclusive("score", "failed")
	return cmd
}

func newDeleteObservationCmd(withApp runner) *cobra.Command {
	var owner, id string
	cmd := &cobra.Command{
		Use:   "delete-observation",
		Short: "Delete an observation no suggestion references",
		RunE: withApp(func(ctx context.Context, cmd *cobra.Command, a *app) error {
			ownerID, err := parseID("owner", owner)
			if err != nil {
				return err
			}
			obsID, err := parseID("id", id)
			if err != nil {
				return err
			}
			if err := a.svc.DeleteObservation(ctx, ownerID, obsID); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{"deleted": obsID})
		}),
	}
	cmd.Flags().StringVar(&owner, "owner", "", "Owner ID (UUID)")
	cmd.Flags().StringVar(&id, "id", "", "Observation ID (UUID)")
	_ = cmd.MarkFlagRequired("owner")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func newSuggestCmd(withApp runner) *cobra.Command {
	var scope scopeFlags
	cmd := &cobra.Command{
		Use:   "suggest",
		Short: "Issue the next suggested brew parameters for a scope",
		RunE: withApp(func(ctx context.Context, cmd *cobra.Command, a *app) error {
			req, err := scope.request()
			if err != nil {
				return err
			}
			var s model.Suggestion
			err = storage.WithRetry(ctx, txRetries, txBaseDelay, func() error {
				s, err = a.svc.Issue(ctx, req)
				return err
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), s)
		}),
	}
	scope.bind(cmd)
	return cmd
}

func newSuggestionsCmd(withApp runner) *cobra.Command {
	var owner, contextID, id string
	cmd := &cobra.Command{
		Use:   "suggestions",
		Short: "Show one suggestion (--id) or list a context's suggestions (--context)",
		RunE: withApp(func(ctx context.Context, cmd *cobra.Command, a *app) error {
			ownerID, err := parseID("owner", owner)
			if err != nil {
				return err
			}
			switch {
			case id != "":
				sid, err := parseID("id", id)
				if err != nil {
					return err
				}
				s, err := a.svc.GetSuggestion(ctx, ownerID, sid)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), s)
			case contextID != "":
				cid, err := parseID("context", contextID)
				if err != nil {
					return err
				}
				list, err := a.svc.ListSuggestions(ctx, ownerID, cid)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), list)
			default:
				return usageErrorf("one of --id or --context is required")
			}
		}),
	}
	cmd.Flags().StringVar(&owner, "owner", "", "Owner ID (UUID)")
	cmd.Flags().StringVar(&contextID, "context", "", "Search context ID (UUID)")
	cmd.Flags().StringVar(&id, "id", "", "Suggestion ID (UUID)")
	_ = cmd.MarkFlagRequired("owner")
	cmd.MarkFlagsMutuallyExclusive("context", "id")
	return cmd
}

func newApplyCmd(withApp runner) *cobra.Command {
	var (
		owner, suggestion, observation string
		score                          float64
		failed                         bool
	)
	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Report the outcome of a suggestion through one of your observations",
		RunE: withApp(func(ctx context.Context, cmd *cobra.Command, a *app) error {
			var req trials.ApplyRequest
			var err error
			if req.OwnerID, err = parseID("owner", owner); err != nil {
				return err
			}
			if req.SuggestionID, err = parseID("suggestion", suggestion); err != nil {
				return err
			}
			if req.ObservationID, err = parseID("observation", observation); err != nil {
				return err
			}
			if cmd.Flags().Changed("score") {
				req.Score = &score
			}
			req.Failed = failed

			var s model.Suggestion
			err = storage.WithRetry(ctx, txRetries, txBaseDelay, func() error {
				s, err = a.svc.Apply(ctx, req)
				return err
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), s)
		}),
	}
	cmd.Flags().StringVar(&owner, "owner", "", "Owner ID (UUID)")
	cmd.Flags().StringVar(&suggestion, "suggestion", "", "Suggestion ID (UUID)")
	cmd.Flags().StringVar(&observation, "observation", "", "Observation ID (UUID)")
	cmd.Flags().Float64Var(&score, "score", 0, "Score override (defaults to the observation's score)")
	cmd.Flags().BoolVar(&failed, "failed", false, "Report the brew as failed")
	for _, name := range []string{"owner", "suggestion", "observation"} {
		_ = cmd.MarkFlagRequired(name)
	}
	cmd.MarkFlagsMutuallyExclusive("score", "failed")
	return cmd
}

func newWarmStartCmd(withApp runner) *cobra.Command {
	var (
		scope scopeFlags
		limit int
	)
	cmd := &cobra.Command{
		Use:   "warm-start",
		Short: "Inject scored historical observations of a scope into its study",
		RunE: withApp(func(ctx context.Context, cmd *cobra.Command, a *app) error {
			if limit < 0 {
				return usageErrorf("--limit must not be negative")
			}
			req, err := scope.request()
			if err != nil {
				return err
			}
			var res trials.WarmStartResult
			err = storage.WithRetry(ctx, txRetries, txBaseDelay, func() error {
				res, err = a.svc.WarmStart(ctx, req, limit)
				return err
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		}),
	}
	scope.bind(cmd)
	cmd.Flags().IntVar(&limit, "limit", 0, "Most recent observations to consider (0 means all)")
	return cmd
}

func newInsightsCmd(withApp runner) *cobra.Command {
	var scope scopeFlags
	cmd := &cobra.Command{
		Use:   "insights",
		Short: "Summarise the study of a scope",
		RunE: withApp(func(ctx context.Context, cmd *cobra.Command, a *app) error {
			req, err := scope.request()
			if err != nil {
				return err
			}
			in, err := a.svc.Insights(ctx, req)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), in)
		}),
	}
	scope.bind(cmd)
	return cmd
}

func parseID(flag, s string) (uuid.UUID, error) {
	id, err := uuid.Parse(strings.TrimSpace(s))
	if err != nil {
		return uuid.Nil, usageErrorf("--%s: %v", flag, err)
	}
	return id, nil
}

func parseOptionalID(flag, s string) (*uuid.UUID, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	id, err := parseID(flag, s)
	if err != nil {
		return nil, err
	}
	return &id, nil
}

func usageErrorf(format string, args ...any) error {
	return &usageError{msg: fmt.Sprintf(format, args...)}
}
