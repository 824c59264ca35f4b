package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AhmedAldahshoury/coffee/internal/model"
)

func TestRenderError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		code string
		exit int
	}{
		{"invalid input", model.NewError(model.CodeParameterOutOfRange, "dose_g too high"), "parameter_out_of_range", exitInvalidInput},
		{"wrapped not found", fmt.Errorf("apply: %w", model.NewError(model.CodeNotFound, "gone")), "not_found", exitNotFound},
		{"conflict", model.NewError(model.CodeAlreadyApplied, "twice"), "already_applied", exitConflict},
		{"profile bug", model.NewError(model.CodeInvalidProfile, "bad seed"), "invalid_profile", exitInternal},
		{"usage", usageErrorf("--owner: bad uuid"), "usage", exitInvalidInput},
		{"infrastructure", errors.New("storage: connection refused"), "internal", exitInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			body, exit := renderError(tt.err)
			assert.Equal(t, tt.code, body.Code)
			assert.Equal(t, tt.exit, exit)
		})
	}
}

func TestWriteErrorCarriesFields(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	err := model.NewError(model.CodeMissingRequiredParameters, "missing").
		WithFields(map[string]string{"dose_g": "required"})
	exit := writeError(&buf, err)
	assert.Equal(t, exitInvalidInput, exit)

	var out map[string]errorBody
	require.NoError(t, json.Unmarshal(buf.Bytes(), &out))
	assert.Equal(t, "missing_required_parameters", out["error"].Code)
	assert.Equal(t, map[string]string{"dose_g": "required"}, out["error"].Fields)
}

func TestScopeFlagsRequest(t *testing.T) {
	t.Parallel()

	f := scopeFlags{
		owner:  "6f1c2b4e-8d2a-4c2e-9a51-0b7d3e9f1a22",
		method: "aeropress",
		bean:   "0b7d3e9f-1a22-4c2e-9a51-6f1c2b4e8d2a",
	}
	req, err := f.request()
	require.NoError(t, err)
	assert.Equal(t, "aeropress", req.MethodID)
	assert.Nil(t, req.VariantID)
	assert.Nil(t, req.EquipmentID)
	require.NotNil(t, req.BeanID)
	assert.Equal(t, "0b7d3e9f-1a22-4c2e-9a51-6f1c2b4e8d2a", req.BeanID.String())

	f.equipment = "not-a-uuid"
	_, err = f.request()
	var ue *usageError
	require.ErrorAs(t, err, &ue)
	assert.Contains(t, ue.msg, "--equipment")
}

func TestRootCommandTree(t *testing.T) {
	t.Parallel()

	root := newRootCmd(slog.New(slog.DiscardHandler), new(slog.LevelVar))
	for _, name := range []string{"migrate", "methods", "context", "observe", "suggest", "apply", "warm-start", "insights"} {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, cmd.Name())
	}

	apply, _, err := root.Find([]string{"apply"})
	require.NoError(t, err)
	for _, flag := range []string{"owner", "suggestion", "observation", "score", "failed"} {
		assert.NotNil(t, apply.Flags().Lookup(flag), flag)
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	assert.Equal(t, slog.LevelDebug, parseLevel(" DEBUG "))
	assert.Equal(t, slog.LevelWarn, parseLevel("warning"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel(""))
}

func TestScoreAndFailedAreExclusive(t *testing.T) {
	t.Parallel()

	const owner = "6f1c2b4e-8d2a-4c2e-9a51-0b7d3e9f1a22"
	tests := map[string][]string{
		"apply": {"apply", "--owner", owner,
			"--suggestion", "0b7d3e9f-1a22-4c2e-9a51-6f1c2b4e8d2a",
			"--observation", "1a220b7d-3e9f-4c2e-9a51-6f1c2b4e8d2a",
			"--score", "7", "--failed"},
		"observe": {"observe", "--owner", owner, "--method", "aeropress",
			"--params", `{"dose_g":15}`, "--score", "7", "--failed"},
	}
	for name, args := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			root := newRootCmd(slog.New(slog.DiscardHandler), new(slog.LevelVar))
			root.SetArgs(args)
			err := root.Execute()
			var ue *usageError
			require.ErrorAs(t, err, &ue)
			assert.Contains(t, ue.msg, "[failed score]")
			_, exit := renderError(err)
			assert.Equal(t, exitInvalidInput, exit)
		})
	}
}
