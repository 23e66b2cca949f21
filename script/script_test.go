package script

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCompileAndEvaluate(t *testing.T) {
	engine := NewRisorScriptingEngine(DefaultGlobals())
	ctx := context.Background()

	compiled, err := engine.Compile(ctx, `payload["physics_type"] == "cfd"`)
	require.NoError(t, err)

	value, err := compiled.Evaluate(ctx, map[string]any{
		"payload": map[string]any{"physics_type": "cfd"},
	})
	require.NoError(t, err)
	require.True(t, value.IsTruthy())

	value, err = compiled.Evaluate(ctx, map[string]any{
		"payload": map[string]any{"physics_type": "thermal"},
	})
	require.NoError(t, err)
	require.False(t, value.IsTruthy())
}

func TestCompileError(t *testing.T) {
	engine := NewRisorScriptingEngine(DefaultGlobals())
	_, err := engine.Compile(context.Background(), `payload[`)
	require.Error(t, err)
}

func TestTruthiness(t *testing.T) {
	engine := NewRisorScriptingEngine(DefaultGlobals())
	ctx := context.Background()

	cases := map[string]bool{
		`1`:       true,
		`0`:       false,
		`"x"`:     true,
		`""`:      false,
		`"false"`: false,
		`[1]`:     true,
		`[]`:      false,
	}
	for code, expected := range cases {
		compiled, err := engine.Compile(ctx, code)
		require.NoError(t, err)
		value, err := compiled.Evaluate(ctx, nil)
		require.NoError(t, err)
		require.Equal(t, expected, value.IsTruthy(), "code %q", code)
	}
}
