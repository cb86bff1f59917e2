package rule

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEvaluator_Evaluate(t *testing.T) {
	e := NewEvaluator()

	ok, err := e.Evaluate("follower_count > 100 && lang == 'en'", map[string]any{
		"follower_count": 500,
		"lang":           "en",
	})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = e.Evaluate("follower_count > 100", map[string]any{"follower_count": 10})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestEvaluator_EmptyExpression(t *testing.T) {
	e := NewEvaluator()
	_, err := e.Evaluate("", map[string]any{})
	require.Error(t, err)
}

func TestEvaluator_NonBooleanResult(t *testing.T) {
	e := NewEvaluator()
	_, err := e.Evaluate("follower_count + 1", map[string]any{"follower_count": 1})
	require.Error(t, err)
}

func TestEvaluator_UnknownVariable(t *testing.T) {
	e := NewEvaluator()
	_, err := e.Evaluate("missing_var == 'x'", map[string]any{"present": 1})
	require.Error(t, err)
}
