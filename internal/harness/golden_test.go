package harness

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunWithGolden_WeightLogsOfflineEdit(t *testing.T) {
	// Regenerate with:
	//   go test ./internal/harness -run TestRunWithGolden -update
	result, err := RunWithGolden(t, load(t, "weight_logs_offline_edit"))
	require.NoError(t, err)
	assert.True(t, result.Pass, result.Errors)
}

func TestMarshalTrace_Deterministic(t *testing.T) {
	s := load(t, "offline_insert_rebind")

	first, err := Run(context.Background(), s)
	require.NoError(t, err)
	second, err := Run(context.Background(), s)
	require.NoError(t, err)

	a, err := MarshalTrace(s.Name, first)
	require.NoError(t, err)
	b, err := MarshalTrace(s.Name, second)
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
	assert.Contains(t, string(a), `"record_id": "local-s-1"`)
}
