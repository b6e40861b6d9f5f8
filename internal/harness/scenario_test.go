package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadScenario_ResolvesSchemaPath(t *testing.T) {
	s, err := LoadScenario(filepath.Join("testdata", "scenarios", "offline_cold_start.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "offline_cold_start", s.Name)
	assert.Equal(t, "weight_logs", s.Resource)
	assert.True(t, s.StartOffline)
	assert.Equal(t, filepath.Join("testdata", "schemas", "weight_logs.cue"), s.Schema)
	require.Len(t, s.Flow, 5)
	assert.Equal(t, ActionInsert, s.Flow[1].Action)
	require.NotNil(t, s.Flow[1].Expect.Error)
	assert.True(t, *s.Flow[1].Expect.Error)
}

func TestLoadScenario_QueryAndSeed(t *testing.T) {
	s, err := LoadScenario(filepath.Join("testdata", "scenarios", "weight_logs_offline_edit.yaml"))
	require.NoError(t, err)

	require.NotNil(t, s.Query.Order)
	assert.Equal(t, "recorded_at", s.Query.Order.Field)
	assert.True(t, s.Query.Order.Desc)
	assert.Nil(t, s.Query.Filter)
	require.Len(t, s.Seed, 2)
	assert.Equal(t, 1, s.Seed[0]["id"])
	assert.Equal(t, "2024-01-02", s.Seed[0]["recorded_at"])
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorContains(t, err, "failed to read scenario file")
}

func TestParseScenario_RejectsUnknownFields(t *testing.T) {
	_, err := ParseScenario([]byte(`
name: typo
description: d
resource: r
flow:
  - action: fetch
assertion:
  - type: queue_length
    count: 0
`))
	assert.ErrorContains(t, err, "failed to parse YAML")
}

func TestParseScenario_Validation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"no name", "description: d\nresource: r\nflow: [{action: fetch}]", "name is required"},
		{"no description", "name: n\nresource: r\nflow: [{action: fetch}]", "description is required"},
		{"no resource", "name: n\ndescription: d\nflow: [{action: fetch}]", "resource is required"},
		{"no flow", "name: n\ndescription: d\nresource: r", "flow list is required"},
		{"bad action", "name: n\ndescription: d\nresource: r\nflow: [{action: explode}]", `unknown action "explode"`},
		{"update without id", "name: n\ndescription: d\nresource: r\nflow: [{action: update}]", "update requires id"},
		{"fail_next without op", "name: n\ndescription: d\nresource: r\nflow: [{action: fail_next}]", "fail_next requires args.op"},
		{"bad assertion", "name: n\ndescription: d\nresource: r\nflow: [{action: fetch}]\nassertions: [{type: vibes}]", `unknown assertion type "vibes"`},
		{"count missing", "name: n\ndescription: d\nresource: r\nflow: [{action: fetch}]\nassertions: [{type: queue_length}]", "queue_length requires count"},
		{"row missing expect", "name: n\ndescription: d\nresource: r\nflow: [{action: fetch}]\nassertions: [{type: remote_row, id: '1'}]", "remote_row requires id and expect"},
		{"empty status", "name: n\ndescription: d\nresource: r\nflow: [{action: fetch}]\nassertions: [{type: status}]", "status requires online or stale"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadScenario_AllFixturesParse(t *testing.T) {
	paths, err := filepath.Glob(filepath.Join("testdata", "scenarios", "*.yaml"))
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	for _, p := range paths {
		s, err := LoadScenario(p)
		require.NoError(t, err, p)
		if s.Schema != "" {
			_, err := os.Stat(s.Schema)
			assert.NoError(t, err, "schema of %s", p)
		}
	}
}
