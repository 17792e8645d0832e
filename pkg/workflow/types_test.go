package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfig(t *testing.T) {
	tests := []struct {
		name         string
		raw          string
		wantErr      bool
		wantTriggers []string
		wantNodes    int
	}{
		{name: "empty", raw: ""},
		{name: "object", raw: `{"nodes":[{"id":"a","type":"TRAIN"}],"triggers":["TRAIN"]}`, wantTriggers: []string{"TRAIN"}, wantNodes: 1},
		{name: "double encoded", raw: `"{\"triggers\":[\"EVAL\"]}"`, wantTriggers: []string{"EVAL"}},
		{name: "not json", raw: "not json", wantErr: true},
		{name: "wrong shape", raw: `{"triggers":"TRAIN"}`, wantErr: true},
		{name: "array", raw: `[1,2]`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := ParseConfig(tt.raw)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrMalformedConfig)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantTriggers, cfg.Triggers)
			assert.Len(t, cfg.Nodes, tt.wantNodes)
		})
	}
}

func TestConfigMatches(t *testing.T) {
	cfg := Config{Triggers: []string{"TRAIN", "EVAL*", " "}}
	assert.True(t, cfg.Matches("TRAIN"))
	assert.True(t, cfg.Matches("EVAL_SUITE"))
	assert.False(t, cfg.Matches("TRAINING"))
	assert.False(t, cfg.Matches("EXPORT"))
	assert.False(t, Config{}.Matches("TRAIN"))
}

func TestConfigEntryNodes(t *testing.T) {
	withStart := Config{Nodes: []Node{
		{ID: "s", Type: "START", Out: []string{"a", "b"}},
		{ID: "a", Type: "TRAIN"},
		{ID: "b", Type: "EVAL"},
	}}
	assert.Equal(t, []string{"a", "b"}, withStart.EntryNodes())

	noStart := Config{Nodes: []Node{{ID: "x", Type: "TRAIN"}, {ID: "y", Type: "EVAL"}}}
	assert.Equal(t, []string{"x"}, noStart.EntryNodes())

	assert.Empty(t, Config{}.EntryNodes())
}

func TestConfigValidate(t *testing.T) {
	ok := Config{Nodes: []Node{{ID: "a", Out: []string{"b"}}, {ID: "b"}}, Triggers: []string{"TRAIN"}}
	require.NoError(t, ok.Validate())

	dup := Config{Nodes: []Node{{ID: "a"}, {ID: "a"}}}
	require.ErrorIs(t, dup.Validate(), ErrMalformedConfig)

	dangling := Config{Nodes: []Node{{ID: "a", Out: []string{"zzz"}}}}
	require.ErrorIs(t, dangling.Validate(), ErrMalformedConfig)

	badPattern := Config{Triggers: []string{"[unterminated"}}
	require.ErrorIs(t, badPattern.Validate(), ErrMalformedConfig)
}

func TestParseDefinition(t *testing.T) {
	doc := []byte(`
name: train-then-eval
experiment_id: exp-1
triggers: [TRAIN]
nodes:
  - {id: start, type: START, out: [eval]}
  - id: eval
    type: EVAL
    task: eval-suite
    provider: local
    cluster: c-eval
`)
	def, err := ParseDefinition(doc)
	require.NoError(t, err)
	assert.Equal(t, "train-then-eval", def.Name)
	assert.Equal(t, "exp-1", def.ExperimentID)
	assert.Equal(t, []string{"TRAIN"}, def.Triggers)
	require.Len(t, def.Nodes, 2)
	assert.Equal(t, "local", def.Nodes[1].Provider)

	nw, err := def.NewWorkflow()
	require.NoError(t, err)
	cfg, err := ParseConfig(nw.Config)
	require.NoError(t, err)
	assert.Equal(t, def.Config, cfg)
}

func TestParseDefinitionJSONAndErrors(t *testing.T) {
	def, err := ParseDefinition([]byte(`{"name":"j","triggers":["EVAL"],"nodes":[{"id":"a","type":"EVAL"}]}`))
	require.NoError(t, err)
	assert.Equal(t, "j", def.Name)

	_, err = ParseDefinition([]byte(`triggers: [TRAIN]`))
	require.ErrorIs(t, err, ErrNameRequired)

	_, err = ParseDefinition([]byte("name: x\nbogus: 1\n"))
	require.ErrorIs(t, err, ErrMalformedConfig)

	_, err = ParseDefinition([]byte("name: x\nnodes:\n  - {id: a, out: [missing]}\n"))
	require.ErrorIs(t, err, ErrMalformedConfig)
}
