package jobs

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobDataFlatJSON(t *testing.T) {
	raw := `{"command":"python train.py","cluster_name":"c1","provider_launch_result":{"request_id":"r-1"},"custom":{"a":1}}`
	d, err := ParseJobData(raw)
	require.NoError(t, err)

	assert.Equal(t, "python train.py", d.Command)
	assert.Equal(t, "c1", d.ClusterName)
	assert.Equal(t, "r-1", d.ProviderLaunchResult["request_id"])
	assert.Equal(t, map[string]any{"a": float64(1)}, d.Extra["custom"])

	out, err := json.Marshal(d)
	require.NoError(t, err)
	assert.JSONEq(t, raw, string(out))
}

func TestParseJobDataEmpty(t *testing.T) {
	for _, raw := range []string{"", "null", "{}"} {
		d, err := ParseJobData(raw)
		require.NoError(t, err)
		assert.Empty(t, d.Keys())
	}

	_, err := ParseJobData("not json")
	require.Error(t, err)
}

func TestJobDataSetTypedAndExtra(t *testing.T) {
	var d JobData
	require.NoError(t, d.Set(KeyErrorMsg, "boom"))
	require.NoError(t, d.Set("epochs", 3))
	require.NoError(t, d.Set(KeyArtifacts, []string{"a.bin"}))

	assert.Equal(t, "boom", d.ErrorMsg)
	assert.Equal(t, []string{"a.bin"}, d.Artifacts)
	assert.Equal(t, 3, d.Extra["epochs"])

	require.Error(t, d.Set("", 1))
}

func TestJobDataWellKnownKeyAcceptsAnyValue(t *testing.T) {
	var d JobData
	require.NoError(t, d.Set(KeyScore, 0.95))
	require.NoError(t, d.Set(KeyArtifacts, []map[string]any{{"path": "model.bin"}}))

	v, ok := d.Get(KeyScore)
	require.True(t, ok)
	assert.Equal(t, 0.95, v)
	assert.Nil(t, d.Score)
	assert.Nil(t, d.Artifacts)
	assert.Equal(t, []string{KeyArtifacts, KeyScore}, d.Keys())

	// A fitting value moves the key back to its typed field.
	require.NoError(t, d.Set(KeyScore, map[string]any{"acc": 0.9}))
	assert.Equal(t, 0.9, d.Score["acc"])
	_, inExtra := d.Extra[KeyScore]
	assert.False(t, inExtra)

	out, err := json.Marshal(d)
	require.NoError(t, err)
	assert.JSONEq(t, `{"score":{"acc":0.9},"artifacts":[{"path":"model.bin"}]}`, string(out))
}

func TestParseJobDataToleratesOddTypes(t *testing.T) {
	raw := `{"score":0.9,"artifacts":[{"path":"x"}],"error_msg":{"code":7},"command":"run"}`
	d, err := ParseJobData(raw)
	require.NoError(t, err)

	assert.Equal(t, "run", d.Command)
	assert.Equal(t, 0.9, d.Extra[KeyScore])
	assert.Equal(t, []any{map[string]any{"path": "x"}}, d.Extra[KeyArtifacts])
	assert.Equal(t, map[string]any{"code": float64(7)}, d.Extra[KeyErrorMsg])

	out, err := json.Marshal(d)
	require.NoError(t, err)
	assert.JSONEq(t, raw, string(out))
}

func TestJobDataMergeReconcilesTypedAndExtra(t *testing.T) {
	d := JobData{Extra: map[string]any{KeyScore: 0.5}}
	d.Merge(JobData{Score: map[string]any{"acc": 0.8}})
	assert.Equal(t, 0.8, d.Score["acc"])
	_, inExtra := d.Extra[KeyScore]
	assert.False(t, inExtra)

	d.Merge(JobData{Extra: map[string]any{KeyScore: 1}})
	assert.Nil(t, d.Score)
	v, ok := d.Get(KeyScore)
	require.True(t, ok)
	assert.Equal(t, 1, v)
}

func TestJobDataMergeKeepsOtherKeys(t *testing.T) {
	d := JobData{
		Command:              "run",
		ProviderLaunchResult: map[string]any{"request_id": "r-1"},
		Extra:                map[string]any{"keep": true},
	}
	d.Merge(JobData{ErrorMsg: "late", Extra: map[string]any{"new": 1}})

	assert.Equal(t, "run", d.Command)
	assert.Equal(t, "late", d.ErrorMsg)
	assert.Equal(t, "r-1", d.ProviderLaunchResult["request_id"])
	assert.Equal(t, true, d.Extra["keep"])
	assert.Equal(t, 1, d.Extra["new"])
}

func TestJobDataReplacePreservesLaunchKeys(t *testing.T) {
	d := JobData{
		Command:               "run",
		ProviderLaunchResult:  map[string]any{"request_id": "r-1"},
		OrchestratorRequestID: "r-1",
	}
	next := d.Replace(JobData{Command: "other"})

	assert.Equal(t, "other", next.Command)
	assert.Equal(t, "r-1", next.OrchestratorRequestID)
	assert.Equal(t, "r-1", next.ProviderLaunchResult["request_id"])

	overwritten := d.Replace(JobData{OrchestratorRequestID: "r-2"})
	assert.Equal(t, "r-2", overwritten.OrchestratorRequestID)
}

func TestJobDataKeysSorted(t *testing.T) {
	d := JobData{ClusterName: "c", Command: "x", Extra: map[string]any{"b": 1, "a": 2}}
	assert.Equal(t, []string{"a", "b", "cluster_name", "command"}, d.Keys())
}

func TestJobDataCloneIsDeep(t *testing.T) {
	d := JobData{Score: map[string]any{"acc": 0.9}}
	c := d.Clone()
	c.Score["acc"] = 0.1
	assert.Equal(t, 0.9, d.Score["acc"])
}
