package tools

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResultFieldsAreFlattened(t *testing.T) {
	resp := ProcessImageResponse{
		Result: Result{Status: StatusError, Error: "boom", ErrorCode: "STORE_UNAVAILABLE"},
	}
	data, err := json.Marshal(resp)
	require.NoError(t, err)

	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &m))
	assert.Equal(t, "error", m["status"])
	assert.Equal(t, "boom", m["error"])
	assert.Equal(t, "STORE_UNAVAILABLE", m["error_code"])
	assert.NotContains(t, m, "id")
	assert.NotContains(t, m, "Result")
	assert.True(t, resp.Failed())
}

func TestSuccessOmitsErrorFields(t *testing.T) {
	data, err := json.Marshal(CheckCompatibilityResponse{Result: Result{Status: StatusSuccess}, RequiresClearing: true})
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"success","requires_clearing":true}`, string(data))
}

func TestRequestDecoding(t *testing.T) {
	var req FindDuplicatesRequest
	require.NoError(t, json.Unmarshal([]byte(`{"image_path":"/a.jpg","threshold":0.9}`), &req))
	assert.Equal(t, "/a.jpg", req.ImagePath)
	assert.InDelta(t, 0.9, req.Threshold, 1e-9)

	var clear ClearAndRebuildRequest
	require.NoError(t, json.Unmarshal([]byte(`{"confirmation":"confirm"}`), &clear))
	assert.Equal(t, ConfirmationPhrase, clear.Confirmation)
}
