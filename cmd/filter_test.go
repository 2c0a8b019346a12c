package cmd

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilterPayload(t *testing.T) {
	payload := json.RawMessage(`{"plans":{"forms":{"5a":[{"subject":"Ma"},{"subject":"De"}]}},"rooms":{}}`)

	out, err := filterPayload(payload, `.plans.forms["5a"][].subject`)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.JSONEq(t, `"Ma"`, string(out[0]))
	assert.JSONEq(t, `"De"`, string(out[1]))

	out, err = filterPayload(payload, `.plans.forms | keys`)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.JSONEq(t, `["5a"]`, string(out[0]))
}

func TestFilterPayloadErrors(t *testing.T) {
	_, err := filterPayload(json.RawMessage(`{}`), `.plans[`)
	assert.Error(t, err)

	_, err = filterPayload(json.RawMessage(`{"plans":1}`), `.plans[0]`)
	assert.Error(t, err)
}
