package id

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRoundTripJSON(t *testing.T) {
	in := New()

	data, err := json.Marshal(in)
	require.NoError(t, err)

	var out ID
	require.NoError(t, json.Unmarshal(data, &out))
	require.Equal(t, in, out)
}

func TestParseInvalid(t *testing.T) {
	_, err := Parse("not-a-uuid")
	require.Error(t, err)
}

func TestValueScanRoundTrip(t *testing.T) {
	in := New()

	v, err := in.Value()
	require.NoError(t, err)

	var out ID
	require.NoError(t, out.Scan(v))
	require.Equal(t, in, out)
}
