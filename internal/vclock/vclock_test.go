package vclock

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIncrementIsImmutable(t *testing.T) {
	a := New().Increment("n1")
	b := a.Increment("n1")

	require.Equal(t, uint64(1), a.Get("n1"))
	require.Equal(t, uint64(2), b.Get("n1"))
}

func TestMergeTakesMax(t *testing.T) {
	a := FromMap(map[string]uint64{"n1": 3, "n2": 1})
	b := FromMap(map[string]uint64{"n1": 1, "n2": 5, "n3": 2})

	merged := a.Merge(b)
	require.Equal(t, uint64(3), merged.Get("n1"))
	require.Equal(t, uint64(5), merged.Get("n2"))
	require.Equal(t, uint64(2), merged.Get("n3"))
}

func TestCompare(t *testing.T) {
	equal := New()
	require.Equal(t, Equal, equal.Compare(New()))

	after := New().Increment("n1")
	require.Equal(t, After, after.Compare(New()))
	require.Equal(t, Before, New().Compare(after))

	concurrent := FromMap(map[string]uint64{"n1": 1})
	other := FromMap(map[string]uint64{"n2": 1})
	require.Equal(t, Concurrent, concurrent.Compare(other))
}

func TestJSONRoundTrip(t *testing.T) {
	c := FromMap(map[string]uint64{"n1": 4, "n2": 2})

	raw, err := json.Marshal(c)
	require.NoError(t, err)

	var decoded Clock
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.True(t, c.Equals(decoded))
}

func TestEmptyClockMarshalsToEmptyObject(t *testing.T) {
	raw, err := json.Marshal(New())
	require.NoError(t, err)
	require.JSONEq(t, "{}", string(raw))
}
