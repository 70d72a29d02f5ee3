package tagnorm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTagNormalization(t *testing.T) {
	require.Equal(t, "photo", Tag("  Photo  "))
	require.Equal(t, "photo", Tag("PHOTO"))
}

func TestTagsDedupesAndDrops(t *testing.T) {
	out := Tags([]string{"Photo", " photo ", "", "  ", "video"})
	require.ElementsMatch(t, []string{"photo", "video"}, out)
}

func TestUsernamePreservesCase(t *testing.T) {
	require.Equal(t, "Alice", Username("  Alice  "))
}
