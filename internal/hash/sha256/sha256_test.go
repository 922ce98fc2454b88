package sha256

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHash(t *testing.T) {
	t.Parallel()
	h := New()

	got, err := h.Hash([]byte("https://example.com/"))
	require.NoError(t, err)
	require.Len(t, got, 64)

	again, err := h.Hash([]byte("https://example.com/"))
	require.NoError(t, err)
	require.Equal(t, got, again, "same URL must map to the same dedup key")

	other, err := h.Hash([]byte("https://example.com/products"))
	require.NoError(t, err)
	require.NotEqual(t, got, other)
}
