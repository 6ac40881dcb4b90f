package cluster

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeTagsRoundTrip(t *testing.T) {
	tags := map[string]string{"role": "db", "az": "us-east-1a"}
	buf := encodeTags(tags)
	require.NotEmpty(t, buf)

	got := decodeTags(buf)
	require.Equal(t, tags, got)
}

func TestEncodeTagsEmptyMapReturnsNil(t *testing.T) {
	require.Nil(t, encodeTags(nil))
	require.Nil(t, encodeTags(map[string]string{}))
}

func TestDecodeTagsEmptyBufReturnsEmptyMap(t *testing.T) {
	got := decodeTags(nil)
	require.NotNil(t, got)
	require.Empty(t, got)
}

func TestDecodeTagsMalformedReturnsEmptyMap(t *testing.T) {
	got := decodeTags([]byte{0xff, 0xff, 0xff})
	require.NotNil(t, got)
	require.Empty(t, got)
}
