package cluster

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeNodeKeyResponseRoundTrip(t *testing.T) {
	want := nodeKeyResponse{Result: true, Keys: []string{"a", "b"}}
	buf, err := encodeMessage(messageKeyResponseType, &want)
	require.NoError(t, err)

	got, err := decodeNodeKeyResponse(buf)
	require.NoError(t, err)
	require.Equal(t, want.Result, got.Result)
	require.Equal(t, want.Keys, got.Keys)
}

func TestDecodeNodeKeyResponseRejectsWrongType(t *testing.T) {
	buf, err := encodeMessage(messageUserEventType, &nodeKeyResponse{})
	require.NoError(t, err)

	_, err = decodeNodeKeyResponse(buf)
	require.Error(t, err)
}

func TestDecodeNodeKeyResponseRejectsEmpty(t *testing.T) {
	_, err := decodeNodeKeyResponse(nil)
	require.Error(t, err)
}

func TestInternalQueryNameRoundTrip(t *testing.T) {
	name := internalQueryName(installKeyQueryName)
	require.True(t, isInternalQuery(name))
	require.False(t, isInternalQuery("user-query"))
}
