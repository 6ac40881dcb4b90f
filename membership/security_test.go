package membership

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func testKey(b byte) []byte {
	k := make([]byte, 32)
	for i := range k {
		k[i] = b
	}
	return k
}

func TestKeyringRejectsBadKeyLength(t *testing.T) {
	_, err := NewKeyring([][]byte{[]byte("short")})
	require.Error(t, err)
}

func TestKeyringPrimaryAndUseKey(t *testing.T) {
	k1, k2 := testKey(1), testKey(2)
	kr, err := NewKeyring([][]byte{k1})
	require.NoError(t, err)
	require.Equal(t, k1, kr.PrimaryKey())

	require.NoError(t, kr.AddKey(k2))
	require.Equal(t, k1, kr.PrimaryKey())
	require.Len(t, kr.Keys(), 2)

	require.NoError(t, kr.UseKey(k2))
	require.Equal(t, k2, kr.PrimaryKey())
}

func TestKeyringUseKeyRequiresInstalled(t *testing.T) {
	kr, err := NewKeyring([][]byte{testKey(1)})
	require.NoError(t, err)
	require.Error(t, kr.UseKey(testKey(9)))
}

func TestKeyringRemoveKeyRejectsPrimary(t *testing.T) {
	kr, err := NewKeyring([][]byte{testKey(1), testKey(2)})
	require.NoError(t, err)
	require.Error(t, kr.RemoveKey(testKey(1)))
	require.NoError(t, kr.RemoveKey(testKey(2)))
	require.Len(t, kr.Keys(), 1)
}

func TestEncryptDecryptPayloadRoundTrip(t *testing.T) {
	key := testKey(7)
	plain := []byte("membership wire frame")

	sealed, err := encryptPayload(key, plain)
	require.NoError(t, err)
	require.Equal(t, len(plain)+encryptOverhead(), len(sealed))

	recovered, err := decryptPayload([][]byte{key}, sealed)
	require.NoError(t, err)
	require.Equal(t, plain, recovered)
}

func TestDecryptPayloadTriesEveryKeyInRing(t *testing.T) {
	oldKey, newKey := testKey(1), testKey(2)
	sealed, err := encryptPayload(oldKey, []byte("hello"))
	require.NoError(t, err)

	recovered, err := decryptPayload([][]byte{newKey, oldKey}, sealed)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), recovered)
}

func TestDecryptPayloadFailsWithWrongKey(t *testing.T) {
	sealed, err := encryptPayload(testKey(1), []byte("hello"))
	require.NoError(t, err)

	_, err = decryptPayload([][]byte{testKey(2)}, sealed)
	require.Error(t, err)
}

func TestDecryptPayloadRejectsTruncated(t *testing.T) {
	_, err := decryptPayload([][]byte{testKey(1)}, []byte{1, 2, 3})
	require.Error(t, err)
}
