package agent

import (
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadKeyringFileMissingIsNil(t *testing.T) {
	kr, err := loadKeyringFile(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)
	require.Nil(t, kr)
}

func TestLoadKeyringFileRoundTrip(t *testing.T) {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}

	path := filepath.Join(t.TempDir(), "keyring.json")
	kf := keyringFile{Keys: []string{base64.StdEncoding.EncodeToString(key)}}
	data, err := json.Marshal(kf)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0600))

	kr, err := loadKeyringFile(path)
	require.NoError(t, err)
	require.NotNil(t, kr)
	require.Equal(t, key, kr.PrimaryKey())
}

func TestLoadKeyringFileRejectsEmptyKeyList(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keyring.json")
	data, err := json.Marshal(keyringFile{Keys: nil})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0600))

	_, err = loadKeyringFile(path)
	require.Error(t, err)
}

func TestLoadKeyringFileRejectsBadBase64(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keyring.json")
	data, err := json.Marshal(keyringFile{Keys: []string{"not-base64!!"}})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0600))

	_, err = loadKeyringFile(path)
	require.Error(t, err)
}

func TestKeyFromStringDecodes(t *testing.T) {
	key, err := keyFromString(base64.StdEncoding.EncodeToString([]byte("0123456789abcdef")))
	require.NoError(t, err)
	require.Equal(t, []byte("0123456789abcdef"), key)
}

func TestKeyFromStringRejectsBadBase64(t *testing.T) {
	_, err := keyFromString("!!!not base64!!!")
	require.Error(t, err)
}
