package agent

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConfigValidateRejectsTagsAndTagsFile(t *testing.T) {
	c := DefaultConfig()
	c.Tags = map[string]string{"role": "db"}
	c.TagsFile = "/tmp/tags.json"
	require.Error(t, c.Validate())
}

func TestConfigValidateRejectsEncryptKeyAndKeyringFile(t *testing.T) {
	c := DefaultConfig()
	c.EncryptKey = "YWFhYWFhYWFhYWFhYWFhYWFhYWFhYWFhYWFhYWFhYWE="
	c.KeyringFile = "/tmp/keyring.json"
	require.Error(t, c.Validate())
}

func TestConfigValidateRejectsBadEncryptKeyLength(t *testing.T) {
	c := DefaultConfig()
	c.EncryptKey = "c2hvcnQ=" // "short", base64
	require.Error(t, c.Validate())
}

func TestConfigValidateAcceptsGoodEncryptKey(t *testing.T) {
	c := DefaultConfig()
	c.EncryptKey = "YWFhYWFhYWFhYWFhYWFhYWFhYWFhYWFhYWFhYWFhYWE=" // 32 raw bytes
	require.NoError(t, c.Validate())
}

func TestConfigValidateRejectsUnknownLogLevel(t *testing.T) {
	c := DefaultConfig()
	c.LogLevel = "NOPE"
	require.Error(t, c.Validate())
}

func TestConfigValidateDefaultsPass(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}
