package agent

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"

	"github.com/flocknet/flock/membership"
)

// keyringFile mirrors cluster.keyringFile's on-disk shape: every installed
// key, base64-encoded, primary first. cluster.Cluster rewrites this file as
// keys are rotated in; loadKeyringFile is the read side, used once at
// startup to recover a keyring across restarts.
type keyringFile struct {
	Keys []string `json:"keys"`
}

// loadKeyringFile reads path and builds a membership.Keyring from its
// contents. A missing file is not an error: it returns (nil, nil), meaning
// encryption starts disabled.
func loadKeyringFile(path string) (*membership.Keyring, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("agent: reading keyring file: %w", err)
	}

	var kf keyringFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return nil, fmt.Errorf("agent: decoding keyring file: %w", err)
	}
	if len(kf.Keys) == 0 {
		return nil, fmt.Errorf("agent: keyring file %s contains no keys", path)
	}

	keys := make([][]byte, 0, len(kf.Keys))
	for _, encoded := range kf.Keys {
		key, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("agent: decoding key in %s: %w", path, err)
		}
		keys = append(keys, key)
	}

	return membership.NewKeyring(keys)
}

// keyFromString decodes a single base64-encoded key, as supplied via the
// -encrypt flag or config file encrypt_key directive.
func keyFromString(s string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("agent: invalid encryption key: %w", err)
	}
	return key, nil
}
