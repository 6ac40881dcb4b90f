package cluster

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// KeyManager issues the internal key-rotation queries and aggregates each
// node's nodeKeyResponse into a single result the caller can report to an
// operator.
type KeyManager struct {
	c *Cluster
}

// KeyManager returns the key-rotation interface for this cluster.
func (c *Cluster) KeyManager() *KeyManager {
	return &KeyManager{c: c}
}

// ModifyKeyResponse aggregates per-node outcomes of InstallKey/UseKey/RemoveKey.
type ModifyKeyResponse struct {
	Messages   map[string]string
	TotalNodes int
}

// ListKeysResponse aggregates per-node outcomes of ListKeys: Keys maps each
// distinct base64 key to how many nodes reported having it installed.
type ListKeysResponse struct {
	Messages   map[string]string
	TotalNodes int
	Keys       map[string]int
}

func (k *KeyManager) query(name string, rawKey []byte) (*QueryResponse, error) {
	if k.c.config.Keyring == nil {
		return nil, fmt.Errorf("cluster: encryption is not enabled for this node")
	}
	return k.c.Query(internalQueryName(name), rawKey, &QueryParam{Timeout: 10 * time.Second})
}

func decodeNodeKeyResponse(payload []byte) (*nodeKeyResponse, error) {
	if len(payload) < 1 || messageType(payload[0]) != messageKeyResponseType {
		return nil, fmt.Errorf("cluster: malformed key response")
	}
	var resp nodeKeyResponse
	if err := decodeMessage(payload[1:], &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (k *KeyManager) modify(queryName string, key string) (*ModifyKeyResponse, error) {
	rawKey, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return nil, fmt.Errorf("cluster: invalid key %q: %w", key, err)
	}

	qResp, err := k.query(queryName, rawKey)
	if err != nil {
		return nil, err
	}

	resp := &ModifyKeyResponse{
		Messages:   make(map[string]string),
		TotalNodes: k.c.m.NumNodes(),
	}
	for r := range qResp.ResponseCh() {
		nr, err := decodeNodeKeyResponse(r.Payload)
		if err != nil {
			resp.Messages[r.From] = err.Error()
			continue
		}
		if !nr.Result {
			resp.Messages[r.From] = nr.Message
		}
	}
	return resp, nil
}

// InstallKey adds key (base64-encoded) to every reachable node's keyring as
// a non-primary decrypt-only key.
func (k *KeyManager) InstallKey(key string) (*ModifyKeyResponse, error) {
	return k.modify(installKeyQueryName, key)
}

// UseKey promotes key (base64-encoded, must already be installed) to the
// primary encrypt key on every reachable node.
func (k *KeyManager) UseKey(key string) (*ModifyKeyResponse, error) {
	return k.modify(useKeyQueryName, key)
}

// RemoveKey removes key (base64-encoded) from every reachable node's
// keyring; removing the current primary key is rejected per node.
func (k *KeyManager) RemoveKey(key string) (*ModifyKeyResponse, error) {
	return k.modify(removeKeyQueryName, key)
}

// ListKeys surveys every reachable node's keyring and tallies how many
// nodes have each distinct key installed.
func (k *KeyManager) ListKeys() (*ListKeysResponse, error) {
	qResp, err := k.query(listKeysQueryName, nil)
	if err != nil {
		return nil, err
	}

	resp := &ListKeysResponse{
		Messages:   make(map[string]string),
		TotalNodes: k.c.m.NumNodes(),
		Keys:       make(map[string]int),
	}
	for r := range qResp.ResponseCh() {
		nr, err := decodeNodeKeyResponse(r.Payload)
		if err != nil {
			resp.Messages[r.From] = err.Error()
			continue
		}
		if !nr.Result {
			resp.Messages[r.From] = nr.Message
			continue
		}
		for _, key := range nr.Keys {
			resp.Keys[key]++
		}
	}
	return resp, nil
}

// keyringFile is the on-disk representation written to Config.KeyringFile:
// every installed key, base64-encoded, primary first.
type keyringFile struct {
	Keys []string `json:"keys"`
}

// persistKeyring replaces Config.KeyringFile with the current keyring, if
// one is configured, by writing a temporary file beside it and renaming it
// into place; a missing KeyringFile is not an error, it just means
// rotations don't survive a restart.
func (c *Cluster) persistKeyring() error {
	if c.config.KeyringFile == "" || c.config.Keyring == nil {
		return nil
	}
	var kf keyringFile
	for _, key := range c.config.Keyring.Keys() {
		kf.Keys = append(kf.Keys, base64.StdEncoding.EncodeToString(key))
	}
	buf, err := json.MarshalIndent(&kf, "", "  ")
	if err != nil {
		return err
	}
	tmp := c.config.KeyringFile + ".tmp"
	if err := os.WriteFile(tmp, buf, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, c.config.KeyringFile)
}
