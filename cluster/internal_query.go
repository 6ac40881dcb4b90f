package cluster

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"
)

// InternalQueryPrefix marks a query name as cluster-internal rather than
// application-issued; handleQuery routes anything with this prefix to
// handleInternalQuery instead of publishing a QueryEvent.
const InternalQueryPrefix = "_flock_"

const (
	pingQueryName       = "ping"
	conflictQueryName   = "conflict"
	installKeyQueryName = "install-key"
	useKeyQueryName     = "use-key"
	removeKeyQueryName  = "remove-key"
	listKeysQueryName   = "list-keys"
)

func internalQueryName(name string) string {
	return InternalQueryPrefix + name
}

// nodeKeyResponse is the payload of a reply to any of the key-rotation
// internal queries.
type nodeKeyResponse struct {
	Result  bool
	Message string
	Keys    []string
}

// isInternalQuery reports whether name is reserved for cluster-internal use.
func isInternalQuery(name string) bool {
	return strings.HasPrefix(name, InternalQueryPrefix)
}

// handleInternalQuery dispatches a query whose name carries
// InternalQueryPrefix; unlike application queries, these are handled
// synchronously in-process rather than published to the event bus.
func (c *Cluster) handleInternalQuery(msg messageQuery) {
	name := strings.TrimPrefix(msg.Name, InternalQueryPrefix)
	switch name {
	case pingQueryName:
		c.sendQueryResponse(msg, nil, true)
	case conflictQueryName:
		c.respondConflict(msg)
	case installKeyQueryName:
		c.respondInstallKey(msg)
	case useKeyQueryName:
		c.respondUseKey(msg)
	case removeKeyQueryName:
		c.respondRemoveKey(msg)
	case listKeysQueryName:
		c.respondListKeys(msg)
	default:
		c.logger.Printf("[WARN] cluster: unrecognized internal query %q", msg.Name)
	}
}

// respond encodes resp as a tagged messageKeyResponseType frame (so
// keymanager.go's aggregation can tell it apart from an ordinary reply) and
// sends it back to the querier.
func (c *Cluster) respond(msg messageQuery, resp nodeKeyResponse) {
	buf, err := encodeMessage(messageKeyResponseType, &resp)
	if err != nil {
		c.logger.Printf("[ERR] encoding key response: %v", err)
		return
	}
	c.sendQueryResponse(msg, buf, false)
}

func (c *Cluster) respondConflict(msg messageQuery) {
	local := c.LocalMember()
	if local.Name != string(msg.Payload) {
		return
	}
	c.respond(msg, nodeKeyResponse{Result: true, Message: local.String()})
}

func (c *Cluster) respondInstallKey(msg messageQuery) {
	resp := nodeKeyResponse{Result: true}
	if c.config.Keyring == nil {
		resp.Result = false
		resp.Message = "encryption is not enabled"
		c.respond(msg, resp)
		return
	}
	if err := c.config.Keyring.AddKey(msg.Payload); err != nil {
		resp.Result = false
		resp.Message = err.Error()
		c.respond(msg, resp)
		return
	}
	if err := c.persistKeyring(); err != nil {
		resp.Result = false
		resp.Message = fmt.Sprintf("installed but failed to persist: %v", err)
	}
	c.respond(msg, resp)
}

func (c *Cluster) respondUseKey(msg messageQuery) {
	resp := nodeKeyResponse{Result: true}
	if c.config.Keyring == nil {
		resp.Result = false
		resp.Message = "encryption is not enabled"
		c.respond(msg, resp)
		return
	}
	if err := c.config.Keyring.UseKey(msg.Payload); err != nil {
		resp.Result = false
		resp.Message = err.Error()
		c.respond(msg, resp)
		return
	}
	if err := c.persistKeyring(); err != nil {
		resp.Result = false
		resp.Message = fmt.Sprintf("switched but failed to persist: %v", err)
	}
	c.respond(msg, resp)
}

func (c *Cluster) respondRemoveKey(msg messageQuery) {
	resp := nodeKeyResponse{Result: true}
	if c.config.Keyring == nil {
		resp.Result = false
		resp.Message = "encryption is not enabled"
		c.respond(msg, resp)
		return
	}
	if err := c.config.Keyring.RemoveKey(msg.Payload); err != nil {
		resp.Result = false
		resp.Message = err.Error()
		c.respond(msg, resp)
		return
	}
	if err := c.persistKeyring(); err != nil {
		resp.Result = false
		resp.Message = fmt.Sprintf("removed but failed to persist: %v", err)
	}
	c.respond(msg, resp)
}

func (c *Cluster) respondListKeys(msg messageQuery) {
	resp := nodeKeyResponse{Result: true}
	if c.config.Keyring == nil {
		resp.Result = false
		resp.Message = "encryption is not enabled"
		c.respond(msg, resp)
		return
	}
	for _, key := range c.config.Keyring.Keys() {
		resp.Keys = append(resp.Keys, base64.StdEncoding.EncodeToString(key))
	}
	c.respond(msg, resp)
}

// resolveConflict issues the internal conflict query for name and logs
// whichever node responds as the authoritative owner; it does not force a
// resolution on its own, leaving that to operator intervention or
// ForceLeave.
func (c *Cluster) resolveConflict(name string) {
	resp, err := c.Query(internalQueryName(conflictQueryName), []byte(name), &QueryParam{Timeout: 5 * time.Second})
	if err != nil {
		c.logger.Printf("[ERR] cluster: conflict query for %q failed: %v", name, err)
		return
	}
	for r := range resp.ResponseCh() {
		c.logger.Printf("[INFO] cluster: conflict query for %q: %s says %s", name, r.From, string(r.Payload))
	}
}
