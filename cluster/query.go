package cluster

import (
	"fmt"
	"net"
	"regexp"
	"sync"
	"time"
)

// QueryParam restricts and tunes a single Query call.
type QueryParam struct {
	// FilterNodes, if non-empty, restricts delivery to these node names.
	FilterNodes []string

	// FilterTags restricts delivery to nodes whose tags match; each
	// entry's value is an anchored regular expression against the tag
	// named by its key.
	FilterTags map[string]string

	// RequestAck asks every matching node to acknowledge delivery even if
	// it has nothing to respond with.
	RequestAck bool

	// RelayFactor is how many extra nodes should relay this node's
	// response back toward the querier if a direct send fails.
	RelayFactor uint8

	// Timeout bounds how long QueryResponse stays open; zero picks
	// QueryTimeoutMult times 200ms (16 times when QueryTimeoutMult is not
	// positive), regardless of cluster size.
	Timeout time.Duration
}

// NodeResponse is one reply or ack collected by a QueryResponse.
type NodeResponse struct {
	From    string
	Payload []byte
}

// QueryResponse streams acks and responses for one outstanding query; both
// channels close once Timeout elapses.
type QueryResponse struct {
	ltime LamportTime
	id    uint32

	ackCh  chan string
	respCh chan NodeResponse

	closeOnce sync.Once
	doneCh    chan struct{}
}

func newQueryResponse(ltime LamportTime, id uint32) *QueryResponse {
	return &QueryResponse{
		ltime:  ltime,
		id:     id,
		ackCh:  make(chan string, 128),
		respCh: make(chan NodeResponse, 128),
		doneCh: make(chan struct{}),
	}
}

// AckCh streams the name of every node that acknowledged the query.
func (q *QueryResponse) AckCh() <-chan string { return q.ackCh }

// ResponseCh streams every reply received.
func (q *QueryResponse) ResponseCh() <-chan NodeResponse { return q.respCh }

// Finished reports whether the response window has closed.
func (q *QueryResponse) Finished() bool {
	select {
	case <-q.doneCh:
		return true
	default:
		return false
	}
}

func (q *QueryResponse) close() {
	q.closeOnce.Do(func() {
		close(q.doneCh)
		close(q.ackCh)
		close(q.respCh)
	})
}

func (q *QueryResponse) deliverAck(from string) {
	select {
	case q.ackCh <- from:
	case <-q.doneCh:
	default:
	}
}

func (q *QueryResponse) deliverResponse(r NodeResponse) {
	select {
	case q.respCh <- r:
	case <-q.doneCh:
	default:
	}
}

func defaultQueryTimeout(mult int) time.Duration {
	if mult <= 0 {
		mult = 16
	}
	return time.Duration(mult) * 200 * time.Millisecond
}

// Query broadcasts name/payload to the cluster (or the subset matching
// params' filters) and returns a QueryResponse streaming acks/replies until
// the timeout elapses.
func (c *Cluster) Query(name string, payload []byte, params *QueryParam) (*QueryResponse, error) {
	if params == nil {
		params = &QueryParam{}
	}
	timeout := params.Timeout
	if timeout <= 0 {
		timeout = defaultQueryTimeout(c.config.QueryTimeoutMult)
	}

	var filters [][]byte
	if len(params.FilterNodes) > 0 {
		buf, err := encodeFilter(filterNodeType, filterNode(params.FilterNodes))
		if err != nil {
			return nil, err
		}
		filters = append(filters, buf)
	}
	for tag, expr := range params.FilterTags {
		if _, err := regexp.Compile(expr); err != nil {
			return nil, fmt.Errorf("cluster: invalid tag filter %q: %w", tag, err)
		}
		buf, err := encodeFilter(filterTagType, filterTag{Tag: tag, Expr: expr})
		if err != nil {
			return nil, err
		}
		filters = append(filters, buf)
	}

	ltime := c.queryClock.Increment()
	id := c.nextQueryID()

	local := c.m.LocalNode()
	msg := messageQuery{
		LTime:       ltime,
		ID:          id,
		Addr:        local.Addr,
		Port:        local.Port,
		Filters:     filters,
		Ack:         params.RequestAck,
		RelayFactor: params.RelayFactor,
		Timeout:     timeout,
		Name:        name,
		Payload:     payload,
	}
	buf, err := encodeMessage(messageQueryType, &msg)
	if err != nil {
		return nil, err
	}

	resp := newQueryResponse(ltime, id)
	c.queryLock.Lock()
	c.queries[id] = resp
	c.queryLock.Unlock()

	c.recentQueries.Record(ltime, name, payload)
	c.m.QueueBroadcast(newClusterBroadcast(fmt.Sprintf("q-%d", id), buf))

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		select {
		case <-time.After(timeout):
		case <-c.shutdownCh:
		}
		c.queryLock.Lock()
		delete(c.queries, id)
		c.queryLock.Unlock()
		resp.close()
	}()

	return resp, nil
}

func (c *Cluster) nextQueryID() uint32 {
	c.queryIDLock.Lock()
	defer c.queryIDLock.Unlock()
	c.queryIDSeq++
	return c.queryIDSeq
}

func matchesFilters(local Member, filters [][]byte) bool {
	for _, f := range filters {
		if len(f) < 1 {
			continue
		}
		switch filterType(f[0]) {
		case filterNodeType:
			var nodes filterNode
			if err := decodeMessage(f[1:], &nodes); err != nil {
				return false
			}
			matched := false
			for _, n := range nodes {
				if n == local.Name {
					matched = true
					break
				}
			}
			if !matched {
				return false
			}
		case filterTagType:
			var ft filterTag
			if err := decodeMessage(f[1:], &ft); err != nil {
				return false
			}
			val, ok := local.Tags[ft.Tag]
			if !ok {
				return false
			}
			re, err := regexp.Compile("^" + ft.Expr + "$")
			if err != nil || !re.MatchString(val) {
				return false
			}
		}
	}
	return true
}

func (c *Cluster) handleQuery(body []byte, raw []byte) {
	var msg messageQuery
	if err := decodeMessage(body, &msg); err != nil {
		c.logger.Printf("[ERR] decoding query: %v", err)
		return
	}
	c.queryClock.Witness(msg.LTime)

	if c.recentQueries.Seen(msg.LTime, msg.Name, msg.Payload) {
		return
	}
	c.recentQueries.Record(msg.LTime, msg.Name, msg.Payload)

	// re-broadcast so the query keeps propagating through the overlay
	c.m.QueueBroadcast(newClusterBroadcast(fmt.Sprintf("q-%d", msg.ID), raw))

	if !matchesFilters(c.LocalMember(), msg.Filters) {
		return
	}

	if msg.Ack {
		c.sendQueryResponse(msg, nil, true)
	}

	if isInternalQuery(msg.Name) {
		c.handleInternalQuery(msg)
		return
	}

	c.publish(QueryEvent{
		LTime:   msg.LTime,
		Name:    msg.Name,
		Payload: msg.Payload,
		id:      msg.ID,
		addr:    msg.Addr,
		port:    msg.Port,
		deadline: time.Now().Add(msg.Timeout).UnixNano(),
		relayFactor: msg.RelayFactor,
		c:       c,
	})
}

func (c *Cluster) sendQueryResponse(msg messageQuery, payload []byte, ack bool) {
	resp := messageQueryResponse{
		LTime:   msg.LTime,
		ID:      msg.ID,
		From:    c.m.LocalName(),
		Ack:     ack,
		Payload: payload,
	}
	buf, err := encodeMessage(messageQueryResponseType, &resp)
	if err != nil {
		c.logger.Printf("[ERR] encoding query response: %v", err)
		return
	}
	addr := net.JoinHostPort(net.IP(msg.Addr).String(), fmt.Sprintf("%d", msg.Port))
	if err := c.m.SendUserMsg(addr, buf); err != nil {
		c.logger.Printf("[WARN] direct query response to %s failed, relaying: %v", addr, err)
		c.relayResponse(msg, buf)
	}
}

// relayResponse asks RelayFactor peers to forward a response the querier
// couldn't be reached directly, guarding against asymmetric connectivity.
func (c *Cluster) relayResponse(msg messageQuery, payload []byte) {
	if msg.RelayFactor == 0 {
		return
	}
	relay := messageRelay{Addr: msg.Addr, Port: msg.Port, Payload: payload}
	buf, err := encodeMessage(messageRelayType, &relay)
	if err != nil {
		return
	}
	sent := 0
	for _, member := range c.Members() {
		if member.Name == c.m.LocalName() || member.Status != StatusAlive {
			continue
		}
		if err := c.m.SendUserMsg(net.JoinHostPort(member.Addr.String(), fmt.Sprintf("%d", member.Port)), buf); err == nil {
			sent++
			if sent >= int(msg.RelayFactor) {
				return
			}
		}
	}
}

func (c *Cluster) handleQueryResponse(body []byte) {
	var msg messageQueryResponse
	if err := decodeMessage(body, &msg); err != nil {
		c.logger.Printf("[ERR] decoding query response: %v", err)
		return
	}
	c.queryLock.Lock()
	resp, ok := c.queries[msg.ID]
	c.queryLock.Unlock()
	if !ok || resp.ltime != msg.LTime {
		return
	}
	if msg.Ack {
		resp.deliverAck(msg.From)
		return
	}
	resp.deliverResponse(NodeResponse{From: msg.From, Payload: msg.Payload})
}

func (c *Cluster) handleRelay(body []byte) {
	var relay messageRelay
	if err := decodeMessage(body, &relay); err != nil {
		c.logger.Printf("[ERR] decoding relay: %v", err)
		return
	}
	addr := net.JoinHostPort(net.IP(relay.Addr).String(), fmt.Sprintf("%d", relay.Port))
	if err := c.m.SendUserMsg(addr, relay.Payload); err != nil {
		c.logger.Printf("[WARN] relay to %s failed: %v", addr, err)
	}
}

// Respond answers the query q was delivered for. Once the query's deadline
// has passed it sends nothing and returns an error.
func (q QueryEvent) Respond(payload []byte) error {
	if time.Now().UnixNano() > q.deadline {
		return fmt.Errorf("cluster: query response sent after deadline")
	}
	if limit := q.c.config.QueryResponseSizeLimit; limit > 0 && len(payload) > limit {
		return fmt.Errorf("query response exceeds limit of %d bytes", limit)
	}
	msg := messageQuery{LTime: q.LTime, ID: q.id, Addr: q.addr, Port: q.port, RelayFactor: q.relayFactor, Name: q.Name}
	q.c.sendQueryResponse(msg, payload, false)
	return nil
}
