package rpc

import (
	"bufio"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-msgpack/codec"
	"github.com/hashicorp/logutils"
)

// ErrClientClosed is returned by any in-flight call once Close has been
// called.
var ErrClientClosed = fmt.Errorf("rpc: client closed")

// StreamHandle identifies a live "monitor" or "stream" subscription, for a
// later call to Stop.
type StreamHandle uint64

// rpcResult is what a one-shot call's pendingCall delivers once its
// response header (and body, if any) has arrived.
type rpcResult struct {
	header responseHeader
	body   interface{}
	err    error
}

// pendingCall is registered under a request's Seq the moment it's sent;
// listen() looks it up when the matching response header arrives.
// decodeBody, if non-nil, is called immediately after the header so the
// body frame (which always immediately follows on the wire) is consumed
// by the same single reader goroutine before the next header is read.
type pendingCall struct {
	ch         chan rpcResult
	decodeBody func(*codec.Decoder) (interface{}, error)
	persist    bool

	// onAck, for a persistent subscription, is called once for the initial
	// bodiless ack frame, before decodeBody is ever invoked for the frames
	// that follow. It exists so the dispatch entry (and the goroutine
	// decoding bodies off the single shared reader) can be installed before
	// the request is even sent, closing the race where a streamed frame
	// arrives before the subscriber finishes processing the ack.
	onAck        func(responseHeader)
	ackDelivered bool
}

// Client is a typed counterpart to Server: it dials, handshakes, and
// multiplexes responses back to their originating call by Seq, same as
// the server multiplexes requests by connection.
type Client struct {
	seq    uint64
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
	dec    *codec.Decoder
	enc    *codec.Encoder

	writeLock sync.Mutex

	dispatchLock sync.Mutex
	dispatch     map[uint64]*pendingCall

	shutdown     bool
	shutdownCh   chan struct{}
	shutdownLock sync.Mutex
}

// NewClient dials addr, performs the version handshake, and (if authKey is
// non-empty) authenticates, returning a ready-to-use Client.
func NewClient(addr string, authKey string) (*Client, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}

	c := &Client{
		conn:       conn,
		reader:     bufio.NewReader(conn),
		writer:     bufio.NewWriter(conn),
		dispatch:   make(map[uint64]*pendingCall),
		shutdownCh: make(chan struct{}),
	}
	c.dec = codec.NewDecoder(c.reader, msgpackHandle)
	c.enc = codec.NewEncoder(c.writer, msgpackHandle)
	go c.listen()

	if err := c.handshake(); err != nil {
		c.Close()
		return nil, err
	}
	if authKey != "" {
		if err := c.auth(authKey); err != nil {
			c.Close()
			return nil, err
		}
	}
	return c, nil
}

func (c *Client) nextSeq() uint64 {
	return atomic.AddUint64(&c.seq, 1)
}

func (c *Client) send(header requestHeader, body interface{}) error {
	c.writeLock.Lock()
	defer c.writeLock.Unlock()
	if err := c.enc.Encode(&header); err != nil {
		return err
	}
	if body != nil {
		if err := c.enc.Encode(body); err != nil {
			return err
		}
	}
	return c.writer.Flush()
}

// Close shuts down the connection; any call still in flight returns
// ErrClientClosed.
func (c *Client) Close() error {
	c.shutdownLock.Lock()
	defer c.shutdownLock.Unlock()
	if c.shutdown {
		return nil
	}
	c.shutdown = true
	close(c.shutdownCh)
	return c.conn.Close()
}

// register installs a pendingCall for seq and returns its result channel.
func (c *Client) register(seq uint64, decodeBody func(*codec.Decoder) (interface{}, error)) chan rpcResult {
	ch := make(chan rpcResult, 1)
	c.dispatchLock.Lock()
	c.dispatch[seq] = &pendingCall{ch: ch, decodeBody: decodeBody}
	c.dispatchLock.Unlock()
	return ch
}

func (c *Client) wait(ch chan rpcResult) (responseHeader, interface{}, error) {
	select {
	case r := <-ch:
		return r.header, r.body, r.err
	case <-c.shutdownCh:
		return responseHeader{}, nil, ErrClientClosed
	case <-time.After(30 * time.Second):
		return responseHeader{}, nil, fmt.Errorf("rpc: timed out waiting for response")
	}
}

func (c *Client) call(cmd string, req interface{}) error {
	seq := c.nextSeq()
	ch := c.register(seq, nil)
	if err := c.send(requestHeader{Command: cmd, Seq: seq}, req); err != nil {
		return err
	}
	hdr, _, err := c.wait(ch)
	if err != nil {
		return err
	}
	if hdr.Error != "" {
		return fmt.Errorf("%s", hdr.Error)
	}
	return nil
}

func (c *Client) handshake() error {
	return c.call(handshakeCommand, &handshakeRequest{Version: MaxIPCVersion})
}

func (c *Client) auth(key string) error {
	return c.call(authCommand, &authRequest{AuthKey: key})
}

// Members fetches the full member roster.
func (c *Client) Members() ([]ipcMember, error) {
	seq := c.nextSeq()
	ch := c.register(seq, func(dec *codec.Decoder) (interface{}, error) {
		var resp membersResponse
		if err := dec.Decode(&resp); err != nil {
			return nil, err
		}
		return &resp, nil
	})
	if err := c.send(requestHeader{Command: membersCommand, Seq: seq}, nil); err != nil {
		return nil, err
	}
	hdr, body, err := c.wait(ch)
	if err != nil {
		return nil, err
	}
	if hdr.Error != "" {
		return nil, fmt.Errorf("%s", hdr.Error)
	}
	return body.(*membersResponse).Members, nil
}

// Join asks the agent to contact each address in addrs.
func (c *Client) Join(addrs []string, replay bool) (int, error) {
	seq := c.nextSeq()
	ch := c.register(seq, func(dec *codec.Decoder) (interface{}, error) {
		var resp joinResponse
		if err := dec.Decode(&resp); err != nil {
			return nil, err
		}
		return &resp, nil
	})
	if err := c.send(requestHeader{Command: joinCommand, Seq: seq}, &joinRequest{Existing: addrs, Replay: replay}); err != nil {
		return 0, err
	}
	hdr, body, err := c.wait(ch)
	if err != nil {
		return 0, err
	}
	if hdr.Error != "" {
		return 0, fmt.Errorf("%s", hdr.Error)
	}
	return body.(*joinResponse).Num, nil
}

// Leave asks the agent to initiate a graceful departure.
func (c *Client) Leave() error {
	return c.call(leaveCommand, nil)
}

// ForceLeave administratively marks node as left.
func (c *Client) ForceLeave(node string, prune bool) error {
	return c.call(forceLeaveCommand, &forceLeaveRequest{Node: node, Prune: prune})
}

// UserEvent broadcasts a named application event.
func (c *Client) UserEvent(name string, payload []byte, coalesce bool) error {
	return c.call(eventCommand, &eventRequest{Name: name, Payload: payload, Coalesce: coalesce})
}

// SetTags merges tags into the local tag set and deletes deleteTags.
func (c *Client) SetTags(tags map[string]string, deleteTags []string) error {
	return c.call(tagsCommand, &tagsRequest{Tags: tags, DeleteTags: deleteTags})
}

// Stats fetches the agent's counter snapshot.
func (c *Client) Stats() (map[string]map[string]string, error) {
	seq := c.nextSeq()
	ch := c.register(seq, func(dec *codec.Decoder) (interface{}, error) {
		var resp statsResponse
		if err := dec.Decode(&resp); err != nil {
			return nil, err
		}
		return &resp, nil
	})
	if err := c.send(requestHeader{Command: statsCommand, Seq: seq}, nil); err != nil {
		return nil, err
	}
	hdr, body, err := c.wait(ch)
	if err != nil {
		return nil, err
	}
	if hdr.Error != "" {
		return nil, fmt.Errorf("%s", hdr.Error)
	}
	return body.(*statsResponse).Stats, nil
}

// Monitor subscribes to log lines at or above level, delivering them on ch
// until Stop is called with the returned handle. The persistent dispatch
// entry is installed before the request is even sent, so there's no window
// between the ack and the subscription where a streamed frame could arrive
// and be silently dropped without its body being consumed off the wire.
func (c *Client) Monitor(level logutils.LogLevel, ch chan<- string) (StreamHandle, error) {
	seq := c.nextSeq()
	ackCh := make(chan rpcResult, 1)
	var ackOnce sync.Once

	c.dispatchLock.Lock()
	c.dispatch[seq] = &pendingCall{
		persist: true,
		decodeBody: func(dec *codec.Decoder) (interface{}, error) {
			var rec logRecord
			if err := dec.Decode(&rec); err != nil {
				return nil, err
			}
			select {
			case ch <- rec.Log:
			default:
			}
			return nil, nil
		},
		onAck: func(hdr responseHeader) {
			ackOnce.Do(func() { ackCh <- rpcResult{header: hdr} })
		},
	}
	c.dispatchLock.Unlock()

	if err := c.send(requestHeader{Command: monitorCommand, Seq: seq}, &monitorRequest{LogLevel: string(level)}); err != nil {
		c.dispatchLock.Lock()
		delete(c.dispatch, seq)
		c.dispatchLock.Unlock()
		return 0, err
	}

	hdr, _, err := c.wait(ackCh)
	if err != nil {
		c.dispatchLock.Lock()
		delete(c.dispatch, seq)
		c.dispatchLock.Unlock()
		return 0, err
	}
	if hdr.Error != "" {
		c.dispatchLock.Lock()
		delete(c.dispatch, seq)
		c.dispatchLock.Unlock()
		return 0, fmt.Errorf("%s", hdr.Error)
	}
	return StreamHandle(seq), nil
}

// StreamEvent is the decoded shape of one frame sent down a Stream
// subscription: exactly one of the three pointer fields is set, matching
// which record type the server encoded.
type StreamEvent struct {
	Member *memberEventRecord
	User   *userEventRecord
	Query  *queryEventRecord
}

// Stream subscribes to cluster events matching filter (see streamRequest's
// Type syntax), delivering records on ch until Stop is called. Because the
// wire format doesn't tag which of the three record shapes a given frame
// is, filter should name only one event family per Stream call if the
// caller needs to disambiguate cheaply; "*" decodes everything as
// best-effort member-event shape and is mainly useful for a dumb tee.
func (c *Client) Stream(filter string, ch chan<- StreamEvent) (StreamHandle, error) {
	seq := c.nextSeq()
	kind := streamRecordKind(filter)
	ackCh := make(chan rpcResult, 1)
	var ackOnce sync.Once

	c.dispatchLock.Lock()
	c.dispatch[seq] = &pendingCall{
		persist: true,
		decodeBody: func(dec *codec.Decoder) (interface{}, error) {
			var ev StreamEvent
			switch kind {
			case "user":
				var rec userEventRecord
				if err := dec.Decode(&rec); err != nil {
					return nil, err
				}
				ev.User = &rec
			case "query":
				var rec queryEventRecord
				if err := dec.Decode(&rec); err != nil {
					return nil, err
				}
				ev.Query = &rec
			default:
				var rec memberEventRecord
				if err := dec.Decode(&rec); err != nil {
					return nil, err
				}
				ev.Member = &rec
			}
			select {
			case ch <- ev:
			default:
			}
			return nil, nil
		},
		onAck: func(hdr responseHeader) {
			ackOnce.Do(func() { ackCh <- rpcResult{header: hdr} })
		},
	}
	c.dispatchLock.Unlock()

	if err := c.send(requestHeader{Command: streamCommand, Seq: seq}, &streamRequest{Type: filter}); err != nil {
		c.dispatchLock.Lock()
		delete(c.dispatch, seq)
		c.dispatchLock.Unlock()
		return 0, err
	}

	hdr, _, err := c.wait(ackCh)
	if err != nil {
		c.dispatchLock.Lock()
		delete(c.dispatch, seq)
		c.dispatchLock.Unlock()
		return 0, err
	}
	if hdr.Error != "" {
		c.dispatchLock.Lock()
		delete(c.dispatch, seq)
		c.dispatchLock.Unlock()
		return 0, fmt.Errorf("%s", hdr.Error)
	}
	return StreamHandle(seq), nil
}

// streamRecordKind guesses the predominant record shape a filter will
// produce, for Stream's decode dispatch; a mixed filter (e.g. "user,query")
// should be split into two Stream calls if both shapes are needed.
func streamRecordKind(filter string) string {
	switch {
	case len(filter) >= 4 && filter[:4] == "user":
		return "user"
	case len(filter) >= 5 && filter[:5] == "query":
		return "query"
	default:
		return "member"
	}
}

// Stop cancels a subscription returned by Monitor or Stream.
func (c *Client) Stop(handle StreamHandle) error {
	c.dispatchLock.Lock()
	delete(c.dispatch, uint64(handle))
	c.dispatchLock.Unlock()

	return c.call(stopCommand, &stopRequest{Stop: uint64(handle)})
}

// listen reads frames off the connection and dispatches each one by Seq.
func (c *Client) listen() {
	defer c.Close()
	for {
		var hdr responseHeader
		if err := c.dec.Decode(&hdr); err != nil {
			return
		}

		c.dispatchLock.Lock()
		call, ok := c.dispatch[hdr.Seq]
		if ok && !call.persist {
			delete(c.dispatch, hdr.Seq)
		}
		c.dispatchLock.Unlock()

		if !ok {
			continue
		}

		if call.onAck != nil && !call.ackDelivered {
			// The initial ack for a persistent subscription carries no
			// body on the wire, whether or not it reports an error.
			call.ackDelivered = true
			call.onAck(hdr)
			continue
		}

		var body interface{}
		var err error
		if hdr.Error == "" && call.decodeBody != nil {
			body, err = call.decodeBody(c.dec)
		}
		if call.ch != nil {
			call.ch <- rpcResult{header: hdr, body: body, err: err}
		}
		if err != nil && call.persist {
			return
		}
	}
}
