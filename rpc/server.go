package rpc

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"regexp"
	"sync"
	"time"

	"github.com/hashicorp/go-msgpack/codec"
	"github.com/hashicorp/logutils"

	"github.com/flocknet/flock/agent"
	"github.com/flocknet/flock/cluster"
	"github.com/flocknet/flock/eventbus"
)

var msgpackHandle = &codec.MsgpackHandle{}

// Server accepts RPC connections and dispatches commands against an
// agent.Agent. Each connection gets its own reader goroutine; writes to a
// connection are serialized through that connection's writeLock so
// streamed frames from a subscription never interleave mid-object with an
// ordinary response.
type Server struct {
	agent        *agent.Agent
	listener     net.Listener
	logger       *log.Logger
	authKey      string
	maxFrameSize int

	mu      sync.Mutex
	conns   map[string]*serverConn
	stop    bool
	stopCh  chan struct{}
	connsWG sync.WaitGroup
}

// DefaultMaxFrameSize bounds a single RPC frame (header plus body) when the
// caller doesn't configure one explicitly.
const DefaultMaxFrameSize = 1 << 20

// NewServer creates an RPC server fronting a, listening on l. authKey, if
// non-empty, is the shared secret every connection must present via the
// "auth" command before any other command is accepted. maxFrameSize bounds
// a single decoded request frame; a value <= 0 falls back to
// DefaultMaxFrameSize.
func NewServer(a *agent.Agent, l net.Listener, authKey string, maxFrameSize int, logOutput io.Writer) *Server {
	if logOutput == nil {
		logOutput = log.Writer()
	}
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	return &Server{
		agent:        a,
		listener:     l,
		logger:       log.New(logOutput, "rpc: ", log.LstdFlags),
		authKey:      authKey,
		maxFrameSize: maxFrameSize,
		conns:        make(map[string]*serverConn),
		stopCh:       make(chan struct{}),
	}
}

// Run accepts connections until the listener is closed or Shutdown is
// called.
func (s *Server) Run() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.mu.Lock()
			stopped := s.stop
			s.mu.Unlock()
			if stopped {
				return nil
			}
			s.logger.Printf("[ERR] accept failed: %v", err)
			return err
		}

		sc := newServerConn(s, conn)

		s.mu.Lock()
		if s.stop {
			s.mu.Unlock()
			conn.Close()
			continue
		}
		s.conns[sc.name] = sc
		s.connsWG.Add(1)
		s.mu.Unlock()

		go func() {
			defer s.connsWG.Done()
			sc.serve()
			s.mu.Lock()
			delete(s.conns, sc.name)
			s.mu.Unlock()
		}()
	}
}

// Shutdown closes the listener and every open connection, then waits up to
// one second for their reader goroutines and subscriptions to unwind.
func (s *Server) Shutdown() error {
	s.mu.Lock()
	if s.stop {
		s.mu.Unlock()
		return nil
	}
	s.stop = true
	close(s.stopCh)
	err := s.listener.Close()
	for _, c := range s.conns {
		c.conn.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.connsWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
	}
	return err
}

// serverConn is the per-connection state: the decode/encode pair, the
// handshake/auth progress, and the live subscriptions this connection owns
// (stream/monitor keyed by request Seq, plus in-flight queries this
// connection is waiting to hear "done" for).
type serverConn struct {
	s    *Server
	name string
	conn net.Conn

	reader *bufio.Reader
	writer *bufio.Writer
	frame  *frameLimitReader
	dec    *codec.Decoder
	enc    *codec.Encoder

	writeLock sync.Mutex

	version       int
	authenticated bool

	subLock sync.Mutex
	subs    map[uint64]func()

	pendingLock sync.Mutex
	pending     map[uint32]cluster.QueryEvent
}

func newServerConn(s *Server, conn net.Conn) *serverConn {
	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)
	frame := &frameLimitReader{r: reader, max: s.maxFrameSize}
	return &serverConn{
		s:       s,
		name:    conn.RemoteAddr().String(),
		conn:    conn,
		reader:  reader,
		writer:  writer,
		frame:   frame,
		dec:     codec.NewDecoder(frame, msgpackHandle),
		enc:     codec.NewEncoder(writer, msgpackHandle),
		subs:    make(map[uint64]func()),
		pending: make(map[uint32]cluster.QueryEvent),
	}
}

// errFrameTooLarge is returned by frameLimitReader once a single request
// frame (header plus body) has read past its configured limit.
var errFrameTooLarge = errors.New("rpc: frame too large")

// frameLimitReader caps the total bytes read across one decode cycle,
// reset at the start of every request in serverConn.serve. This bounds a
// single {requestHeader, body} pair rather than the whole connection.
type frameLimitReader struct {
	r   *bufio.Reader
	max int
	n   int
}

func (f *frameLimitReader) Read(p []byte) (int, error) {
	if f.max > 0 && f.n > f.max {
		return 0, errFrameTooLarge
	}
	n, err := f.r.Read(p)
	f.n += n
	if f.max > 0 && f.n > f.max {
		return n, errFrameTooLarge
	}
	return n, err
}

func (f *frameLimitReader) reset() { f.n = 0 }

func (c *serverConn) sendHeader(seq uint64, errMsg string) error {
	c.writeLock.Lock()
	defer c.writeLock.Unlock()
	if err := c.enc.Encode(&responseHeader{Seq: seq, Error: errMsg}); err != nil {
		return err
	}
	return c.writer.Flush()
}

func (c *serverConn) sendBody(seq uint64, errMsg string, body interface{}) error {
	c.writeLock.Lock()
	defer c.writeLock.Unlock()
	if err := c.enc.Encode(&responseHeader{Seq: seq, Error: errMsg}); err != nil {
		return err
	}
	if body != nil {
		if err := c.enc.Encode(body); err != nil {
			return err
		}
	}
	return c.writer.Flush()
}

func (c *serverConn) closeAllSubs() {
	c.subLock.Lock()
	subs := c.subs
	c.subs = make(map[uint64]func())
	c.subLock.Unlock()
	for _, cancel := range subs {
		cancel()
	}
}

func (c *serverConn) serve() {
	defer c.conn.Close()
	defer c.closeAllSubs()

	for {
		c.frame.reset()
		var req requestHeader
		if err := c.dec.Decode(&req); err != nil {
			if errors.Is(err, errFrameTooLarge) {
				c.sendHeader(req.Seq, frameTooLarge)
				return
			}
			if err != io.EOF {
				c.s.logger.Printf("[ERR] decoding request from %s: %v", c.name, err)
			}
			return
		}

		if err := c.dispatch(req); err != nil {
			if errors.Is(err, errFrameTooLarge) {
				c.sendHeader(req.Seq, frameTooLarge)
				return
			}
			c.s.logger.Printf("[ERR] handling %q from %s: %v", req.Command, c.name, err)
			return
		}
	}
}

func (c *serverConn) dispatch(req requestHeader) error {
	if req.Command != handshakeCommand && c.version == 0 {
		return c.sendHeader(req.Seq, handshakeRequired)
	}
	if req.Command != handshakeCommand && req.Command != authCommand &&
		c.s.authKey != "" && !c.authenticated {
		return c.sendHeader(req.Seq, authRequired)
	}

	switch req.Command {
	case handshakeCommand:
		return c.handleHandshake(req.Seq)
	case authCommand:
		return c.handleAuth(req.Seq)
	case membersCommand:
		return c.handleMembers(req.Seq)
	case membersFilteredCommand:
		return c.handleMembersFiltered(req.Seq)
	case eventCommand:
		return c.handleEvent(req.Seq)
	case queryCommand:
		return c.handleQuery(req.Seq)
	case respondCommand:
		return c.handleRespond(req.Seq)
	case joinCommand:
		return c.handleJoin(req.Seq)
	case leaveCommand:
		return c.handleLeave(req.Seq)
	case forceLeaveCommand:
		return c.handleForceLeave(req.Seq)
	case tagsCommand:
		return c.handleTags(req.Seq)
	case installKeyCommand:
		return c.handleKeyOp(req.Seq, installKeyCommand)
	case useKeyCommand:
		return c.handleKeyOp(req.Seq, useKeyCommand)
	case removeKeyCommand:
		return c.handleKeyOp(req.Seq, removeKeyCommand)
	case listKeysCommand:
		return c.handleListKeys(req.Seq)
	case statsCommand:
		return c.handleStats(req.Seq)
	case getCoordinateCommand:
		return c.handleGetCoordinate(req.Seq)
	case monitorCommand:
		return c.handleMonitor(req.Seq)
	case streamCommand:
		return c.handleStream(req.Seq)
	case stopCommand:
		return c.handleStop(req.Seq)
	default:
		return c.sendHeader(req.Seq, unsupportedCommand)
	}
}

func (c *serverConn) handleHandshake(seq uint64) error {
	var body handshakeRequest
	if err := c.dec.Decode(&body); err != nil {
		return err
	}
	if body.Version < MinIPCVersion || body.Version > MaxIPCVersion {
		return c.sendHeader(seq, unsupportedIPCVersion)
	}
	if c.version != 0 {
		return c.sendHeader(seq, duplicateHandshake)
	}
	c.version = body.Version
	return c.sendHeader(seq, "")
}

func (c *serverConn) handleAuth(seq uint64) error {
	var body authRequest
	if err := c.dec.Decode(&body); err != nil {
		return err
	}
	if c.s.authKey != "" && body.AuthKey != c.s.authKey {
		return c.sendHeader(seq, invalidAuthKey)
	}
	c.authenticated = true
	return c.sendHeader(seq, "")
}

func (c *serverConn) handleMembers(seq uint64) error {
	members := c.s.agent.Cluster().Members()
	out := make([]ipcMember, 0, len(members))
	for _, m := range members {
		out = append(out, toIPCMember(m))
	}
	return c.sendBody(seq, "", &membersResponse{Members: out})
}

func (c *serverConn) handleMembersFiltered(seq uint64) error {
	var body membersFilteredRequest
	if err := c.dec.Decode(&body); err != nil {
		return err
	}

	var nameRe *regexp.Regexp
	if body.Name != "" {
		re, err := regexp.Compile("^" + body.Name + "$")
		if err != nil {
			return c.sendHeader(seq, invalidFilter)
		}
		nameRe = re
	}
	tagRes := make(map[string]*regexp.Regexp, len(body.Tags))
	for tag, expr := range body.Tags {
		re, err := regexp.Compile("^" + expr + "$")
		if err != nil {
			return c.sendHeader(seq, invalidFilter)
		}
		tagRes[tag] = re
	}

	out := make([]ipcMember, 0)
	for _, m := range c.s.agent.Cluster().Members() {
		if body.Status != "" && m.Status.String() != body.Status {
			continue
		}
		if nameRe != nil && !nameRe.MatchString(m.Name) {
			continue
		}
		matched := true
		for tag, re := range tagRes {
			val, ok := m.Tags[tag]
			if !ok || !re.MatchString(val) {
				matched = false
				break
			}
		}
		if !matched {
			continue
		}
		out = append(out, toIPCMember(m))
	}
	return c.sendBody(seq, "", &membersResponse{Members: out})
}

func (c *serverConn) handleEvent(seq uint64) error {
	var body eventRequest
	if err := c.dec.Decode(&body); err != nil {
		return err
	}
	errMsg := ""
	if err := c.s.agent.UserEvent(body.Name, body.Payload, body.Coalesce); err != nil {
		errMsg = err.Error()
	}
	return c.sendHeader(seq, errMsg)
}

func (c *serverConn) handleJoin(seq uint64) error {
	var body joinRequest
	if err := c.dec.Decode(&body); err != nil {
		return err
	}
	n, err := c.s.agent.Join(body.Existing, body.Replay)
	if err != nil {
		return c.sendHeader(seq, err.Error())
	}
	return c.sendBody(seq, "", &joinResponse{Num: n})
}

func (c *serverConn) handleLeave(seq uint64) error {
	errMsg := ""
	if err := c.s.agent.Leave(); err != nil {
		errMsg = err.Error()
	}
	return c.sendHeader(seq, errMsg)
}

func (c *serverConn) handleForceLeave(seq uint64) error {
	var body forceLeaveRequest
	if err := c.dec.Decode(&body); err != nil {
		return err
	}
	errMsg := ""
	if err := c.s.agent.Cluster().ForceLeave(body.Node, body.Prune); err != nil {
		errMsg = err.Error()
	}
	return c.sendHeader(seq, errMsg)
}

func (c *serverConn) handleTags(seq uint64) error {
	var body tagsRequest
	if err := c.dec.Decode(&body); err != nil {
		return err
	}
	current := c.s.agent.Cluster().LocalMember().Tags
	merged := make(map[string]string, len(current))
	for k, v := range current {
		merged[k] = v
	}
	for _, k := range body.DeleteTags {
		delete(merged, k)
	}
	for k, v := range body.Tags {
		merged[k] = v
	}
	errMsg := ""
	if err := c.s.agent.SetTags(merged); err != nil {
		errMsg = err.Error()
	}
	return c.sendHeader(seq, errMsg)
}

func (c *serverConn) handleKeyOp(seq uint64, which string) error {
	var body keyRequest
	if err := c.dec.Decode(&body); err != nil {
		return err
	}

	km := c.s.agent.Cluster().KeyManager()
	var (
		messages map[string]string
		total    int
		errMsg   string
	)
	switch which {
	case installKeyCommand:
		resp, err := km.InstallKey(body.Key)
		if err != nil {
			errMsg = err.Error()
		} else {
			messages, total = resp.Messages, resp.TotalNodes
		}
	case useKeyCommand:
		resp, err := km.UseKey(body.Key)
		if err != nil {
			errMsg = err.Error()
		} else {
			messages, total = resp.Messages, resp.TotalNodes
		}
	case removeKeyCommand:
		resp, err := km.RemoveKey(body.Key)
		if err != nil {
			errMsg = err.Error()
		} else {
			messages, total = resp.Messages, resp.TotalNodes
		}
	}
	if errMsg != "" {
		return c.sendHeader(seq, errMsg)
	}
	return c.sendBody(seq, "", &keyResponse{
		Messages: messages,
		NumNodes: total,
		NumErr:   len(messages),
		NumResp:  total,
	})
}

func (c *serverConn) handleListKeys(seq uint64) error {
	resp, err := c.s.agent.Cluster().KeyManager().ListKeys()
	if err != nil {
		return c.sendHeader(seq, err.Error())
	}
	return c.sendBody(seq, "", &keyResponse{
		Messages: resp.Messages,
		Keys:     resp.Keys,
		NumNodes: resp.TotalNodes,
		NumErr:   len(resp.Messages),
		NumResp:  resp.TotalNodes,
	})
}

func (c *serverConn) handleStats(seq uint64) error {
	stats := c.s.agent.Cluster().Stats()
	stats["agent"] = map[string]string{"run_id": c.s.agent.RunID()}
	return c.sendBody(seq, "", &statsResponse{Stats: stats})
}

func (c *serverConn) handleGetCoordinate(seq uint64) error {
	var body coordinateRequest
	if err := c.dec.Decode(&body); err != nil {
		return err
	}
	coord, ok := c.s.agent.Cluster().GetCoordinate(body.Node)
	if !ok {
		return c.sendBody(seq, "", &coordinateResponse{Ok: false})
	}
	return c.sendBody(seq, "", &coordinateResponse{
		Ok: true,
		Coord: &wireCoord{
			Vec:        coord.Vec,
			Error:      coord.Error,
			Adjustment: coord.Adjustment,
		},
	})
}

func (c *serverConn) handleQuery(seq uint64) error {
	var body queryRequest
	if err := c.dec.Decode(&body); err != nil {
		return err
	}

	params := &cluster.QueryParam{
		FilterNodes: body.FilterNodes,
		FilterTags:  body.FilterTags,
		RequestAck:  body.RequestAck,
		RelayFactor: body.RelayFactor,
	}
	if body.Timeout > 0 {
		params.Timeout = time.Duration(body.Timeout)
	}

	resp, err := c.s.agent.Query(body.Name, body.Payload, params)
	if err != nil {
		return c.sendHeader(seq, err.Error())
	}
	if err := c.sendHeader(seq, ""); err != nil {
		return err
	}

	go c.streamQuery(seq, resp)
	return nil
}

func (c *serverConn) streamQuery(seq uint64, resp *cluster.QueryResponse) {
	for {
		select {
		case from, ok := <-resp.AckCh():
			if !ok {
				c.sendBody(seq, "", &queryRecord{Type: "done"})
				return
			}
			c.sendBody(seq, "", &queryRecord{Type: "ack", From: from})
		case r, ok := <-resp.ResponseCh():
			if !ok {
				c.sendBody(seq, "", &queryRecord{Type: "done"})
				return
			}
			c.sendBody(seq, "", &queryRecord{Type: "response", From: r.From, Payload: r.Payload})
		case <-c.s.stopCh:
			return
		}
	}
}

func (c *serverConn) handleRespond(seq uint64) error {
	var body respondRequest
	if err := c.dec.Decode(&body); err != nil {
		return err
	}

	c.pendingLock.Lock()
	event, ok := c.pending[body.ID]
	if ok {
		delete(c.pending, body.ID)
	}
	c.pendingLock.Unlock()

	errMsg := ""
	if !ok {
		errMsg = fmt.Sprintf("rpc: no pending query with ID %d", body.ID)
	} else if err := event.Respond(body.Payload); err != nil {
		errMsg = err.Error()
	}
	return c.sendHeader(seq, errMsg)
}

func (c *serverConn) handleMonitor(seq uint64) error {
	var body monitorRequest
	if err := c.dec.Decode(&body); err != nil {
		return err
	}

	filter := agent.NewLevelFilter(body.LogLevel)
	if !agent.ValidateLevelFilter(filter) {
		return c.sendHeader(seq, fmt.Sprintf("Unknown log level: %s", body.LogLevel))
	}

	c.subLock.Lock()
	if _, exists := c.subs[seq]; exists {
		c.subLock.Unlock()
		return c.sendHeader(seq, monitorExists)
	}
	c.subLock.Unlock()

	ls := newLogStream(c, seq, filter)
	c.s.agent.LogWriter().RegisterHandler(ls)

	c.subLock.Lock()
	c.subs[seq] = func() {
		c.s.agent.LogWriter().DeregisterHandler(ls)
		ls.stop()
	}
	c.subLock.Unlock()

	return c.sendHeader(seq, "")
}

// logStream filters log lines at filter's MinLevel and forwards the ones
// that pass to conn as streamed logRecord frames, via a buffered channel
// so a slow reader can't block the LogWriter's fan-out loop.
type logStream struct {
	conn   *serverConn
	seq    uint64
	filter *logutils.LevelFilter
	logCh  chan string
	doneCh chan struct{}
	once   sync.Once
}

func newLogStream(conn *serverConn, seq uint64, filter *logutils.LevelFilter) *logStream {
	ls := &logStream{
		conn:   conn,
		seq:    seq,
		filter: filter,
		logCh:  make(chan string, 512),
		doneCh: make(chan struct{}),
	}
	go ls.stream()
	return ls
}

func (ls *logStream) HandleLog(line string) {
	if !ls.filter.Check([]byte(line)) {
		return
	}
	select {
	case ls.logCh <- line:
	case <-ls.doneCh:
	default:
		ls.conn.s.logger.Printf("[WARN] dropping log line to %s, monitor backlog full", ls.conn.name)
	}
}

func (ls *logStream) stop() {
	ls.once.Do(func() { close(ls.doneCh) })
}

func (ls *logStream) stream() {
	for {
		select {
		case line := <-ls.logCh:
			if err := ls.conn.sendBody(ls.seq, "", &logRecord{Log: line}); err != nil {
				return
			}
		case <-ls.doneCh:
			return
		}
	}
}

func (c *serverConn) handleStream(seq uint64) error {
	var body streamRequest
	if err := c.dec.Decode(&body); err != nil {
		return err
	}

	filters, err := parseStreamFilters(body.Type)
	if err != nil {
		return c.sendHeader(seq, invalidFilter)
	}

	c.subLock.Lock()
	if _, exists := c.subs[seq]; exists {
		c.subLock.Unlock()
		return c.sendHeader(seq, streamExists)
	}
	c.subLock.Unlock()

	handler := eventbus.HandlerFunc(func(e eventbus.Event) {
		c.deliverEvent(seq, filters, e)
	})
	sub := c.s.agent.Bus().Subscribe(handler)

	c.subLock.Lock()
	c.subs[seq] = func() { c.s.agent.Bus().Unsubscribe(sub) }
	c.subLock.Unlock()

	return c.sendHeader(seq, "")
}

func (c *serverConn) handleStop(seq uint64) error {
	var body stopRequest
	if err := c.dec.Decode(&body); err != nil {
		return err
	}

	c.subLock.Lock()
	cancel, ok := c.subs[body.Stop]
	if ok {
		delete(c.subs, body.Stop)
	}
	c.subLock.Unlock()

	if !ok {
		return c.sendHeader(seq, streamNotFound)
	}
	cancel()
	return c.sendHeader(seq, "")
}

// deliverEvent forwards one bus event to this connection's stream
// subscription at seq, if it passes filters.
func (c *serverConn) deliverEvent(seq uint64, filters []streamFilter, e eventbus.Event) {
	switch ev := e.(type) {
	case cluster.MemberEvent:
		if !anyFilterMatches(filters, ev.Type.String(), "") {
			return
		}
		members := make([]ipcMember, 0, len(ev.Members))
		for _, m := range ev.Members {
			members = append(members, toIPCMember(m))
		}
		c.sendBody(seq, "", &memberEventRecord{Event: ev.Type.String(), Members: members})
	case cluster.UserEvent:
		if !anyFilterMatches(filters, "user", ev.Name) {
			return
		}
		c.sendBody(seq, "", &userEventRecord{
			Event: "user", LTime: uint64(ev.LTime), Name: ev.Name,
			Payload: ev.Payload, Coalesce: ev.Coalesce,
		})
	case cluster.QueryEvent:
		if !anyFilterMatches(filters, "query", ev.Name) {
			return
		}
		c.pendingLock.Lock()
		c.pending[ev.ID()] = ev
		c.pendingLock.Unlock()
		c.sendBody(seq, "", &queryEventRecord{
			Event: "query", ID: ev.ID(), LTime: uint64(ev.LTime),
			Name: ev.Name, Payload: ev.Payload,
		})
	}
}

// streamFilter is one comma-separated entry from a stream request's Type:
// a bare kind ("user", "member-join", "*") or kind:name ("user:deploy").
type streamFilter struct {
	kind string
	name string
}

func parseStreamFilters(typeField string) ([]streamFilter, error) {
	if typeField == "" {
		typeField = "*"
	}
	parts := splitAndTrim(typeField, ',')
	out := make([]streamFilter, 0, len(parts))
	for _, p := range parts {
		if p == "" {
			return nil, fmt.Errorf("rpc: empty filter entry")
		}
		kind, name := p, ""
		for i := 0; i < len(p); i++ {
			if p[i] == ':' {
				kind, name = p[:i], p[i+1:]
				break
			}
		}
		switch kind {
		case "*", "user", "query", "member-join", "member-leave", "member-failed", "member-update", "member-reap":
		default:
			return nil, fmt.Errorf("rpc: unknown filter kind %q", kind)
		}
		out = append(out, streamFilter{kind: kind, name: name})
	}
	return out, nil
}

func splitAndTrim(s string, sep byte) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == sep {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	return out
}

func anyFilterMatches(filters []streamFilter, kind, name string) bool {
	for _, f := range filters {
		if f.kind == "*" {
			return true
		}
		if f.kind != kind {
			continue
		}
		if f.name == "" || f.name == name {
			return true
		}
	}
	return false
}
