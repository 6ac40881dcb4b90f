package cluster

import (
	"bufio"
	"encoding/base64"
	"fmt"
	"log"
	"math/rand"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/flocknet/flock/eventbus"
)

func base64Coord(buf []byte) string { return base64.StdEncoding.EncodeToString(buf) }

func decodeBase64Coord(s string) ([]byte, error) { return base64.StdEncoding.DecodeString(s) }

// Serf supports using a "snapshot" file that contains various
// transactional data that is used to help recover quickly and gracefully
// from a failure. Member events and the latest clock values are appended
// to the file during normal operation and periodically compacted; on
// restart the file is replayed to recover the last known alive peers
// (for rejoin without a seed list) and the clock values (to avoid
// re-delivering events already processed last time).

const snapshotFsyncInterval = 100 * time.Millisecond
const snapshotClockInterval = 500 * time.Millisecond
const snapshotTmpExt = ".compact"

// PreviousNode is a peer recovered from the snapshot file, known alive as
// of the last clean run.
type PreviousNode struct {
	Name string
	Addr string
}

func (p PreviousNode) String() string {
	return fmt.Sprintf("%s: %s", p.Name, p.Addr)
}

// snapshotter ingests bus events and persists the ones relevant to
// recovery (alive/not-alive transitions, clock high-water-marks,
// coordinates) to disk, replaying them at startup.
type snapshotter struct {
	aliveNodes map[string]string
	coords     map[string][]byte

	clock      *LamportClock
	eventClock *LamportClock
	queryClock *LamportClock

	fh   *os.File
	path string

	lastFsync      time.Time
	lastClock      LamportTime
	lastEventClock LamportTime
	lastQueryClock LamportTime

	offset  int64
	maxSize int64

	leaveCh    chan struct{}
	leaving    bool
	logger     *log.Logger
	shutdownCh <-chan struct{}
	doneCh     chan struct{}

	coordCh chan coordUpdate
}

// coordUpdate carries a freshly-learned coordinate for one peer into the
// snapshotter's single stream() goroutine, since recordCoordinate is called
// from the SWIM probe goroutine rather than from stream() itself.
type coordUpdate struct {
	name string
	buf  []byte
}

// newSnapshotter opens (or creates) path and replays any existing content
// into its in-memory state. It starts no goroutine: the caller runs stream,
// which forwards bus events here via a dedicated subscription so recording
// never blocks normal delivery.
func newSnapshotter(path string, maxSize int, logger *log.Logger, clock, eventClock, queryClock *LamportClock, shutdownCh <-chan struct{}) (*snapshotter, error) {
	fh, err := os.OpenFile(path, os.O_RDWR|os.O_APPEND|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("cluster: opening snapshot: %w", err)
	}
	info, err := fh.Stat()
	if err != nil {
		fh.Close()
		return nil, fmt.Errorf("cluster: statting snapshot: %w", err)
	}

	s := &snapshotter{
		aliveNodes: make(map[string]string),
		coords:     make(map[string][]byte),
		clock:      clock,
		eventClock: eventClock,
		queryClock: queryClock,
		fh:         fh,
		path:       path,
		offset:     info.Size(),
		maxSize:    int64(maxSize),
		leaveCh:    make(chan struct{}),
		logger:     logger,
		shutdownCh: shutdownCh,
		doneCh:     make(chan struct{}),
		coordCh:    make(chan coordUpdate, 128),
	}

	if err := s.replay(); err != nil {
		fh.Close()
		return nil, err
	}
	return s, nil
}

// LastClock, LastEventClock, LastQueryClock report the recovered
// high-water-marks so the cluster's own clocks can be seeded past them
// before accepting new traffic, preventing replay of already-applied
// events.
func (s *snapshotter) LastClock() LamportTime      { return s.lastClock }
func (s *snapshotter) LastEventClock() LamportTime { return s.lastEventClock }
func (s *snapshotter) LastQueryClock() LamportTime { return s.lastQueryClock }

// AliveNodes returns the recovered alive peers in random order, to avoid
// every node in a simultaneous restart hammering the same seed first.
func (s *snapshotter) AliveNodes() []*PreviousNode {
	previous := make([]*PreviousNode, 0, len(s.aliveNodes))
	for name, addr := range s.aliveNodes {
		previous = append(previous, &PreviousNode{Name: name, Addr: addr})
	}
	for i := range previous {
		j := rand.Intn(i + 1)
		previous[i], previous[j] = previous[j], previous[i]
	}
	return previous
}

// Coordinates returns the encoded coordinates recovered from the snapshot
// file, keyed by node name, for seeding the cluster's runtime coordinate
// cache before the first ping ack refreshes them.
func (s *snapshotter) Coordinates() map[string][]byte {
	out := make(map[string][]byte, len(s.coords))
	for name, buf := range s.coords {
		out[name] = buf
	}
	return out
}

// Wait blocks until the background writer has flushed and closed the file.
func (s *snapshotter) Wait() { <-s.doneCh }

// Leave clears the recovered alive set so a graceful restart doesn't
// auto-rejoin a cluster this node intentionally departed.
func (s *snapshotter) Leave() {
	select {
	case s.leaveCh <- struct{}{}:
	case <-s.shutdownCh:
	}
}

// stream subscribes to bus and records every MemberEvent/UserEvent it sees
// until shutdown.
func (s *snapshotter) stream(bus *eventbus.Bus) {
	h := eventbus.HandlerFunc(func(e eventbus.Event) { s.handle(e) })
	sub := bus.Subscribe(h)
	defer bus.Unsubscribe(sub)

	ticker := time.NewTicker(snapshotClockInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.leaveCh:
			s.aliveNodes = make(map[string]string)
			s.leaving = true
			s.tryAppend("leave\n")
			if err := s.fh.Sync(); err != nil {
				s.logger.Printf("[ERR] cluster: syncing leave to snapshot: %v", err)
			}
		case u := <-s.coordCh:
			s.applyCoordinate(u.name, u.buf)
		case <-ticker.C:
			s.updateClocks()
		case <-s.shutdownCh:
			if err := s.fh.Sync(); err != nil {
				s.logger.Printf("[ERR] cluster: syncing snapshot: %v", err)
			}
			s.fh.Close()
			close(s.doneCh)
			return
		}
	}
}

func (s *snapshotter) handle(e eventbus.Event) {
	if s.leaving {
		return
	}
	switch typed := e.(type) {
	case MemberEvent:
		s.processMemberEvent(typed)
	case UserEvent:
		s.processUserEvent(typed)
	}
}

func (s *snapshotter) processMemberEvent(e MemberEvent) {
	switch e.Type {
	case EventMemberJoin:
		for _, mem := range e.Members {
			addr := net.JoinHostPort(mem.Addr.String(), strconv.Itoa(int(mem.Port)))
			s.aliveNodes[mem.Name] = addr
			s.tryAppend(fmt.Sprintf("alive: %s %s\n", mem.Name, addr))
		}
	case EventMemberLeave, EventMemberFailed, EventMemberReap:
		for _, mem := range e.Members {
			delete(s.aliveNodes, mem.Name)
			s.tryAppend(fmt.Sprintf("not-alive: %s\n", mem.Name))
		}
	}
	s.updateClocks()
}

func (s *snapshotter) processUserEvent(e UserEvent) {
	if e.LTime <= s.lastEventClock {
		return
	}
	s.lastEventClock = e.LTime
	s.tryAppend(fmt.Sprintf("event: %d\n", e.LTime))
}

// updateClocks is called after every member event, and periodically on its
// own, since a pending join/leave intent can advance the clock without any
// event reaching processMemberEvent.
func (s *snapshotter) updateClocks() {
	if lastSeen := s.clock.Time() - 1; lastSeen > s.lastClock {
		s.lastClock = lastSeen
	}
	if lastSeen := s.queryClock.Time() - 1; lastSeen > s.lastQueryClock {
		s.lastQueryClock = lastSeen
	}
	s.tryAppend(fmt.Sprintf("clock: %d\n", s.lastClock))
	s.tryAppend(fmt.Sprintf("query: %d\n", s.lastQueryClock))
}

// recordCoordinate queues a freshly-learned peer coordinate for persistence.
// Safe to call concurrently with stream(); the actual state update happens
// on the snapshotter's own goroutine.
func (s *snapshotter) recordCoordinate(name string, buf []byte) {
	select {
	case s.coordCh <- coordUpdate{name: name, buf: buf}:
	case <-s.shutdownCh:
	default:
	}
}

func (s *snapshotter) applyCoordinate(name string, buf []byte) {
	s.coords[name] = buf
	s.tryAppend(fmt.Sprintf("coordinate: %s %s\n", name, base64Coord(buf)))
}

func (s *snapshotter) tryAppend(line string) {
	if err := s.appendLine(line); err != nil {
		s.logger.Printf("[ERR] cluster: updating snapshot: %v", err)
	}
}

func (s *snapshotter) appendLine(line string) error {
	n, err := s.fh.WriteString(line)
	if err != nil {
		return err
	}

	now := time.Now()
	if now.Sub(s.lastFsync) > snapshotFsyncInterval {
		s.lastFsync = now
		if err := s.fh.Sync(); err != nil {
			return err
		}
	}

	s.offset += int64(n)
	if s.offset > s.maxSize {
		return s.compact()
	}
	return nil
}

// compact rewrites the snapshot as just its current live state: every
// alive node, every coordinate, and the three clock values, discarding the
// event-by-event history that led to them.
func (s *snapshotter) compact() error {
	newPath := s.path + snapshotTmpExt
	fh, err := os.OpenFile(newPath, os.O_RDWR|os.O_TRUNC|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("cluster: opening compacted snapshot: %w", err)
	}

	var offset int64
	write := func(line string) error {
		n, err := fh.WriteString(line)
		offset += int64(n)
		return err
	}

	for name, addr := range s.aliveNodes {
		if err := write(fmt.Sprintf("alive: %s %s\n", name, addr)); err != nil {
			fh.Close()
			return err
		}
	}
	for name, buf := range s.coords {
		if err := write(fmt.Sprintf("coordinate: %s %s\n", name, base64Coord(buf))); err != nil {
			fh.Close()
			return err
		}
	}
	if err := write(fmt.Sprintf("clock: %d\n", s.lastClock)); err != nil {
		fh.Close()
		return err
	}
	if err := write(fmt.Sprintf("event: %d\n", s.lastEventClock)); err != nil {
		fh.Close()
		return err
	}
	if err := write(fmt.Sprintf("query: %d\n", s.lastQueryClock)); err != nil {
		fh.Close()
		return err
	}

	if err := os.Rename(newPath, s.path); err != nil {
		fh.Close()
		return fmt.Errorf("cluster: installing compacted snapshot: %w", err)
	}

	s.fh.Close()
	s.fh = fh
	s.offset = offset
	s.lastFsync = time.Now()
	return nil
}

func (s *snapshotter) replay() error {
	if _, err := s.fh.Seek(0, os.SEEK_SET); err != nil {
		return err
	}

	reader := bufio.NewReader(s.fh)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			break
		}
		line = strings.TrimSuffix(line, "\n")

		switch {
		case strings.HasPrefix(line, "alive: "):
			info := strings.TrimPrefix(line, "alive: ")
			idx := strings.LastIndex(info, " ")
			if idx == -1 {
				s.logger.Printf("[WARN] cluster: malformed alive snapshot line: %v", line)
				continue
			}
			s.aliveNodes[info[:idx]] = info[idx+1:]

		case strings.HasPrefix(line, "not-alive: "):
			delete(s.aliveNodes, strings.TrimPrefix(line, "not-alive: "))

		case strings.HasPrefix(line, "coordinate: "):
			info := strings.TrimPrefix(line, "coordinate: ")
			idx := strings.LastIndex(info, " ")
			if idx == -1 {
				continue
			}
			if buf, err := decodeBase64Coord(info[idx+1:]); err == nil {
				s.coords[info[:idx]] = buf
			}

		case strings.HasPrefix(line, "clock: "):
			v, err := strconv.ParseUint(strings.TrimPrefix(line, "clock: "), 10, 64)
			if err != nil {
				s.logger.Printf("[WARN] cluster: malformed clock snapshot line: %v", line)
				continue
			}
			s.lastClock = LamportTime(v)

		case strings.HasPrefix(line, "event: "):
			v, err := strconv.ParseUint(strings.TrimPrefix(line, "event: "), 10, 64)
			if err != nil {
				s.logger.Printf("[WARN] cluster: malformed event snapshot line: %v", line)
				continue
			}
			s.lastEventClock = LamportTime(v)

		case strings.HasPrefix(line, "query: "):
			v, err := strconv.ParseUint(strings.TrimPrefix(line, "query: "), 10, 64)
			if err != nil {
				s.logger.Printf("[WARN] cluster: malformed query snapshot line: %v", line)
				continue
			}
			s.lastQueryClock = LamportTime(v)

		case line == "leave":
			s.aliveNodes = make(map[string]string)
			s.lastClock = 0
			s.lastEventClock = 0
			s.lastQueryClock = 0

		case strings.HasPrefix(line, "#"):

		default:
			s.logger.Printf("[WARN] cluster: unrecognized snapshot line: %v", line)
		}
	}

	if _, err := s.fh.Seek(0, os.SEEK_END); err != nil {
		return err
	}
	return nil
}
