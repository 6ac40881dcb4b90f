package membership

import (
	"fmt"
	"net"
	"time"
)

// packetIn is a received UDP datagram, tagged with its source for reply
// routing (ack, indirect-ping relay, etc.).
type packetIn struct {
	Buf       []byte
	From      net.Addr
	Timestamp time.Time
}

// Transport is the UDP (unreliable, for probes/gossip) + TCP (reliable, for
// push/pull and TCP pings) network boundary. It only moves raw bytes:
// message encoding, compound framing and optional encryption are applied by
// Membership before bytes reach the transport and undone after they leave it.
type Transport struct {
	udpConn  *net.UDPConn
	tcpLn    *net.TCPListener
	packetCh chan *packetIn
	streamCh chan net.Conn
	shutdown chan struct{}
}

// NewTransport binds a UDP socket and a TCP listener on the same
// bindAddr:bindPort and starts their receive loops.
func NewTransport(bindAddr string, bindPort int) (*Transport, error) {
	udpAddr := &net.UDPAddr{IP: net.ParseIP(bindAddr), Port: bindPort}
	udpConn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("membership: failed to start UDP listener: %w", err)
	}

	tcpAddr := &net.TCPAddr{IP: net.ParseIP(bindAddr), Port: bindPort}
	tcpLn, err := net.ListenTCP("tcp", tcpAddr)
	if err != nil {
		udpConn.Close()
		return nil, fmt.Errorf("membership: failed to start TCP listener: %w", err)
	}

	t := &Transport{
		udpConn:  udpConn,
		tcpLn:    tcpLn,
		packetCh: make(chan *packetIn, 256),
		streamCh: make(chan net.Conn, 64),
		shutdown: make(chan struct{}),
	}
	go t.udpListen()
	go t.tcpListen()
	return t, nil
}

// LocalAddr returns the bound UDP address (same port as TCP).
func (t *Transport) LocalAddr() *net.UDPAddr {
	return t.udpConn.LocalAddr().(*net.UDPAddr)
}

// PacketCh returns the channel of inbound UDP datagrams.
func (t *Transport) PacketCh() <-chan *packetIn { return t.packetCh }

// StreamCh returns the channel of accepted inbound TCP connections.
func (t *Transport) StreamCh() <-chan net.Conn { return t.streamCh }

// SendPacket sends buf as a single best-effort UDP datagram. Errors are
// returned to the caller (who logs and drops per the error taxonomy) but
// never retried here.
func (t *Transport) SendPacket(addr *net.UDPAddr, buf []byte) error {
	_, err := t.udpConn.WriteToUDP(buf, addr)
	return err
}

// DialStream opens a reliable TCP connection to addr for push/pull or a
// direct user message.
func (t *Transport) DialStream(addr string, timeout time.Duration) (net.Conn, error) {
	return net.DialTimeout("tcp", addr, timeout)
}

func (t *Transport) udpListen() {
	buf := make([]byte, 65536)
	for {
		n, from, err := t.udpConn.ReadFrom(buf)
		if err != nil {
			select {
			case <-t.shutdown:
				return
			default:
				continue
			}
		}
		cp := make([]byte, n)
		copy(cp, buf[:n])
		select {
		case t.packetCh <- &packetIn{Buf: cp, From: from, Timestamp: time.Now()}:
		default:
			// Channel full: drop rather than block the read loop, per
			// the bounded-channel backpressure rule.
		}
	}
}

func (t *Transport) tcpListen() {
	for {
		conn, err := t.tcpLn.Accept()
		if err != nil {
			select {
			case <-t.shutdown:
				return
			default:
				continue
			}
		}
		select {
		case t.streamCh <- conn:
		default:
			conn.Close()
		}
	}
}

// Shutdown closes both listeners. Suspended reads unblock with an error and
// exit their loop.
func (t *Transport) Shutdown() error {
	close(t.shutdown)
	t.udpConn.Close()
	return t.tcpLn.Close()
}
