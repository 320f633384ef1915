package media

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
)

// PortPair holds an RTP port and its companion RTCP port (RTP+1).
type PortPair struct {
	RTP  int
	RTCP int
}

// SocketPair holds the UDP connections for an RTP/RTCP port pair.
type SocketPair struct {
	Ports    PortPair
	RTPConn  *net.UDPConn
	RTCPConn *net.UDPConn
}

// Close releases both UDP sockets.
func (sp *SocketPair) Close() error {
	var rtpErr, rtcpErr error
	if sp.RTPConn != nil {
		rtpErr = sp.RTPConn.Close()
	}
	if sp.RTCPConn != nil {
		rtcpErr = sp.RTCPConn.Close()
	}
	if rtpErr != nil {
		return rtpErr
	}
	return rtcpErr
}

// ErrPortsExhausted is returned by Allocate when every port pair in the
// configured range is in use. The SIP layer maps it to a 503 response.
var ErrPortsExhausted = errors.New("rtp port range exhausted")

// Proxy manages a pool of UDP sockets for RTP media relay. It allocates
// even-numbered ports for RTP and the next odd port for RTCP, within a
// configurable range.
//
// Allocation is FIFO over the free list: a released pair goes to the
// back of the queue, so a port just freed by one call is the last to be
// handed to the next. That spacing keeps straggler RTP packets from a
// torn-down call (retransmissions, slow NAT bindings) from landing in
// the middle of a fresh one.
type Proxy struct {
	portMin int
	portMax int
	logger  *slog.Logger

	mu        sync.Mutex
	free      []int            // FIFO queue of free RTP ports (even numbers)
	allocated map[int]struct{} // set of allocated RTP ports
}

// NewProxy creates an RTP media proxy with the given port range.
// portMin must be even; portMax must be > portMin.
func NewProxy(portMin, portMax int, logger *slog.Logger) (*Proxy, error) {
	if portMin%2 != 0 {
		return nil, fmt.Errorf("portMin must be even, got %d", portMin)
	}
	if portMax <= portMin {
		return nil, fmt.Errorf("portMax (%d) must be greater than portMin (%d)", portMax, portMin)
	}

	l := logger.With("subsystem", "media-proxy")
	capacity := (portMax - portMin + 1) / 2
	l.Info("rtp media proxy initialized",
		"port_min", portMin,
		"port_max", portMax,
		"capacity", capacity,
	)

	free := make([]int, 0, capacity)
	for port := portMin; port+1 <= portMax; port += 2 {
		free = append(free, port)
	}

	return &Proxy{
		portMin:   portMin,
		portMax:   portMax,
		logger:    l,
		free:      free,
		allocated: make(map[int]struct{}),
	}, nil
}

// Capacity returns the total number of port pairs available in the range.
func (p *Proxy) Capacity() int {
	return (p.portMax - p.portMin + 1) / 2
}

// AllocatedCount returns the number of currently allocated port pairs.
func (p *Proxy) AllocatedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.allocated)
}

// Allocate binds an RTP+RTCP UDP socket pair from the head of the free
// queue. A port pair that fails to bind (taken by another process on
// this host) is pushed to the back and the next candidate is tried, so
// a foreign squatter costs one queue slot, not the whole allocator.
// Returns ErrPortsExhausted when the queue is empty or nothing in it
// binds.
func (p *Proxy) Allocate() (*SocketPair, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.free) == 0 {
		return nil, fmt.Errorf("%w (all %d pairs allocated)", ErrPortsExhausted, p.Capacity())
	}

	for attempts := len(p.free); attempts > 0; attempts-- {
		port := p.free[0]
		p.free = p.free[1:]

		pair, err := bindPair(port)
		if err != nil {
			p.logger.Debug("port pair bind failed, requeued",
				"rtp_port", port,
				"error", err,
			)
			p.free = append(p.free, port)
			continue
		}

		p.allocated[port] = struct{}{}

		p.logger.Debug("port pair allocated",
			"rtp_port", port,
			"rtcp_port", port+1,
			"allocated", len(p.allocated),
			"free", len(p.free),
		)

		return pair, nil
	}

	return nil, fmt.Errorf("%w (no pair in the free queue binds)", ErrPortsExhausted)
}

// Release closes the UDP sockets and returns the port pair to the back
// of the free queue.
func (p *Proxy) Release(pair *SocketPair) {
	if pair == nil {
		return
	}

	if err := pair.Close(); err != nil {
		p.logger.Warn("error closing socket pair",
			"rtp_port", pair.Ports.RTP,
			"error", err,
		)
	}

	p.mu.Lock()
	if _, ok := p.allocated[pair.Ports.RTP]; ok {
		delete(p.allocated, pair.Ports.RTP)
		p.free = append(p.free, pair.Ports.RTP)
	}
	count := len(p.allocated)
	p.mu.Unlock()

	p.logger.Debug("port pair released",
		"rtp_port", pair.Ports.RTP,
		"rtcp_port", pair.Ports.RTCP,
		"allocated", count,
	)
}

// bindPair creates UDP sockets bound to the given even port (RTP) and
// its companion odd port (RTCP). If either bind fails, both are cleaned up.
func bindPair(rtpPort int) (*SocketPair, error) {
	rtpAddr := &net.UDPAddr{IP: net.IPv4zero, Port: rtpPort}
	rtpConn, err := net.ListenUDP("udp", rtpAddr)
	if err != nil {
		return nil, fmt.Errorf("binding rtp port %d: %w", rtpPort, err)
	}

	rtcpPort := rtpPort + 1
	rtcpAddr := &net.UDPAddr{IP: net.IPv4zero, Port: rtcpPort}
	rtcpConn, err := net.ListenUDP("udp", rtcpAddr)
	if err != nil {
		rtpConn.Close()
		return nil, fmt.Errorf("binding rtcp port %d: %w", rtcpPort, err)
	}

	return &SocketPair{
		Ports:    PortPair{RTP: rtpPort, RTCP: rtcpPort},
		RTPConn:  rtpConn,
		RTCPConn: rtcpConn,
	}, nil
}
