package sip

import (
	"fmt"
	"net"
	"strconv"

	"github.com/emiago/sipgo/sip"
)

// ParseSourceAddr returns the UDP address a request actually arrived
// from. Registration bindings and response routing use this, never the
// URI a NATed phone advertises about itself.
func ParseSourceAddr(req *sip.Request) (*net.UDPAddr, error) {
	source := req.Source()
	host, portStr, err := net.SplitHostPort(source)
	if err != nil {
		return nil, fmt.Errorf("parsing request source %q: %w", source, err)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil, fmt.Errorf("request source %q is not an ip address", source)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("parsing request source port %q: %w", portStr, err)
	}
	return &net.UDPAddr{IP: ip, Port: port}, nil
}
