package discovery

import (
    "net"

    "github.com/ateneo-isif/ibrdtn/pkg/bundle"
    "github.com/ateneo-isif/ibrdtn/pkg/core/contact"
)

// Beacon is the announcement datagram. It rides CBOR with short keys so
// a beacon stays well inside a single MTU.
type Beacon struct {
    EID      bundle.EID        `cbor:"eid"`
    Seq      uint64            `cbor:"seq"`
    Services []contact.Service `cbor:"services,omitempty"`
}

// seenKey identifies one beacon for duplicate suppression.
type seenKey struct {
    node bundle.EID
    seq  uint64
}

// rewriteHosts fills the sender's address into advertised services that
// carry no usable host of their own. Listeners bound to all interfaces
// announce themselves with an empty or unspecified host part.
func rewriteHosts(services []contact.Service, src *net.UDPAddr) []contact.Service {
    if src == nil || len(services) == 0 { return services }
    out := make([]contact.Service, 0, len(services))
    for _, s := range services {
        host, port, err := net.SplitHostPort(s.Addr)
        if err == nil {
            if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
                s.Addr = net.JoinHostPort(src.IP.String(), port)
            }
        }
        out = append(out, s)
    }
    return out
}
