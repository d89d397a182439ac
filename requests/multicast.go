package requests

import (
	"fmt"
	"net"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// JoinMulticast subscribes the endpoint's socket to each group on every
// multicast-capable interface (spec.md §4.3: "subscribed to ... the v4/v6
// multicast group used for discovery"). IPv4 and IPv6 groups are joined
// through their respective golang.org/x/net control-message packet conns,
// since the stdlib UDPConn alone has no per-interface join call once a
// socket is already bound and in use.
func (e *Endpoint) JoinMulticast(groups ...*net.UDPAddr) error {
	ifaces, err := net.Interfaces()
	if err != nil {
		return fmt.Errorf("requests: list interfaces: %w", err)
	}

	var p4 *ipv4.PacketConn
	var p6 *ipv6.PacketConn

	for _, group := range groups {
		if group == nil {
			continue
		}
		if group.IP.To4() != nil {
			if p4 == nil {
				p4 = ipv4.NewPacketConn(e.conn)
			}
			joined := 0
			for _, ifi := range ifaces {
				if !multicastCapable(ifi) {
					continue
				}
				if err := p4.JoinGroup(&ifi, group); err != nil {
					logrus.WithFields(logrus.Fields{
						"function":  "Endpoint.JoinMulticast",
						"group":     group.String(),
						"interface": ifi.Name,
					}).WithError(err).Debug("ipv4 multicast join failed")
					continue
				}
				joined++
			}
			logrus.WithFields(logrus.Fields{
				"function": "Endpoint.JoinMulticast",
				"group":    group.String(),
				"joined":   joined,
			}).Info("joined ipv4 multicast group")
			continue
		}

		if p6 == nil {
			p6 = ipv6.NewPacketConn(e.conn)
		}
		joined := 0
		for _, ifi := range ifaces {
			if !multicastCapable(ifi) {
				continue
			}
			if err := p6.JoinGroup(&ifi, group); err != nil {
				logrus.WithFields(logrus.Fields{
					"function":  "Endpoint.JoinMulticast",
					"group":     group.String(),
					"interface": ifi.Name,
				}).WithError(err).Debug("ipv6 multicast join failed")
				continue
			}
			joined++
		}
		logrus.WithFields(logrus.Fields{
			"function": "Endpoint.JoinMulticast",
			"group":    group.String(),
			"joined":   joined,
		}).Info("joined ipv6 multicast group")
	}
	return nil
}

func multicastCapable(ifi net.Interface) bool {
	return ifi.Flags&net.FlagMulticast != 0 && ifi.Flags&net.FlagUp != 0
}
