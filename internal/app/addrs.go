package app

import (
	"net"
)

// ReachableAddrs lists the addresses a sender on the LAN can use for a
// receiver bound to listen. A listener on a specific host is returned as is;
// a wildcard listener expands to every non-loopback IPv4 interface address.
func ReachableAddrs(listen string) []string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return []string{listen}
	}
	if host != "" && host != "0.0.0.0" && host != "::" {
		return []string{listen}
	}
	addrs := make([]string, 0)
	ifaces, err := net.InterfaceAddrs()
	if err == nil {
		for _, addr := range ifaces {
			ipnet, ok := addr.(*net.IPNet)
			if !ok || ipnet.IP == nil {
				continue
			}
			if ipnet.IP.IsLoopback() {
				continue
			}
			if ip4 := ipnet.IP.To4(); ip4 != nil {
				addrs = append(addrs, net.JoinHostPort(ip4.String(), port))
			}
		}
	}
	if len(addrs) == 0 {
		addrs = append(addrs, net.JoinHostPort("127.0.0.1", port))
	}
	return addrs
}
