package sdproxy

import "net/netip"

// EligibleAddresses filters a host's SRP-registered addresses down to the
// set worth advertising on the infrastructure link: link-local, loopback
// and multicast addresses are dropped since peers cannot reach the Thread
// device through them.
func EligibleAddresses(addresses []netip.Addr) []netip.Addr {
	out := make([]netip.Addr, 0, len(addresses))
	for _, addr := range addresses {
		if addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast() {
			continue
		}
		if addr.IsLoopback() || addr.IsMulticast() {
			continue
		}
		if !addr.IsValid() || addr.IsUnspecified() {
			continue
		}
		out = append(out, addr)
	}
	return out
}
