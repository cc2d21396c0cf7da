package discovery

import (
	"net"

	"github.com/apparentlymart/go-cidr/cidr"
	"github.com/juju/collections/set"
)

// Candidates expands every non-loopback IPv4 address in addrs into the host
// addresses of its subnet, excluding the network address, the broadcast
// address and the interface's own address. At most maxPerIface hosts are
// taken from each subnet. The result is deduplicated and sorted numerically.
func Candidates(addrs []net.Addr, maxPerIface int) []string {
	seen := set.NewStrings()
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		self := ipNet.IP.To4()
		if self == nil || self.IsLoopback() {
			continue
		}
		mask := ipNet.Mask
		if len(mask) == net.IPv6len {
			mask = mask[12:]
		}
		ones, bits := mask.Size()
		if bits != 8*net.IPv4len {
			continue
		}
		network := &net.IPNet{IP: self.Mask(mask), Mask: mask}

		// /31 and /32 have no usable range between network and broadcast.
		if ones >= 31 {
			continue
		}
		last := int(cidr.AddressCount(network)) - 2

		taken := 0
		for i := 1; i <= last && taken < maxPerIface; i++ {
			host, err := cidr.Host(network, i)
			if err != nil {
				break
			}
			if host.Equal(self) {
				continue
			}
			seen.Add(host.String())
			taken++
		}
	}
	out := seen.Values()
	sortIPs(out, func(s string) string { return s })
	return out
}
