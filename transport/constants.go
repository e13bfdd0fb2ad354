package transport

import "time"

const (
	TickRate          = 20 * time.Millisecond
	TimeoutDisconnect = 15000 * time.Millisecond
	SilenceLimit      = 9357 * time.Millisecond
	MinRTT            = 50 * time.Millisecond
	FragThreshold     = 32
	MaxMessageDataLen = 65534

	MTUMin    = 576
	MTUMedium = 1400
	MTUMax    = 1500

	// ipv4Overhead/ipv6Overhead approximate the IP+UDP header sizes
	// subtracted from the MTU to get the payload budget before encryption
	// overhead.
	ipv4Overhead = 28
	ipv6Overhead = 48

	minResendInterval = 250 * time.Millisecond
)

// PayloadBudget returns the usable payload size for an MTU value and
// address family, after subtracting IP/UDP headers and the AEAD trailer.
func PayloadBudget(mtu int, isV6 bool, aeadOverhead int) int {
	overhead := ipv4Overhead
	if isV6 {
		overhead = ipv6Overhead
	}
	budget := mtu - overhead - aeadOverhead
	if budget < 0 {
		return 0
	}
	return budget
}
