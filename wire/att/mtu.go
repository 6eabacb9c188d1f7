package att

// MTU bounds for LE (Core Spec v5.3 Vol 3, Part F, 3.2.8)
const (
	DefaultMTU = 23
	MinMTU     = 23
	MaxMTU     = 517
)

// ClampMTU forces a proposed MTU into [MinMTU, MaxMTU]
func ClampMTU(mtu int) int {
	if mtu < MinMTU {
		return MinMTU
	}
	if mtu > MaxMTU {
		return MaxMTU
	}
	return mtu
}

// NegotiateMTU returns the MTU both sides use after an exchange:
// the smaller of the two receive MTUs, clamped to the protocol bounds.
func NegotiateMTU(client, server uint16) int {
	mtu := int(client)
	if int(server) < mtu {
		mtu = int(server)
	}
	return ClampMTU(mtu)
}

// MaxValueLen returns how many value bytes fit in a PDU with the given header length
func MaxValueLen(mtu, header int) int {
	n := mtu - header
	if n < 0 {
		return 0
	}
	return n
}
