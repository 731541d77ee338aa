package reuseport

// Ethernet protocol numbers as exposed in the packet context. The
// kernel reports them in network byte order; PacketContext holds host
// order values.
const (
	EthProtocolIPv4 = 0x0800
	EthProtocolIPv6 = 0x86DD
)

// IPProtocolUDP is the transport protocol number for UDP.
const IPProtocolUDP = 17

// PacketContext is the read-only view of an arriving packet that the
// dispatcher may consult. It mirrors struct sk_reuseport_md. The
// dispatcher never sees or mutates packet bytes.
type PacketContext struct {
	// Len is the total length of the packet.
	Len uint32
	// EthProtocol is the network protocol (EthProtocolIPv4, EthProtocolIPv6).
	EthProtocol uint32
	// IPProtocol is the transport protocol (IPProtocolUDP).
	IPProtocol uint32
	// Hash is the precomputed 4-tuple hash of the packet.
	Hash uint32
}

// Verdict is the outcome of one dispatch.
type Verdict uint8

const (
	// VerdictPassThrough means no selection was made and the default
	// delivery applies.
	VerdictPassThrough Verdict = iota
	// VerdictSelected means the selection primitive accepted the index.
	VerdictSelected
	// VerdictSelectFailed means an index was chosen but the selection
	// primitive rejected it. The packet still goes through the default
	// delivery.
	VerdictSelectFailed
)

// String returns the string representation of the verdict.
func (v Verdict) String() string {
	switch v {
	case VerdictSelected:
		return "selected"
	case VerdictSelectFailed:
		return "select_failed"
	default:
		return "pass_through"
	}
}

// Verdicts lists every verdict, in declaration order.
func Verdicts() []Verdict {
	return []Verdict{VerdictPassThrough, VerdictSelected, VerdictSelectFailed}
}
