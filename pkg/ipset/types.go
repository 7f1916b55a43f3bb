package ipset

const (
	// BitmapPort represents the `bitmap:port` type ipset.  The bitmap:port set type uses a memory range, where each bit
	// represents one TCP/UDP port.  A bitmap:port type of set can store up to 65536 ports.
	BitmapPort string = "bitmap:port"
	// DefaultSetType is the type of the kernel sets created by the executor.
	DefaultSetType = BitmapPort
)

const (
	// ProtocolTCP represents TCP protocol.
	ProtocolTCP = "tcp"
	// ProtocolUDP represents UDP protocol.
	ProtocolUDP = "udp"
)
