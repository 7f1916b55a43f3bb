package constants

const (
	// IPSetPrefix prefixes the kernel sets mirrored from the registry.
	IPSetPrefix = "PORTSET-"
	// IPSetTempSuffix marks the scratch set used while reloading a kernel set.
	IPSetTempSuffix = "-t"
)

const (
	IPTablesMangle             = "mangle"
	IPTablesChainPrerouting    = "PREROUTING"
	IPTablesChainPORTSETMARK   = "PORTSET-MARK"
	IPTablesPORTSETJumpComment = "PORTSET"
)

const (
	DefaultMark         = "0x400000"
	DefaultListenAddr   = ":9091"
	DefaultListPageSize = 1024
)
