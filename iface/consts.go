package iface

// Op is an interest / readiness bit.
type Op uint32

const (
	OpRead    Op = 1 << iota // connection is readable
	OpWrite                  // connection is writable
	OpAccept                 // listener has a pending connection
	OpConnect                // outbound connect finished
)

// Has reports whether every bit of o is set in that.
func (that Op) Has(o Op) bool { return that&o == o && o != 0 }

func (that Op) String() string {
	var s string
	for _, v := range []struct {
		op   Op
		name string
	}{{OpRead, "read"}, {OpWrite, "write"}, {OpAccept, "accept"}, {OpConnect, "connect"}} {
		if that&v.op != 0 {
			if s != "" {
				s += "|"
			}
			s += v.name
		}
	}
	if s == "" {
		return "none"
	}
	return s
}

// Protocol is the transport kind of a connector handle.
type Protocol int

const (
	TCP Protocol = iota
	UDP
)

func (that Protocol) String() string {
	switch that {
	case TCP:
		return "tcp"
	case UDP:
		return "udp"
	default:
		return "unknown"
	}
}

// Balancer selects how new connections are spread over runners.
type Balancer int

const (
	RoundRobinLB Balancer = 0
	LeastConnLB  Balancer = 1
)

const (
	MaxStreamBufferCap int = 64 << 10
	DefaultReadBuffer  int = 16 << 10
	IovMax             int = 1024
	MaxTasks           int = 256
)
