package engine

import (
	"fmt"
	"runtime"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/moqsien/gkasync/chain"
	"github.com/moqsien/gkasync/conn"
	"github.com/moqsien/gkasync/iface"
)

const (
	defaultPollTimeout = 100 * time.Millisecond
	defaultIOTimeout   = 30 * time.Second
)

// Duration is a time.Duration read from strings like "1.5s" in config files.
type Duration struct {
	time.Duration
}

func (that *Duration) UnmarshalText(text []byte) (err error) {
	that.Duration, err = time.ParseDuration(string(text))
	return
}

func (that Duration) MarshalText() ([]byte, error) {
	return []byte(that.Duration.String()), nil
}

type Endpoint struct {
	Network string `toml:"network"`
	Address string `toml:"address"`
}

func (that Endpoint) String() string {
	return fmt.Sprintf("%s://%s", that.Network, that.Address)
}

type Options struct {
	NumOfLoops        int            `toml:"num_of_loops"`
	LoadBalancer      iface.Balancer `toml:"load_balancer"`
	Endpoints         []Endpoint     `toml:"endpoints"`
	ReadBuffer        int            `toml:"read_buffer"`
	WriteBuffer       int            `toml:"write_buffer"`   // cap of merged writes
	PollTimeout       Duration       `toml:"poll_timeout"`   // negative blocks until events
	ConnKeepAlive     Duration       `toml:"conn_keepalive"` // accepted TCP connections
	LockOSThread      bool           `toml:"lock_os_thread"`
	ProcessorPoolSize int            `toml:"processor_pool_size"` // 0 runs chains on the runners
	IOTimeout         Duration       `toml:"io_timeout"`          // blocking connector calls
	AdminAddress      string         `toml:"admin_address"`

	// Chain handles read readiness of every served connection. Nil serves only the queues.
	Chain *chain.Template `toml:"-"`
	// OnOpen runs on the runner right after a connection is registered.
	OnOpen func(c *conn.Conn) `toml:"-"`
}

// normalize fills the zero values with defaults.
func (that *Options) normalize() {
	if that.NumOfLoops <= 0 {
		that.NumOfLoops = runtime.NumCPU()
	}
	if that.LoadBalancer != iface.LeastConnLB {
		that.LoadBalancer = iface.RoundRobinLB
	}
	if that.ReadBuffer <= 0 {
		that.ReadBuffer = iface.DefaultReadBuffer
	}
	if that.WriteBuffer <= 0 {
		that.WriteBuffer = iface.MaxStreamBufferCap
	}
	if that.PollTimeout.Duration == 0 {
		that.PollTimeout.Duration = defaultPollTimeout
	}
	if that.IOTimeout.Duration < 0 {
		that.IOTimeout.Duration = 0
	} else if that.IOTimeout.Duration == 0 {
		that.IOTimeout.Duration = defaultIOTimeout
	}
	for i := range that.Endpoints {
		if that.Endpoints[i].Network == "" {
			that.Endpoints[i].Network = "tcp"
		}
	}
}

// LoadConfig reads Options from a TOML file. Keys it does not know are an error.
func LoadConfig(path string) (*Options, error) {
	opts := new(Options)
	md, err := toml.DecodeFile(path, opts)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("load config %s: unknown keys %v", path, undecoded)
	}
	return opts, nil
}
