package gocoral

import (
	"crypto/tls"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/unkn0wn-root/gocoral/internal/mathutil"
)

type TLSMode struct {
	Enable             bool
	RootCAFile         string
	InsecureSkipVerify bool
	MinVersion         uint16
	Config             *tls.Config // overrides the generated config when set
}

// Limits groups frame and timeout bounds shared by every connection.
type Limits struct {
	MaxFrameSize   int
	ConnectTimeout time.Duration
	ReadBufSize    int
	WriteBufSize   int
}

type Config struct {
	// Seeds are host:port KV endpoints used for bootstrap.
	Seeds []string
	// HTTPSeeds are host:port cluster-manager endpoints tried for the
	// streaming config subscription. Derived from Seeds when empty.
	HTTPSeeds []string

	Bucket   string
	Username string
	Password string

	KVTimeout      time.Duration
	QueryTimeout   time.Duration
	AcquireTimeout time.Duration

	// NumKVConnections is the pool size per data node (1..64).
	NumKVConnections int

	EnableMutationTokens bool
	EnableCompression    bool
	EnableUnorderedExec  bool
	CompressionThreshold int

	TLS TLSMode
	Lim Limits

	// AgentName identifies this client in the HELLO exchange.
	AgentName string

	Logger     *zap.Logger
	Registerer prometheus.Registerer
}

func DefaultConfig() Config {
	return Config{
		KVTimeout:            2500 * time.Millisecond,
		QueryTimeout:         75 * time.Second,
		AcquireTimeout:       2500 * time.Millisecond,
		NumKVConnections:     2,
		EnableMutationTokens: true,
		EnableCompression:    true,
		CompressionThreshold: 32 << 10,
		Lim: Limits{
			MaxFrameSize:   20 << 20,
			ConnectTimeout: 10 * time.Second,
			ReadBufSize:    64 << 10,
			WriteBufSize:   64 << 10,
		},
		AgentName: "gocoral",
	}
}

func (c *Config) fillDefaults() {
	def := DefaultConfig()
	if c.KVTimeout <= 0 {
		c.KVTimeout = def.KVTimeout
	}
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = def.QueryTimeout
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = def.AcquireTimeout
	}
	if c.NumKVConnections <= 0 {
		c.NumKVConnections = def.NumKVConnections
	}
	if c.NumKVConnections > 64 {
		c.NumKVConnections = 64
	}
	if c.CompressionThreshold <= 0 {
		c.CompressionThreshold = def.CompressionThreshold
	}
	if c.Lim.MaxFrameSize <= 0 {
		c.Lim.MaxFrameSize = def.Lim.MaxFrameSize
	}
	if c.Lim.ConnectTimeout <= 0 {
		c.Lim.ConnectTimeout = def.Lim.ConnectTimeout
	}
	if c.Lim.ReadBufSize <= 0 {
		c.Lim.ReadBufSize = def.Lim.ReadBufSize
	}
	if c.Lim.WriteBufSize <= 0 {
		c.Lim.WriteBufSize = def.Lim.WriteBufSize
	}
	// bufio works best on power-of-two sizes; round odd overrides up
	c.Lim.ReadBufSize = mathutil.NextPowerOf2(c.Lim.ReadBufSize)
	c.Lim.WriteBufSize = mathutil.NextPowerOf2(c.Lim.WriteBufSize)
	if c.AgentName == "" {
		c.AgentName = def.AgentName
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// tlsConfig materializes the TLS settings, or nil when TLS is off.
func (c *Config) tlsConfig() *tls.Config {
	if !c.TLS.Enable {
		return nil
	}
	if c.TLS.Config != nil {
		return c.TLS.Config
	}
	cfg := &tls.Config{
		InsecureSkipVerify: c.TLS.InsecureSkipVerify,
		MinVersion:         c.TLS.MinVersion,
	}
	if cfg.MinVersion == 0 {
		cfg.MinVersion = tls.VersionTLS12
	}
	return cfg
}
