// Package duplex serves and consumes HTTP/1.1 and HTTP/2, including WebSocket
// over HTTP/1.1 Upgrade and over HTTP/2 extended CONNECT.
package duplex

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/albertbausili/duplex/internal/observability"
)

// Config holds the settings of both Server and Client.
type Config struct {
	Addr         string `mapstructure:"addr"`
	Multicore    bool   `mapstructure:"multicore"`
	NumEventLoop int    `mapstructure:"num_event_loop"`
	ReusePort    bool   `mapstructure:"reuse_port"`

	MaxConcurrentStreams uint32 `mapstructure:"max_concurrent_streams"`
	MaxFrameSize         uint32 `mapstructure:"max_frame_size"`
	InitialWindowSize    uint32 `mapstructure:"initial_window_size"`
	MaxContentLength     int64  `mapstructure:"max_content_length"`
	MaxConnections       uint32 `mapstructure:"max_connections"`
	EnableH1             bool   `mapstructure:"enable_h1"`
	EnableH2             bool   `mapstructure:"enable_h2"`

	// EnablePush lets a client accept HTTP/2 server push.
	EnablePush     bool          `mapstructure:"enable_push"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`

	HandshakeTimeout     time.Duration `mapstructure:"handshake_timeout"`
	StreamWeight         uint16        `mapstructure:"stream_weight"`
	WebSocketCompression bool          `mapstructure:"websocket_compression"`
	// StreamRemovalDelay keeps a closed WebSocket stream routed for a while
	// so frames racing its close are absorbed.
	StreamRemovalDelay time.Duration `mapstructure:"stream_removal_delay"`

	Log    observability.LoggerConfig `mapstructure:"log"`
	Logger *zap.Logger                `mapstructure:"-"`
}

// Defaults applied by DefaultConfig and Validate.
const (
	DefaultAddr                 = ":8080"
	DefaultMaxConcurrentStreams = 100
	DefaultMaxFrameSize         = 16384
	DefaultInitialWindowSize    = 65535
	DefaultMaxContentLength     = 10 << 20
	DefaultMaxConnections       = 10000
	DefaultRequestTimeout       = 30 * time.Second
	DefaultHandshakeTimeout     = 15 * time.Second
	DefaultStreamWeight         = 16
	DefaultStreamRemovalDelay   = 100 * time.Millisecond

	maxFrameSizeLimit = 1<<24 - 1
)

// DefaultConfig returns a Config serving both protocols on :8080.
func DefaultConfig() Config {
	return Config{
		Addr:                 DefaultAddr,
		Multicore:            true,
		ReusePort:            true,
		MaxConcurrentStreams: DefaultMaxConcurrentStreams,
		MaxFrameSize:         DefaultMaxFrameSize,
		InitialWindowSize:    DefaultInitialWindowSize,
		MaxContentLength:     DefaultMaxContentLength,
		MaxConnections:       DefaultMaxConnections,
		EnableH1:             true,
		EnableH2:             true,
		RequestTimeout:       DefaultRequestTimeout,
		HandshakeTimeout:     DefaultHandshakeTimeout,
		StreamWeight:         DefaultStreamWeight,
		WebSocketCompression: true,
		StreamRemovalDelay:   DefaultStreamRemovalDelay,
		Log:                  observability.DefaultLoggerConfig(),
	}
}

// Validate fills zero values with defaults and clamps out-of-range ones.
func (c *Config) Validate() error {
	if c.Addr == "" {
		c.Addr = DefaultAddr
	}
	if c.MaxFrameSize < DefaultMaxFrameSize {
		c.MaxFrameSize = DefaultMaxFrameSize
	}
	if c.MaxFrameSize > maxFrameSizeLimit {
		c.MaxFrameSize = maxFrameSizeLimit
	}
	if c.InitialWindowSize == 0 {
		c.InitialWindowSize = DefaultInitialWindowSize
	}
	if c.InitialWindowSize > 1<<31-1 {
		return fmt.Errorf("duplex: initial window size %d exceeds 2^31-1", c.InitialWindowSize)
	}
	if c.MaxConcurrentStreams == 0 {
		c.MaxConcurrentStreams = DefaultMaxConcurrentStreams
	}
	if c.MaxContentLength <= 0 {
		c.MaxContentLength = DefaultMaxContentLength
	}
	if c.MaxConnections == 0 {
		c.MaxConnections = DefaultMaxConnections
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.StreamWeight == 0 {
		c.StreamWeight = DefaultStreamWeight
	}
	if c.StreamWeight > 256 {
		return errors.New("duplex: stream weight must be in [1, 256]")
	}
	if c.StreamRemovalDelay <= 0 {
		c.StreamRemovalDelay = DefaultStreamRemovalDelay
	}
	if !c.EnableH1 && !c.EnableH2 {
		c.EnableH1, c.EnableH2 = true, true
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return nil
}

// LoadConfig reads a Config from v, falling back to DefaultConfig for every
// key v does not set.
func LoadConfig(v *viper.Viper) (Config, error) {
	def := DefaultConfig()
	v.SetDefault("addr", def.Addr)
	v.SetDefault("multicore", def.Multicore)
	v.SetDefault("num_event_loop", def.NumEventLoop)
	v.SetDefault("reuse_port", def.ReusePort)
	v.SetDefault("max_concurrent_streams", def.MaxConcurrentStreams)
	v.SetDefault("max_frame_size", def.MaxFrameSize)
	v.SetDefault("initial_window_size", def.InitialWindowSize)
	v.SetDefault("max_content_length", def.MaxContentLength)
	v.SetDefault("max_connections", def.MaxConnections)
	v.SetDefault("enable_h1", def.EnableH1)
	v.SetDefault("enable_h2", def.EnableH2)
	v.SetDefault("enable_push", def.EnablePush)
	v.SetDefault("request_timeout", def.RequestTimeout)
	v.SetDefault("handshake_timeout", def.HandshakeTimeout)
	v.SetDefault("stream_weight", def.StreamWeight)
	v.SetDefault("websocket_compression", def.WebSocketCompression)
	v.SetDefault("stream_removal_delay", def.StreamRemovalDelay)
	v.SetDefault("log.level", def.Log.Level)
	v.SetDefault("log.format", def.Log.Format)
	v.SetDefault("log.file", def.Log.File)
	v.SetDefault("log.max_size", def.Log.MaxSize)
	v.SetDefault("log.max_backups", def.Log.MaxBackups)
	v.SetDefault("log.max_age", def.Log.MaxAge)
	v.SetDefault("log.compress", def.Log.Compress)
	v.SetDefault("log.add_source", def.Log.AddSource)
	v.SetDefault("log.name", def.Log.Name)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("duplex: decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
