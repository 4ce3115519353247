// Package config holds the settings that the active message server reads
// once, when the process-wide instance is created.
package config

import (
	"log"
	"time"
)

// Limits and defaults of the buffer settings.
const (
	// Alignment is the byte alignment of every receive buffer. The maximum
	// message length is rounded up to a multiple of it.
	Alignment = 64

	DefaultMaxMsgLen = 256 * 1024
	MinMaxMsgLen     = 1024
	MaxMaxMsgLen     = 1 << 30

	DefaultNumRecvBuffers = 16
	MinNumRecvBuffers     = 1
	MaxNumRecvBuffers     = 4096
)

// Defaults of the polling behavior.
const (
	DefaultIdleSpins    = 64
	DefaultMinIdleSleep = time.Microsecond
	DefaultMaxIdleSleep = 500 * time.Microsecond
	DefaultHugeWaitWarn = 10 * time.Second
)

// NoRank marks a configuration that does not name the local rank.
const NoRank = -1

// Config is the configuration of one active message server.
type Config struct {
	// MaxMsgLen is the size of each ordinary receive buffer. Larger
	// messages go through the huge message rendezvous.
	MaxMsgLen int

	// NumRecvBuffers is the number of ordinary receives kept posted.
	NumRecvBuffers int

	// Debug turns on tracing of every message event.
	Debug bool

	// Rank and Peers describe a TCP run: Peers[i] is the listen address
	// of rank i.
	Rank  int
	Peers []string

	// TraceDB, when set, names the SQLite file that records message events.
	TraceDB string

	// TraceClickHouse, when set, is the DSN of a ClickHouse server that
	// records message events instead of SQLite.
	TraceClickHouse string

	// MonitorPort, when positive, starts the monitoring server on it.
	MonitorPort int

	IdleSpins    int
	MinIdleSleep time.Duration
	MaxIdleSleep time.Duration

	// HugeWaitWarn is how long a sender waits for a huge message
	// acknowledgment before it starts warning.
	HugeWaitWarn time.Duration
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		MaxMsgLen:      DefaultMaxMsgLen,
		NumRecvBuffers: DefaultNumRecvBuffers,
		Rank:           NoRank,
		IdleSpins:      DefaultIdleSpins,
		MinIdleSleep:   DefaultMinIdleSleep,
		MaxIdleSleep:   DefaultMaxIdleSleep,
		HugeWaitWarn:   DefaultHugeWaitWarn,
	}
}

// WithMaxMsgLen sets the ordinary buffer size.
func (c Config) WithMaxMsgLen(n int) Config {
	c.MaxMsgLen = n
	return c
}

// WithNumRecvBuffers sets the number of ordinary receive buffers.
func (c Config) WithNumRecvBuffers(n int) Config {
	c.NumRecvBuffers = n
	return c
}

// WithDebug sets the initial state of message tracing.
func (c Config) WithDebug(debug bool) Config {
	c.Debug = debug
	return c
}

// WithPeers sets the local rank and the listen addresses of all ranks.
func (c Config) WithPeers(rank int, peers []string) Config {
	c.Rank = rank
	c.Peers = append([]string(nil), peers...)

	return c
}

// WithTraceDB sets the SQLite trace file.
func (c Config) WithTraceDB(path string) Config {
	c.TraceDB = path
	return c
}

// WithTraceClickHouse sets the DSN of the ClickHouse trace server.
func (c Config) WithTraceClickHouse(dsn string) Config {
	c.TraceClickHouse = dsn
	return c
}

// WithMonitorPort sets the port of the monitoring server.
func (c Config) WithMonitorPort(port int) Config {
	c.MonitorPort = port
	return c
}

// WithIdleBackoff sets how the dispatch loop waits when nothing arrives.
func (c Config) WithIdleBackoff(
	spins int,
	minSleep, maxSleep time.Duration,
) Config {
	c.IdleSpins = spins
	c.MinIdleSleep = minSleep
	c.MaxIdleSleep = maxSleep

	return c
}

// WithHugeWaitWarn sets the huge message stall warning interval.
func (c Config) WithHugeWaitWarn(d time.Duration) Config {
	c.HugeWaitWarn = d
	return c
}

// Validate returns c with every out-of-range value replaced by its default.
// Each replacement is reported with a warning.
func (c Config) Validate() Config {
	if c.MaxMsgLen < MinMaxMsgLen || c.MaxMsgLen > MaxMaxMsgLen {
		warnf("buffer size must be between %d and %d bytes, got %d.",
			MinMaxMsgLen, MaxMaxMsgLen, c.MaxMsgLen)
		warnf("using the default buffer size, %d bytes.", DefaultMaxMsgLen)
		c.MaxMsgLen = DefaultMaxMsgLen
	}

	c.MaxMsgLen = AlignUp(c.MaxMsgLen)

	if c.NumRecvBuffers < MinNumRecvBuffers ||
		c.NumRecvBuffers > MaxNumRecvBuffers {
		warnf("number of receive buffers must be between %d and %d, got %d.",
			MinNumRecvBuffers, MaxNumRecvBuffers, c.NumRecvBuffers)
		warnf("using the default number of receive buffers, %d.",
			DefaultNumRecvBuffers)
		c.NumRecvBuffers = DefaultNumRecvBuffers
	}

	if c.IdleSpins < 0 {
		c.IdleSpins = DefaultIdleSpins
	}

	if c.MinIdleSleep <= 0 {
		c.MinIdleSleep = DefaultMinIdleSleep
	}

	if c.MaxIdleSleep < c.MinIdleSleep {
		warnf("maximum idle sleep %v is below the minimum %v.",
			c.MaxIdleSleep, c.MinIdleSleep)
		c.MaxIdleSleep = c.MinIdleSleep
	}

	if c.HugeWaitWarn <= 0 {
		c.HugeWaitWarn = DefaultHugeWaitWarn
	}

	return c
}

// AlignUp rounds n up to a multiple of Alignment.
func AlignUp(n int) int {
	if rem := n % Alignment; rem != 0 {
		n += Alignment - rem
	}

	return n
}

func warnf(format string, args ...any) {
	log.Printf("!!! WARNING: "+format, args...)
}
