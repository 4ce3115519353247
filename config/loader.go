package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Environment variables read by Load.
const (
	EnvFile        = "AMRT_ENV_FILE"
	EnvBufferSize  = "AMRT_BUFFER_SIZE"
	EnvRecvBuffers = "AMRT_RECV_BUFFERS"
	EnvDebug       = "AMRT_DEBUG"
	EnvRank        = "AMRT_RANK"
	EnvPeers       = "AMRT_PEERS"
	EnvTraceDB     = "AMRT_TRACE_DB"
	EnvClickHouse  = "AMRT_TRACE_CLICKHOUSE"
	EnvMonitorPort = "AMRT_MONITOR_PORT"
)

type lookupFunc func(key string) (string, bool)

// Load reads the configuration from the process environment. If AMRT_ENV_FILE
// names a dotenv file, its values are used for variables that the
// environment does not set.
func Load() (Config, error) {
	path, ok := os.LookupEnv(EnvFile)
	if !ok || path == "" {
		return parse(os.LookupEnv)
	}

	return LoadFile(path)
}

// LoadFile reads the configuration from a dotenv file, with the process
// environment taking precedence.
func LoadFile(path string) (Config, error) {
	vars, err := godotenv.Read(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
	}

	return parse(func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}

		v, ok := vars[key]

		return v, ok
	})
}

// FromMap reads the configuration from a map of variables.
func FromMap(vars map[string]string) (Config, error) {
	return parse(func(key string) (string, bool) {
		v, ok := vars[key]
		return v, ok
	})
}

func parse(lookup lookupFunc) (Config, error) {
	c := Default()

	if v, ok := lookup(EnvBufferSize); ok {
		size, err := ParseSize(v)
		if err != nil {
			warnf("%s=%q is not a size: %v.", EnvBufferSize, v, err)
			size = 0
		}

		c.MaxMsgLen = size
	}

	if v, ok := lookup(EnvRecvBuffers); ok {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			warnf("%s=%q is not a number.", EnvRecvBuffers, v)
			n = 0
		}

		c.NumRecvBuffers = n
	}

	if v, ok := lookup(EnvDebug); ok {
		debug, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			warnf("%s=%q is not a boolean, tracing stays off.", EnvDebug, v)
		}

		c.Debug = debug
	}

	if v, ok := lookup(EnvRank); ok {
		rank, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || rank < 0 {
			return Config{}, fmt.Errorf("config: %s=%q is not a rank",
				EnvRank, v)
		}

		c.Rank = rank
	}

	if v, ok := lookup(EnvPeers); ok && strings.TrimSpace(v) != "" {
		for _, p := range strings.Split(v, ",") {
			c.Peers = append(c.Peers, strings.TrimSpace(p))
		}
	}

	if len(c.Peers) > 0 && (c.Rank == NoRank || c.Rank >= len(c.Peers)) {
		return Config{}, fmt.Errorf(
			"config: %s must name one of the %d peers in %s",
			EnvRank, len(c.Peers), EnvPeers)
	}

	if v, ok := lookup(EnvTraceDB); ok {
		c.TraceDB = strings.TrimSpace(v)
	}

	if v, ok := lookup(EnvClickHouse); ok {
		c.TraceClickHouse = strings.TrimSpace(v)
	}

	if v, ok := lookup(EnvMonitorPort); ok {
		port, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || port < 0 || port > 65535 {
			warnf("%s=%q is not a port, monitoring stays off.",
				EnvMonitorPort, v)
			port = 0
		}

		c.MonitorPort = port
	}

	return c.Validate(), nil
}

// ParseSize converts a number of bytes with an optional unit (KB, kB, MB,
// GB, binary multiples) into bytes. "1.5 MB" is 1572864.
func ParseSize(s string) (int, error) {
	s = strings.TrimSpace(s)

	i := 0
	for i < len(s) && (s[i] >= '0' && s[i] <= '9' || s[i] == '.') {
		i++
	}

	value, err := strconv.ParseFloat(s[:i], 64)
	if err != nil {
		return 0, err
	}

	multiplier := 1.0

	switch unit := strings.TrimSpace(s[i:]); unit {
	case "", "B":
	case "KB", "kB":
		multiplier = 1024
	case "MB":
		multiplier = 1024 * 1024
	case "GB":
		multiplier = 1024 * 1024 * 1024
	default:
		return 0, fmt.Errorf("unknown unit %q", unit)
	}

	bytes := value * multiplier
	if bytes > float64(MaxMaxMsgLen)*2 {
		return MaxMaxMsgLen + 1, nil
	}

	return int(bytes), nil
}

// ToMap returns the variables that Load would read back into c. Variables at
// their zero value are left out.
func (c Config) ToMap() map[string]string {
	vars := map[string]string{
		EnvBufferSize:  strconv.Itoa(c.MaxMsgLen),
		EnvRecvBuffers: strconv.Itoa(c.NumRecvBuffers),
		EnvDebug:       strconv.FormatBool(c.Debug),
	}

	if len(c.Peers) > 0 {
		vars[EnvRank] = strconv.Itoa(c.Rank)
		vars[EnvPeers] = strings.Join(c.Peers, ",")
	}

	if c.TraceDB != "" {
		vars[EnvTraceDB] = c.TraceDB
	}

	if c.TraceClickHouse != "" {
		vars[EnvClickHouse] = c.TraceClickHouse
	}

	if c.MonitorPort > 0 {
		vars[EnvMonitorPort] = strconv.Itoa(c.MonitorPort)
	}

	return vars
}
