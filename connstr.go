package gocoral

import (
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const (
	defaultKVPort   = 11210
	defaultMgmtPort = 8091
)

// ParseConnStr parses a connection string of the form
//
//	coral://host[,host...][:port][?opt=val&...]
//
// and applies it on top of DefaultConfig. The corals scheme enables TLS.
// Recognized options: kv_timeout, query_timeout, num_kv_connections,
// enable_tls, enable_mutation_tokens, compression.
func ParseConnStr(connStr string) (Config, error) {
	cfg := DefaultConfig()

	if !strings.Contains(connStr, "://") {
		connStr = "coral://" + connStr
	}
	u, err := url.Parse(connStr)
	if err != nil {
		return cfg, errors.Wrap(err, "parse connection string")
	}

	switch u.Scheme {
	case "coral":
	case "corals":
		cfg.TLS.Enable = true
	default:
		return cfg, errors.Errorf("unsupported scheme %q", u.Scheme)
	}

	// url.Parse keeps "a,b:123" inside Host; split hosts ourselves. A port
	// on the last host applies to every host that names none.
	hostPart := u.Host
	if hostPart == "" {
		return cfg, errors.New("connection string names no hosts")
	}

	var port int
	if i := strings.LastIndex(hostPart, ":"); i > strings.LastIndex(hostPart, "]") {
		p, err := strconv.Atoi(hostPart[i+1:])
		if err != nil {
			return cfg, errors.Wrap(err, "parse port")
		}
		port = p
		hostPart = hostPart[:i]
	}
	if port == 0 {
		port = defaultKVPort
	}

	for _, h := range strings.Split(hostPart, ",") {
		h = strings.TrimSpace(h)
		if h == "" {
			continue
		}
		kvPort := port
		if i := strings.LastIndex(h, ":"); i > strings.LastIndex(h, "]") {
			p, err := strconv.Atoi(h[i+1:])
			if err != nil {
				return cfg, errors.Wrapf(err, "parse port for host %q", h)
			}
			kvPort = p
			h = h[:i]
		}
		cfg.Seeds = append(cfg.Seeds, net.JoinHostPort(h, strconv.Itoa(kvPort)))
		cfg.HTTPSeeds = append(cfg.HTTPSeeds, net.JoinHostPort(h, strconv.Itoa(defaultMgmtPort)))
	}
	if len(cfg.Seeds) == 0 {
		return cfg, errors.New("connection string names no hosts")
	}

	for key, vals := range u.Query() {
		val := vals[len(vals)-1]
		switch key {
		case "kv_timeout":
			d, err := parseDurationOpt(val)
			if err != nil {
				return cfg, errors.Wrap(err, "kv_timeout")
			}
			cfg.KVTimeout = d
		case "query_timeout":
			d, err := parseDurationOpt(val)
			if err != nil {
				return cfg, errors.Wrap(err, "query_timeout")
			}
			cfg.QueryTimeout = d
		case "num_kv_connections":
			n, err := strconv.Atoi(val)
			if err != nil || n < 1 || n > 64 {
				return cfg, errors.Errorf("num_kv_connections: bad value %q", val)
			}
			cfg.NumKVConnections = n
		case "enable_tls":
			b, err := strconv.ParseBool(val)
			if err != nil {
				return cfg, errors.Errorf("enable_tls: bad value %q", val)
			}
			cfg.TLS.Enable = b
		case "enable_mutation_tokens":
			b, err := strconv.ParseBool(val)
			if err != nil {
				return cfg, errors.Errorf("enable_mutation_tokens: bad value %q", val)
			}
			cfg.EnableMutationTokens = b
		case "compression":
			b, err := strconv.ParseBool(val)
			if err != nil {
				return cfg, errors.Errorf("compression: bad value %q", val)
			}
			cfg.EnableCompression = b
		default:
			return cfg, errors.Errorf("unknown option %q", key)
		}
	}

	return cfg, nil
}

// parseDurationOpt accepts either a Go duration ("2s") or plain
// milliseconds ("2500").
func parseDurationOpt(val string) (time.Duration, error) {
	if ms, err := strconv.Atoi(val); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	return time.ParseDuration(val)
}
