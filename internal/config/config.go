package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Server struct {
	Addr           string `yaml:"addr"`
	ReadTimeoutMS  int    `yaml:"read_timeout_ms"`
	WriteTimeoutMS int    `yaml:"write_timeout_ms"`
	IdleTimeoutMS  int    `yaml:"idle_timeout_ms"`
	MaxBodyBytes   int64  `yaml:"max_body_bytes"`
}

type Observability struct {
	LogLevel       string `yaml:"log_level"`       // "debug","info","warn","error"
	PrometheusPath string `yaml:"prometheus_path"` // e.g. "/metrics"
}

// Flow declares one named limiter: its per-interval token budget and the
// reset interval.
type Flow struct {
	Name       string `yaml:"name"`
	Limit      int64  `yaml:"limit"`
	IntervalMS int    `yaml:"interval_ms"`
}

// Shaping configures the flow limiters and how request cost is derived.
type Shaping struct {
	Flows []Flow `yaml:"flows"`
	// CostDivisor scales body size into tokens: cost = 1 + length/divisor.
	// Zero means every request costs a flat 1 token.
	CostDivisor int64 `yaml:"cost_divisor"`
	MaxCost     int64 `yaml:"max_cost"`
}

// Guard configures the per-client request-rate guard in front of the shaper.
// An RPS of 0 disables the guard entirely.
type Guard struct {
	RPS       float64 `yaml:"rps"`
	Burst     int     `yaml:"burst"`
	IdleTTLMS int     `yaml:"idle_ttl_ms"`
	KeyHeader string  `yaml:"key_header"`
	TrustXFF  bool    `yaml:"trust_xff"`
}

// Redis configures the optional admission-stats backend. Empty addr
// disables it.
type Redis struct {
	Addr        string `yaml:"addr"`
	Password    string `yaml:"password"`
	DB          int    `yaml:"db"`
	StatsPrefix string `yaml:"stats_prefix"`
	StatsTTLMin int    `yaml:"stats_ttl_min"`
}

type Route struct {
	ID    string `yaml:"id"`
	Match struct {
		PathPrefix string   `yaml:"path_prefix"`
		Methods    []string `yaml:"methods"`
	} `yaml:"match"`

	Upstream struct {
		URL       string `yaml:"url"`
		TimeoutMS int    `yaml:"timeout_ms"`
	} `yaml:"upstream"`

	// Flow names the limiter shaping this route. Empty means unshaped.
	Flow string `yaml:"flow"`
}

type Root struct {
	Server        Server        `yaml:"server"`
	Observability Observability `yaml:"observability"`
	Shaping       Shaping       `yaml:"shaping"`
	Guard         Guard         `yaml:"guard"`
	Redis         Redis         `yaml:"redis"`
	Routes        []Route       `yaml:"routes"`
}

func (s Server) ReadTimeout() time.Duration {
	if s.ReadTimeoutMS == 0 {
		return 5 * time.Second
	}
	return time.Duration(s.ReadTimeoutMS) * time.Millisecond
}

func (s Server) WriteTimeout() time.Duration {
	if s.WriteTimeoutMS == 0 {
		return 10 * time.Second
	}
	return time.Duration(s.WriteTimeoutMS) * time.Millisecond
}

func (s Server) IdleTimeout() time.Duration {
	if s.IdleTimeoutMS == 0 {
		return 60 * time.Second
	}
	return time.Duration(s.IdleTimeoutMS) * time.Millisecond
}

func (s Server) MaxBody() int64 {
	if s.MaxBodyBytes == 0 {
		return 10 << 20
	}
	return s.MaxBodyBytes
} // default 10MB

func (f Flow) Interval() time.Duration {
	if f.IntervalMS <= 0 {
		return time.Second
	}
	return time.Duration(f.IntervalMS) * time.Millisecond
}

func (g Guard) IdleTTL() time.Duration {
	if g.IdleTTLMS <= 0 {
		return 15 * time.Minute
	}
	return time.Duration(g.IdleTTLMS) * time.Millisecond
}

func (r Redis) StatsTTL() time.Duration {
	if r.StatsTTLMin <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(r.StatsTTLMin) * time.Minute
}

func Load(path string) (*Root, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Root
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}

	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Observability.LogLevel == "" {
		cfg.Observability.LogLevel = "info"
	}
	if cfg.Observability.PrometheusPath == "" {
		cfg.Observability.PrometheusPath = "/metrics"
	}
	if cfg.Guard.RPS < 0 {
		return nil, fmt.Errorf("config: guard rps must be >= 0, got %v", cfg.Guard.RPS)
	}
	// rps 0 means the guard is off; a configured rate without a burst gets
	// a bucket the size of one second of traffic.
	if cfg.Guard.RPS > 0 && cfg.Guard.Burst <= 0 {
		cfg.Guard.Burst = int(cfg.Guard.RPS)
		if cfg.Guard.Burst < 1 {
			cfg.Guard.Burst = 1
		}
	}
	if cfg.Shaping.MaxCost <= 0 {
		cfg.Shaping.MaxCost = 1 << 20
	}

	seen := make(map[string]struct{}, len(cfg.Shaping.Flows))
	for i, f := range cfg.Shaping.Flows {
		if f.Name == "" {
			return nil, fmt.Errorf("config: flow %d has no name", i)
		}
		if _, dup := seen[f.Name]; dup {
			return nil, fmt.Errorf("config: duplicate flow %q", f.Name)
		}
		seen[f.Name] = struct{}{}
		if f.Limit < 0 {
			return nil, fmt.Errorf("config: flow %q has negative limit", f.Name)
		}
	}

	for i := range cfg.Routes {
		rt := &cfg.Routes[i]
		if rt.Upstream.TimeoutMS <= 0 {
			rt.Upstream.TimeoutMS = 3000
		}
		if rt.Flow != "" {
			if _, ok := seen[rt.Flow]; !ok {
				return nil, fmt.Errorf("config: route %q references unknown flow %q", rt.ID, rt.Flow)
			}
		}
	}

	return &cfg, nil
}
