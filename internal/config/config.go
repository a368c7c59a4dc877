// Package config loads the balancer's TOML configuration file (spec §6):
// one [proto_balancer] table plus one table per statically-configured
// backend.
package config

import (
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"

	"github.com/protobalancer/balancer/internal/backend"
	"github.com/protobalancer/balancer/internal/selection"
)

const defaultPort = "3000"

// BackendSpec is one statically-configured backend table from the TOML
// file, decoded before being turned into a *backend.Backend.
type BackendSpec struct {
	URL         string `toml:"url"`
	WSURL       string `toml:"ws_url"`
	ChainID     uint64 `toml:"chain_id"`
	RPCLocation string `toml:"rpc_location"`
}

// protoBalancerTable is the [proto_balancer] section.
type protoBalancerTable struct {
	Address      string `toml:"address"`
	LogLevel     string `toml:"log_level"`
	StatsVecSize int    `toml:"stats_vec_size"`
	Algo         string `toml:"algo"`
}

// Settings is the fully resolved, ready-to-use configuration.
type Settings struct {
	Address      string
	LogLevel     string
	StatsVecSize int
	Algo         selection.Algo
	Backends     []*backend.Backend
}

// Load reads path, applies any .env overlay (LOG_LEVEL, CONFIG_PATH), and
// parses the TOML config into Settings. A missing or malformed file, or a
// missing required key, is a fatal configuration error (spec §5:
// "Exit is non-zero only on config errors"), matching the original's
// fail-fast startup.
func Load(path string) (*Settings, error) {
	loadDotEnv()
	if override := os.Getenv("CONFIG_PATH"); override != "" {
		path = override
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %q: %w", path, err)
	}

	var doc map[string]interface{}
	if err := toml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parsing TOML: %w", err)
	}

	balancerRaw, ok := doc["proto_balancer"]
	if !ok {
		return nil, fmt.Errorf("missing proto_balancer table")
	}
	balancerBytes, err := toml.Marshal(balancerRaw)
	if err != nil {
		return nil, fmt.Errorf("re-marshaling proto_balancer table: %w", err)
	}
	var pb protoBalancerTable
	if err := toml.Unmarshal(balancerBytes, &pb); err != nil {
		return nil, fmt.Errorf("parsing proto_balancer table: %w", err)
	}
	if pb.Address == "" {
		return nil, fmt.Errorf("missing address in proto_balancer table")
	}
	if pb.LogLevel == "" {
		return nil, fmt.Errorf("missing log_level in proto_balancer table")
	}
	if pb.StatsVecSize == 0 {
		return nil, fmt.Errorf("missing stats_vec_size in proto_balancer table")
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		pb.LogLevel = level
	}

	algo, ok := selection.ParseAlgo(pb.Algo)
	if !ok {
		algo = selection.MinLatency
	}

	var backends []*backend.Backend
	for name, value := range doc {
		if name == "proto_balancer" {
			continue
		}
		specBytes, err := toml.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("re-marshaling backend table %q: %w", name, err)
		}
		var spec BackendSpec
		if err := toml.Unmarshal(specBytes, &spec); err != nil {
			return nil, fmt.Errorf("parsing backend table %q: %w", name, err)
		}
		if spec.URL == "" {
			return nil, fmt.Errorf("backend table %q: missing url", name)
		}
		if spec.WSURL == "" {
			return nil, fmt.Errorf("backend table %q: missing ws_url", name)
		}
		if spec.RPCLocation == "" {
			return nil, fmt.Errorf("backend table %q: missing rpc_location", name)
		}
		locality, ok := backend.ParseLocality(spec.RPCLocation)
		if !ok {
			return nil, fmt.Errorf("backend table %q: invalid rpc_location %q", name, spec.RPCLocation)
		}
		backends = append(backends, backend.New(spec.URL, spec.WSURL, spec.ChainID, locality, pb.StatsVecSize))
	}

	return &Settings{
		Address:      normalizeAddress(pb.Address),
		LogLevel:     pb.LogLevel,
		StatsVecSize: pb.StatsVecSize,
		Algo:         algo,
		Backends:     backends,
	}, nil
}

// normalizeAddress replaces "localhost" with "127.0.0.1" and appends the
// default port 3000 when the address carries none (spec §6).
func normalizeAddress(address string) string {
	address = strings.ReplaceAll(address, "localhost", "127.0.0.1")
	if _, _, err := net.SplitHostPort(address); err == nil {
		return address
	}
	return net.JoinHostPort(address, defaultPort)
}

// loadDotEnv overlays a .env file onto the process environment, matching
// the teacher's non-fatal godotenv.Load() handling: a missing .env file is
// not an error.
func loadDotEnv() {
	_ = godotenv.Load()
}
