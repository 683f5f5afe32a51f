// Package config loads and validates the PLB YAML configuration file,
// following the same gopkg.in/yaml.v3 decode style the teacher orchestrator
// uses for its own resource manifests (cmd/warren/apply.go).
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/cuemby/proxlb/pkg/cluster"
	"gopkg.in/yaml.v3"
)

// Config is the root of /etc/proxlb/proxlb.yaml.
type Config struct {
	ProxmoxAPI     ProxmoxAPI     `yaml:"proxmox_api"`
	ProxmoxCluster ProxmoxCluster `yaml:"proxmox_cluster"`
	Balancing      Balancing      `yaml:"balancing"`
	Service        Service        `yaml:"service"`
}

// ProxmoxAPI is the `proxmox_api` section.
type ProxmoxAPI struct {
	Hosts           []string `yaml:"hosts"`
	User            string   `yaml:"user"`
	Pass            string   `yaml:"pass"`
	TokenID         string   `yaml:"token_id"`
	TokenSecret     string   `yaml:"token_secret"`
	SSLVerification *bool    `yaml:"ssl_verification"`
	Timeout         *int     `yaml:"timeout"`
	Retries         *int     `yaml:"retries"`
	WaitTime        *int     `yaml:"wait_time"`
}

// ProxmoxCluster is the `proxmox_cluster` section.
type ProxmoxCluster struct {
	MaintenanceNodes []string `yaml:"maintenance_nodes"`
	IgnoreNodes      []string `yaml:"ignore_nodes"`
	Overprovisioning bool     `yaml:"overprovisioning"`
}

// NodeReserve is one entry of `balancing.node_resource_reserve`.
type NodeReserve struct {
	MemoryGiB float64 `yaml:"memory"`
}

// PoolRule is one entry of `balancing.pools`.
type PoolRule struct {
	Type   string   `yaml:"type"` // affinity | anti-affinity
	Pin    []string `yaml:"pin"`
	Strict bool     `yaml:"strict"`
}

// PSIThreshold is one dimension's entry of `balancing.psi`.
type PSIThreshold struct {
	Some   float64 `yaml:"some"`
	Full   float64 `yaml:"full"`
	Spikes float64 `yaml:"spikes"`
}

// Balancing is the `balancing` section.
type Balancing struct {
	Enable                   *bool                   `yaml:"enable"`
	Method                   string                  `yaml:"method"`
	Mode                     string                  `yaml:"mode"`
	Balanciness              *int                    `yaml:"balanciness"`
	MemoryThreshold          *int                    `yaml:"memory_threshold"`
	BalanceTypes             []string                `yaml:"balance_types"`
	BalanceLargerGuestsFirst *bool                   `yaml:"balance_larger_guests_first"`
	EnforceAffinity          bool                    `yaml:"enforce_affinity"`
	EnforcePinning           bool                    `yaml:"enforce_pinning"`
	Parallel                 bool                    `yaml:"parallel"`
	ParallelJobs             *int                    `yaml:"parallel_jobs"`
	Live                     *bool                   `yaml:"live"`
	WithLocalDisks           *bool                   `yaml:"with_local_disks"`
	WithConntrackState       *bool                   `yaml:"with_conntrack_state"`
	MaxJobValidation         *int                    `yaml:"max_job_validation"`
	NodeResourceReserve      map[string]NodeReserve  `yaml:"node_resource_reserve"`
	Pools                    map[string]PoolRule     `yaml:"pools"`
	PSI                      map[string]PSIThreshold `yaml:"psi"`
}

// Delay is the `service.delay` section.
type Delay struct {
	Enable bool   `yaml:"enable"`
	Time   int    `yaml:"time"`
	Format string `yaml:"format"` // hours | minutes
}

// Schedule is the `service.schedule` section.
type Schedule struct {
	Interval int    `yaml:"interval"`
	Format   string `yaml:"format"` // hours | minutes
}

// Service is the `service` section.
type Service struct {
	Daemon   *bool    `yaml:"daemon"`
	Schedule Schedule `yaml:"schedule"`
	Delay    Delay    `yaml:"delay"`
	LogLevel string   `yaml:"log_level"`
}

// Default returns the zero-value fallbacks named in §6.
func Default() *Config {
	return &Config{
		ProxmoxAPI: ProxmoxAPI{
			SSLVerification: boolPtr(true),
			Timeout:         intPtr(10),
			Retries:         intPtr(1),
			WaitTime:        intPtr(1),
		},
		Balancing: Balancing{
			Enable:                   boolPtr(true),
			Method:                   "memory",
			Mode:                     "used",
			Balanciness:              intPtr(10),
			BalanceTypes:             []string{"vm", "ct"},
			BalanceLargerGuestsFirst: boolPtr(true),
			ParallelJobs:             intPtr(5),
			Live:                     boolPtr(true),
			WithLocalDisks:           boolPtr(true),
			WithConntrackState:       boolPtr(true),
			MaxJobValidation:         intPtr(1800),
		},
		Service: Service{
			Daemon:   boolPtr(true),
			Schedule: Schedule{Interval: 24, Format: "hours"},
			LogLevel: "INFO",
		},
	}
}

// Load reads and validates a configuration file at path, merging onto
// Default().
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &cluster.ConfigError{Reason: fmt.Sprintf("reading %s: %v", path, err)}
	}
	return Parse(data)
}

// Parse decodes raw YAML bytes onto Default() and validates the result.
// Unknown top-level or section keys are rejected per §6.
func Parse(data []byte) (*Config, error) {
	var probe map[string]yaml.Node
	if err := yaml.Unmarshal(data, &probe); err != nil {
		return nil, &cluster.ConfigError{Reason: fmt.Sprintf("parsing yaml: %v", err)}
	}
	for key := range probe {
		switch key {
		case "proxmox_api", "proxmox_cluster", "balancing", "service":
		default:
			return nil, &cluster.ConfigError{Reason: fmt.Sprintf("unrecognized top-level key %q", key)}
		}
	}

	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, &cluster.ConfigError{Reason: fmt.Sprintf("decoding yaml: %v", err)}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if len(c.ProxmoxAPI.Hosts) == 0 {
		return &cluster.ConfigError{Reason: "proxmox_api.hosts must not be empty"}
	}
	if c.ProxmoxAPI.User == "" {
		return &cluster.ConfigError{Reason: "proxmox_api.user is required"}
	}
	haveToken := c.ProxmoxAPI.TokenID != "" || c.ProxmoxAPI.TokenSecret != ""
	havePass := c.ProxmoxAPI.Pass != ""
	if !haveToken && !havePass {
		return &cluster.ConfigError{Reason: "either proxmox_api.pass or proxmox_api.token_id/token_secret must be set"}
	}
	if haveToken && strings.Contains(c.ProxmoxAPI.TokenID, "@") && strings.Contains(c.ProxmoxAPI.TokenID, "!") {
		return &cluster.ConfigError{Reason: "token_id must not embed 'user@realm!token-name'; set user separately"}
	}

	switch c.Balancing.Method {
	case "memory", "cpu", "disk":
	default:
		return &cluster.ConfigError{Reason: fmt.Sprintf("balancing.method %q must be one of memory|cpu|disk", c.Balancing.Method)}
	}
	switch c.Balancing.Mode {
	case "used", "assigned", "psi":
	default:
		return &cluster.ConfigError{Reason: fmt.Sprintf("balancing.mode %q must be one of used|assigned|psi", c.Balancing.Mode)}
	}
	if c.Balancing.Mode == "psi" && len(c.Balancing.PSI) == 0 {
		return &cluster.ConfigError{Reason: "balancing.psi is required when balancing.mode is psi"}
	}
	for _, t := range c.Balancing.BalanceTypes {
		if t != "vm" && t != "ct" {
			return &cluster.ConfigError{Reason: fmt.Sprintf("balancing.balance_types entry %q must be vm or ct", t)}
		}
	}
	for name, pool := range c.Balancing.Pools {
		if pool.Type != "affinity" && pool.Type != "anti-affinity" {
			return &cluster.ConfigError{Reason: fmt.Sprintf("balancing.pools[%s].type must be affinity or anti-affinity", name)}
		}
	}
	if c.Service.Schedule.Format != "" && c.Service.Schedule.Format != "hours" && c.Service.Schedule.Format != "minutes" {
		return &cluster.ConfigError{Reason: "service.schedule.format must be hours or minutes"}
	}
	if c.Service.Delay.Enable && c.Service.Delay.Format != "hours" && c.Service.Delay.Format != "minutes" {
		return &cluster.ConfigError{Reason: "service.delay.format must be hours or minutes"}
	}
	switch strings.ToUpper(c.Service.LogLevel) {
	case "", "DEBUG", "INFO", "WARNING", "CRITICAL":
	default:
		return &cluster.ConfigError{Reason: fmt.Sprintf("service.log_level %q must be one of DEBUG|INFO|WARNING|CRITICAL", c.Service.LogLevel)}
	}
	return nil
}

func boolPtr(b bool) *bool { return &b }
func intPtr(i int) *int    { return &i }
