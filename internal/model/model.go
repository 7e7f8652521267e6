// Package model defines the fleet data model: server profiles, their
// observed status and metrics, logical groups, operation records, and
// the sync policy.
package model

import (
	"fmt"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultSSHPort      = 22
	DefaultSSHUser      = "root"
	DefaultVPNInterface = "wg0"
	DefaultVPNPort      = 51820
	DefaultVPNSubnet    = "10.66.66.0/24"
)

// Conflict resolution strategies accepted by SyncPolicy.
const (
	ResolveNewest = "newest"
	ResolveOldest = "oldest"
	ResolveManual = "manual"
)

// Operation statuses recorded on ServerOperation.
const (
	OpPending = "pending"
	OpSuccess = "success"
	OpFailure = "failure"
)

// ServerConnection describes how to reach a host over SSH.
type ServerConnection struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	Username string `yaml:"username" mapstructure:"username"`
	KeyPath  string `yaml:"key_path,omitempty" mapstructure:"key_path"`
	Password string `yaml:"password,omitempty" mapstructure:"password"`
}

// Validate checks the host and port. The host must be an IP address or a
// plain hostname; the port must fit in 1-65535.
func (c ServerConnection) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}
	if _, err := netip.ParseAddr(c.Host); err != nil {
		for _, r := range c.Host {
			if !isHostRune(r) {
				return fmt.Errorf("invalid hostname %q", c.Host)
			}
		}
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	return nil
}

// HasAuth reports whether the connection carries at least one usable
// authentication source.
func (c ServerConnection) HasAuth() bool {
	return c.KeyPath != "" || c.Password != ""
}

func isHostRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r == '.' || r == '-':
		return true
	}
	return false
}

// ServerStatus is the last observed health of a server. It is replaced
// on every status check; no history is kept here.
type ServerStatus struct {
	Online        bool      `yaml:"online" mapstructure:"online"`
	VPNRunning    bool      `yaml:"vpn_running" mapstructure:"vpn_running"`
	LastCheck     time.Time `yaml:"last_check,omitempty" mapstructure:"last_check"`
	UptimeSec     int64     `yaml:"uptime,omitempty" mapstructure:"uptime"`
	ActiveClients int       `yaml:"active_clients" mapstructure:"active_clients"`
	CPUUsage      float64   `yaml:"cpu_usage,omitempty" mapstructure:"cpu_usage"`
	MemoryUsage   float64   `yaml:"memory_usage,omitempty" mapstructure:"memory_usage"`
	ErrorMessage  string    `yaml:"error_message,omitempty" mapstructure:"error_message"`
}

// ServerMetrics is the last observed load of a server. CollectedAt is
// independent from ServerStatus.LastCheck.
type ServerMetrics struct {
	TotalClients     int       `yaml:"total_clients" mapstructure:"total_clients"`
	ActiveClients    int       `yaml:"active_clients" mapstructure:"active_clients"`
	BytesReceived    int64     `yaml:"bytes_received" mapstructure:"bytes_received"`
	BytesTransmitted int64     `yaml:"bytes_transmitted" mapstructure:"bytes_transmitted"`
	BandwidthRx      float64   `yaml:"bandwidth_rx" mapstructure:"bandwidth_rx"`
	BandwidthTx      float64   `yaml:"bandwidth_tx" mapstructure:"bandwidth_tx"`
	AvgLatencyMs     float64   `yaml:"avg_latency,omitempty" mapstructure:"avg_latency"`
	CollectedAt      time.Time `yaml:"collected_at,omitempty" mapstructure:"collected_at"`
}

// ServerProfile is one managed VPN server. Name is unique across the
// registry and immutable after creation. Status and metric updates go
// through UpdateStatus/UpdateMetrics, which hold a per-profile lock so
// concurrent polling tasks never race on the same profile.
type ServerProfile struct {
	Name        string   `yaml:"name" mapstructure:"name"`
	Description string   `yaml:"description,omitempty" mapstructure:"description"`
	Tags        []string `yaml:"tags,omitempty" mapstructure:"tags"`

	Connection ServerConnection `yaml:"connection" mapstructure:"connection"`

	VPNInterface  string `yaml:"vpn_interface" mapstructure:"vpn_interface"`
	VPNPort       int    `yaml:"vpn_port" mapstructure:"vpn_port"`
	VPNSubnet     string `yaml:"vpn_subnet" mapstructure:"vpn_subnet"`
	VPNIPv6Subnet string `yaml:"vpn_ipv6_subnet,omitempty" mapstructure:"vpn_ipv6_subnet"`

	DDNSEnabled  bool   `yaml:"ddns_enabled" mapstructure:"ddns_enabled"`
	DDNSProvider string `yaml:"ddns_provider,omitempty" mapstructure:"ddns_provider"`
	DDNSDomain   string `yaml:"ddns_domain,omitempty" mapstructure:"ddns_domain"`

	Status  ServerStatus  `yaml:"status" mapstructure:"status"`
	Metrics ServerMetrics `yaml:"metrics" mapstructure:"metrics"`

	CreatedAt time.Time `yaml:"created_at" mapstructure:"created_at"`
	UpdatedAt time.Time `yaml:"updated_at" mapstructure:"updated_at"`
	Enabled   bool      `yaml:"enabled" mapstructure:"enabled"`
	IsPrimary bool      `yaml:"is_primary" mapstructure:"is_primary"`

	mu sync.Mutex
}

// NewServerProfile constructs a profile with defaults filled in.
func NewServerProfile(name string, conn ServerConnection) *ServerProfile {
	if conn.Port == 0 {
		conn.Port = DefaultSSHPort
	}
	if conn.Username == "" {
		conn.Username = DefaultSSHUser
	}
	now := time.Now().UTC()
	return &ServerProfile{
		Name:         name,
		Connection:   conn,
		VPNInterface: DefaultVPNInterface,
		VPNPort:      DefaultVPNPort,
		VPNSubnet:    DefaultVPNSubnet,
		Enabled:      true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// Validate checks name, connection, ports, and subnets.
func (p *ServerProfile) Validate() error {
	if err := ValidateName(p.Name); err != nil {
		return err
	}
	if err := p.Connection.Validate(); err != nil {
		return fmt.Errorf("connection: %w", err)
	}
	if p.VPNPort < 1 || p.VPNPort > 65535 {
		return fmt.Errorf("vpn_port %d out of range", p.VPNPort)
	}
	for _, subnet := range []string{p.VPNSubnet, p.VPNIPv6Subnet} {
		if subnet == "" {
			continue
		}
		if _, err := netip.ParsePrefix(subnet); err != nil {
			return fmt.Errorf("invalid subnet %q: %w", subnet, err)
		}
	}
	return nil
}

// ValidateName restricts server and group names to letters, digits,
// hyphens, and underscores.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("name is required")
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-' || r == '_':
		default:
			return fmt.Errorf("invalid name %q: only letters, digits, hyphens, and underscores allowed", name)
		}
	}
	return nil
}

// HasAnyTag reports whether the profile carries at least one of the tags.
func (p *ServerProfile) HasAnyTag(tags []string) bool {
	for _, want := range tags {
		for _, have := range p.Tags {
			if want == have {
				return true
			}
		}
	}
	return false
}

// UpdateStatus mutates the status snapshot and bumps LastCheck and
// UpdatedAt under the profile lock.
func (p *ServerProfile) UpdateStatus(mutate func(*ServerStatus)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	mutate(&p.Status)
	now := time.Now().UTC()
	p.Status.LastCheck = now
	p.UpdatedAt = now
}

// UpdateMetrics mutates the metrics snapshot and bumps CollectedAt and
// UpdatedAt under the profile lock.
func (p *ServerProfile) UpdateMetrics(mutate func(*ServerMetrics)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	mutate(&p.Metrics)
	now := time.Now().UTC()
	p.Metrics.CollectedAt = now
	p.UpdatedAt = now
}

// StatusSnapshot returns a copy of the current status.
func (p *ServerProfile) StatusSnapshot() ServerStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Status
}

// MetricsSnapshot returns a copy of the current metrics.
func (p *ServerProfile) MetricsSnapshot() ServerMetrics {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Metrics
}

// ServerGroup is a logical label over servers. ServerNames are weak
// references into the registry: a group may name a since-deleted server,
// and consumers must skip dangling names rather than fail.
type ServerGroup struct {
	Name        string    `yaml:"name" mapstructure:"name"`
	Description string    `yaml:"description,omitempty" mapstructure:"description"`
	ServerNames []string  `yaml:"server_names,omitempty" mapstructure:"server_names"`
	Tags        []string  `yaml:"tags,omitempty" mapstructure:"tags"`
	CreatedAt   time.Time `yaml:"created_at" mapstructure:"created_at"`
}

// ServerOperation is an append-only audit record of one fleet action.
// Complete is the only mutator and takes effect exactly once.
type ServerOperation struct {
	ID          string            `yaml:"id"`
	ServerName  string            `yaml:"server_name"`
	Operation   string            `yaml:"operation"`
	Status      string            `yaml:"status"`
	Message     string            `yaml:"message,omitempty"`
	Details     map[string]string `yaml:"details,omitempty"`
	StartedAt   time.Time         `yaml:"started_at"`
	CompletedAt time.Time         `yaml:"completed_at,omitempty"`
	DurationSec float64           `yaml:"duration,omitempty"`

	completed bool
}

// NewOperation starts a pending operation record for a server.
func NewOperation(serverName, operation string) *ServerOperation {
	return &ServerOperation{
		ID:         uuid.NewString(),
		ServerName: serverName,
		Operation:  operation,
		Status:     OpPending,
		StartedAt:  time.Now().UTC(),
	}
}

// Complete marks the operation finished. Later calls are ignored.
func (o *ServerOperation) Complete(status, message string) {
	if o.completed {
		return
	}
	o.completed = true
	o.Status = status
	if message != "" {
		o.Message = message
	}
	o.CompletedAt = time.Now().UTC()
	o.DurationSec = o.CompletedAt.Sub(o.StartedAt).Seconds()
}

// Completed reports whether Complete has been called.
func (o *ServerOperation) Completed() bool {
	return o.completed
}

// SyncPolicy controls configuration reconciliation.
type SyncPolicy struct {
	Enabled            bool     `yaml:"enabled" mapstructure:"enabled"`
	SyncClients        bool     `yaml:"sync_clients" mapstructure:"sync_clients"`
	SyncSettings       bool     `yaml:"sync_settings" mapstructure:"sync_settings"`
	SyncKeys           bool     `yaml:"sync_keys" mapstructure:"sync_keys"`
	SyncIntervalSec    int      `yaml:"sync_interval" mapstructure:"sync_interval"`
	ConflictResolution string   `yaml:"conflict_resolution" mapstructure:"conflict_resolution"`
	ExcludedServers    []string `yaml:"excluded_servers,omitempty" mapstructure:"excluded_servers"`
}

// DefaultSyncPolicy returns the stock policy: sync enabled every five
// minutes, clients and settings but not keys.
func DefaultSyncPolicy() SyncPolicy {
	return SyncPolicy{
		Enabled:            true,
		SyncClients:        true,
		SyncSettings:       true,
		SyncIntervalSec:    300,
		ConflictResolution: ResolveNewest,
	}
}

// Validate rejects unknown conflict resolution strategies.
func (s SyncPolicy) Validate() error {
	switch s.ConflictResolution {
	case ResolveNewest, ResolveOldest, ResolveManual:
		return nil
	}
	return fmt.Errorf("invalid conflict_resolution %q: must be one of %s",
		s.ConflictResolution, strings.Join([]string{ResolveNewest, ResolveOldest, ResolveManual}, ", "))
}

// Excluded reports whether a server is excluded from sync.
func (s SyncPolicy) Excluded(name string) bool {
	for _, excluded := range s.ExcludedServers {
		if excluded == name {
			return true
		}
	}
	return false
}
