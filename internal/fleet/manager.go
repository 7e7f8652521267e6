// Package fleet owns the registry of managed VPN servers: profile and
// group CRUD, persistence into the local configuration document, and
// concurrent health/metric polling over the SSH control plane.
package fleet

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"vpnfleet/internal/model"
	"vpnfleet/internal/oplog"
	"vpnfleet/internal/wgstats"
)

// Runner abstracts the remote executor. sshexec.Pool satisfies it; tests
// substitute fakes.
type Runner interface {
	Run(ctx context.Context, name string, conn model.ServerConnection, command string, timeout time.Duration) (string, error)
	Close(name string)
	Cleanup()
	ActiveSessions() int
}

// Options tune a Manager.
type Options struct {
	// CommandTimeout bounds each remote command. Zero means 30s.
	CommandTimeout time.Duration
	// MaxConcurrent caps concurrent session establishments during
	// fleet-wide polling. Zero means 50.
	MaxConcurrent int64
	// OpLog, when set, receives an audit record per fleet action.
	OpLog *oplog.Log
	Log   *zap.Logger
}

// Manager is the fleet registry. It exclusively owns the server and
// group maps; all host access flows through the Runner.
type Manager struct {
	store  *Store
	runner Runner
	log    *zap.Logger
	ops    *oplog.Log

	cmdTimeout    time.Duration
	maxConcurrent int64

	mu      sync.RWMutex
	servers map[string]*model.ServerProfile
	groups  map[string]*model.ServerGroup
}

// Summary is the read-only aggregate over the registry.
type Summary struct {
	TotalServers   int `yaml:"total_servers"`
	EnabledServers int `yaml:"enabled_servers"`
	OnlineServers  int `yaml:"online_servers"`
	VPNRunning     int `yaml:"vpn_running"`
	TotalGroups    int `yaml:"total_groups"`
	ActiveSessions int `yaml:"active_sessions"`
}

// NewManager loads the registry from the store and wires the runner.
// Corrupt persisted entries are logged and skipped.
func NewManager(store *Store, runner Runner, opts Options) *Manager {
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = 30 * time.Second
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 50
	}

	servers, groups, errs := store.Load()
	for _, err := range errs {
		opts.Log.Warn("skipping unreadable registry entry", zap.Error(err))
	}
	opts.Log.Info("loaded fleet registry",
		zap.Int("servers", len(servers)), zap.Int("groups", len(groups)))

	return &Manager{
		store:         store,
		runner:        runner,
		log:           opts.Log,
		ops:           opts.OpLog,
		cmdTimeout:    opts.CommandTimeout,
		maxConcurrent: opts.MaxConcurrent,
		servers:       servers,
		groups:        groups,
	}
}

// AddServer registers a new profile and persists the registry. The name
// must not already exist.
func (m *Manager) AddServer(profile *model.ServerProfile) error {
	if err := profile.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.servers[profile.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateServer, profile.Name)
	}
	m.servers[profile.Name] = profile
	if err := m.persistLocked(); err != nil {
		delete(m.servers, profile.Name)
		return err
	}

	m.log.Info("added server", zap.String("server", profile.Name), zap.String("host", profile.Connection.Host))
	m.logOp(profile.Name, "add_server", model.OpSuccess, "")
	return nil
}

// RemoveServer drops a profile, closes any cached session for it, and
// persists the registry.
func (m *Manager) RemoveServer(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.servers[name]; !exists {
		return fmt.Errorf("%w: %s", ErrServerNotFound, name)
	}

	m.runner.Close(name)
	delete(m.servers, name)
	if err := m.persistLocked(); err != nil {
		return err
	}

	m.log.Info("removed server", zap.String("server", name))
	m.logOp(name, "remove_server", model.OpSuccess, "")
	return nil
}

// GetServer returns the profile for a name.
func (m *Manager) GetServer(name string) (*model.ServerProfile, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.servers[name]
	return p, ok
}

// ListServers returns profiles sorted by name, optionally filtered to
// enabled servers and to servers carrying any of the given tags.
func (m *Manager) ListServers(enabledOnly bool, tags []string) []*model.ServerProfile {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*model.ServerProfile, 0, len(m.servers))
	for _, p := range m.servers {
		if enabledOnly && !p.Enabled {
			continue
		}
		if len(tags) > 0 && !p.HasAnyTag(tags) {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Execute runs a command on a registered server with the default
// timeout. Used by the config reconciler for all host access.
func (m *Manager) Execute(ctx context.Context, name, command string) (string, error) {
	return m.ExecuteTimeout(ctx, name, command, m.cmdTimeout)
}

// ExecuteTimeout runs a command with an explicit timeout.
func (m *Manager) ExecuteTimeout(ctx context.Context, name, command string, timeout time.Duration) (string, error) {
	profile, ok := m.GetServer(name)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrServerNotFound, name)
	}
	return m.runner.Run(ctx, name, profile.Connection, command, timeout)
}

// CheckServerStatus probes a server and updates its status snapshot.
// It never returns an error: failure is recorded on the profile and
// reported as false.
func (m *Manager) CheckServerStatus(ctx context.Context, name string) bool {
	profile, ok := m.GetServer(name)
	if !ok {
		return false
	}

	op := model.NewOperation(name, "check_status")

	// Connectivity probe; establishes or reuses the pooled session.
	if _, err := m.runner.Run(ctx, name, profile.Connection, "true", m.cmdTimeout); err != nil {
		profile.UpdateStatus(func(s *model.ServerStatus) {
			s.Online = false
			s.VPNRunning = false
			s.ErrorMessage = err.Error()
		})
		m.log.Warn("server unreachable", zap.String("server", name), zap.Error(err))
		op.Complete(model.OpFailure, err.Error())
		m.appendOp(op)
		return false
	}

	// Auxiliary checks are tolerated failing independently: a failed
	// probe leaves the corresponding field unchanged.
	vpnOut, vpnErr := m.runner.Run(ctx, name, profile.Connection,
		"ip link show "+profile.VPNInterface, m.cmdTimeout)
	uptimeOut, uptimeErr := m.runner.Run(ctx, name, profile.Connection,
		"cat /proc/uptime", m.cmdTimeout)

	profile.UpdateStatus(func(s *model.ServerStatus) {
		s.Online = true
		s.ErrorMessage = ""
		if vpnErr == nil {
			s.VPNRunning = strings.Contains(vpnOut, "UP")
		}
		if uptimeErr == nil {
			if uptime, ok := parseUptime(uptimeOut); ok {
				s.UptimeSec = uptime
			}
		}
	})

	status := profile.StatusSnapshot()
	m.log.Info("server status",
		zap.String("server", name),
		zap.Bool("online", status.Online),
		zap.Bool("vpn_running", status.VPNRunning))
	op.Complete(model.OpSuccess, "")
	m.appendOp(op)
	return true
}

// CollectServerMetrics gathers WireGuard peer statistics from a server
// known to be online. Returns false without raising on any failure.
func (m *Manager) CollectServerMetrics(ctx context.Context, name string) bool {
	profile, ok := m.GetServer(name)
	if !ok || !profile.StatusSnapshot().Online {
		return false
	}

	dump, err := m.runner.Run(ctx, name, profile.Connection,
		"wg show "+profile.VPNInterface+" dump", m.cmdTimeout)
	if err != nil {
		m.log.Warn("metric collection failed", zap.String("server", name), zap.Error(err))
		return false
	}

	now := time.Now().UTC()
	stats := wgstats.ParseDump(dump, now)
	previous := profile.MetricsSnapshot()

	profile.UpdateMetrics(func(metrics *model.ServerMetrics) {
		metrics.TotalClients = stats.TotalPeers
		metrics.ActiveClients = stats.ActivePeers
		metrics.BytesReceived = stats.BytesReceived
		metrics.BytesTransmitted = stats.BytesTransmitted
		metrics.BandwidthRx, metrics.BandwidthTx = bandwidth(previous, stats, now)
	})
	profile.UpdateStatus(func(s *model.ServerStatus) {
		s.ActiveClients = stats.ActivePeers
	})

	m.log.Debug("collected metrics", zap.String("server", name),
		zap.Int("active_clients", stats.ActivePeers))
	return true
}

// bandwidth derives bytes/sec from the previous sample. Counter resets
// (server reboot) yield zero rather than a negative rate.
func bandwidth(previous model.ServerMetrics, stats wgstats.DumpStats, now time.Time) (rx, tx float64) {
	if previous.CollectedAt.IsZero() {
		return 0, 0
	}
	elapsed := now.Sub(previous.CollectedAt).Seconds()
	if elapsed <= 0 {
		return 0, 0
	}
	if delta := stats.BytesReceived - previous.BytesReceived; delta > 0 {
		rx = float64(delta) / elapsed
	}
	if delta := stats.BytesTransmitted - previous.BytesTransmitted; delta > 0 {
		tx = float64(delta) / elapsed
	}
	return rx, tx
}

func parseUptime(out string) (int64, bool) {
	fields := strings.Fields(out)
	if len(fields) == 0 {
		return 0, false
	}
	seconds, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, false
	}
	return int64(seconds), true
}

// CheckAllServers fans out status checks over every enabled server with
// bounded parallelism and returns one entry per server. Per-server
// failures become false entries; the batch never fails as a whole.
func (m *Manager) CheckAllServers(ctx context.Context) map[string]bool {
	return m.fanOut(ctx, m.ListServers(true, nil), m.CheckServerStatus)
}

// CollectAllMetrics fans out metric collection over every enabled
// server currently marked online.
func (m *Manager) CollectAllMetrics(ctx context.Context) map[string]bool {
	var online []*model.ServerProfile
	for _, p := range m.ListServers(true, nil) {
		if p.StatusSnapshot().Online {
			online = append(online, p)
		}
	}
	return m.fanOut(ctx, online, m.CollectServerMetrics)
}

func (m *Manager) fanOut(ctx context.Context, servers []*model.ServerProfile, task func(context.Context, string) bool) map[string]bool {
	results := make(map[string]bool, len(servers))
	var resMu sync.Mutex
	var wg sync.WaitGroup
	sem := semaphore.NewWeighted(m.maxConcurrent)

	for _, p := range servers {
		name := p.Name
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok := false
			if err := sem.Acquire(ctx, 1); err == nil {
				ok = task(ctx, name)
				sem.Release(1)
			}
			resMu.Lock()
			results[name] = ok
			resMu.Unlock()
		}()
	}
	wg.Wait()
	return results
}

// CreateGroup registers a group. Membership is by name only and is not
// validated against the profile registry.
func (m *Manager) CreateGroup(group *model.ServerGroup) error {
	if err := model.ValidateName(group.Name); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.groups[group.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateGroup, group.Name)
	}
	if group.CreatedAt.IsZero() {
		group.CreatedAt = time.Now().UTC()
	}
	m.groups[group.Name] = group
	if err := m.persistLocked(); err != nil {
		delete(m.groups, group.Name)
		return err
	}

	m.log.Info("created group", zap.String("group", group.Name),
		zap.Int("members", len(group.ServerNames)))
	return nil
}

// GetGroup returns a group by name.
func (m *Manager) GetGroup(name string) (*model.ServerGroup, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.groups[name]
	return g, ok
}

// ListGroups returns all groups sorted by name.
func (m *Manager) ListGroups() []*model.ServerGroup {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*model.ServerGroup, 0, len(m.groups))
	for _, g := range m.groups {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// GroupMembers resolves a group's member names against the registry,
// skipping dangling references.
func (m *Manager) GroupMembers(name string) []*model.ServerProfile {
	group, ok := m.GetGroup(name)
	if !ok {
		return nil
	}

	var members []*model.ServerProfile
	for _, serverName := range group.ServerNames {
		if p, ok := m.GetServer(serverName); ok {
			members = append(members, p)
		}
	}
	return members
}

// GetSummary returns aggregate registry counts.
func (m *Manager) GetSummary() Summary {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := Summary{
		TotalServers:   len(m.servers),
		TotalGroups:    len(m.groups),
		ActiveSessions: m.runner.ActiveSessions(),
	}
	for _, p := range m.servers {
		if p.Enabled {
			s.EnabledServers++
		}
		status := p.StatusSnapshot()
		if status.Online {
			s.OnlineServers++
		}
		if status.VPNRunning {
			s.VPNRunning++
		}
	}
	return s
}

// Persist saves the current registry maps.
func (m *Manager) Persist() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.persistLocked()
}

func (m *Manager) persistLocked() error {
	if err := m.store.Save(m.servers, m.groups); err != nil {
		m.log.Error("failed to persist registry", zap.Error(err))
		return err
	}
	return nil
}

// Cleanup closes every cached session. Used at shutdown.
func (m *Manager) Cleanup() {
	m.log.Info("cleaning up fleet manager")
	m.runner.Cleanup()
}

func (m *Manager) logOp(server, operation, status, message string) {
	op := model.NewOperation(server, operation)
	op.Complete(status, message)
	m.appendOp(op)
}

func (m *Manager) appendOp(op *model.ServerOperation) {
	if err := m.ops.Append(op); err != nil {
		m.log.Warn("failed to append operation record", zap.Error(err))
	}
}
