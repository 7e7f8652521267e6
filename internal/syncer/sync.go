// Package syncer reconciles VPN configuration across the fleet: it
// reads and writes remote config documents over SSH, diffs them
// deterministically, flags conflicting values, and propagates client
// and settings sections from a primary server to the rest.
package syncer

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"vpnfleet/internal/document"
	"vpnfleet/internal/model"
)

// Top-level sections that belong to individual hosts and are never
// treated as shared settings.
var localSections = map[string]struct{}{
	"clients": {},
	"servers": {},
}

// retryDelay is how long the scheduler waits after a failed cycle
// before resuming the regular interval.
const retryDelay = time.Minute

// Fleet is the slice of the registry the syncer needs. fleet.Manager
// satisfies it.
type Fleet interface {
	Execute(ctx context.Context, name, command string) (string, error)
	GetServer(name string) (*model.ServerProfile, bool)
	ListServers(enabledOnly bool, tags []string) []*model.ServerProfile
}

// Outcome is the per-server result of a bulk sync. Err carries the
// failure; a nil Err with Changed false means the server was already
// up to date.
type Outcome struct {
	Changed bool
	Err     error
}

// Conflict is one pair of servers whose configs disagree. Servers is
// always [reference, other]; Differences carries the full diff between
// the two documents.
type Conflict struct {
	Servers     []string    `yaml:"servers"`
	Differences []DiffEntry `yaml:"differences"`
}

// ConflictReport is the output of DetectConflicts. Reference is the
// first server whose config could be read; every other readable server
// is compared against it. ConfigHashes holds the content hash of each
// readable server's config file, and Unreachable maps servers whose
// config could not be read to the error text.
type ConflictReport struct {
	Reference    string            `yaml:"reference"`
	ConfigHashes map[string]string `yaml:"config_hashes"`
	Conflicts    []Conflict        `yaml:"conflicts,omitempty"`
	Unreachable  map[string]string `yaml:"unreachable,omitempty"`
}

// AutoSyncResult holds the per-phase outcome maps of one
// reconciliation cycle.
type AutoSyncResult struct {
	Clients  map[string]Outcome `yaml:"clients"`
	Settings map[string]Outcome `yaml:"settings"`
}

func (r *AutoSyncResult) failedServers() []string {
	seen := map[string]struct{}{}
	for _, results := range []map[string]Outcome{r.Clients, r.Settings} {
		for server, outcome := range results {
			if outcome.Err != nil {
				seen[server] = struct{}{}
			}
		}
	}
	failed := make([]string, 0, len(seen))
	for server := range seen {
		failed = append(failed, server)
	}
	sort.Strings(failed)
	return failed
}

func (r *AutoSyncResult) changedCount() int {
	seen := map[string]struct{}{}
	for _, results := range []map[string]Outcome{r.Clients, r.Settings} {
		for server, outcome := range results {
			if outcome.Changed {
				seen[server] = struct{}{}
			}
		}
	}
	return len(seen)
}

// Status describes the auto-sync scheduler.
type Status struct {
	Enabled  bool          `yaml:"enabled"`
	Running  bool          `yaml:"running"`
	Interval time.Duration `yaml:"interval"`
	LastSync time.Time     `yaml:"last_sync,omitempty"`
	LastErr  string        `yaml:"last_error,omitempty"`
}

// Syncer drives configuration reconciliation over a fleet.
type Syncer struct {
	fleet      Fleet
	policy     model.SyncPolicy
	remotePath string
	log        *zap.Logger

	mu       sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
	lastSync time.Time
	lastErr  string
}

// New builds a syncer. remotePath is the config file location on the
// managed hosts; a leading ~/ is expanded by the remote shell.
func New(fleet Fleet, policy model.SyncPolicy, remotePath string, log *zap.Logger) *Syncer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Syncer{
		fleet:      fleet,
		policy:     policy,
		remotePath: remotePath,
		log:        log,
	}
}

// RemoteConfig reads and parses a server's config document. A missing
// remote file yields an empty document, not an error.
func (s *Syncer) RemoteConfig(ctx context.Context, server string) (document.Document, error) {
	doc, _, err := s.fetchConfig(ctx, server)
	return doc, err
}

// RemoteConfigHash returns the SHA-256 of a server's raw config file.
// Servers holding byte-identical configs hash equal; a missing file
// hashes like an empty one.
func (s *Syncer) RemoteConfigHash(ctx context.Context, server string) (string, error) {
	raw, err := s.readRemote(ctx, server)
	if err != nil {
		return "", err
	}
	return hashConfig(raw), nil
}

// fetchConfig reads a server's config once and returns both the parsed
// document and the content hash.
func (s *Syncer) fetchConfig(ctx context.Context, server string) (document.Document, string, error) {
	raw, err := s.readRemote(ctx, server)
	if err != nil {
		return nil, "", err
	}
	doc, err := document.Parse([]byte(raw))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %s: %v", ErrConfigParse, server, err)
	}
	return doc, hashConfig(raw), nil
}

func hashConfig(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func (s *Syncer) readRemote(ctx context.Context, server string) (string, error) {
	// A missing file is not an error; anything else is.
	out, err := s.fleet.Execute(ctx, server,
		fmt.Sprintf("cat %s 2>/dev/null || true", quoteRemotePath(s.remotePath)))
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrConfigRead, server, err)
	}
	return out, nil
}

// PushConfig replaces a server's config file with doc. The payload
// travels base64-encoded and lands via a temp file and rename in the
// target directory, so a dropped connection never leaves a truncated
// config behind.
func (s *Syncer) PushConfig(ctx context.Context, server string, doc document.Document) error {
	data, err := document.Serialize(doc)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrConfigWrite, server, err)
	}

	dir := quoteRemotePath(path.Dir(s.remotePath))
	final := quoteRemotePath(s.remotePath)
	tmp := quoteRemotePath(s.remotePath + ".tmp." + uuid.NewString()[:8])
	encoded := base64.StdEncoding.EncodeToString(data)

	cmd := fmt.Sprintf("mkdir -p %s && echo %s | base64 -d > %s && mv -f %s %s",
		dir, encoded, tmp, tmp, final)
	if _, err := s.fleet.Execute(ctx, server, cmd); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrConfigWrite, server, err)
	}

	s.log.Info("pushed config", zap.String("server", server), zap.Int("bytes", len(data)))
	return nil
}

// quoteRemotePath single-quotes a path for the remote shell. A leading
// ~/ stays outside the quotes so tilde expansion still happens.
func quoteRemotePath(p string) string {
	if rest, ok := strings.CutPrefix(p, "~/"); ok {
		return "~/" + shellQuote(rest)
	}
	return shellQuote(p)
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// DetectConflicts reads the configs of the given servers and compares
// each against the first readable one. Every differing pair yields one
// conflict entry carrying the full diff; the report also records the
// content hash of every server that answered. Unreadable servers are
// reported, not fatal.
func (s *Syncer) DetectConflicts(ctx context.Context, servers []string) (*ConflictReport, error) {
	if len(servers) < 2 {
		return nil, fmt.Errorf("conflict detection needs at least two servers, got %d", len(servers))
	}

	report := &ConflictReport{
		ConfigHashes: map[string]string{},
		Unreachable:  map[string]string{},
	}
	configs := map[string]document.Document{}
	var readable []string

	for _, server := range servers {
		doc, hash, err := s.fetchConfig(ctx, server)
		if err != nil {
			s.log.Warn("skipping unreadable server", zap.String("server", server), zap.Error(err))
			report.Unreachable[server] = err.Error()
			continue
		}
		configs[server] = doc
		report.ConfigHashes[server] = hash
		readable = append(readable, server)
	}
	if len(readable) < 2 {
		return report, nil
	}

	report.Reference = readable[0]
	reference := configs[report.Reference]

	for _, server := range readable[1:] {
		differences := Diff(reference, configs[server])
		if len(differences) == 0 {
			continue
		}
		report.Conflicts = append(report.Conflicts, Conflict{
			Servers:     []string{report.Reference, server},
			Differences: differences,
		})
	}

	s.log.Info("conflict detection finished",
		zap.String("reference", report.Reference),
		zap.Int("conflicts", len(report.Conflicts)),
		zap.Int("unreachable", len(report.Unreachable)))
	return report, nil
}

// SyncClientConfigs copies the clients section from source to every
// target. Targets in the policy's excluded list are skipped entirely,
// and targets already holding an identical section are left alone, so
// repeating a sync is a no-op. Per-target failures land in the
// returned map; the batch itself never fails after the source is read.
func (s *Syncer) SyncClientConfigs(ctx context.Context, source string, targets []string) (map[string]Outcome, error) {
	sourceDoc, err := s.RemoteConfig(ctx, source)
	if err != nil {
		return nil, err
	}
	clients, ok := sourceDoc.Get("clients")
	if !ok {
		clients = map[string]any{}
	}

	results := map[string]Outcome{}
	for _, target := range targets {
		if s.policy.Excluded(target) {
			s.log.Info("skipping excluded server", zap.String("server", target))
			continue
		}
		results[target] = s.syncSection(ctx, target, func(doc document.Document) error {
			return doc.Set("clients", clients)
		})
	}
	return results, nil
}

// SyncServerSettings copies shared settings from source to every
// target not excluded by policy. With explicit keys only those
// top-level sections move; otherwise every section except the per-host
// ones does. Existing target keys outside the copied set are
// preserved.
func (s *Syncer) SyncServerSettings(ctx context.Context, source string, targets []string, keys []string) (map[string]Outcome, error) {
	sourceDoc, err := s.RemoteConfig(ctx, source)
	if err != nil {
		return nil, err
	}

	if len(keys) == 0 {
		for key := range sourceDoc {
			if _, local := localSections[key]; !local {
				keys = append(keys, key)
			}
		}
		sort.Strings(keys)
	}

	results := map[string]Outcome{}
	for _, target := range targets {
		if s.policy.Excluded(target) {
			s.log.Info("skipping excluded server", zap.String("server", target))
			continue
		}
		results[target] = s.syncSection(ctx, target, func(doc document.Document) error {
			for _, key := range keys {
				value, ok := sourceDoc.Get(key)
				if !ok {
					continue
				}
				if err := doc.Set(key, value); err != nil {
					return err
				}
			}
			return nil
		})
	}
	return results, nil
}

// syncSection reads the target document, applies the mutation, and
// pushes only if the document actually changed.
func (s *Syncer) syncSection(ctx context.Context, target string, apply func(document.Document) error) Outcome {
	current, err := s.RemoteConfig(ctx, target)
	if err != nil {
		return Outcome{Err: err}
	}

	updated := current.Clone()
	if err := apply(updated); err != nil {
		return Outcome{Err: err}
	}
	if document.Equal(map[string]any(current), map[string]any(updated)) {
		s.log.Debug("target already in sync", zap.String("server", target))
		return Outcome{}
	}

	if err := s.PushConfig(ctx, target, updated); err != nil {
		return Outcome{Err: err}
	}
	return Outcome{Changed: true}
}

// AutoSync runs one reconciliation cycle: the primary server's config
// flows to every enabled, non-excluded server, and the cycle's
// wall-clock time is recorded as the last sync. Per-target failures
// land in the result maps and make the cycle's error non-nil.
func (s *Syncer) AutoSync(ctx context.Context) (*AutoSyncResult, error) {
	source, targets, err := s.autoSyncPlan()
	if err != nil {
		s.recordFailure(err)
		return nil, err
	}

	result := &AutoSyncResult{
		Clients:  map[string]Outcome{},
		Settings: map[string]Outcome{},
	}
	if len(targets) == 0 {
		s.log.Debug("auto sync has no targets")
		s.recordRun(nil)
		return result, nil
	}

	if s.policy.SyncClients {
		result.Clients, err = s.SyncClientConfigs(ctx, source, targets)
		if err != nil {
			s.recordFailure(err)
			return nil, err
		}
	}
	if s.policy.SyncSettings {
		result.Settings, err = s.SyncServerSettings(ctx, source, targets, nil)
		if err != nil {
			s.recordFailure(err)
			return nil, err
		}
	}

	if failed := result.failedServers(); len(failed) > 0 {
		err = fmt.Errorf("sync failed for %s", strings.Join(failed, ", "))
	} else {
		err = nil
	}
	s.recordRun(err)
	return result, err
}

func (s *Syncer) autoSyncPlan() (source string, targets []string, err error) {
	for _, p := range s.fleet.ListServers(true, nil) {
		if p.IsPrimary {
			source = p.Name
			break
		}
	}
	if source == "" {
		return "", nil, ErrNoSource
	}

	for _, p := range s.fleet.ListServers(true, nil) {
		if p.Name == source || s.policy.Excluded(p.Name) {
			continue
		}
		targets = append(targets, p.Name)
	}
	return source, targets, nil
}

// recordRun marks a completed cycle: the sync time is stamped even
// when some targets failed, since the cycle did run.
func (s *Syncer) recordRun(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSync = time.Now().UTC()
	if err != nil {
		s.lastErr = err.Error()
	} else {
		s.lastErr = ""
	}
}

// recordFailure notes an error from a cycle that never got to run.
func (s *Syncer) recordFailure(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastErr = err.Error()
}

// StartAutoSync launches the periodic scheduler. It is a no-op when
// sync is disabled, the interval is not positive, or a scheduler is
// already running. A failed cycle retries after one minute instead of
// waiting out the full interval.
func (s *Syncer) StartAutoSync(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done != nil {
		return
	}
	if !s.policy.Enabled || s.policy.SyncIntervalSec <= 0 {
		s.log.Info("auto sync disabled")
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	interval := time.Duration(s.policy.SyncIntervalSec) * time.Second

	s.log.Info("starting auto sync", zap.Duration("interval", interval))
	go s.loop(ctx, interval, s.done)
}

func (s *Syncer) loop(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer close(done)

	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		next := interval
		if err := s.runCycle(ctx); err != nil {
			s.log.Error("auto sync cycle failed", zap.Error(err))
			next = retryDelay
		}
		timer.Reset(next)
	}
}

func (s *Syncer) runCycle(ctx context.Context) error {
	result, err := s.AutoSync(ctx)
	if err != nil {
		return err
	}
	s.log.Info("auto sync cycle finished",
		zap.Int("targets", len(result.Clients)+len(result.Settings)),
		zap.Int("changed", result.changedCount()))
	return nil
}

// StopAutoSync stops the scheduler and waits for the running cycle to
// finish. Safe to call when nothing is running.
func (s *Syncer) StopAutoSync() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.log.Info("auto sync stopped")
}

// SyncStatus reports the scheduler state.
func (s *Syncer) SyncStatus() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Enabled:  s.policy.Enabled,
		Running:  s.done != nil,
		Interval: time.Duration(s.policy.SyncIntervalSec) * time.Second,
		LastSync: s.lastSync,
		LastErr:  s.lastErr,
	}
}
