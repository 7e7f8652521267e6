package syncer

import (
	"context"
	"encoding/base64"
	"errors"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"vpnfleet/internal/document"
	"vpnfleet/internal/model"
)

const testRemotePath = "~/.config/vpnfleet/config.yaml"

var pushPayload = regexp.MustCompile(`echo (\S+) \| base64 -d`)

// fakeFleet emulates the remote side: each server has a config file
// body, and Execute interprets the two command shapes the syncer
// issues. Servers listed in down fail every command.
type fakeFleet struct {
	mu       sync.Mutex
	files    map[string]string
	down     map[string]bool
	profiles []*model.ServerProfile
	pushes   []string
	commands []string
}

func newFakeFleet() *fakeFleet {
	return &fakeFleet{files: map[string]string{}, down: map[string]bool{}}
}

func (f *fakeFleet) setConfig(t *testing.T, server string, doc document.Document) {
	t.Helper()
	data, err := document.Serialize(doc)
	require.NoError(t, err)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[server] = string(data)
}

func (f *fakeFleet) config(t *testing.T, server string) document.Document {
	t.Helper()
	f.mu.Lock()
	raw := f.files[server]
	f.mu.Unlock()
	doc, err := document.Parse([]byte(raw))
	require.NoError(t, err)
	return doc
}

func (f *fakeFleet) Execute(_ context.Context, name, command string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.commands = append(f.commands, command)
	if f.down[name] {
		return "", errors.New("dial tcp: no route to host")
	}
	if strings.HasPrefix(command, "cat ") {
		return f.files[name], nil
	}
	if m := pushPayload.FindStringSubmatch(command); m != nil {
		data, err := base64.StdEncoding.DecodeString(m[1])
		if err != nil {
			return "", err
		}
		f.files[name] = string(data)
		f.pushes = append(f.pushes, name)
		return "", nil
	}
	return "", errors.New("unexpected command: " + command)
}

func (f *fakeFleet) GetServer(name string) (*model.ServerProfile, bool) {
	for _, p := range f.profiles {
		if p.Name == name {
			return p, true
		}
	}
	return nil, false
}

func (f *fakeFleet) ListServers(enabledOnly bool, _ []string) []*model.ServerProfile {
	var out []*model.ServerProfile
	for _, p := range f.profiles {
		if enabledOnly && !p.Enabled {
			continue
		}
		out = append(out, p)
	}
	return out
}

func (f *fakeFleet) addProfile(name string, primary, enabled bool) {
	p := model.NewServerProfile(name, model.ServerConnection{Host: "203.0.113.1", KeyPath: "/k"})
	p.IsPrimary = primary
	p.Enabled = enabled
	f.profiles = append(f.profiles, p)
}

func (f *fakeFleet) pushCount(server string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.pushes {
		if s == server {
			n++
		}
	}
	return n
}

func (f *fakeFleet) lastCommand() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.commands) == 0 {
		return ""
	}
	return f.commands[len(f.commands)-1]
}

func newTestSyncer(t *testing.T, fleet Fleet, policy model.SyncPolicy) *Syncer {
	t.Helper()
	return New(fleet, policy, testRemotePath, zaptest.NewLogger(t))
}

func TestDiffClassification(t *testing.T) {
	t.Parallel()

	first := document.Document{
		"network": map[string]any{"vpn": map[string]any{"port": 51820, "mtu": 1420}},
		"dns":     map[string]any{"servers": []any{"1.1.1.1"}},
	}
	second := document.Document{
		"network": map[string]any{"vpn": map[string]any{"port": 51821}},
		"logging": map[string]any{"level": "info"},
	}

	entries := Diff(first, second)
	require.Equal(t, []DiffEntry{
		{Path: "dns", Type: MissingInSecond, Value1: map[string]any{"servers": []any{"1.1.1.1"}}},
		{Path: "logging", Type: MissingInFirst, Value2: map[string]any{"level": "info"}},
		{Path: "network.vpn.mtu", Type: MissingInSecond, Value1: 1420},
		{Path: "network.vpn.port", Type: ValueMismatch, Value1: 51820, Value2: 51821},
	}, entries)
}

func TestDiffSymmetry(t *testing.T) {
	t.Parallel()

	first := document.Document{
		"a": 1,
		"b": map[string]any{"x": "one", "y": "two"},
	}
	second := document.Document{
		"a": 2,
		"b": map[string]any{"x": "one"},
		"c": true,
	}

	forward := Diff(first, second)
	backward := Diff(second, first)
	require.Len(t, backward, len(forward))

	// Swapping the arguments mirrors every entry.
	mirror := map[string]string{
		MissingInFirst:  MissingInSecond,
		MissingInSecond: MissingInFirst,
		ValueMismatch:   ValueMismatch,
	}
	byPath := map[string]DiffEntry{}
	for _, e := range backward {
		byPath[e.Path] = e
	}
	for _, e := range forward {
		m, ok := byPath[e.Path]
		require.True(t, ok, e.Path)
		require.Equal(t, mirror[e.Type], m.Type, e.Path)
		require.Equal(t, e.Value1, m.Value2, e.Path)
		require.Equal(t, e.Value2, m.Value1, e.Path)
	}
}

func TestDiffDeterministic(t *testing.T) {
	t.Parallel()

	first := document.Document{"z": 1, "a": 1, "m": map[string]any{"q": 1, "b": 2}}
	second := document.Document{"z": 2, "a": 1, "m": map[string]any{"q": 3}}

	reference := Diff(first, second)
	for i := 0; i < 10; i++ {
		require.Equal(t, reference, Diff(first, second))
	}
}

func TestDiffEqualDocuments(t *testing.T) {
	t.Parallel()

	doc := document.Document{"network": map[string]any{"port": 51820}}
	require.Empty(t, Diff(doc, doc.Clone()))
}

func TestQuoteRemotePath(t *testing.T) {
	t.Parallel()

	cases := []struct{ in, want string }{
		{"~/.config/vpnfleet/config.yaml", "~/'.config/vpnfleet/config.yaml'"},
		{"~/.config/vpn fleet/config.yaml", "~/'.config/vpn fleet/config.yaml'"},
		{"/etc/vpn fleet/config.yaml", "'/etc/vpn fleet/config.yaml'"},
		{"/etc/it's.yaml", `'/etc/it'\''s.yaml'`},
	}
	for _, tc := range cases {
		if got := quoteRemotePath(tc.in); got != tc.want {
			t.Fatalf("quoteRemotePath(%q)=%q want %q", tc.in, got, tc.want)
		}
	}
}

func TestPushConfigQuotesPath(t *testing.T) {
	t.Parallel()

	fleet := newFakeFleet()
	s := New(fleet, model.DefaultSyncPolicy(), "~/.config/vpn fleet/config.yaml", zaptest.NewLogger(t))

	doc := document.Document{"network": map[string]any{"port": 51820}}
	require.NoError(t, s.PushConfig(context.Background(), "home", doc))

	cmd := fleet.lastCommand()
	require.Contains(t, cmd, "mkdir -p ~/'.config/vpn fleet'")
	require.Contains(t, cmd, "mv -f ~/'.config/vpn fleet/config.yaml.tmp.")
	require.Contains(t, cmd, "~/'.config/vpn fleet/config.yaml'")
}

func TestPushConfigRoundTrip(t *testing.T) {
	t.Parallel()

	fleet := newFakeFleet()
	s := newTestSyncer(t, fleet, model.DefaultSyncPolicy())

	doc := document.Document{
		"network": map[string]any{"vpn": map[string]any{"port": 51820, "subnet": "10.66.66.0/24"}},
		"clients": map[string]any{"alice": map[string]any{"ip": "10.66.66.2"}},
	}
	require.NoError(t, s.PushConfig(context.Background(), "home", doc))

	got, err := s.RemoteConfig(context.Background(), "home")
	require.NoError(t, err)
	require.Empty(t, Diff(doc, got))
}

func TestRemoteConfigMissingFile(t *testing.T) {
	t.Parallel()

	fleet := newFakeFleet()
	s := newTestSyncer(t, fleet, model.DefaultSyncPolicy())

	doc, err := s.RemoteConfig(context.Background(), "fresh")
	require.NoError(t, err)
	require.Empty(t, doc)
}

func TestRemoteConfigHash(t *testing.T) {
	t.Parallel()

	fleet := newFakeFleet()
	shared := document.Document{"network": map[string]any{"port": 51820}}
	fleet.setConfig(t, "a", shared)
	fleet.setConfig(t, "b", shared)
	fleet.setConfig(t, "c", document.Document{"network": map[string]any{"port": 51821}})

	s := newTestSyncer(t, fleet, model.DefaultSyncPolicy())
	ctx := context.Background()

	hashA, err := s.RemoteConfigHash(ctx, "a")
	require.NoError(t, err)
	hashB, err := s.RemoteConfigHash(ctx, "b")
	require.NoError(t, err)
	hashC, err := s.RemoteConfigHash(ctx, "c")
	require.NoError(t, err)

	require.Equal(t, hashA, hashB)
	require.NotEqual(t, hashA, hashC)
	require.Len(t, hashA, 64)
}

func TestRemoteConfigUnreachable(t *testing.T) {
	t.Parallel()

	fleet := newFakeFleet()
	fleet.down["home"] = true
	s := newTestSyncer(t, fleet, model.DefaultSyncPolicy())

	_, err := s.RemoteConfig(context.Background(), "home")
	require.ErrorIs(t, err, ErrConfigRead)
}

func TestSyncClientConfigsIdempotent(t *testing.T) {
	t.Parallel()

	fleet := newFakeFleet()
	fleet.setConfig(t, "primary", document.Document{
		"clients": map[string]any{"alice": map[string]any{"ip": "10.66.66.2"}},
		"network": map[string]any{"port": 51820},
	})
	fleet.setConfig(t, "replica", document.Document{
		"clients": map[string]any{"bob": map[string]any{"ip": "10.66.66.3"}},
		"logging": map[string]any{"level": "debug"},
	})

	s := newTestSyncer(t, fleet, model.DefaultSyncPolicy())
	ctx := context.Background()

	results, err := s.SyncClientConfigs(ctx, "primary", []string{"replica"})
	require.NoError(t, err)
	require.NoError(t, results["replica"].Err)
	require.True(t, results["replica"].Changed)

	// The clients section moved; unrelated target keys survived.
	replica := fleet.config(t, "replica")
	v, ok := replica.Get("clients.alice.ip")
	require.True(t, ok)
	require.Equal(t, "10.66.66.2", v)
	_, ok = replica.Get("clients.bob")
	require.False(t, ok)
	v, ok = replica.Get("logging.level")
	require.True(t, ok)
	require.Equal(t, "debug", v)

	// A second run changes nothing and does not push.
	results, err = s.SyncClientConfigs(ctx, "primary", []string{"replica"})
	require.NoError(t, err)
	require.False(t, results["replica"].Changed)
	require.Equal(t, 1, fleet.pushCount("replica"))
}

func TestSyncClientConfigsSkipsExcluded(t *testing.T) {
	t.Parallel()

	fleet := newFakeFleet()
	fleet.setConfig(t, "primary", document.Document{
		"clients": map[string]any{"alice": map[string]any{"ip": "10.66.66.2"}},
	})

	policy := model.DefaultSyncPolicy()
	policy.ExcludedServers = []string{"staging"}

	s := newTestSyncer(t, fleet, policy)
	results, err := s.SyncClientConfigs(context.Background(), "primary", []string{"staging", "replica"})
	require.NoError(t, err)

	// Naming an excluded server explicitly still must not touch it.
	require.NotContains(t, results, "staging")
	require.Zero(t, fleet.pushCount("staging"))
	require.Empty(t, fleet.config(t, "staging"))

	require.True(t, results["replica"].Changed)
	require.Equal(t, 1, fleet.pushCount("replica"))
}

func TestSyncServerSettingsExplicitKeys(t *testing.T) {
	t.Parallel()

	fleet := newFakeFleet()
	fleet.setConfig(t, "primary", document.Document{
		"network": map[string]any{"port": 51820},
		"dns":     map[string]any{"servers": []any{"1.1.1.1"}},
		"clients": map[string]any{"alice": map[string]any{"ip": "10.66.66.2"}},
	})
	fleet.setConfig(t, "replica", document.Document{
		"network": map[string]any{"port": 51821},
		"dns":     map[string]any{"servers": []any{"8.8.8.8"}},
	})

	s := newTestSyncer(t, fleet, model.DefaultSyncPolicy())
	results, err := s.SyncServerSettings(context.Background(), "primary", []string{"replica"}, []string{"network"})
	require.NoError(t, err)
	require.True(t, results["replica"].Changed)

	replica := fleet.config(t, "replica")
	v, _ := replica.Get("network.port")
	require.Equal(t, 51820, v)
	// dns was not named, so it kept the local value.
	v, _ = replica.Get("dns.servers")
	require.Equal(t, []any{"8.8.8.8"}, v)
	// The per-host clients section never moves through settings sync.
	_, ok := replica.Get("clients")
	require.False(t, ok)
}

func TestSyncServerSettingsAllShared(t *testing.T) {
	t.Parallel()

	fleet := newFakeFleet()
	fleet.setConfig(t, "primary", document.Document{
		"network": map[string]any{"port": 51820},
		"dns":     map[string]any{"servers": []any{"1.1.1.1"}},
		"clients": map[string]any{"alice": map[string]any{"ip": "10.66.66.2"}},
	})
	fleet.setConfig(t, "replica", document.Document{})

	s := newTestSyncer(t, fleet, model.DefaultSyncPolicy())
	results, err := s.SyncServerSettings(context.Background(), "primary", []string{"replica"}, nil)
	require.NoError(t, err)
	require.True(t, results["replica"].Changed)

	replica := fleet.config(t, "replica")
	_, ok := replica.Get("network")
	require.True(t, ok)
	_, ok = replica.Get("dns")
	require.True(t, ok)
	_, ok = replica.Get("clients")
	require.False(t, ok)
}

func TestSyncServerSettingsSkipsExcluded(t *testing.T) {
	t.Parallel()

	fleet := newFakeFleet()
	fleet.setConfig(t, "primary", document.Document{
		"network": map[string]any{"port": 51820},
	})

	policy := model.DefaultSyncPolicy()
	policy.ExcludedServers = []string{"staging"}

	s := newTestSyncer(t, fleet, policy)
	results, err := s.SyncServerSettings(context.Background(), "primary", []string{"staging"}, nil)
	require.NoError(t, err)
	require.NotContains(t, results, "staging")
	require.Zero(t, fleet.pushCount("staging"))
}

func TestDetectConflicts(t *testing.T) {
	t.Parallel()

	fleet := newFakeFleet()
	fleet.setConfig(t, "a", document.Document{
		"network": map[string]any{"vpn": map[string]any{"port": 51820}},
	})
	fleet.setConfig(t, "b", document.Document{
		"network": map[string]any{"vpn": map[string]any{"port": 51821}},
	})
	fleet.down["c"] = true

	s := newTestSyncer(t, fleet, model.DefaultSyncPolicy())
	report, err := s.DetectConflicts(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)

	require.Equal(t, "a", report.Reference)
	require.Len(t, report.Conflicts, 1)
	require.Equal(t, []string{"a", "b"}, report.Conflicts[0].Servers)
	require.Equal(t, []DiffEntry{
		{Path: "network.vpn.port", Type: ValueMismatch, Value1: 51820, Value2: 51821},
	}, report.Conflicts[0].Differences)

	// Every readable server reports a content hash; the unreadable one
	// lands in Unreachable instead.
	require.Len(t, report.ConfigHashes, 2)
	require.Len(t, report.ConfigHashes["a"], 64)
	require.Len(t, report.ConfigHashes["b"], 64)
	require.NotEqual(t, report.ConfigHashes["a"], report.ConfigHashes["b"])
	require.NotContains(t, report.ConfigHashes, "c")
	require.Contains(t, report.Unreachable, "c")
}

func TestDetectConflictsIncludesMissingSections(t *testing.T) {
	t.Parallel()

	fleet := newFakeFleet()
	fleet.setConfig(t, "a", document.Document{
		"network": map[string]any{"port": 51820},
	})
	fleet.setConfig(t, "b", document.Document{
		"network": map[string]any{"port": 51820},
		"dns":     map[string]any{"servers": []any{"1.1.1.1"}},
	})

	s := newTestSyncer(t, fleet, model.DefaultSyncPolicy())
	report, err := s.DetectConflicts(context.Background(), []string{"a", "b"})
	require.NoError(t, err)

	// A section present on only one server is a difference too.
	require.Len(t, report.Conflicts, 1)
	require.Equal(t, []string{"a", "b"}, report.Conflicts[0].Servers)
	require.Len(t, report.Conflicts[0].Differences, 1)
	require.Equal(t, "dns", report.Conflicts[0].Differences[0].Path)
	require.Equal(t, MissingInFirst, report.Conflicts[0].Differences[0].Type)
}

func TestDetectConflictsIdenticalConfigs(t *testing.T) {
	t.Parallel()

	fleet := newFakeFleet()
	shared := document.Document{"network": map[string]any{"port": 51820}}
	fleet.setConfig(t, "a", shared)
	fleet.setConfig(t, "b", shared)

	s := newTestSyncer(t, fleet, model.DefaultSyncPolicy())
	report, err := s.DetectConflicts(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	require.Empty(t, report.Conflicts)
	require.Equal(t, report.ConfigHashes["a"], report.ConfigHashes["b"])
}

func TestDetectConflictsNeedsTwoServers(t *testing.T) {
	t.Parallel()

	s := newTestSyncer(t, newFakeFleet(), model.DefaultSyncPolicy())
	_, err := s.DetectConflicts(context.Background(), []string{"a"})
	require.Error(t, err)
}

func TestAutoSyncSkipsExcluded(t *testing.T) {
	t.Parallel()

	fleet := newFakeFleet()
	fleet.addProfile("primary", true, true)
	fleet.addProfile("replica", false, true)
	fleet.addProfile("staging", false, true)
	fleet.addProfile("retired", false, false)
	fleet.setConfig(t, "primary", document.Document{
		"network": map[string]any{"port": 51820},
		"clients": map[string]any{"alice": map[string]any{"ip": "10.66.66.2"}},
	})

	policy := model.DefaultSyncPolicy()
	policy.ExcludedServers = []string{"staging"}

	s := newTestSyncer(t, fleet, policy)
	results, err := s.AutoSync(context.Background())
	require.NoError(t, err)

	for _, phase := range []map[string]Outcome{results.Clients, results.Settings} {
		require.Contains(t, phase, "replica")
		require.NotContains(t, phase, "staging")
		require.NotContains(t, phase, "retired")
		require.NotContains(t, phase, "primary")
	}
	require.True(t, results.Clients["replica"].Changed)
	require.True(t, results.Settings["replica"].Changed)

	replica := fleet.config(t, "replica")
	v, _ := replica.Get("network.port")
	require.Equal(t, 51820, v)
	require.Empty(t, fleet.config(t, "staging"))
}

func TestAutoSyncRecordsLastSync(t *testing.T) {
	t.Parallel()

	fleet := newFakeFleet()
	fleet.addProfile("primary", true, true)
	fleet.addProfile("replica", false, true)
	fleet.setConfig(t, "primary", document.Document{
		"network": map[string]any{"port": 51820},
	})

	s := newTestSyncer(t, fleet, model.DefaultSyncPolicy())
	require.True(t, s.SyncStatus().LastSync.IsZero())

	_, err := s.AutoSync(context.Background())
	require.NoError(t, err)

	status := s.SyncStatus()
	require.False(t, status.LastSync.IsZero())
	require.Empty(t, status.LastErr)
}

func TestAutoSyncNoPrimary(t *testing.T) {
	t.Parallel()

	fleet := newFakeFleet()
	fleet.addProfile("replica", false, true)

	s := newTestSyncer(t, fleet, model.DefaultSyncPolicy())
	_, err := s.AutoSync(context.Background())
	require.ErrorIs(t, err, ErrNoSource)
	require.Contains(t, s.SyncStatus().LastErr, ErrNoSource.Error())
}

func TestAutoSyncReportsPerTargetFailures(t *testing.T) {
	t.Parallel()

	fleet := newFakeFleet()
	fleet.addProfile("primary", true, true)
	fleet.addProfile("good", false, true)
	fleet.addProfile("bad", false, true)
	fleet.setConfig(t, "primary", document.Document{
		"network": map[string]any{"port": 51820},
	})
	fleet.down["bad"] = true

	s := newTestSyncer(t, fleet, model.DefaultSyncPolicy())
	results, err := s.AutoSync(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "bad")

	require.NoError(t, results.Clients["good"].Err)
	require.NoError(t, results.Settings["good"].Err)
	require.True(t, results.Settings["good"].Changed)
	require.Error(t, results.Clients["bad"].Err)
	require.Error(t, results.Settings["bad"].Err)
}

func TestSchedulerLifecycle(t *testing.T) {
	t.Parallel()

	fleet := newFakeFleet()
	fleet.addProfile("primary", true, true)

	policy := model.DefaultSyncPolicy()
	policy.SyncIntervalSec = 3600

	s := newTestSyncer(t, fleet, policy)
	require.False(t, s.SyncStatus().Running)

	s.StartAutoSync(context.Background())
	require.True(t, s.SyncStatus().Running)
	require.Equal(t, time.Hour, s.SyncStatus().Interval)

	// Starting twice is a no-op.
	s.StartAutoSync(context.Background())

	s.StopAutoSync()
	require.False(t, s.SyncStatus().Running)

	// Stopping again is safe.
	s.StopAutoSync()
}

func TestSchedulerDisabled(t *testing.T) {
	t.Parallel()

	policy := model.DefaultSyncPolicy()
	policy.Enabled = false

	s := newTestSyncer(t, newFakeFleet(), policy)
	s.StartAutoSync(context.Background())
	require.False(t, s.SyncStatus().Running)
}
