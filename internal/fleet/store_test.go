package fleet

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"vpnfleet/internal/document"
	"vpnfleet/internal/model"
)

func testProfile(t *testing.T, name string) *model.ServerProfile {
	t.Helper()
	p := model.NewServerProfile(name, model.ServerConnection{
		Host:    "203.0.113.10",
		KeyPath: "/home/admin/.ssh/id_ed25519",
	})
	return p
}

func TestStoreRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "fleet.yaml")
	store := NewStore(path)

	home := testProfile(t, "home")
	home.Tags = []string{"prod", "primary"}
	home.IsPrimary = true
	home.UpdateStatus(func(s *model.ServerStatus) {
		s.Online = true
		s.VPNRunning = true
		s.UptimeSec = 86400
	})

	replica := testProfile(t, "replica1")
	replica.Connection.Host = "203.0.113.11"
	replica.Connection.Password = "hunter2"
	replica.Connection.KeyPath = ""

	servers := map[string]*model.ServerProfile{"home": home, "replica1": replica}
	groups := map[string]*model.ServerGroup{
		"all": {Name: "all", ServerNames: []string{"home", "replica1"}, CreatedAt: time.Now().UTC()},
	}
	require.NoError(t, store.Save(servers, groups))

	loaded, loadedGroups, errs := NewStore(path).Load()
	require.Empty(t, errs)
	require.Len(t, loaded, 2)
	require.Len(t, loadedGroups, 1)

	got := loaded["home"]
	require.NotNil(t, got)
	require.Equal(t, "203.0.113.10", got.Connection.Host)
	require.True(t, got.IsPrimary)
	require.Equal(t, []string{"prod", "primary"}, got.Tags)

	status := got.StatusSnapshot()
	require.True(t, status.Online)
	require.True(t, status.VPNRunning)
	require.Equal(t, int64(86400), status.UptimeSec)
	require.WithinDuration(t, home.StatusSnapshot().LastCheck, status.LastCheck, time.Millisecond)

	require.Equal(t, []string{"home", "replica1"}, loadedGroups["all"].ServerNames)
}

func TestStoreLoadMissingFile(t *testing.T) {
	t.Parallel()

	store := NewStore(filepath.Join(t.TempDir(), "absent.yaml"))
	servers, groups, errs := store.Load()
	require.Empty(t, errs)
	require.Empty(t, servers)
	require.Empty(t, groups)
}

func TestStorePreservesForeignKeys(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "fleet.yaml")

	// Another component already owns part of the document.
	doc := document.Document{"sync": map[string]any{"enabled": true}}
	require.NoError(t, document.NewStore(path).Save(doc))

	store := NewStore(path)
	servers := map[string]*model.ServerProfile{"home": testProfile(t, "home")}
	require.NoError(t, store.Save(servers, nil))

	reloaded, err := document.NewStore(path).Load()
	require.NoError(t, err)
	v, ok := reloaded.Get("sync.enabled")
	require.True(t, ok)
	require.Equal(t, true, v)
	_, ok = reloaded.Get("servers.home")
	require.True(t, ok)
}

func TestStoreLoadSkipsCorruptEntry(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "fleet.yaml")
	doc := document.Document{
		"servers": map[string]any{
			"good": map[string]any{
				"name": "good",
				"connection": map[string]any{
					"host": "203.0.113.10", "port": 22, "username": "root", "key_path": "/k",
				},
				"vpn_interface": "wg0", "vpn_port": 51820, "vpn_subnet": "10.66.66.0/24",
				"enabled": true,
			},
			"broken": "not a mapping",
		},
	}
	require.NoError(t, document.NewStore(path).Save(doc))

	servers, _, errs := NewStore(path).Load()
	require.Len(t, errs, 1)
	require.Len(t, servers, 1)
	require.NotNil(t, servers["good"])
}
