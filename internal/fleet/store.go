package fleet

import (
	"fmt"
	"sort"
	"time"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"

	"vpnfleet/internal/document"
	"vpnfleet/internal/model"
)

// Document keys holding the registry inside the larger config tree.
const (
	serversKey = "servers"
	groupsKey  = "groups"
)

// Store persists the servers and groups maps as two subtrees of the
// local configuration document. The rest of the document is opaque and
// preserved across saves.
type Store struct {
	doc *document.Store
}

// NewStore creates a store backed by the document at path.
func NewStore(path string) *Store {
	return &Store{doc: document.NewStore(path)}
}

// Load reads both registry maps out of the document. Entries that fail
// to decode are skipped so one corrupt profile never hides the fleet.
func (s *Store) Load() (map[string]*model.ServerProfile, map[string]*model.ServerGroup, []error) {
	servers := map[string]*model.ServerProfile{}
	groups := map[string]*model.ServerGroup{}

	doc, err := s.doc.Load()
	if err != nil {
		return servers, groups, []error{err}
	}

	var errs []error
	if raw, ok := doc.Get(serversKey); ok {
		if m, ok := raw.(map[string]any); ok {
			for name, data := range m {
				var profile model.ServerProfile
				if err := decode(data, &profile); err != nil {
					errs = append(errs, fmt.Errorf("server %s: %w", name, err))
					continue
				}
				servers[name] = &profile
			}
		}
	}
	if raw, ok := doc.Get(groupsKey); ok {
		if m, ok := raw.(map[string]any); ok {
			for name, data := range m {
				var group model.ServerGroup
				if err := decode(data, &group); err != nil {
					errs = append(errs, fmt.Errorf("group %s: %w", name, err))
					continue
				}
				groups[name] = &group
			}
		}
	}
	return servers, groups, errs
}

// Save writes both registry maps back into the document, leaving every
// other top-level key untouched.
func (s *Store) Save(servers map[string]*model.ServerProfile, groups map[string]*model.ServerGroup) error {
	doc, err := s.doc.Load()
	if err != nil {
		return err
	}

	serverTree := map[string]any{}
	for _, name := range sortedKeys(servers) {
		node, err := encode(servers[name])
		if err != nil {
			return fmt.Errorf("server %s: %w", name, err)
		}
		serverTree[name] = node
	}
	groupTree := map[string]any{}
	for name, group := range groups {
		node, err := encode(group)
		if err != nil {
			return fmt.Errorf("group %s: %w", name, err)
		}
		groupTree[name] = node
	}

	if err := doc.Set(serversKey, serverTree); err != nil {
		return err
	}
	if err := doc.Set(groupsKey, groupTree); err != nil {
		return err
	}
	return s.doc.Save(doc)
}

// decode maps a document subtree onto a typed value. YAML may have
// resolved timestamps into time.Time already; RFC3339 strings are
// converted by hook.
func decode(data any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.StringToTimeHookFunc(time.RFC3339Nano),
		Result:     out,
	})
	if err != nil {
		return err
	}
	return dec.Decode(data)
}

// encode round-trips a typed value through YAML into a plain tree so it
// slots into the document like any other subtree.
func encode(v any) (map[string]any, error) {
	data, err := yaml.Marshal(v)
	if err != nil {
		return nil, err
	}
	doc, err := document.Parse(data)
	if err != nil {
		return nil, err
	}
	return map[string]any(doc), nil
}

func sortedKeys(m map[string]*model.ServerProfile) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
