package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"genpool/pkg/types"
)

// Load reads the persisted registry file at path (extension-dispatched
// between .toml, .yaml/.yml, and .json) and reconstructs one record per
// entry. Unknown type ids are skipped with a warning. On parse failure the
// file is left in place and the registry starts empty, per spec §6.
//
// Ids are reserved so that the next fresh id exceeds the maximum loaded id,
// satisfying invariant 5 (dense, monotonic real ids).
func (r *Registry) Load(path string) error {
	r.path = path
	entries, err := readPersisted(path)
	if err != nil {
		r.log.Warn().Err(err).Str("path", path).Msg("registry file unreadable, starting empty")
		return nil
	}

	maxID := int64(-1)
	r.mu.Lock()
	for idStr, entry := range entries {
		id, err := strconv.ParseInt(idStr, 10, 64)
		if err != nil {
			continue
		}
		t, ok := r.types[entry.Type]
		if !ok {
			r.log.Warn().Str("type", entry.Type).Int64("id", id).Msg("skipping backend with unknown type")
			continue
		}
		rec := newRecord(id, true, t, entry.Title, entry.Settings, entry.Enabled)
		r.records[id] = rec
		if id > maxID {
			maxID = id
		}
	}
	r.nextID = maxID + 1
	r.mu.Unlock()

	for _, rec := range r.Records() {
		r.enqueueOrInline(rec)
	}
	return nil
}

func readPersisted(path string) (map[string]types.PersistedBackendEntry, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var out map[string]types.PersistedBackendEntry
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, &out)
	case ".json":
		err = json.Unmarshal(b, &out)
	case ".toml", "":
		err = toml.Unmarshal(b, &out)
	default:
		return nil, fmt.Errorf("unsupported registry file extension %q", ext)
	}
	return out, err
}

// Save persists only real records, keyed by decimal id, under the save
// lock so concurrent Save calls serialize.
func (r *Registry) Save() error {
	if r.path == "" {
		return nil
	}
	r.saveMu.Lock()
	defer r.saveMu.Unlock()

	out := make(map[string]types.PersistedBackendEntry)
	for _, rec := range r.Records() {
		if !rec.IsReal() {
			continue
		}
		out[strconv.FormatInt(rec.ID(), 10)] = rec.Persisted()
	}

	var b []byte
	var err error
	switch ext := strings.ToLower(filepath.Ext(r.path)); ext {
	case ".yaml", ".yml":
		b, err = yaml.Marshal(out)
	case ".json":
		b, err = json.MarshalIndent(out, "", "  ")
	case ".toml", "":
		b, err = toml.Marshal(out)
	default:
		return fmt.Errorf("unsupported registry file extension %q", ext)
	}
	if err != nil {
		return err
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, r.path)
}
