// Package configstore is the file-backed repository for Lattice's
// operator-editable configuration: key-item rules (YAML), the item
// registry (JSON), RCON settings (TOML), and per-server mod-config
// envelopes and acks (JSON). Every save is write-temp-then-rename so a
// crash mid-write never leaves a half-written file behind.
package configstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/loopwic/lattice/internal/errs"
	"github.com/loopwic/lattice/internal/types"
)

// FileRepository roots all config files under Dir.
type FileRepository struct {
	Dir string
}

// New returns a FileRepository rooted at dir. Dir is not created here;
// each save creates it (and any subdirectory) on first write.
func New(dir string) *FileRepository {
	return &FileRepository{Dir: dir}
}

func (r *FileRepository) path(elem ...string) string {
	return filepath.Join(append([]string{r.Dir}, elem...)...)
}

func saveAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errs.NewInternal(err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return errs.NewInternal(err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) //nolint:errcheck

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errs.NewInternal(err)
	}
	if err := tmp.Close(); err != nil {
		return errs.NewInternal(err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return errs.NewInternal(err)
	}
	return nil
}

// --- key item rules (YAML) ---

// LoadKeyItemRules reads key_items.yaml, returning an empty slice if the
// file does not exist.
func (r *FileRepository) LoadKeyItemRules() ([]types.KeyItemRule, error) {
	data, err := os.ReadFile(r.path("key_items.yaml"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.NewInternal(err)
	}

	var doc struct {
		Rules []types.KeyItemRule `yaml:"rules"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errs.NewBadRequest("invalid key_items.yaml: %v", err)
	}
	return doc.Rules, nil
}

// SaveKeyItemRules implements rules.Persister.
func (r *FileRepository) SaveKeyItemRules(rules []types.KeyItemRule) error {
	doc := struct {
		Rules []types.KeyItemRule `yaml:"rules"`
	}{Rules: rules}
	data, err := yaml.Marshal(doc)
	if err != nil {
		return errs.NewInternal(err)
	}
	return saveAtomic(r.path("key_items.yaml"), data)
}

// --- item registry (JSON) ---

// LoadItemRegistry reads item_registry.json, returning an empty slice (not
// an error) if the file is absent.
func (r *FileRepository) LoadItemRegistry() ([]types.ItemRegistryEntry, error) {
	data, err := os.ReadFile(r.path("item_registry.json"))
	if os.IsNotExist(err) {
		return []types.ItemRegistryEntry{}, nil
	}
	if err != nil {
		return nil, errs.NewInternal(err)
	}

	var entries []types.ItemRegistryEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, errs.NewBadRequest("invalid item_registry.json: %v", err)
	}
	for i := range entries {
		entries[i].Normalize()
	}
	return entries, nil
}

// SaveItemRegistry writes item_registry.json atomically.
func (r *FileRepository) SaveItemRegistry(entries []types.ItemRegistryEntry) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return errs.NewInternal(err)
	}
	return saveAtomic(r.path("item_registry.json"), data)
}

// --- RCON config (TOML) ---

// LoadRconConfig reads rcon.toml, returning types.DefaultRconConfig() if
// the file is absent.
func (r *FileRepository) LoadRconConfig() (types.RconConfig, error) {
	data, err := os.ReadFile(r.path("rcon.toml"))
	if os.IsNotExist(err) {
		return types.DefaultRconConfig(), nil
	}
	if err != nil {
		return types.RconConfig{}, errs.NewInternal(err)
	}

	cfg := types.DefaultRconConfig()
	if _, err := toml.Decode(string(data), &cfg); err != nil {
		return types.RconConfig{}, errs.NewBadRequest("invalid rcon.toml: %v", err)
	}
	return cfg, nil
}

// SaveRconConfig writes rcon.toml atomically. The config is round-tripped
// for mod tooling's benefit only; nothing in this repository dials it.
func (r *FileRepository) SaveRconConfig(cfg types.RconConfig) error {
	var buf strings.Builder
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return errs.NewInternal(err)
	}
	return saveAtomic(r.path("rcon.toml"), []byte(buf.String()))
}

// --- mod config envelopes and acks, one JSON file per server ---

var nonFilenameChar = regexp.MustCompile(`[^a-z0-9_-]+`)

// sanitizeServerID lowercases, trims, and collapses any run of characters
// outside [a-z0-9_-] into a single underscore, defaulting to "default" for
// an empty or all-punctuation server id. This keeps server ids safe as
// filenames regardless of what a server operator names their instance.
func sanitizeServerID(serverID string) string {
	s := strings.ToLower(strings.TrimSpace(serverID))
	s = nonFilenameChar.ReplaceAllString(s, "_")
	s = strings.Trim(s, "_")
	if s == "" {
		return "default"
	}
	return s
}

func (r *FileRepository) modConfigPath(serverID string) string {
	return r.path("mod-config", fmt.Sprintf("%s.json", sanitizeServerID(serverID)))
}

func (r *FileRepository) modConfigAckPath(serverID string) string {
	return r.path("mod-config", "acks", fmt.Sprintf("%s.json", sanitizeServerID(serverID)))
}

// LoadModConfig returns the persisted envelope for serverID, or nil if none
// has ever been published.
func (r *FileRepository) LoadModConfig(serverID string) (*types.ModConfigEnvelope, error) {
	data, err := os.ReadFile(r.modConfigPath(serverID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.NewInternal(err)
	}

	var env types.ModConfigEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, errs.NewInternal(err)
	}
	return &env, nil
}

// SaveModConfig persists the envelope for its server id.
func (r *FileRepository) SaveModConfig(env types.ModConfigEnvelope) error {
	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return errs.NewInternal(err)
	}
	return saveAtomic(r.modConfigPath(env.ServerID), data)
}

// LoadModConfigAck returns the last ack recorded for serverID, or nil if
// none has ever been reported.
func (r *FileRepository) LoadModConfigAck(serverID string) (*types.ModConfigAck, error) {
	data, err := os.ReadFile(r.modConfigAckPath(serverID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.NewInternal(err)
	}

	var ack types.ModConfigAck
	if err := json.Unmarshal(data, &ack); err != nil {
		return nil, errs.NewInternal(err)
	}
	return &ack, nil
}

// SaveModConfigAck persists the latest ack for its server id, overwriting
// any previous ack (only the most recent status is kept).
func (r *FileRepository) SaveModConfigAck(ack types.ModConfigAck) error {
	data, err := json.MarshalIndent(ack, "", "  ")
	if err != nil {
		return errs.NewInternal(err)
	}
	return saveAtomic(r.modConfigAckPath(ack.ServerID), data)
}
