package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

const (
	// ConfigDir is the default config directory name.
	ConfigDir = ".clawgate"
	// ConfigFile is the default config file name.
	ConfigFile = "config.json"
)

// ConfigPath returns the path to the config file.
func ConfigPath() (string, error) {
	if explicit := strings.TrimSpace(os.Getenv("CLAWGATE_CONFIG")); explicit != "" {
		return expandHome(explicit), nil
	}
	home, err := resolveHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ConfigDir, ConfigFile), nil
}

func resolveHomeDir() (string, error) {
	if h := strings.TrimSpace(os.Getenv("CLAWGATE_HOME")); h != "" {
		if strings.HasPrefix(h, "~") {
			base, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			return filepath.Join(base, h[1:]), nil
		}
		return h, nil
	}
	return os.UserHomeDir()
}

// Load loads the configuration from file and environment variables.
// Priority: environment > file > defaults. It does not validate.
func Load() (*Config, error) {
	// Load process env vars from ~/.config/clawgate/env (and fallbacks) first.
	LoadEnvFileCandidates()

	path, err := ConfigPath()
	if err != nil {
		return nil, err
	}
	return LoadFile(path)
}

// LoadFile loads path over the defaults and applies environment overrides.
// A missing file is not an error.
func LoadFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := loadResolvedConfig(path)
	if err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	// Tags carry the full variable name; an empty prefix keeps envconfig
	// from falling back to bare names such as PATH or PORT.
	groups := []any{
		&cfg.Paths, &cfg.Gateway, &cfg.Memory, &cfg.Exec,
		&cfg.Auth, &cfg.Audit, &cfg.Model, &cfg.Notify,
	}
	for _, spec := range groups {
		if err := envconfig.Process("", spec); err != nil {
			return fmt.Errorf("config env: %w", err)
		}
	}
	return nil
}

// Save writes the configuration to the config file as JSON.
func Save(cfg *Config) error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// EnsureDir ensures a directory exists with proper permissions.
func EnsureDir(path string) error {
	return os.MkdirAll(path, 0o755)
}

// envRef matches ${NAME} references in string values.
var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// loadResolvedConfig flattens path and its $include chain into one JSON
// document.
func loadResolvedConfig(path string) ([]byte, error) {
	r := &includeResolver{active: map[string]bool{}}
	doc, err := r.resolve(path)
	if err != nil {
		return nil, err
	}
	return json.Marshal(doc)
}

// includeResolver tracks the files on the current include path.
type includeResolver struct {
	active map[string]bool
}

// resolve loads path, layering its includes underneath it in order so that
// later includes and then the file itself win.
func (r *includeResolver) resolve(path string) (map[string]any, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if r.active[abs] {
		return nil, fmt.Errorf("config include cycle detected at %s", abs)
	}
	r.active[abs] = true
	defer delete(r.active, abs)

	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, err
	}
	own, err := decodeObject(abs, data)
	if err != nil {
		return nil, err
	}

	includes, err := includeList(own["$include"])
	if err != nil {
		return nil, fmt.Errorf("%s: %w", abs, err)
	}
	delete(own, "$include")

	out := map[string]any{}
	for _, inc := range includes {
		if !filepath.IsAbs(inc) {
			inc = filepath.Join(filepath.Dir(abs), inc)
		}
		layer, err := r.resolve(inc)
		if err != nil {
			return nil, err
		}
		mergeInto(out, layer)
	}
	expandRefs(own)
	mergeInto(out, own)
	return out, nil
}

// decodeObject parses JSON, or YAML for .yaml/.yml files.
func decodeObject(path string, data []byte) (map[string]any, error) {
	var raw map[string]any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse yaml: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
	}
	if raw == nil {
		raw = map[string]any{}
	}
	return raw, nil
}

// includeList accepts a single path or a list of paths. Blank entries are
// ignored.
func includeList(v any) ([]string, error) {
	var items []any
	switch t := v.(type) {
	case nil:
		return nil, nil
	case string:
		items = []any{t}
	case []any:
		items = t
	default:
		return nil, fmt.Errorf("$include must be a string or array of strings")
	}
	var out []string
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("$include entries must be strings")
		}
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out, nil
}

// mergeInto overlays src onto dst. Nested objects merge key by key; any
// other value replaces what dst held.
func mergeInto(dst, src map[string]any) {
	for k, v := range src {
		child, isObj := v.(map[string]any)
		if !isObj {
			dst[k] = v
			continue
		}
		existing, ok := dst[k].(map[string]any)
		if !ok {
			existing = map[string]any{}
			dst[k] = existing
		}
		mergeInto(existing, child)
	}
}

// expandRefs replaces ${NAME} in every string value, in place. Unset
// variables are left as written.
func expandRefs(v any) any {
	switch t := v.(type) {
	case string:
		return envRef.ReplaceAllStringFunc(t, func(ref string) string {
			name := ref[2 : len(ref)-1]
			if val, ok := os.LookupEnv(name); ok {
				return val
			}
			return ref
		})
	case map[string]any:
		for k := range t {
			t[k] = expandRefs(t[k])
		}
	case []any:
		for i := range t {
			t[i] = expandRefs(t[i])
		}
	}
	return v
}
