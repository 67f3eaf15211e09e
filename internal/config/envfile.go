package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// EnvFileCandidates lists the env files consulted by Load, in order:
// CLAWGATE_ENV_FILE, ~/.config/clawgate/env, ~/.clawgate/env.
func EnvFileCandidates() []string {
	var out []string
	if explicit := strings.TrimSpace(os.Getenv("CLAWGATE_ENV_FILE")); explicit != "" {
		out = append(out, explicit)
	}
	if home, err := os.UserHomeDir(); err == nil {
		out = append(out,
			filepath.Join(home, ".config", "clawgate", "env"),
			filepath.Join(home, ".clawgate", "env"),
		)
	}
	return out
}

// LoadEnvFileCandidates applies every readable candidate file and returns
// the ones it loaded. Variables already set in the process win, and earlier
// files win over later ones.
func LoadEnvFileCandidates() []string {
	var loaded []string
	seen := map[string]bool{}
	for _, p := range EnvFileCandidates() {
		if abs, err := filepath.Abs(p); err == nil {
			p = abs
		}
		if seen[p] {
			continue
		}
		seen[p] = true
		vars, err := ParseEnvFile(p)
		if err != nil {
			continue
		}
		for k, v := range vars {
			if _, exists := os.LookupEnv(k); !exists {
				_ = os.Setenv(k, v)
			}
		}
		loaded = append(loaded, p)
	}
	return loaded
}

// ParseEnvFile reads KEY=VALUE lines. Blank lines, comments and an optional
// "export " prefix are accepted; surrounding quotes are stripped.
func ParseEnvFile(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	vars := map[string]string{}
	sc := bufio.NewScanner(f)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		key, val, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("%s:%d: expected KEY=VALUE", path, lineNo)
		}
		vars[key] = unquote(strings.TrimSpace(val))
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return vars, nil
}

func unquote(v string) string {
	if len(v) >= 2 && (v[0] == '"' || v[0] == '\'') && v[len(v)-1] == v[0] {
		return v[1 : len(v)-1]
	}
	return v
}
