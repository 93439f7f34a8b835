package llm

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Credential is an API key. It prints masked so it never lands in logs.
type Credential string

// NoCredential is used by backends that do not authenticate
const NoCredential Credential = ""

// String returns the masked form of the credential
func (c Credential) String() string {
	s := string(c)
	switch {
	case s == "":
		return "<none>"
	case len(s) <= 8:
		return "****"
	default:
		return s[:4] + "…" + s[len(s)-4:]
	}
}

// LogValue implements slog.LogValuer
func (c Credential) LogValue() slog.Value {
	return slog.StringValue(c.String())
}

// PoolConfig is the on-disk form of a credential pool
type PoolConfig struct {
	APIKeys []string `yaml:"api_keys"`
	Models  []string `yaml:"models"`
}

// LoadPoolFile reads an ordered list of API keys and model names from YAML
func LoadPoolFile(path string) (PoolConfig, error) {
	var cfg PoolConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading pool file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing pool file: %w", err)
	}
	return cfg, nil
}

// Credentials converts raw keys to credentials, dropping blanks and repeats
// while keeping first-seen order.
func Credentials(keys ...string) []Credential {
	seen := make(map[string]struct{}, len(keys))
	out := make([]Credential, 0, len(keys))
	for _, k := range keys {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, Credential(k))
	}
	return out
}

// SplitList splits a comma separated flag value
func SplitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
