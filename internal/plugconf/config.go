package plugconf

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/picotest/picotest/internal/console"
	"github.com/picotest/picotest/internal/sentinel"
)

// ErrConfigRejected is returned when the cluster refuses a configuration
// statement (malformed value, unknown service or key).
const ErrConfigRejected = sentinel.Error("plugin configuration rejected")

// ConfigMap maps a service name to that service's key/value settings.
// Values are opaque; they are rendered as YAML when pushed.
type ConfigMap map[string]map[string]any

// Load reads a ConfigMap from a YAML file with one top-level mapping per
// service.
func Load(path string) (ConfigMap, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plugin config %s: %w", path, err)
	}
	var cfg ConfigMap
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse plugin config %s: %w", path, err)
	}
	return cfg, nil
}

// Services returns the configured service names in sorted order.
func (c ConfigMap) Services() []string {
	names := make([]string, 0, len(c))
	for name := range c {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Statements renders the ConfigMap as the console statements that set
// each key on the named plugin. Order is deterministic: services and
// keys sorted.
func Statements(plugin, version string, cfg ConfigMap) ([]string, error) {
	var out []string
	for _, service := range cfg.Services() {
		settings := cfg[service]
		keys := make([]string, 0, len(settings))
		for k := range settings {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		for _, key := range keys {
			val, err := renderValue(settings[key])
			if err != nil {
				return nil, fmt.Errorf("render %s.%s: %w", service, key, err)
			}
			out = append(out, fmt.Sprintf(`ALTER PLUGIN %q %s SET %s.%s = '%s';`,
				plugin, version, service, key, escapeSQL(val)))
		}
	}
	return out, nil
}

// Apply pushes the ConfigMap to the cluster through the given console,
// one statement per key, and fails on the first statement the cluster
// rejects. The call returns only after every statement was accepted.
func Apply(ctx context.Context, c *console.Client, plugin, version string, cfg ConfigMap, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	stmts, err := Statements(plugin, version, cfg)
	if err != nil {
		return err
	}
	for _, stmt := range stmts {
		log.Debug("applying plugin configuration", slog.String("statement", stmt))
		if _, err := c.RunScript(ctx, stmt); err != nil {
			return fmt.Errorf("%w: %v", ErrConfigRejected, err)
		}
	}
	return nil
}

// renderValue encodes a settings value as single-line YAML, the form the
// configuration storage expects.
func renderValue(v any) (string, error) {
	raw, err := yaml.Marshal(v)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(raw), "\n"), nil
}

// escapeSQL doubles single quotes for embedding in a quoted literal.
func escapeSQL(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}
