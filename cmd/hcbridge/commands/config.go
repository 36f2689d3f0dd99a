package commands

import (
	"fmt"
	"strings"

	"github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/urfave/cli/v3"

	"github.com/florianilch/hcbridge/internal/app"
)

// envPrefix is stripped from environment variables during config loading,
// e.g. HCBRIDGE_HOMECONNECT__CLIENT_ID → homeconnect.client_id.
const envPrefix = "HCBRIDGE_"

// source is one configuration layer. Later layers override earlier ones.
type source struct {
	name     string
	provider koanf.Provider
	parser   koanf.Parser
}

// loadConfig merges the config file, the environment and the CLI flags, in
// that order of increasing precedence, then applies defaults and validates.
func loadConfig(configPath string, cmd *cli.Command, environFunc func() []string) (*app.Config, error) {
	var sources []source
	if configPath != "" {
		sources = append(sources, source{name: "config file", provider: file.Provider(configPath), parser: toml.Parser()})
	}
	sources = append(sources, source{name: "environment variables", provider: envSource(environFunc)})
	if cmd != nil {
		sources = append(sources, source{name: "CLI flags", provider: confmap.Provider(flagValues(cmd), ".")})
	}

	k := koanf.New(".")
	for _, s := range sources {
		if err := k.Load(s.provider, s.parser); err != nil {
			return nil, fmt.Errorf("loading %s: %w", s.name, err)
		}
	}

	cfg := &app.Config{}
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.ApplyDefaults(); err != nil {
		return nil, fmt.Errorf("applying defaults: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// listKeys are list-valued config keys; their environment values are comma
// separated, e.g. HCBRIDGE_KAFKA__BROKERS=kafka-1:9092,kafka-2:9092.
var listKeys = map[string]bool{
	"kafka.brokers": true,
}

// envSource maps HCBRIDGE_ variables onto config keys. A double underscore
// separates nesting levels.
func envSource(environFunc func() []string) koanf.Provider {
	return env.Provider(".", env.Opt{
		Prefix: envPrefix,
		TransformFunc: func(key, value string) (string, any) {
			key = strings.ToLower(strings.ReplaceAll(strings.TrimPrefix(key, envPrefix), "__", "."))
			if listKeys[key] {
				return key, splitList(value)
			}
			return key, value
		},
		EnvironFunc: environFunc,
	})
}

// splitList splits a comma separated value, dropping blanks around items.
func splitList(value string) []string {
	var items []string
	for item := range strings.SplitSeq(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}

// flagValues returns the explicitly set flags keyed like the config file:
// --server--port → server.port, --log-level → log_level.
func flagValues(cmd *cli.Command) map[string]any {
	values := make(map[string]any)

	// FlagNames includes flags inherited from parent commands.
	for _, name := range cmd.FlagNames() {
		if name == "config" || !cmd.IsSet(name) {
			continue
		}
		if value := cmd.Value(name); value != nil {
			key := strings.ReplaceAll(strings.ReplaceAll(name, "--", "."), "-", "_")
			values[key] = value
		}
	}
	return values
}
