package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/viper"
)

const envPrefix = "SITEKEEPER"

var candidates = []string{
	"sitekeeper.yaml",
	"sitekeeper.yml",
	"sitekeeper.toml",
	"sitekeeper.json",
}

// Load reads configuration from a file, env vars, and defaults.
// A missing or unparsable config file is fatal; everything downstream
// assumes a fully resolved Config.
func Load(path string) (*Config, error) {
	vp := viper.New()
	vp.SetEnvPrefix(envPrefix)
	vp.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	vp.AutomaticEnv()

	setDefaults(vp)

	resolved, err := resolveConfigPath(path)
	if err != nil {
		return nil, err
	}

	vp.SetConfigFile(resolved)
	if err := vp.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := vp.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	expandEnv(&cfg)
	return &cfg, nil
}

func resolveConfigPath(path string) (string, error) {
	if path != "" {
		return path, nil
	}
	if envPath := os.Getenv("SITEKEEPER_CONFIG"); envPath != "" {
		return envPath, nil
	}

	searched := []string{}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c, nil
		}
		searched = append(searched, c)
	}

	bases := []string{}
	if configDir, err := os.UserConfigDir(); err == nil {
		bases = append(bases, filepath.Join(configDir, "sitekeeper"))
	}
	bases = append(bases, "/etc/sitekeeper")
	for _, base := range bases {
		for _, c := range candidates {
			p := filepath.Join(base, c)
			if _, err := os.Stat(p); err == nil {
				return p, nil
			}
			searched = append(searched, p)
		}
	}

	return "", fmt.Errorf("no config file found (searched %s)", strings.Join(searched, ", "))
}

func setDefaults(vp *viper.Viper) {
	vp.SetDefault("local.backup_root", ".")
	vp.SetDefault("local.default_format", "mysql")
	vp.SetDefault("local.retention", 0)
	vp.SetDefault("local.log_level", "info")
	vp.SetDefault("local.log_format", "console")
	vp.SetDefault("schedule.timezone", "")
}

func expandEnv(cfg *Config) {
	cfg.Local.DumpUser = os.ExpandEnv(cfg.Local.DumpUser)
	cfg.Local.EncryptionKey = os.ExpandEnv(cfg.Local.EncryptionKey)
	for name, srv := range cfg.Servers {
		srv.AccessKey = os.ExpandEnv(srv.AccessKey)
		srv.SecretKey = os.ExpandEnv(srv.SecretKey)
		cfg.Servers[name] = srv
	}
}

// EnabledSites returns the names of enabled sites, sorted for stable
// iteration.
func (c *Config) EnabledSites() []string {
	names := make([]string, 0, len(c.Sites))
	for name, site := range c.Sites {
		if site.Enabled {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// EnabledServers returns the names of enabled servers, sorted.
func (c *Config) EnabledServers() []string {
	names := make([]string, 0, len(c.Servers))
	for name, srv := range c.Servers {
		if srv.Enabled {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
