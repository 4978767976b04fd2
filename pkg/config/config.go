package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the on-disk configuration of a shed process. Every field can be
// overridden from the command line.
type Config struct {
	Listen        string   `yaml:"listen"`
	ShedURL       string   `yaml:"shed_url"`
	ShedDB        string   `yaml:"shed_db"`
	GalaxyDB      string   `yaml:"galaxy_db"`
	ReposDir      string   `yaml:"hgweb_repos_dir,omitempty"`
	InstallDir    string   `yaml:"install_dir"`
	AdminUsers    []string `yaml:"admin_users,omitempty"`
	ReservedNames []string `yaml:"reserved_names,omitempty"`
	LogLevel      string   `yaml:"log_level"`
	LogFile       string   `yaml:"log_file,omitempty"`
	AsyncInstalls bool     `yaml:"async_installs"`
}

// Default returns a configuration suitable for a local single-host setup.
func Default() *Config {
	return &Config{
		Listen:        ":9009",
		ShedURL:       "http://localhost:9009",
		ShedDB:        "/var/lib/shed/community.db",
		GalaxyDB:      "/var/lib/shed/galaxy.db",
		ReposDir:      "/var/lib/shed/repos",
		InstallDir:    "/var/lib/shed/shed_tools",
		ReservedNames: []string{"repos"},
		LogLevel:      "info",
		AsyncInstalls: true,
	}
}

// Load reads path on top of the defaults. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to open config: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	u, err := url.Parse(c.ShedURL)
	if err != nil || u.Host == "" {
		return fmt.Errorf("shed_url %q is not an absolute URL", c.ShedURL)
	}
	if c.ShedDB == "" {
		return fmt.Errorf("shed_db is required")
	}
	if c.GalaxyDB == "" {
		return fmt.Errorf("galaxy_db is required")
	}
	return nil
}

// IsAdmin reports whether user is listed in admin_users.
func (c *Config) IsAdmin(user string) bool {
	for _, a := range c.AdminUsers {
		if strings.EqualFold(a, user) {
			return true
		}
	}
	return false
}
