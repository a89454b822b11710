package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/m4xw311/toolhub/errors"
	"gopkg.in/yaml.v3"
)

// DirName is the per-user and per-project configuration directory.
const DirName = ".toolhub"

const (
	DefaultPermissionTimeout = 60 * time.Second
	DefaultToolTimeout       = 5 * time.Minute
	DefaultMaxTurns          = 50
	DefaultListen            = "127.0.0.1:7777"
)

// Environment variables that override file configuration.
const (
	EnvProvider = "TOOLHUB_PROVIDER"
	EnvModel    = "TOOLHUB_MODEL"
	EnvAPIKey   = "TOOLHUB_API_KEY"
	EnvBaseURL  = "TOOLHUB_BASE_URL"
	EnvListen   = "TOOLHUB_LISTEN"
	EnvAuto     = "TOOLHUB_AUTO_APPROVE"
)

// DefaultDomainAwareTools lists the tool name patterns that act on the page
// the user is looking at. Their permissions can be scoped to a hostname.
var DefaultDomainAwareTools = []string{"nav.*", "page.*", "tab.*", "dom.*", "browser.*"}

type FilesystemAccess struct {
	Hidden   []string `yaml:"hidden"`
	ReadOnly []string `yaml:"read_only"`
}

type MCPServer struct {
	Name    string   `yaml:"name"`
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

// LocalTools configures the built-in filesystem and command owner.
type LocalTools struct {
	Enabled          bool             `yaml:"enabled"`
	FilesystemAccess FilesystemAccess `yaml:"filesystem_access"`
	AllowedCommands  []string         `yaml:"allowed_commands"`
}

// Store selects the key/value backend for provider settings and permissions.
type Store struct {
	Driver string `yaml:"driver"` // memory, file or sqlite
	Path   string `yaml:"path"`
}

type Config struct {
	Provider          string        `yaml:"provider"`
	Model             string        `yaml:"model"`
	APIKey            string        `yaml:"api_key"`
	BaseURL           string        `yaml:"base_url"`
	SystemPrompt      string        `yaml:"system_prompt"`
	PermissionTimeout time.Duration `yaml:"permission_timeout"`
	ToolTimeout       time.Duration `yaml:"tool_timeout"`
	MaxTurns          int           `yaml:"max_turns"`
	AutoApprove       bool          `yaml:"auto_approve"`
	ValidateToolInput bool          `yaml:"validate_tool_input"`
	DomainAwareTools  []string      `yaml:"domain_aware_tools"`
	Store             Store         `yaml:"store"`
	MCPServers        []MCPServer   `yaml:"mcp_servers"`
	LocalTools        LocalTools    `yaml:"local_tools"`
	Listen            string        `yaml:"listen"`
}

// Default returns a configuration with every field set to its default.
func Default() *Config {
	cfg := &Config{
		PermissionTimeout: DefaultPermissionTimeout,
		ToolTimeout:       DefaultToolTimeout,
		MaxTurns:          DefaultMaxTurns,
		DomainAwareTools:  append([]string(nil), DefaultDomainAwareTools...),
		Listen:            DefaultListen,
	}
	// The configuration directory is never visible to local tools.
	cfg.LocalTools.FilesystemAccess.Hidden = []string{DirName, DirName + "/**"}
	return cfg
}

// LoadConfig loads configuration from the user's home directory and the current
// working directory, with the latter taking precedence. A .env file in the
// working directory and TOOLHUB_* environment variables are applied last.
func LoadConfig() (*Config, error) {
	cfg := Default()

	home, err := os.UserHomeDir()
	if err == nil {
		userConfigPath := filepath.Join(home, DirName, "config.yaml")
		if err := loadIfExists(userConfigPath, cfg); err != nil {
			return nil, errors.Wrapf(err, "error loading user config")
		}
	}

	wd, err := os.Getwd()
	if err != nil {
		return nil, errors.Wrapf(err, "could not get working directory")
	}
	projectConfigPath := filepath.Join(wd, DirName, "config.yaml")
	if err := loadIfExists(projectConfigPath, cfg); err != nil {
		return nil, errors.Wrapf(err, "error loading project config")
	}

	// A missing .env is normal outside development.
	_ = godotenv.Load(filepath.Join(wd, ".env"))
	applyEnv(cfg)

	if home != "" {
		defaultStorePath(cfg, filepath.Join(home, DirName))
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile reads a single YAML file on top of the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if err := loadFromFile(path, cfg); err != nil {
		return nil, errors.Wrapf(err, "error loading config %s", path)
	}
	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field values and fills zero values with defaults.
func (c *Config) Validate() error {
	if c.PermissionTimeout <= 0 {
		c.PermissionTimeout = DefaultPermissionTimeout
	}
	if c.ToolTimeout <= 0 {
		c.ToolTimeout = DefaultToolTimeout
	}
	if c.MaxTurns <= 0 {
		c.MaxTurns = DefaultMaxTurns
	}
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	switch c.Store.Driver {
	case "", "memory":
		c.Store.Driver = "memory"
	case "file", "sqlite":
		if c.Store.Path == "" {
			return errors.New("store driver %q requires a path", c.Store.Driver)
		}
	default:
		return errors.New("unknown store driver %q", c.Store.Driver)
	}
	for _, s := range c.MCPServers {
		if s.Name == "" || s.Command == "" {
			return errors.New("mcp server entries need both a name and a command")
		}
	}
	return nil
}

// defaultStorePath persists to a JSON file under dir unless configured otherwise.
func defaultStorePath(cfg *Config, dir string) {
	switch cfg.Store.Driver {
	case "":
		cfg.Store.Driver = "file"
		cfg.Store.Path = filepath.Join(dir, "store.json")
	case "file":
		if cfg.Store.Path == "" {
			cfg.Store.Path = filepath.Join(dir, "store.json")
		}
	case "sqlite":
		if cfg.Store.Path == "" {
			cfg.Store.Path = filepath.Join(dir, "store.db")
		}
	}
}

func loadIfExists(path string, cfg *Config) error {
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	return loadFromFile(path, cfg)
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	// Unmarshal overwrites only the fields present in the YAML, so later
	// files replace earlier ones key by key.
	return yaml.Unmarshal(data, cfg)
}

func applyEnv(cfg *Config) {
	if v := os.Getenv(EnvProvider); v != "" {
		cfg.Provider = v
	}
	if v := os.Getenv(EnvModel); v != "" {
		cfg.Model = v
	}
	if v := os.Getenv(EnvAPIKey); v != "" {
		cfg.APIKey = v
	}
	if v := os.Getenv(EnvBaseURL); v != "" {
		cfg.BaseURL = v
	}
	if v := os.Getenv(EnvListen); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv(EnvAuto); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.AutoApprove = b
		}
	}
}
