package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config 配置文件结构体
type Config struct {
	Version string `yaml:"version"`

	Devtools struct {
		URL string `yaml:"url"`
		// OpenURL 连接后打开的页面，为空时不打开
		OpenURL string `yaml:"open_url"`
	} `yaml:"devtools"`

	Sqlite struct {
		Dsn    string `yaml:"dsn"`
		Prefix string `yaml:"prefix"`
	} `yaml:"sqlite"`

	Log struct {
		Level      string   `yaml:"level"`
		Writer     []string `yaml:"writer"`
		File       string   `yaml:"file"`
		MaxSizeMB  int      `yaml:"max_size_mb"`
		MaxBackups int      `yaml:"max_backups"`
		MaxAgeDays int      `yaml:"max_age_days"`
		Compress   bool     `yaml:"compress"`
	} `yaml:"log"`

	Storage struct {
		// Backend 持久化后端：file 或 sqlite
		Backend string `yaml:"backend"`
		Dir     string `yaml:"dir"`
	} `yaml:"storage"`

	Plugins Plugins `yaml:"plugins"`
}

// Plugins 各插件配置
type Plugins struct {
	UserAgent struct {
		Enabled   bool   `yaml:"enabled"`
		UserAgent string `yaml:"user_agent"`
		Platform  string `yaml:"platform"`
		SettleMS  int    `yaml:"settle_ms"`
	} `yaml:"useragent"`

	Stealth struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"stealth"`

	BlockResources struct {
		Enabled   bool     `yaml:"enabled"`
		Resources []string `yaml:"resources"`
		URLs      []string `yaml:"urls"`
	} `yaml:"blockres"`

	Dialogs struct {
		Enabled bool `yaml:"enabled"`
		Log     bool `yaml:"log"`
	} `yaml:"dialogs"`

	Cookies struct {
		Enabled        bool   `yaml:"enabled"`
		Mode           string `yaml:"mode"`
		Key            string `yaml:"key"`
		IntervalMS     int    `yaml:"interval_ms"`
		DisableWarning bool   `yaml:"disable_warning"`
	} `yaml:"cookies"`

	LocalStorage struct {
		Enabled        bool   `yaml:"enabled"`
		Mode           string `yaml:"mode"`
		Key            string `yaml:"key"`
		Profile        string `yaml:"profile"`
		IntervalMS     int    `yaml:"interval_ms"`
		DisableWarning bool   `yaml:"disable_warning"`
	} `yaml:"localstorage"`
}

// NewConfig 创建默认配置
func NewConfig() *Config {
	c := &Config{Version: "1.0.0"}
	c.Devtools.URL = "http://127.0.0.1:9222"
	c.Sqlite.Dsn = "db.sqlite3"
	c.Sqlite.Prefix = "cdpplug_"
	c.Log.Level = "debug"
	c.Log.Writer = []string{"console", "file"}
	c.Log.File = "logs/cdpplug.log"
	c.Log.MaxSizeMB = 20
	c.Log.MaxBackups = 5
	c.Log.MaxAgeDays = 30
	c.Storage.Backend = "file"
	c.Storage.Dir = "data"

	c.Plugins.UserAgent.Enabled = true
	c.Plugins.UserAgent.SettleMS = 100
	c.Plugins.Stealth.Enabled = true
	c.Plugins.Dialogs.Enabled = true
	c.Plugins.Cookies.Mode = "manual"
	c.Plugins.Cookies.Key = "cookies"
	c.Plugins.Cookies.IntervalMS = 1000
	c.Plugins.LocalStorage.Mode = "manual"
	c.Plugins.LocalStorage.Key = "localstorage"
	c.Plugins.LocalStorage.Profile = "default"
	c.Plugins.LocalStorage.IntervalMS = 1000
	return c
}

// Load 读取 YAML 配置文件并覆盖默认值；path 为空时返回默认配置
func Load(path string) (*Config, error) {
	c := NewConfig()
	if path == "" {
		return c, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate 校验枚举取值
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "file", "sqlite":
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	for name, mode := range map[string]string{
		"cookies":      c.Plugins.Cookies.Mode,
		"localstorage": c.Plugins.LocalStorage.Mode,
	} {
		if mode != "manual" && mode != "monitor" {
			return fmt.Errorf("plugin %s: unknown mode %q", name, mode)
		}
	}
	return nil
}
