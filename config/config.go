package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/always-cache/always-offline/cache"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config is the configuration of the always-offline binary.
// It is read from a YAML file, then overridden by OFFLINE_* environment variables.
type Config struct {
	Server        Server        `yaml:"server" envPrefix:"OFFLINE_"`
	App           App           `yaml:"app" envPrefix:"OFFLINE_APP_"`
	Storage       Storage       `yaml:"storage" envPrefix:"OFFLINE_"`
	Sync          Sync          `yaml:"sync" envPrefix:"OFFLINE_SYNC_"`
	Notifications Notifications `yaml:"notifications" envPrefix:"OFFLINE_NOTIFICATION_"`
	Log           Log           `yaml:"log" envPrefix:"OFFLINE_LOG_"`
}

type Server struct {
	Port int `yaml:"port" env:"PORT"`
	// Origin URL to proxy to. Takes precedence over Addr.
	Origin string `yaml:"origin" env:"ORIGIN"`
	// Origin IP address, proxied to over https.
	Addr string `yaml:"addr" env:"ADDR"`
	// Hostname of the origin, sent as Host header and used for TLS.
	Host string `yaml:"host" env:"HOST"`
}

type App struct {
	ID            string `yaml:"id" env:"ID"`
	Param         string `yaml:"param" env:"PARAM"`
	Pages         []int  `yaml:"pages" env:"PAGES" envSeparator:","`
	FallbackPages []int  `yaml:"fallbackPages" env:"FALLBACK_PAGES" envSeparator:","`
}

type Storage struct {
	// Cache DB file name, or "memory".
	Cache string `yaml:"cache" env:"CACHE_DB"`
	// Queue DB directory, or "memory".
	Queue string          `yaml:"queue" env:"QUEUE_DB"`
	Tiers cache.TierNames `yaml:"tiers" envPrefix:"TIER_"`
}

type Sync struct {
	Tag string `yaml:"tag" env:"TAG"`
}

type Notifications struct {
	Icon  string `yaml:"icon" env:"ICON"`
	Badge string `yaml:"badge" env:"BADGE"`
}

type Log struct {
	File  string `yaml:"file" env:"FILE"`
	Trace bool   `yaml:"trace" env:"TRACE"`
}

// Load reads the config file at path, if any, and applies environment overrides.
// The result is not validated, so that flags can still be applied; call Validate afterwards.
func Load(path string) (Config, error) {
	var cfg Config
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, err
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// Validate fills in defaults and checks required settings.
func (c *Config) Validate() error {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Server.Origin == "" && c.Server.Addr == "" {
		return errors.New("server.origin or server.addr is required")
	}
	if _, err := c.OriginURL(); err != nil {
		return err
	}

	c.App.ID = strings.TrimSpace(c.App.ID)
	if c.App.ID == "" {
		return errors.New("app.id is required")
	}
	if c.App.Param == "" {
		c.App.Param = "p"
	}
	for i, p := range c.App.Pages {
		if p < 0 {
			return fmt.Errorf("app.pages[%d]: invalid page %d", i, p)
		}
	}

	if c.Storage.Cache == "" {
		c.Storage.Cache = "cache.db"
	}
	if c.Storage.Queue == "" {
		c.Storage.Queue = "queue.db"
	}
	return nil
}

// OriginURL returns the URL requests are proxied to.
func (c *Config) OriginURL() (*url.URL, error) {
	raw := c.Server.Origin
	if raw == "" {
		raw = "https://" + c.Server.Addr
	}
	u, err := url.Parse(strings.TrimRight(raw, "/"))
	if err != nil {
		return nil, fmt.Errorf("server.origin: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("server.origin: %q is not an absolute URL", raw)
	}
	return u, nil
}
