// Package config carga la configuración del servicio desde YAML con
// overrides por variables de entorno.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	// Bloque app (opcional en YAML). Si no está, queda vacío.
	App struct {
		// dev | staging | prod
		Env string `yaml:"app_env"`
	} `yaml:"app"`

	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`

	Storage struct {
		DSN      string `yaml:"dsn"`
		Postgres struct {
			MaxOpenConns    int    `yaml:"max_open_conns"`
			MinConns        int    `yaml:"min_conns"`
			ConnMaxLifetime string `yaml:"conn_max_lifetime"`
		} `yaml:"postgres"`
	} `yaml:"storage"`

	Cache struct {
		Kind  string `yaml:"kind"` // memory | redis
		Redis struct {
			Addr string `yaml:"addr"`
			DB   int    `yaml:"db"`
		} `yaml:"redis"`
		Memory struct {
			DefaultTTL string `yaml:"default_ttl"`
		} `yaml:"memory"`
	} `yaml:"cache"`

	Tokens struct {
		// Issuer es la URL base; el issuer efectivo por tenant es {base}/t/{tenant}.
		Issuer     string `yaml:"issuer"`
		Audience   string `yaml:"audience"`
		AccessTTL  string `yaml:"access_ttl"`  // default 15m
		RefreshTTL string `yaml:"refresh_ttl"` // default 168h (7d)
	} `yaml:"tokens"`

	Keys struct {
		// MasterKey cifra las claves privadas en reposo. Se toma SIEMPRE de
		// env (KEYFORT_MASTER_KEY); el campo YAML existe solo para dev.
		MasterKey string `yaml:"master_key"`
		// JWKSCacheTTL acota el cache de lectura de claves públicas.
		JWKSCacheTTL string `yaml:"jwks_cache_ttl"` // default 15s
	} `yaml:"keys"`

	Cleanup struct {
		Interval string `yaml:"interval"` // default 10m; "" o "0" desactiva
	} `yaml:"cleanup"`
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, err
	}
	c.applyEnv()
	if err := c.applyDefaults(); err != nil {
		return nil, err
	}
	return &c, nil
}

// FromEnv construye la config solo desde variables de entorno (sin YAML).
func FromEnv() (*Config, error) {
	var c Config
	c.applyEnv()
	if err := c.applyDefaults(); err != nil {
		return nil, err
	}
	return &c, nil
}

// applyEnv pisa valores del YAML con el entorno.
func (c *Config) applyEnv() {
	if v := os.Getenv("APP_ENV"); v != "" {
		c.App.Env = v
	}
	if v := os.Getenv("SERVER_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("STORAGE_DSN"); v != "" {
		c.Storage.DSN = v
	}
	if v := os.Getenv("CACHE_KIND"); v != "" {
		c.Cache.Kind = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Cache.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Cache.Redis.DB = n
		}
	}
	if v := os.Getenv("TOKEN_ISSUER"); v != "" {
		c.Tokens.Issuer = v
	}
	if v := os.Getenv("TOKEN_AUDIENCE"); v != "" {
		c.Tokens.Audience = v
	}
	if v := os.Getenv("ACCESS_TTL"); v != "" {
		c.Tokens.AccessTTL = v
	}
	if v := os.Getenv("REFRESH_TTL"); v != "" {
		c.Tokens.RefreshTTL = v
	}
	if v := os.Getenv("KEYFORT_MASTER_KEY"); v != "" {
		c.Keys.MasterKey = v
	}
	if v := os.Getenv("CLEANUP_INTERVAL"); v != "" {
		c.Cleanup.Interval = v
	}
}

// applyDefaults completa valores faltantes y valida duraciones.
func (c *Config) applyDefaults() error {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Cache.Kind == "" {
		c.Cache.Kind = "memory"
	}
	if c.Cache.Memory.DefaultTTL == "" {
		c.Cache.Memory.DefaultTTL = "2m"
	}
	if c.Tokens.Issuer == "" {
		c.Tokens.Issuer = "http://localhost:8080"
	}
	if c.Tokens.AccessTTL == "" {
		c.Tokens.AccessTTL = "15m"
	}
	if c.Tokens.RefreshTTL == "" {
		c.Tokens.RefreshTTL = "168h" // 7d
	}
	if c.Keys.JWKSCacheTTL == "" {
		c.Keys.JWKSCacheTTL = "15s"
	}
	if c.Cleanup.Interval == "" {
		c.Cleanup.Interval = "10m"
	}

	for name, v := range map[string]string{
		"tokens.access_ttl":        c.Tokens.AccessTTL,
		"tokens.refresh_ttl":       c.Tokens.RefreshTTL,
		"keys.jwks_cache_ttl":      c.Keys.JWKSCacheTTL,
		"cache.memory.default_ttl": c.Cache.Memory.DefaultTTL,
	} {
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("config %s: %w", name, err)
		}
	}
	if c.Cleanup.Interval != "0" {
		if _, err := time.ParseDuration(c.Cleanup.Interval); err != nil {
			return fmt.Errorf("config cleanup.interval: %w", err)
		}
	}
	if c.Storage.Postgres.ConnMaxLifetime != "" {
		if _, err := time.ParseDuration(c.Storage.Postgres.ConnMaxLifetime); err != nil {
			return fmt.Errorf("config storage.postgres.conn_max_lifetime: %w", err)
		}
	}
	return nil
}

// AccessTTL devuelve la duración parseada (ya validada en Load).
func (c *Config) AccessTTL() time.Duration {
	d, _ := time.ParseDuration(c.Tokens.AccessTTL)
	return d
}

// RefreshTTL devuelve la duración parseada (ya validada en Load).
func (c *Config) RefreshTTL() time.Duration {
	d, _ := time.ParseDuration(c.Tokens.RefreshTTL)
	return d
}

// JWKSCacheTTL devuelve la duración parseada (ya validada en Load).
func (c *Config) JWKSCacheTTL() time.Duration {
	d, _ := time.ParseDuration(c.Keys.JWKSCacheTTL)
	return d
}

// CleanupInterval devuelve la duración parseada (ya validada en Load).
func (c *Config) CleanupInterval() time.Duration {
	d, _ := time.ParseDuration(c.Cleanup.Interval)
	return d
}

// MemoryTTL devuelve el TTL por defecto del cache en memoria.
func (c *Config) MemoryTTL() time.Duration {
	d, _ := time.ParseDuration(c.Cache.Memory.DefaultTTL)
	return d
}
