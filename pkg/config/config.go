// Package config loads the relay's process-wide configuration from the
// environment.
package config

import (
	"fmt"
	"os"
	"strings"
)

// Store backends.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

// Config is the process-wide relay configuration. The HMAC secret is
// read-only shared state; everything else is plumbing.
type Config struct {
	HTTPPort       string
	Secret         string
	AllowedOrigins []string
	DomainID       string
	StoreBackend   string
}

// LoadFromEnv reads configuration from environment variables. RELAY_SECRET
// is required; everything else has a default.
func LoadFromEnv() (*Config, error) {
	secret := os.Getenv("RELAY_SECRET")
	if secret == "" {
		return nil, fmt.Errorf("RELAY_SECRET is required")
	}

	backend := getEnvOrDefault("RELAY_STORE", StoreMemory)
	switch backend {
	case StoreMemory, StorePostgres:
	default:
		return nil, fmt.Errorf("invalid RELAY_STORE %q: must be %q or %q", backend, StoreMemory, StorePostgres)
	}

	return &Config{
		HTTPPort:       getEnvOrDefault("RELAY_HTTP_PORT", "8080"),
		Secret:         secret,
		AllowedOrigins: splitOrigins(getEnvOrDefault("RELAY_ALLOWED_ORIGINS", "*")),
		DomainID:       resolveDomainID(),
		StoreBackend:   backend,
	}, nil
}

// AllowAllOrigins reports whether the allow-list is the wildcard.
func (c *Config) AllowAllOrigins() bool {
	return len(c.AllowedOrigins) == 1 && c.AllowedOrigins[0] == "*"
}

// OriginAllowed reports whether origin is on the allow-list.
func (c *Config) OriginAllowed(origin string) bool {
	if c.AllowAllOrigins() {
		return true
	}
	for _, o := range c.AllowedOrigins {
		if strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

func splitOrigins(raw string) []string {
	parts := strings.Split(raw, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			origins = append(origins, p)
		}
	}
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return origins
}

// resolveDomainID determines the coordination-domain identifier for event
// routing. Priority: RELAY_DOMAIN_ID env > HOSTNAME env > "local".
func resolveDomainID() string {
	if id := os.Getenv("RELAY_DOMAIN_ID"); id != "" {
		return id
	}
	if hostname := os.Getenv("HOSTNAME"); hostname != "" {
		return hostname
	}
	return "local"
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
