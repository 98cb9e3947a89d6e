package core

import (
	"fmt"
	"net/url"
	"os"
	"strings"
)

// Config holds the deployment configuration
type Config struct {
	// Environment (development, production)
	Environment string

	// Server listening address
	ListenAddr string

	// Base URL for constructing absolute URLs (entity ID, ACS, SLO)
	BaseURL string

	// Data directory for the SQLite database
	DataDir string

	// Certificate directory for the SP keypair files
	CertDir string

	// Metadata directory scanned at startup for IdP metadata XML files
	MetadataDir string

	// CORS allowed origins
	CORSOrigins []string

	// Enable debug logging
	Debug bool
}

// LoadConfig loads configuration from environment variables with sensible defaults
func LoadConfig() *Config {
	cfg := &Config{
		Environment: getEnv("SAMLGATE_ENV", "development"),
		ListenAddr:  getEnv("SAMLGATE_LISTEN_ADDR", ":8080"),
		BaseURL:     getEnv("SAMLGATE_BASE_URL", "http://localhost:8080"),
		DataDir:     getEnv("SAMLGATE_DATA_DIR", "./data"),
		CertDir:     getEnv("SAMLGATE_CERT_DIR", "./data/certs"),
		MetadataDir: getEnv("SAMLGATE_METADATA_DIR", ""),
		CORSOrigins: getEnvList("SAMLGATE_CORS_ORIGINS", []string{"http://localhost:3000"}),
		Debug:       getEnvBool("SAMLGATE_DEBUG", false),
	}

	return cfg
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// Hostname extracts the deployment hostname from the base URL; it keys the
// SP keypair files.
func (c *Config) Hostname() (string, error) {
	parsed, err := url.Parse(c.BaseURL)
	if err != nil || parsed.Hostname() == "" {
		return "", fmt.Errorf("SAMLGATE_BASE_URL %q has no hostname", c.BaseURL)
	}
	return parsed.Hostname(), nil
}

// EntityID is the SP entity ID, conventionally the metadata URL.
func (c *Config) EntityID() string {
	return strings.TrimRight(c.BaseURL, "/") + "/saml/metadata"
}

// ACSURL is the assertion consumer service URL.
func (c *Config) ACSURL() string {
	return strings.TrimRight(c.BaseURL, "/") + "/saml/acs"
}

// SLOURL is the single logout URL.
func (c *Config) SLOURL() string {
	return strings.TrimRight(c.BaseURL, "/") + "/saml/slo"
}

// SecureCookies reports whether session cookies should carry the Secure
// flag, based on the base URL scheme.
func (c *Config) SecureCookies() bool {
	return strings.HasPrefix(c.BaseURL, "https://")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return strings.ToLower(value) == "true" || value == "1"
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return strings.Split(value, ",")
}
