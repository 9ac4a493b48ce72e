// Package config provides XML-based configuration management for the upload agent.
package config

import (
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// AppConfig represents the root XML configuration structure
type AppConfig struct {
	XMLName xml.Name `xml:"UploadAgent"`

	// Server configuration
	Server ServerConfig `xml:"Server"`

	// Storage configuration
	Storage StorageConfig `xml:"Storage"`

	// Outbound transfer configuration
	Transfer TransferConfig `xml:"Transfer"`

	// Engine scheduling configuration
	Engine EngineConfig `xml:"Engine"`

	// Security configuration
	Security SecurityConfig `xml:"Security"`

	// Advanced options
	Advanced AdvancedConfig `xml:"Advanced"`
}

// ServerConfig contains the local control API settings
type ServerConfig struct {
	Port         int    `xml:"Port"`
	BindAddress  string `xml:"BindAddress"`
	ReadTimeout  int    `xml:"ReadTimeoutSeconds"`
	WriteTimeout int    `xml:"WriteTimeoutSeconds"`
	IdleTimeout  int    `xml:"IdleTimeoutSeconds"`
	BodyLimit    string `xml:"BodyLimit"`
}

// StorageConfig contains durable store settings
type StorageConfig struct {
	DataDirectory string `xml:"DataDirectory"`
	DatabaseFile  string `xml:"DatabaseFile"`
	ProfilesFile  string `xml:"ProfilesFile"`
}

// TransferConfig controls how batches are delivered to the ingestion endpoint
type TransferConfig struct {
	MaxAttempts           int     `xml:"MaxAttempts"`
	BaseDelayMs           int     `xml:"BaseDelayMs"` // 0 or less uses the 1s default
	RequestTimeoutSeconds int     `xml:"RequestTimeoutSeconds"`
	RequestsPerSecond     float64 `xml:"RequestsPerSecond"` // 0 disables pacing
	AuthHeader            string  `xml:"AuthHeader"`        // forwarded verbatim as Authorization
	Cookie                string  `xml:"Cookie"`            // forwarded verbatim as Cookie
	InsecureSkipVerify    bool    `xml:"InsecureSkipVerify"`
}

// EngineConfig contains reconciliation settings
type EngineConfig struct {
	SweepOnStart         bool `xml:"SweepOnStart"`
	SweepIntervalSeconds int  `xml:"SweepIntervalSeconds"` // 0 disables periodic sweeps
}

// SecurityConfig contains security settings
type SecurityConfig struct {
	AllowSessionDeletion bool `xml:"AllowSessionDeletion"`
}

// AdvancedConfig contains advanced/tuning options
type AdvancedConfig struct {
	LogLevel             string `xml:"LogLevel"`
	EnableRequestLogging bool   `xml:"EnableRequestLogging"`
	DuckDBThreads        int    `xml:"DuckDBThreads"`
	DuckDBMemoryLimit    string `xml:"DuckDBMemoryLimit"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *AppConfig {
	return &AppConfig{
		Server: ServerConfig{
			Port:         8095,
			BindAddress:  "127.0.0.1",
			ReadTimeout:  60,
			WriteTimeout: 60,
			IdleTimeout:  120,
			BodyLimit:    "2G",
		},
		Storage: StorageConfig{
			DataDirectory: "./data",
			DatabaseFile:  "./data/uploads.duckdb",
			ProfilesFile:  "./profiles.yaml",
		},
		Transfer: TransferConfig{
			MaxAttempts:           3,
			BaseDelayMs:           1000,
			RequestTimeoutSeconds: 300,
			RequestsPerSecond:     0,
		},
		Engine: EngineConfig{
			SweepOnStart:         true,
			SweepIntervalSeconds: 300,
		},
		Security: SecurityConfig{
			AllowSessionDeletion: true,
		},
		Advanced: AdvancedConfig{
			LogLevel:             "info",
			EnableRequestLogging: true,
			DuckDBThreads:        2,
			DuckDBMemoryLimit:    "512MB",
		},
	}
}

// LoadConfig loads configuration from XML file
func LoadConfig(configPath string) (*AppConfig, error) {
	// If file doesn't exist, create default
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		config := DefaultConfig()
		if err := config.Save(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
		config.applyEnvironmentOverrides()
		config.resolvePaths(filepath.Dir(configPath))
		return config, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := xml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Apply environment variable overrides
	config.applyEnvironmentOverrides()

	// Resolve relative paths
	config.resolvePaths(filepath.Dir(configPath))

	return config, nil
}

// Save saves the configuration to XML file
func (c *AppConfig) Save(configPath string) error {
	output, err := xml.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte(xml.Header + "\n<!-- Upload Agent Configuration -->\n<!-- This file is auto-generated on first run -->\n\n")
	content := append(header, output...)

	if err := os.WriteFile(configPath, content, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// applyEnvironmentOverrides allows environment variables to override config values
func (c *AppConfig) applyEnvironmentOverrides() {
	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Server.Port = p
		}
	}

	if dataDir := os.Getenv("DATA_DIR"); dataDir != "" {
		c.Storage.DataDirectory = dataDir
		c.Storage.DatabaseFile = filepath.Join(dataDir, "uploads.duckdb")
	}

	// Credentials are usually injected rather than written to disk
	if auth := os.Getenv("UPLOAD_AUTH_HEADER"); auth != "" {
		c.Transfer.AuthHeader = auth
	}
	if cookie := os.Getenv("UPLOAD_COOKIE"); cookie != "" {
		c.Transfer.Cookie = cookie
	}
}

// resolvePaths converts relative paths to absolute based on config file location
func (c *AppConfig) resolvePaths(configDir string) {
	if !filepath.IsAbs(c.Storage.DataDirectory) {
		c.Storage.DataDirectory = filepath.Join(configDir, c.Storage.DataDirectory)
	}
	if !filepath.IsAbs(c.Storage.DatabaseFile) {
		c.Storage.DatabaseFile = filepath.Join(configDir, c.Storage.DatabaseFile)
	}
	if c.Storage.ProfilesFile != "" && !filepath.IsAbs(c.Storage.ProfilesFile) {
		c.Storage.ProfilesFile = filepath.Join(configDir, c.Storage.ProfilesFile)
	}
}

// GetServerAddr returns the server bind address
func (c *AppConfig) GetServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.BindAddress, c.Server.Port)
}

// BaseDelay returns the first retry backoff step.
func (c *AppConfig) BaseDelay() time.Duration {
	if c.Transfer.BaseDelayMs <= 0 {
		return time.Second
	}
	return time.Duration(c.Transfer.BaseDelayMs) * time.Millisecond
}

// SweepInterval returns the periodic reconciliation interval; zero disables it.
func (c *AppConfig) SweepInterval() time.Duration {
	return time.Duration(c.Engine.SweepIntervalSeconds) * time.Second
}

// EnsureDirectories creates all necessary directories
func (c *AppConfig) EnsureDirectories() error {
	dirs := []string{
		c.Storage.DataDirectory,
		filepath.Dir(c.Storage.DatabaseFile),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}
