// Package config wraps the Store's key/value AppSetting table with typed
// getters and setters, the way the teacher's ConfigManager wraps
// Storage.GetString/SetString.
package config

import (
	"strconv"

	"github.com/baeeng/batch-acquisition-engine/internal/storage"
)

const (
	KeyDataDir           = "data_dir"
	KeyDefaultBatchSize  = "default_batch_size"
	KeyDefaultGranuleW   = "default_granule_concurrency"
	KeyRemoteAPIKey      = "remote_api_key"
	KeyRemoteBaseURL     = "remote_base_url"
	KeyFetchTimeoutSecs  = "fetch_timeout_seconds"
)

const (
	defaultBatchSize    = 5
	defaultGranuleW     = 4
	defaultFetchTimeout = 180
	defaultRemoteURL    = "https://example.invalid/granule"
)

type ConfigManager struct {
	storage *storage.Storage
}

func NewConfigManager(s *storage.Storage) *ConfigManager {
	return &ConfigManager{storage: s}
}

func (c *ConfigManager) GetDataDir() string {
	val, err := c.storage.GetString(KeyDataDir)
	if err != nil || val == "" {
		return "./data"
	}
	return val
}

func (c *ConfigManager) SetDataDir(dir string) error {
	return c.storage.SetString(KeyDataDir, dir)
}

func (c *ConfigManager) GetDefaultBatchSize() int {
	return c.getIntOrDefault(KeyDefaultBatchSize, defaultBatchSize)
}

func (c *ConfigManager) SetDefaultBatchSize(n int) error {
	return c.storage.SetString(KeyDefaultBatchSize, strconv.Itoa(n))
}

func (c *ConfigManager) GetDefaultGranuleConcurrency() int {
	return c.getIntOrDefault(KeyDefaultGranuleW, defaultGranuleW)
}

func (c *ConfigManager) SetDefaultGranuleConcurrency(n int) error {
	return c.storage.SetString(KeyDefaultGranuleW, strconv.Itoa(n))
}

func (c *ConfigManager) GetFetchTimeoutSeconds() int {
	return c.getIntOrDefault(KeyFetchTimeoutSecs, defaultFetchTimeout)
}

func (c *ConfigManager) SetFetchTimeoutSeconds(n int) error {
	return c.storage.SetString(KeyFetchTimeoutSecs, strconv.Itoa(n))
}

// GetRemoteAPIKey returns an empty string (anonymous access permitted)
// if unset.
func (c *ConfigManager) GetRemoteAPIKey() string {
	val, _ := c.storage.GetString(KeyRemoteAPIKey)
	return val
}

func (c *ConfigManager) SetRemoteAPIKey(key string) error {
	return c.storage.SetString(KeyRemoteAPIKey, key)
}

func (c *ConfigManager) GetRemoteBaseURL() string {
	val, err := c.storage.GetString(KeyRemoteBaseURL)
	if err != nil || val == "" {
		return defaultRemoteURL
	}
	return val
}

func (c *ConfigManager) SetRemoteBaseURL(url string) error {
	return c.storage.SetString(KeyRemoteBaseURL, url)
}

func (c *ConfigManager) getIntOrDefault(key string, fallback int) int {
	val, err := c.storage.GetString(key)
	if err != nil || val == "" {
		return fallback
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return n
}
