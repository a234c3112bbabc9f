package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/NikitaDmitryuk/mediadash/internal/logutils"
	"github.com/NikitaDmitryuk/mediadash/internal/utils"
)

const (
	DefaultListenAddr             = "127.0.0.1:8090"
	DefaultProviderTimeout        = 8 * time.Second
	DefaultSearchTimeout          = 10 * time.Second
	DefaultSearchCacheTTL         = 5 * time.Minute
	DefaultEnginePollInterval     = time.Second
	DefaultEngineMetadataTimeout  = 2 * time.Minute
	DefaultEngineListenPort       = 42069
	DefaultMaxConcurrentDownloads = 3
	DefaultPersistInterval        = time.Second
	DefaultPersistMaxBackoff      = 30 * time.Second
	DefaultHubSubscriberBuffer    = 64
	DefaultAPIRateLimit           = 20
	DefaultAPIRateBurst           = 40

	DatabaseFileName = "mediadash.db"
	LockFileName     = "mediadash.lock"
)

const (
	EngineAnacrolix   = "anacrolix"
	EngineQBittorrent = "qbittorrent"
)

type Config struct {
	DataDir    string
	MediaPath  string
	LogLevel   string
	ListenAddr string
	APIKey     string

	// APIRateLimit is requests per second per client address. 0 disables limiting.
	APIRateLimit int
	APIRateBurst int

	WebhookURL   string
	WebhookToken string

	SearchSettings   SearchConfig
	EngineSettings   EngineConfig
	DownloadSettings DownloadConfig
	HubSettings      HubConfig
}

type SearchConfig struct {
	ProwlarrURL     string
	ProwlarrAPIKey  string
	ApibayURL       string
	HTMLIndexURL    string
	ProviderTimeout time.Duration
	SearchTimeout   time.Duration
	CacheTTL        time.Duration
}

type EngineConfig struct {
	Kind               string
	QBittorrentURL     string
	QBittorrentUser    string
	QBittorrentPass    string
	PollInterval       time.Duration
	MetadataTimeout    time.Duration
	DownloadLimitBytes int
	UploadLimitBytes   int
	ListenPort         int
}

type DownloadConfig struct {
	MaxConcurrentDownloads int
	PersistInterval        time.Duration
	PersistMaxBackoff      time.Duration
}

type HubConfig struct {
	SubscriberBuffer int
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
		logutils.Log.WithField("key", key).Warnf("Invalid integer %q, using default %d", value, defaultValue)
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
		logutils.Log.WithField("key", key).Warnf("Invalid duration %q, using default %s", value, defaultValue)
	}
	return defaultValue
}

func NewConfig() (*Config, error) {
	dataDir := getEnv("DATA_DIR", "")
	config := &Config{
		DataDir:      dataDir,
		MediaPath:    getEnv("MEDIA_PATH", ""),
		LogLevel:     getEnv("LOG_LEVEL", "info"),
		ListenAddr:   getEnv("LISTEN_ADDR", DefaultListenAddr),
		APIKey:       getEnv("API_KEY", ""),
		APIRateLimit: getEnvInt("API_RATE_LIMIT", DefaultAPIRateLimit),
		APIRateBurst: getEnvInt("API_RATE_BURST", DefaultAPIRateBurst),
		WebhookURL:   getEnv("WEBHOOK_URL", ""),
		WebhookToken: getEnv("WEBHOOK_TOKEN", ""),

		SearchSettings: SearchConfig{
			ProwlarrURL:     getEnv("PROWLARR_URL", ""),
			ProwlarrAPIKey:  getEnv("PROWLARR_API_KEY", ""),
			ApibayURL:       getEnv("APIBAY_URL", ""),
			HTMLIndexURL:    getEnv("HTML_INDEX_URL", ""),
			ProviderTimeout: getEnvDuration("PROVIDER_TIMEOUT", DefaultProviderTimeout),
			SearchTimeout:   getEnvDuration("SEARCH_TIMEOUT", DefaultSearchTimeout),
			CacheTTL:        getEnvDuration("SEARCH_CACHE_TTL", DefaultSearchCacheTTL),
		},

		EngineSettings: EngineConfig{
			Kind:               strings.ToLower(getEnv("ENGINE", EngineAnacrolix)),
			QBittorrentURL:     getEnv("QBITTORRENT_URL", ""),
			QBittorrentUser:    getEnv("QBITTORRENT_USERNAME", ""),
			QBittorrentPass:    getEnv("QBITTORRENT_PASSWORD", ""),
			PollInterval:       getEnvDuration("ENGINE_POLL_INTERVAL", DefaultEnginePollInterval),
			MetadataTimeout:    getEnvDuration("ENGINE_METADATA_TIMEOUT", DefaultEngineMetadataTimeout),
			DownloadLimitBytes: getEnvInt("ENGINE_DOWNLOAD_LIMIT", 0),
			UploadLimitBytes:   getEnvInt("ENGINE_UPLOAD_LIMIT", 0),
			ListenPort:         getEnvInt("ENGINE_LISTEN_PORT", DefaultEngineListenPort),
		},

		DownloadSettings: DownloadConfig{
			MaxConcurrentDownloads: getEnvInt("MAX_CONCURRENT_DOWNLOADS", DefaultMaxConcurrentDownloads),
			PersistInterval:        getEnvDuration("PERSIST_INTERVAL", DefaultPersistInterval),
			PersistMaxBackoff:      getEnvDuration("PERSIST_MAX_BACKOFF", DefaultPersistMaxBackoff),
		},

		HubSettings: HubConfig{
			SubscriberBuffer: getEnvInt("HUB_SUBSCRIBER_BUFFER", DefaultHubSubscriberBuffer),
		},
	}

	if config.MediaPath == "" && dataDir != "" {
		config.MediaPath = filepath.Join(dataDir, "media")
	}

	if getEnv("RUNNING_IN_DOCKER", "false") == "true" {
		config.DataDir = "/app/data"
		config.MediaPath = "/app/media"
		logutils.Log.WithFields(map[string]any{
			"data_dir":   config.DataDir,
			"media_path": config.MediaPath,
		}).Info("Running inside Docker, overriding paths")
	}

	if err := config.validate(); err != nil {
		return nil, utils.WrapError(err, "configuration validation failed", map[string]any{
			"data_dir": config.DataDir,
		})
	}

	logutils.Log.Debug("Configuration loaded successfully")
	return config, nil
}

func (c *Config) validate() error {
	if err := c.validateRequiredFields(); err != nil {
		return err
	}

	if err := c.validateProwlarr(); err != nil {
		return err
	}

	if err := c.validateEngine(); err != nil {
		return err
	}

	if err := c.validateDownloadSettings(); err != nil {
		return err
	}

	if err := c.validateSearchSettings(); err != nil {
		return err
	}

	return nil
}

func (c *Config) validateRequiredFields() error {
	var missingFields []string

	if c.DataDir == "" {
		missingFields = append(missingFields, "DATA_DIR")
	}
	if c.MediaPath == "" {
		missingFields = append(missingFields, "MEDIA_PATH")
	}

	if len(missingFields) > 0 {
		return utils.WrapError(utils.ErrConfigurationError, "missing required environment variables", map[string]any{
			"missing_fields": missingFields,
		})
	}

	return nil
}

func (c *Config) validateProwlarr() error {
	s := c.SearchSettings
	if (s.ProwlarrURL != "" || s.ProwlarrAPIKey != "") && (s.ProwlarrURL == "" || s.ProwlarrAPIKey == "") {
		var missingFields []string
		if s.ProwlarrURL == "" {
			missingFields = append(missingFields, "PROWLARR_URL (required if PROWLARR_API_KEY is set)")
		}
		if s.ProwlarrAPIKey == "" {
			missingFields = append(missingFields, "PROWLARR_API_KEY (required if PROWLARR_URL is set)")
		}
		return utils.WrapError(utils.ErrConfigurationError, "missing required environment variables", map[string]any{
			"missing_fields": missingFields,
		})
	}

	return nil
}

func (c *Config) validateEngine() error {
	e := c.EngineSettings
	switch e.Kind {
	case EngineAnacrolix:
	case EngineQBittorrent:
		if e.QBittorrentURL == "" {
			return utils.WrapError(utils.ErrConfigurationError, "QBITTORRENT_URL is required when ENGINE=qbittorrent", nil)
		}
	default:
		return utils.WrapError(utils.ErrConfigurationError, "unknown engine", map[string]any{
			"engine": e.Kind,
		})
	}

	if e.PollInterval <= 0 {
		return utils.WrapError(utils.ErrConfigurationError, "engine poll interval must be positive", nil)
	}
	if e.DownloadLimitBytes < 0 || e.UploadLimitBytes < 0 {
		return utils.WrapError(utils.ErrConfigurationError, "engine rate limits cannot be negative", nil)
	}

	return nil
}

func (c *Config) validateDownloadSettings() error {
	if c.DownloadSettings.MaxConcurrentDownloads < 0 {
		return utils.WrapError(utils.ErrConfigurationError, "max concurrent downloads cannot be negative", nil)
	}

	if c.DownloadSettings.PersistInterval < 0 {
		return utils.WrapError(utils.ErrConfigurationError, "persist interval cannot be negative", nil)
	}

	if c.HubSettings.SubscriberBuffer <= 0 {
		return utils.WrapError(utils.ErrConfigurationError, "hub subscriber buffer must be positive", nil)
	}

	return nil
}

func (c *Config) validateSearchSettings() error {
	s := c.SearchSettings
	if s.ProviderTimeout <= 0 || s.SearchTimeout <= 0 {
		return utils.WrapError(utils.ErrConfigurationError, "search timeouts must be positive", map[string]any{
			"provider_timeout": s.ProviderTimeout.String(),
			"search_timeout":   s.SearchTimeout.String(),
		})
	}

	if s.CacheTTL < 0 {
		return utils.WrapError(utils.ErrConfigurationError, "search cache ttl cannot be negative", nil)
	}

	return nil
}

func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, DatabaseFileName)
}

func (c *Config) LockPath() string {
	return filepath.Join(c.DataDir, LockFileName)
}

func (c *Config) GetDownloadSettings() DownloadConfig {
	return c.DownloadSettings
}
