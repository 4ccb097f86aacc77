package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/localrivet/configurator"
)

// Global configuration instance
var (
	// Global is the global configuration instance
	Global *Config
	// initOnce ensures initialization happens only once
	initOnce sync.Once
)

// InitGlobal initializes the global configuration
func InitGlobal(configPath string) (*Config, error) {
	var err error
	initOnce.Do(func() {
		Global, err = LoadConfigWithPath(configPath)
	})
	return Global, err
}

// Config represents the image context service configuration
type Config struct {
	// Store contains persistent vector store configuration.
	Store struct {
		// Path is the persistent store directory.
		Path string `json:"path" env:"DB_PATH" validate:"required"`

		// CollectionName is the name of the image collection inside the store.
		CollectionName string `json:"collection_name" env:"COLLECTION_NAME" validate:"required"`

		// PoolSize is the number of pooled SQLite connections.
		PoolSize int `json:"pool_size" env:"POOL_SIZE" validate:"min:1"`
	} `json:"store"`

	// Embedder contains text embedding model configuration.
	Embedder struct {
		// Model is the remote model identifier.
		Model string `json:"model" env:"EMBEDDING_MODEL" validate:"required"`

		// LocalPath overrides Model when it points at an existing model directory.
		LocalPath string `json:"local_path" env:"LOCAL_EMBEDDING_PATH"`

		// Device is the preferred device ("cpu", "cuda", "cuda:1", ...).
		Device string `json:"device" env:"DEVICE"`

		// CacheDir is searched for <CacheDir>/<Model> model directories.
		CacheDir string `json:"cache_dir" env:"CACHE_DIR"`

		// LocalFilesOnly forbids pulling models that are not already present.
		LocalFilesOnly bool `json:"local_files_only" env:"USE_LOCAL_FILES_ONLY"`

		// OllamaHost is the base URL of the Ollama server for remote models.
		OllamaHost string `json:"ollama_host" env:"OLLAMA_HOST"`

		// RequestsPerSecond limits remote embedding calls; 0 disables the limit.
		RequestsPerSecond float64 `json:"requests_per_second" env:"EMBEDDER_RPS"`

		// TimeoutSeconds is the HTTP timeout for remote model calls.
		TimeoutSeconds int `json:"timeout_seconds" env:"EMBEDDER_TIMEOUT" validate:"min:1"`
	} `json:"embedder"`

	// Processing contains image processing configuration.
	Processing struct {
		MaxCaptionLength   int      `json:"max_caption_length" env:"MAX_CAPTION_LENGTH" validate:"min:1"`
		ObjectCategories   []string `json:"object_categories"`
		SupportedFormats   []string `json:"supported_formats"`
		VisionModel        string   `json:"vision_model" env:"VISION_MODEL"`
		Workers            int      `json:"workers" env:"WORKERS" validate:"min:1"`
		DuplicateThreshold float64  `json:"duplicate_threshold" env:"DUPLICATE_THRESHOLD"`
		Recursive          bool     `json:"recursive" env:"RECURSIVE"`
		MaxDepth           int      `json:"max_depth" env:"MAX_DEPTH"`
		FollowSymlinks     bool     `json:"follow_symlinks" env:"FOLLOW_SYMLINKS"`
	} `json:"processing"`

	// Logging contains logging-related configuration.
	Logging struct {
		// Level is the minimum log level to display ("debug", "info", "warn", "error").
		Level string `json:"level" env:"LOG_LEVEL" validate:"required"`

		// Format is the log format to use ("text", "json").
		Format string `json:"format" env:"LOG_FORMAT"`
	} `json:"logging"`

	// Internal state (not saved to config file)
	configPath     string       `json:"-"`
	mutex          sync.RWMutex `json:"-"`
	lastModifiedAt time.Time    `json:"-"`
}

// Default configuration values
const (
	DefaultConfigFilename     = ".imagecontextconfig"
	DefaultEnvPrefix          = "IMAGECONTEXT"
	DefaultStorePath          = "./image_vector_db"
	DefaultCollectionName     = "image_contexts"
	DefaultPoolSize           = 4
	DefaultEmbeddingModel     = "all-minilm"
	DefaultDevice             = "cpu"
	DefaultOllamaHost         = "http://localhost:11434"
	DefaultTimeoutSeconds     = 60
	DefaultMaxCaptionLength   = 100
	DefaultVisionModel        = "llava"
	DefaultWorkers            = 4
	DefaultDuplicateThreshold = 0.95
	DefaultMaxDepth           = 3
	DefaultLogLevel           = "info"
	DefaultLogFormat          = "text"
)

// DefaultObjectCategories are the tags the object detector may report.
var DefaultObjectCategories = []string{
	"person", "car", "dog", "cat", "tree", "building", "sky", "water",
	"food", "animal", "vehicle", "furniture", "electronics", "clothing",
}

// DefaultSupportedFormats are the image file extensions picked up by scans.
var DefaultSupportedFormats = []string{".png", ".jpg", ".jpeg", ".bmp", ".gif", ".webp"}

// NewConfig creates a new Config instance with default values
func NewConfig() *Config {
	config := &Config{}
	config.Store.Path = DefaultStorePath
	config.Store.CollectionName = DefaultCollectionName
	config.Store.PoolSize = DefaultPoolSize
	config.Embedder.Model = DefaultEmbeddingModel
	config.Embedder.Device = DefaultDevice
	config.Embedder.OllamaHost = DefaultOllamaHost
	config.Embedder.TimeoutSeconds = DefaultTimeoutSeconds
	config.Processing.MaxCaptionLength = DefaultMaxCaptionLength
	config.Processing.ObjectCategories = append([]string(nil), DefaultObjectCategories...)
	config.Processing.SupportedFormats = append([]string(nil), DefaultSupportedFormats...)
	config.Processing.VisionModel = DefaultVisionModel
	config.Processing.Workers = DefaultWorkers
	config.Processing.DuplicateThreshold = DefaultDuplicateThreshold
	config.Processing.Recursive = true
	config.Processing.MaxDepth = DefaultMaxDepth
	config.Logging.Level = DefaultLogLevel
	config.Logging.Format = DefaultLogFormat
	return config
}

// LoadConfig loads the configuration from the default path
func LoadConfig() (*Config, error) {
	return LoadConfigWithPath(DefaultConfigFilename)
}

// LoadConfigWithPath loads the configuration from a specific path.
// Environment variables prefixed with IMAGECONTEXT_ are applied whether or
// not the file exists.
func LoadConfigWithPath(configPath string) (*Config, error) {
	stdLogger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg := NewConfig()

	if configPath == "" {
		configPath = DefaultConfigFilename
	}

	// Try to find config file if path is default
	if configPath == DefaultConfigFilename {
		foundPath, err := configurator.FindConfigFile(configPath)
		if err == nil {
			configPath = foundPath
			stdLogger.Debug("Found config file at " + foundPath)
		}
	}

	loader := configurator.New(stdLogger).
		WithProvider(configurator.NewDefaultProvider())

	if _, err := os.Stat(configPath); err == nil {
		stdLogger.Info("Loading configuration", "path", configPath)
		loader = loader.WithProvider(configurator.NewFileProvider(configPath))
	} else {
		stdLogger.Info("Config file not found, using defaults and environment", "path", configPath)
	}

	loader = loader.
		WithProvider(configurator.NewEnvProvider(DefaultEnvPrefix)).
		WithValidator(configurator.NewDefaultValidator())

	if err := loader.Load(context.Background(), cfg); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	cfg.applyFallbacks()
	cfg.configPath = configPath
	cfg.lastModifiedAt = time.Now()

	return cfg, nil
}

// applyFallbacks restores defaults for list settings a file may have emptied.
func (c *Config) applyFallbacks() {
	if len(c.Processing.ObjectCategories) == 0 {
		c.Processing.ObjectCategories = append([]string(nil), DefaultObjectCategories...)
	}
	if len(c.Processing.SupportedFormats) == 0 {
		c.Processing.SupportedFormats = append([]string(nil), DefaultSupportedFormats...)
	}
	if c.Embedder.Device == "" {
		c.Embedder.Device = DefaultDevice
	}
}

// SaveToFile saves the configuration to the specified file
func (c *Config) SaveToFile(path string) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	if err := configurator.SaveToFile(c, path, configurator.FormatJSON); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	c.configPath = path
	c.lastModifiedAt = time.Now()

	return nil
}

// Save saves the configuration to the last used file path
func (c *Config) Save() error {
	if c.configPath == "" {
		c.configPath = DefaultConfigFilename
	}
	return c.SaveToFile(c.configPath)
}

// GetConfigPath returns the path of the currently loaded configuration file
func (c *Config) GetConfigPath() string {
	return c.configPath
}

// ResolveModel returns the embedding model identifier actually in effect:
// an existing LocalPath, then an existing <CacheDir>/<Model> directory,
// then the remote Model name.
func (c *Config) ResolveModel() string {
	if c.Embedder.LocalPath != "" && isDir(c.Embedder.LocalPath) {
		return c.Embedder.LocalPath
	}
	if c.Embedder.CacheDir != "" && c.Embedder.Model != "" {
		cached := filepath.Join(c.Embedder.CacheDir, c.Embedder.Model)
		if isDir(cached) {
			return cached
		}
	}
	return c.Embedder.Model
}

// Timeout returns the remote call timeout as a duration.
func (c *Config) Timeout() time.Duration {
	if c.Embedder.TimeoutSeconds <= 0 {
		return DefaultTimeoutSeconds * time.Second
	}
	return time.Duration(c.Embedder.TimeoutSeconds) * time.Second
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
