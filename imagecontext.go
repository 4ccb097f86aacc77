// Package imagecontext stores caption and object embeddings of images in a
// persistent vector collection and serves them to MCP clients. The
// collection remembers which embedding model wrote it and refuses writes
// from any other model until it is explicitly rebuilt.
package imagecontext

import (
	"context"
	"errors"
	"log/slog"

	"github.com/localrivet/imagecontext/internal/compat"
	"github.com/localrivet/imagecontext/internal/config"
	"github.com/localrivet/imagecontext/internal/embedding"
	"github.com/localrivet/imagecontext/internal/errortypes"
	"github.com/localrivet/imagecontext/internal/extract"
	"github.com/localrivet/imagecontext/internal/imagestore"
	"github.com/localrivet/imagecontext/internal/indexer"
	"github.com/localrivet/imagecontext/internal/lifecycle"
	"github.com/localrivet/imagecontext/internal/logger"
	"github.com/localrivet/imagecontext/internal/server"
	"github.com/localrivet/imagecontext/internal/telemetry"
	"github.com/localrivet/imagecontext/internal/vectordb"
)

// Config represents the configuration for the image context service.
type Config = config.Config

// Re-exported result types.
type (
	State          = lifecycle.State
	Verdict        = compat.Verdict
	Identity       = compat.CollectionIdentity
	Record         = imagestore.Record
	SearchHit      = indexer.SearchHit
	Stats          = indexer.Stats
	BatchResult    = indexer.BatchResult
	ProcessResult  = indexer.ProcessResult
	DuplicateGroup = indexer.DuplicateGroup
	RebuildResult  = lifecycle.RebuildResult
	OpenResult     = lifecycle.OpenResult
)

// ServerOptions defines the options for creating a new Server.
type ServerOptions struct {
	Config     *Config      // Pre-filled config. If nil, ConfigPath is used.
	ConfigPath string       // Path to config file. Used if Config is nil. If both are empty, the default lookup applies.
	Logger     *slog.Logger // External logger. If nil, one is built from the logging config.

	// SkipCompatibilityCheck opens the store in degraded mode without
	// loading the embedding model or verifying the collection identity.
	SkipCompatibilityCheck bool
}

// Components are the wired service parts below the tool server.
type Components struct {
	Config   *Config
	Logger   *slog.Logger
	Metrics  *telemetry.MetricsCollector
	Client   *vectordb.Client
	Provider *embedding.Provider
	Store    *imagestore.Store
	Manager  *lifecycle.Manager
	Indexer  *indexer.Indexer
}

// Close releases the model and the store connections.
func (c *Components) Close() error {
	c.Manager.Close()
	return errors.Join(c.Provider.Close(), c.Client.Close())
}

// Server represents the image context service.
type Server struct {
	*Components
	toolServer server.ToolServer
	opened     OpenResult
}

// NewServer creates a Server with the given options and opens its store.
// An incompatible collection does not fail construction: the server comes
// up blocked, so clients can inspect the verdict and rebuild. Model load
// and store failures are returned.
func NewServer(opts ServerOptions) (*Server, error) {
	cfg, err := resolveConfig(opts)
	if err != nil {
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		log = logger.FromSettings(cfg.Logging.Level, cfg.Logging.Format, nil)
	}

	c, err := CreateComponents(cfg, log)
	if err != nil {
		log.Error("Failed to create components during server initialization", "error", err)
		return nil, err
	}

	opened, err := c.Manager.Open(context.Background(), opts.SkipCompatibilityCheck)
	if err != nil {
		errortypes.LogError(log, err)
		_ = c.Close()
		return nil, err
	}
	if opened.State == lifecycle.StateBlocked {
		log.Warn("Image store is blocked until it is cleared and rebuilt",
			"collection", c.Manager.Collection(), "message", opened.Verdict.Message)
	}

	log.Info("Initializing image tool server component")
	toolServer := server.NewImageToolServer(c.Indexer, c.Manager, c.Metrics, log)
	if err := toolServer.Initialize(); err != nil {
		_ = c.Close()
		return nil, errortypes.ConfigError(err, "Failed to initialize MCP image tool server component")
	}

	log.Info("Image context server successfully initialized", "state", opened.State)
	return &Server{Components: c, toolServer: toolServer, opened: opened}, nil
}

func resolveConfig(opts ServerOptions) (*Config, error) {
	if opts.Config != nil {
		return opts.Config, nil
	}
	cfg, err := config.LoadConfigWithPath(opts.ConfigPath)
	if err != nil {
		return nil, errortypes.ConfigError(err, "Failed to load configuration from path: "+opts.ConfigPath)
	}
	return cfg, nil
}

// DefaultConfig returns the default configuration for the image context service.
func DefaultConfig() *Config {
	return config.NewConfig()
}

// LoadConfig loads configuration from path, or from the default location
// when path is empty.
func LoadConfig(path string) (*Config, error) {
	return config.LoadConfigWithPath(path)
}

// SaveConfig writes the configuration to path as JSON.
func SaveConfig(cfg *Config, path string) error {
	if err := cfg.SaveToFile(path); err != nil {
		return errortypes.ConfigError(err, "failed to save configuration")
	}
	return nil
}

// CreateComponents wires the store, model, lifecycle manager and indexer
// without opening the store or creating a tool server.
func CreateComponents(cfg *Config, log *slog.Logger) (*Components, error) {
	if log == nil {
		log = slog.Default()
	}
	metrics := telemetry.NewMetricsCollector()

	log.Info("Opening vector store", "path", cfg.Store.Path, "pool_size", cfg.Store.PoolSize)
	client, err := vectordb.Open(cfg.Store.Path, cfg.Store.PoolSize, logger.Component(log, "vectordb"))
	if err != nil {
		return nil, errortypes.StoreUnavailableError(err, "Failed to open vector store").
			WithField("path", cfg.Store.Path)
	}

	model := cfg.ResolveModel()
	backend, err := embedding.NewBackendFor(model, cfg.Embedder.CacheDir, cfg.Embedder.OllamaHost,
		cfg.Timeout(), cfg.Embedder.RequestsPerSecond, log)
	if err != nil {
		client.Close()
		return nil, errortypes.ConfigError(err, "Failed to create embedding backend")
	}
	log.Info("Embedding model configured", "model", model, "backend", backend.Name(), "device", cfg.Embedder.Device)
	provider := embedding.NewProvider(model, backend, embedding.Options{
		Device:         cfg.Embedder.Device,
		CacheDir:       cfg.Embedder.CacheDir,
		LocalFilesOnly: cfg.Embedder.LocalFilesOnly,
		Logger:         log,
		Metrics:        metrics,
	})

	ollama, ok := backend.(*embedding.OllamaBackend)
	if !ok {
		ollama, err = embedding.NewOllamaBackend(cfg.Embedder.OllamaHost, cfg.Timeout(), cfg.Embedder.RequestsPerSecond, log)
		if err != nil {
			client.Close()
			return nil, errortypes.ConfigError(err, "Failed to create vision client")
		}
	}
	vision := extract.NewOllamaVision(ollama.Client(), ollama.Limiter(), cfg.Processing.VisionModel, log)

	store := imagestore.New(client, provider, cfg.Store.CollectionName, log, metrics)
	manager := lifecycle.NewManager(store, log, metrics)

	extractor := extract.NewExtractor(vision, vision, extract.Options{
		MaxCaptionLength: cfg.Processing.MaxCaptionLength,
		ObjectCategories: cfg.Processing.ObjectCategories,
		SupportedFormats: cfg.Processing.SupportedFormats,
		Logger:           log,
	})
	scanner := extract.NewScanner(extract.ScanOptions{
		Recursive:      cfg.Processing.Recursive,
		MaxDepth:       cfg.Processing.MaxDepth,
		FollowSymlinks: cfg.Processing.FollowSymlinks,
		Formats:        cfg.Processing.SupportedFormats,
	})
	idx := indexer.New(manager, extractor, scanner, indexer.Options{
		Workers:            cfg.Processing.Workers,
		DuplicateThreshold: cfg.Processing.DuplicateThreshold,
		Logger:             log,
		Metrics:            metrics,
	})

	log.Info("Components successfully initialized via CreateComponents")
	return &Components{
		Config:   cfg,
		Logger:   log,
		Metrics:  metrics,
		Client:   client,
		Provider: provider,
		Store:    store,
		Manager:  manager,
		Indexer:  idx,
	}, nil
}

// Opened returns the result of the open performed by NewServer.
func (s *Server) Opened() OpenResult {
	return s.opened
}

// State returns the current lifecycle state of the store.
func (s *Server) State() State {
	return s.Manager.State()
}

// Start serves MCP tool calls over stdio. It blocks until stdin closes.
func (s *Server) Start() error {
	s.Logger.Info("Starting image context service")
	return s.toolServer.Start()
}

// Stop stops the tool server and releases the store.
func (s *Server) Stop() error {
	s.Logger.Info("Stopping image context service")
	if err := s.toolServer.Stop(); err != nil {
		s.Logger.Error("Error stopping tool server", "error", err)
		return err
	}
	if err := s.Components.Close(); err != nil {
		s.Logger.Error("Failed to close store", "error", err)
		return err
	}
	s.Logger.Info("Image context service stopped")
	return nil
}

// Process describes and stores one image.
func (s *Server) Process(ctx context.Context, path string, force bool) (ProcessResult, error) {
	return s.Indexer.Process(ctx, path, force)
}

// ProcessDirectory describes and stores every supported image under dir.
func (s *Server) ProcessDirectory(ctx context.Context, dir string, force bool) (BatchResult, error) {
	return s.Indexer.ProcessDirectory(ctx, dir, force)
}

// Search returns the k stored images closest to text.
func (s *Server) Search(ctx context.Context, text string, k int) ([]SearchHit, error) {
	return s.Indexer.Search(ctx, text, k)
}

// Stats reports the size and state of the store.
func (s *Server) Stats(ctx context.Context) (Stats, error) {
	return s.Indexer.Stats(ctx)
}

// CheckCompatibility verifies the configured model against the collection
// without changing anything.
func (s *Server) CheckCompatibility(ctx context.Context) Verdict {
	return s.Manager.CheckCompatibility(ctx)
}

// ClearAndRebuild deletes every stored image and recreates the collection
// for the configured model.
func (s *Server) ClearAndRebuild(ctx context.Context) (RebuildResult, error) {
	return s.Manager.ClearAndRebuild(ctx)
}

// FindDuplicates returns the stored near duplicates of the image at path.
func (s *Server) FindDuplicates(ctx context.Context, path string, threshold float64) (*DuplicateGroup, error) {
	return s.Indexer.FindDuplicates(ctx, path, threshold)
}

// ScanDuplicates groups every stored image with its near duplicates.
func (s *Server) ScanDuplicates(ctx context.Context, threshold float64) ([]DuplicateGroup, error) {
	return s.Indexer.ScanDuplicates(ctx, threshold)
}

// ProcessedPaths returns the path of every stored image.
func (s *Server) ProcessedPaths(ctx context.Context) ([]string, error) {
	return s.Indexer.ProcessedPaths(ctx)
}

// Remove deletes the stored records of paths.
func (s *Server) Remove(ctx context.Context, paths ...string) (int, error) {
	return s.Indexer.Remove(ctx, paths...)
}

// ClearAll deletes every stored image but keeps the collection identity.
func (s *Server) ClearAll(ctx context.Context) (int, error) {
	return s.Indexer.ClearAll(ctx)
}
