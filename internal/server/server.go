package server

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/localrivet/gomcp/server"
	"github.com/localrivet/imagecontext/internal/errortypes"
	"github.com/localrivet/imagecontext/internal/imagestore"
	"github.com/localrivet/imagecontext/internal/indexer"
	"github.com/localrivet/imagecontext/internal/lifecycle"
	"github.com/localrivet/imagecontext/internal/telemetry"
	"github.com/localrivet/imagecontext/internal/tools"
)

// ErrServerNotInitialized is returned by Start before Initialize.
var ErrServerNotInitialized = errors.New("server not initialized")

// MCPImageToolServer implements ToolServer over an indexer and the
// lifecycle manager of its store. Tool operations run under a context that
// Stop cancels.
type MCPImageToolServer struct {
	indexer   *indexer.Indexer
	manager   *lifecycle.Manager
	metrics   *telemetry.MetricsCollector
	logger    *slog.Logger
	mcpServer server.Server

	ctx    context.Context
	cancel context.CancelFunc
}

// NewImageToolServer creates a new MCPImageToolServer instance.
func NewImageToolServer(idx *indexer.Indexer, manager *lifecycle.Manager, metrics *telemetry.MetricsCollector, logger *slog.Logger) *MCPImageToolServer {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &MCPImageToolServer{
		indexer: idx,
		manager: manager,
		metrics: metrics,
		logger:  logger.With("component", "server"),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Initialize registers the image tools.
func (s *MCPImageToolServer) Initialize() error {
	s.logger.Info("Initializing MCP image tool server")

	if s.indexer == nil || s.manager == nil {
		return errortypes.ConfigError(errors.New("missing dependencies"), "server initialization failed")
	}

	srv := server.NewServer("imagecontext")

	srv = srv.Tool(tools.ToolProcessImage, "Describe an image and store its caption and objects",
		s.handleProcessImage)
	srv = srv.Tool(tools.ToolProcessDirectory, "Describe and store every supported image in a directory",
		s.handleProcessDirectory)
	srv = srv.Tool(tools.ToolSearchImages, "Find stored images whose description matches a text query",
		s.handleSearchImages)
	srv = srv.Tool(tools.ToolGetImage, "Get a stored image description by id or path",
		s.handleGetImage)
	srv = srv.Tool(tools.ToolListImages, "List stored image descriptions",
		s.handleListImages)
	srv = srv.Tool(tools.ToolImageStats, "Report the size and state of the image store",
		s.handleImageStats)
	srv = srv.Tool(tools.ToolCheckCompatibility, "Check whether the configured embedding model can use the stored collection",
		s.handleCheckCompatibility)
	srv = srv.Tool(tools.ToolClearAndRebuild, "Delete every stored image and rebuild the collection for the configured model",
		s.handleClearAndRebuild)
	srv = srv.Tool(tools.ToolFindDuplicates, "Find near duplicate images by description",
		s.handleFindDuplicates)
	srv = srv.Tool(tools.ToolDeleteImage, "Delete a stored image description by id or path",
		s.handleDeleteImage)
	srv = srv.Tool(tools.ToolClearImages, "Delete every stored image description but keep the collection",
		s.handleClearImages)

	s.mcpServer = srv
	s.logger.Info("MCP image tool server initialized", "tool_count", 11)
	return nil
}

// Start serves tool calls over stdio until stdin is closed.
func (s *MCPImageToolServer) Start() error {
	if s.mcpServer == nil {
		return errortypes.ConfigError(ErrServerNotInitialized, "cannot start server")
	}
	s.logger.Info("Starting MCP image tool server")
	return s.mcpServer.AsStdio().Run()
}

// Stop cancels in-flight tool operations. The stdio loop itself exits when
// stdin is closed.
func (s *MCPImageToolServer) Stop() error {
	s.logger.Info("Stopping MCP image tool server")
	s.cancel()
	return nil
}

// requestContext returns the context a tool operation runs under. gomcp
// v1.2.1 builds every request context from context.Background() and its
// Context does not satisfy context.Context, so a client cannot cancel a
// call; the server context is canceled by Stop.
func (s *MCPImageToolServer) requestContext(_ *server.Context) context.Context {
	return s.ctx
}

func (s *MCPImageToolServer) handleProcessImage(ctx *server.Context, req tools.ProcessImageRequest) (tools.ProcessImageResponse, error) {
	s.logger.Info("Processing process_image request", "image_path", req.ImagePath, "force", req.Force)

	res, err := s.indexer.Process(s.requestContext(ctx), req.ImagePath, req.Force)
	if err != nil {
		return tools.ProcessImageResponse{Result: failure(s.logger, tools.ToolProcessImage, err)}, nil
	}
	return tools.ProcessImageResponse{Result: success(), ID: res.ID, Skipped: res.Skipped}, nil
}

func (s *MCPImageToolServer) handleProcessDirectory(ctx *server.Context, req tools.ProcessDirectoryRequest) (tools.ProcessDirectoryResponse, error) {
	s.logger.Info("Processing process_directory request", "directory", req.Directory, "force", req.Force)

	if strings.TrimSpace(req.Directory) == "" {
		return tools.ProcessDirectoryResponse{Result: failure(s.logger, tools.ToolProcessDirectory, invalid("directory is required"))}, nil
	}

	batch, err := s.indexer.ProcessDirectory(s.requestContext(ctx), req.Directory, req.Force)
	response := tools.ProcessDirectoryResponse{Result: success(), Batch: &batch}
	if err != nil {
		response.Result = failure(s.logger, tools.ToolProcessDirectory, err)
	}
	return response, nil
}

func (s *MCPImageToolServer) handleSearchImages(ctx *server.Context, req tools.SearchImagesRequest) (tools.SearchImagesResponse, error) {
	s.logger.Info("Processing search_images request", "query_length", len(req.Query), "limit", req.Limit)

	limit := req.Limit
	if limit <= 0 {
		limit = tools.DefaultSearchLimit
	}
	hits, err := s.indexer.Search(s.requestContext(ctx), req.Query, limit)
	if err != nil {
		return tools.SearchImagesResponse{Result: failure(s.logger, tools.ToolSearchImages, err), Results: []indexer.SearchHit{}}, nil
	}
	if hits == nil {
		hits = []indexer.SearchHit{}
	}
	return tools.SearchImagesResponse{Result: success(), Results: hits}, nil
}

func (s *MCPImageToolServer) handleGetImage(ctx *server.Context, req tools.GetImageRequest) (tools.GetImageResponse, error) {
	id := strings.TrimSpace(req.ID)
	path := strings.TrimSpace(req.ImagePath)
	if (id == "") == (path == "") {
		return tools.GetImageResponse{Result: failure(s.logger, tools.ToolGetImage, invalid("exactly one of id and image_path is required"))}, nil
	}

	c := s.requestContext(ctx)
	var (
		response tools.GetImageResponse
		err      error
	)
	if id != "" {
		response.Image, err = s.indexer.Get(c, id)
	} else {
		response.Image, err = s.indexer.GetByPath(c, path)
	}
	if err != nil {
		return tools.GetImageResponse{Result: failure(s.logger, tools.ToolGetImage, err)}, nil
	}
	response.Result = success()
	response.Found = response.Image != nil
	return response, nil
}

func (s *MCPImageToolServer) handleListImages(ctx *server.Context, req tools.ListImagesRequest) (tools.ListImagesResponse, error) {
	if req.Limit < 0 || req.Offset < 0 {
		return tools.ListImagesResponse{Result: failure(s.logger, tools.ToolListImages, invalid("limit and offset must not be negative"))}, nil
	}
	limit := req.Limit
	if limit == 0 {
		limit = tools.DefaultListLimit
	}

	records, err := s.indexer.List(s.requestContext(ctx), limit, req.Offset)
	if err != nil {
		return tools.ListImagesResponse{Result: failure(s.logger, tools.ToolListImages, err)}, nil
	}
	response := tools.ListImagesResponse{Result: success(), Images: records}
	if response.Images == nil {
		response.Images = []imagestore.Record{}
	}
	return response, nil
}

func (s *MCPImageToolServer) handleImageStats(ctx *server.Context, req tools.ImageStatsRequest) (tools.ImageStatsResponse, error) {
	stats, err := s.indexer.Stats(s.requestContext(ctx))
	if err != nil {
		return tools.ImageStatsResponse{Result: failure(s.logger, tools.ToolImageStats, err), Stats: &stats}, nil
	}

	response := tools.ImageStatsResponse{Result: success(), Stats: &stats}
	if req.IncludeMetrics && s.metrics != nil {
		response.Metrics = s.metrics.GetReport()
	}
	return response, nil
}

func (s *MCPImageToolServer) handleCheckCompatibility(ctx *server.Context, req tools.CheckCompatibilityRequest) (tools.CheckCompatibilityResponse, error) {
	verdict := s.manager.CheckCompatibility(s.requestContext(ctx))
	response := tools.CheckCompatibilityResponse{
		Result:           success(),
		Verdict:          &verdict,
		RequiresClearing: verdict.RequiresClearing(),
	}
	if verdict.Err != nil {
		response.Result = failure(s.logger, tools.ToolCheckCompatibility, verdict.Err)
	}
	return response, nil
}

func (s *MCPImageToolServer) handleClearAndRebuild(ctx *server.Context, req tools.ClearAndRebuildRequest) (tools.ClearAndRebuildResponse, error) {
	if req.Confirmation != tools.ConfirmationPhrase {
		err := invalid(`confirmation must be "confirm" to clear and rebuild the collection`)
		return tools.ClearAndRebuildResponse{Result: failure(s.logger, tools.ToolClearAndRebuild, err)}, nil
	}

	s.logger.Warn("Processing clear_and_rebuild request", "collection", s.manager.Collection())
	res, err := s.manager.ClearAndRebuild(s.requestContext(ctx))
	if err != nil {
		return tools.ClearAndRebuildResponse{Result: failure(s.logger, tools.ToolClearAndRebuild, err)}, nil
	}
	return tools.ClearAndRebuildResponse{Result: success(), Success: res.Success, NewIdentity: res.NewIdentity}, nil
}

func (s *MCPImageToolServer) handleFindDuplicates(ctx *server.Context, req tools.FindDuplicatesRequest) (tools.FindDuplicatesResponse, error) {
	c := s.requestContext(ctx)
	response := tools.FindDuplicatesResponse{Result: success(), Groups: []indexer.DuplicateGroup{}}

	if path := strings.TrimSpace(req.ImagePath); path != "" {
		group, err := s.indexer.FindDuplicates(c, path, req.Threshold)
		if err != nil {
			response.Result = failure(s.logger, tools.ToolFindDuplicates, err)
			return response, nil
		}
		response.Groups = append(response.Groups, *group)
		return response, nil
	}

	groups, err := s.indexer.ScanDuplicates(c, req.Threshold)
	if err != nil {
		response.Result = failure(s.logger, tools.ToolFindDuplicates, err)
		return response, nil
	}
	response.Groups = append(response.Groups, groups...)
	return response, nil
}

func (s *MCPImageToolServer) handleDeleteImage(ctx *server.Context, req tools.DeleteImageRequest) (tools.DeleteImageResponse, error) {
	id := strings.TrimSpace(req.ID)
	path := strings.TrimSpace(req.ImagePath)
	if (id == "") == (path == "") {
		return tools.DeleteImageResponse{Result: failure(s.logger, tools.ToolDeleteImage, invalid("exactly one of id and image_path is required"))}, nil
	}

	var (
		removed int
		err     error
	)
	if id != "" {
		removed, err = s.indexer.RemoveIDs(s.requestContext(ctx), id)
	} else {
		removed, err = s.indexer.Remove(s.requestContext(ctx), path)
	}
	if err != nil {
		return tools.DeleteImageResponse{Result: failure(s.logger, tools.ToolDeleteImage, err)}, nil
	}
	return tools.DeleteImageResponse{Result: success(), Deleted: removed > 0}, nil
}

func (s *MCPImageToolServer) handleClearImages(ctx *server.Context, req tools.ClearImagesRequest) (tools.ClearImagesResponse, error) {
	if req.Confirmation != tools.ConfirmationPhrase {
		err := invalid(`confirmation must be "confirm" to clear all images`)
		return tools.ClearImagesResponse{Result: failure(s.logger, tools.ToolClearImages, err)}, nil
	}

	removed, err := s.indexer.ClearAll(s.requestContext(ctx))
	if err != nil {
		return tools.ClearImagesResponse{Result: failure(s.logger, tools.ToolClearImages, err)}, nil
	}
	return tools.ClearImagesResponse{Result: success(), Removed: removed}, nil
}
