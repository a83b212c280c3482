// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package orchestrator provides the core chat backend service.
//
// This package contains the main Service type that coordinates all
// components: HTTP routing, chat and history storage, the document
// indexer, the tool-calling agent, and observability infrastructure.
//
// # Enterprise Integration
//
// The orchestrator supports dependency injection via extensions.ServiceOptions,
// enabling enterprise builds to provide custom implementations of:
//   - AuthProvider: Custom authentication (JWT, API keys)
//
// # Usage
//
// Open source (uses no-op defaults):
//
//	cfg := orchestrator.Config{Port: 12210}
//	svc, err := orchestrator.New(cfg, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	svc.Run()
//
// Enterprise (with custom implementations):
//
//	opts := &extensions.ServiceOptions{
//	    AuthProvider: enterpriseAuth,
//	}
//	svc, err := orchestrator.New(cfg, opts)
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianChat/pkg/extensions"
	"github.com/AleutianAI/AleutianChat/services/llm"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/agent"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/history"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/indexer"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/observability"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/routes"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/services"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/store"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/ttl"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/uploads"
	"github.com/gin-gonic/gin"
	"github.com/tmc/langchaingo/tools"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// DefaultSystemPrompt is used when no system prompt is configured.
const DefaultSystemPrompt = "You are a helpful assistant. When documents are " +
	"attached to the conversation, use the document_search tool to ground your " +
	"answers in them and cite the source names. Use the web_search tool for " +
	"questions about current events or facts outside the attached documents. " +
	"If you do not know the answer, say so."

// =============================================================================
// Interface Definition
// =============================================================================

// Service defines the contract for the orchestrator service.
//
// # Description
//
// Service abstracts the orchestrator lifecycle, enabling testing and
// alternative implementations. The interface follows the minimal surface
// area principle - only essential lifecycle methods are exposed.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use. Run() blocks and should
// only be called once per instance.
//
// # Limitations
//
//   - No graceful shutdown method yet (planned for future)
//   - Run() blocks until server error
//
// # Assumptions
//
//   - Service is fully initialized before Run() is called
//   - Run() is called at most once per Service instance
type Service interface {
	// Run starts the HTTP server and blocks until shutdown or error.
	Run() error

	// Router returns the underlying Gin engine for testing.
	//
	// # Assumptions
	//
	//   - Caller will not modify the router
	Router() *gin.Engine
}

// =============================================================================
// Configuration
// =============================================================================

// Config holds orchestrator configuration options.
//
// # Description
//
// Config centralizes all configuration for the orchestrator service.
// Values can be populated from environment variables, config files,
// or programmatically for testing.
//
// # Required Fields
//
// None - all fields have sensible defaults.
//
// # Examples
//
//	// Minimal config (uses all defaults)
//	cfg := Config{}
//
//	// Full configuration
//	cfg := Config{
//	    Port:         12210,
//	    WeaviateURL:  "http://localhost:8080",
//	    BadgerPath:   "/var/lib/aleutian/chat",
//	    UploadDir:    "/var/lib/aleutian/uploads",
//	    OTelEndpoint: "localhost:4317",
//	    APIToken:     "secret",
//	}
type Config struct {
	// Port is the HTTP server port. Default: 12210
	Port int

	// WeaviateURL is the Weaviate vector database URL.
	// Default: "http://localhost:8080"
	WeaviateURL string

	// BadgerPath is the directory for the Badger key-value store holding
	// chats, conversation history, and index manifests.
	// If empty, an in-memory store is used (data is lost on restart).
	BadgerPath string

	// UploadDir is the directory for uploaded source documents.
	// Default: "./uploads"
	UploadDir string

	// OTelEndpoint is the OpenTelemetry collector endpoint.
	// Default: "aleutian-otel-collector:4317"
	OTelEndpoint string

	// APIToken, when set, requires requests to carry this bearer token.
	// When empty, all requests are attributed to a single local user.
	APIToken string

	// SystemPrompt is the system message applied to every turn.
	// Default: DefaultSystemPrompt
	SystemPrompt string

	// HistoryTTL is how long conversation history survives after the
	// last message. Default: 7 days.
	HistoryTTL time.Duration

	// GinMode sets the Gin framework mode.
	// Valid values: "debug", "release", "test"
	// Default: uses GIN_MODE env var or "debug"
	GinMode string

	// DisableMetrics skips Prometheus metric registration. Metrics are
	// on by default; the /metrics endpoint is always mounted.
	DisableMetrics bool
}

// =============================================================================
// Implementation
// =============================================================================

// service implements Service for production use.
//
// # Description
//
// service owns the full dependency graph:
//   - HTTP routing via Gin
//   - Badger store for chats, history, and index manifests
//   - Weaviate-backed document indexer
//   - OpenAI-compatible chat model for the agent
//   - OpenTelemetry tracing and Prometheus metrics
//
// # Thread Safety
//
// Thread-safe after construction. All fields are read-only after New()
// returns.
//
// # Assumptions
//
//   - All external services (LLM, Weaviate, OTel) are reachable if configured
type service struct {
	config         Config
	opts           extensions.ServiceOptions
	router         *gin.Engine
	db             *store.DB
	chats          *store.ChatStore
	hist           *history.Store
	weaviateClient *weaviate.Client
	idx            *indexer.Indexer
	files          *uploads.Service
	cleaner        *ttl.Cleaner
	conversations  *services.ConversationService
	tracerCleanup  func(context.Context)
}

// =============================================================================
// Constructor
// =============================================================================

// New creates a new orchestrator Service with the given configuration.
//
// # Description
//
// New initializes all orchestrator components:
//  1. Applies default configuration for missing values
//  2. Initializes OpenTelemetry tracing
//  3. Initializes Prometheus metrics
//  4. Opens the Badger store and builds chat/history stores
//  5. Creates the Weaviate client and document indexer
//  6. Creates the chat model and agent tools
//  7. Sets up HTTP routes with extension options
//
// If opts is nil, DefaultOptions() is used, except that a configured
// APIToken installs bearer token authentication.
//
// # Inputs
//
//   - cfg: Service configuration. Zero values use defaults.
//   - opts: Extension options for enterprise features. May be nil.
//
// # Outputs
//
//   - Service: Ready-to-run orchestrator service
//   - error: Non-nil if initialization fails
//
// # Limitations
//
//   - Chat model creation fails if provider configuration is missing
//   - Weaviate reachability is not probed at startup; index operations
//     surface errors at turn time and the turn degrades to chat-only
//
// # Assumptions
//
//   - Environment variables are set for the LLM provider (API keys, URLs)
func New(cfg Config, opts *extensions.ServiceOptions) (Service, error) {
	s := &service{
		config: applyConfigDefaults(cfg),
	}

	// Apply extension options (use defaults if nil)
	if opts != nil {
		s.opts = *opts
		s.opts.ApplyDefaults()
	} else {
		s.opts = extensions.DefaultOptions()
		if s.config.APIToken != "" {
			s.opts.AuthProvider = &extensions.StaticTokenAuthProvider{Token: s.config.APIToken}
			slog.Info("Bearer token authentication enabled")
		}
	}

	// Initialize OpenTelemetry tracer
	cleanup, err := s.initTracer()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}
	s.tracerCleanup = cleanup

	// Initialize Prometheus metrics
	if !s.config.DisableMetrics {
		observability.InitMetrics()
		slog.Info("Initialized Prometheus metrics for streaming")
	}

	// Open storage and build stores
	if err := s.initStorage(); err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	// Initialize Weaviate client and document indexer
	if err := s.initIndexer(); err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to initialize indexer: %w", err)
	}

	// Initialize the conversation pipeline (model, tools, turn controller)
	if err := s.initConversations(); err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to initialize conversation service: %w", err)
	}

	// Setup HTTP router
	s.initRouter()

	return s, nil
}

// =============================================================================
// Service Interface Methods
// =============================================================================

// Run starts the HTTP server and blocks until shutdown or error.
//
// # Outputs
//
//   - error: Non-nil if server fails to start or encounters fatal error
//
// # Limitations
//
//   - Blocks until server stops
//   - Cleanup is automatic on return
func (s *service) Run() error {
	defer s.cleanup()

	addr := fmt.Sprintf(":%d", s.config.Port)
	slog.Info("Starting orchestrator server", "port", s.config.Port)

	return s.router.Run(addr)
}

// Router returns the underlying Gin engine for testing.
func (s *service) Router() *gin.Engine {
	return s.router
}

// =============================================================================
// Private Initialization Methods
// =============================================================================

// applyConfigDefaults fills in missing configuration values.
func applyConfigDefaults(cfg Config) Config {
	if cfg.Port == 0 {
		cfg.Port = 12210
	}
	if cfg.WeaviateURL == "" {
		cfg.WeaviateURL = "http://localhost:8080"
	}
	if cfg.UploadDir == "" {
		cfg.UploadDir = "./uploads"
	}
	if cfg.OTelEndpoint == "" {
		cfg.OTelEndpoint = "aleutian-otel-collector:4317"
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	if cfg.HistoryTTL == 0 {
		cfg.HistoryTTL = history.DefaultTTL
	}
	return cfg
}

// initTracer initializes OpenTelemetry distributed tracing.
//
// # Description
//
// Sets up OTLP trace exporter to send spans to the configured collector.
//
// # Outputs
//
//   - func(context.Context): Cleanup function to call on shutdown
//   - error: Non-nil if tracer setup fails
//
// # Limitations
//
//   - Uses insecure gRPC connection (appropriate for internal networks)
//
// # Assumptions
//
//   - OTel collector is reachable at configured endpoint
func (s *service) initTracer() (func(context.Context), error) {
	ctx := context.Background()

	conn, err := grpc.NewClient(s.config.OTelEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
	}

	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("orchestrator-service")))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))

	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	cleanup := func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, time.Second*5)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}

	return cleanup, nil
}

// initStorage opens the Badger store and builds the chat and history stores.
//
// # Description
//
// An empty BadgerPath opens an in-memory store, which is useful for tests
// and throwaway deployments but loses all data on restart.
func (s *service) initStorage() error {
	var (
		db  *store.DB
		err error
	)
	if s.config.BadgerPath == "" {
		slog.Warn("No storage path configured, using in-memory store")
		db, err = store.OpenInMemory()
	} else {
		db, err = store.Open(store.DefaultConfig(s.config.BadgerPath))
	}
	if err != nil {
		return err
	}

	s.db = db
	s.chats = store.NewChatStore(db)
	s.hist = history.NewStoreWithTTL(db, s.config.HistoryTTL)

	return nil
}

// initIndexer creates the Weaviate client, embedder, and document indexer.
//
// # Description
//
// Client construction validates the URL but does not probe the server.
// An unreachable Weaviate surfaces as index sync failures at turn time,
// which the conversation service degrades around.
func (s *service) initIndexer() error {
	weaviateURL := strings.Trim(s.config.WeaviateURL, "\"' ")

	parsedURL, err := url.Parse(weaviateURL)
	if err != nil || parsedURL.Scheme == "" || parsedURL.Host == "" {
		return fmt.Errorf("invalid Weaviate URL: %s", weaviateURL)
	}

	clientConf := weaviate.Config{
		Host:   parsedURL.Host,
		Scheme: parsedURL.Scheme,
	}

	s.weaviateClient, err = weaviate.NewClient(clientConf)
	if err != nil {
		return fmt.Errorf("failed to create Weaviate client: %w", err)
	}
	slog.Info("Weaviate client initialized", "url", weaviateURL)

	embedder, err := llm.NewOpenAIEmbedder()
	if err != nil {
		return fmt.Errorf("failed to create embedder: %w", err)
	}

	files, err := uploads.NewService(s.config.UploadDir)
	if err != nil {
		return fmt.Errorf("failed to create upload service: %w", err)
	}
	s.files = files

	s.idx = indexer.New(indexer.NewWeaviateIndex(s.weaviateClient), embedder, s.db, files.Dir())
	s.cleaner = ttl.NewCleaner(s.idx, s.hist, files)

	return nil
}

// initConversations creates the chat model, tools, and turn controller.
func (s *service) initConversations() error {
	model, err := agent.NewChatModel()
	if err != nil {
		return fmt.Errorf("failed to create chat model: %w", err)
	}

	// Keep the interface nil when the tool is absent so downstream nil
	// checks behave.
	var webSearch tools.Tool
	if ws := agent.NewWebSearchTool(); ws != nil {
		webSearch = ws
	}

	s.conversations = services.NewConversationService(
		s.hist,
		s.idx,
		model,
		webSearch,
		s.config.SystemPrompt,
		observability.DefaultMetrics,
	)

	return nil
}

// initRouter sets up the Gin HTTP router with all routes.
//
// # Assumptions
//
//   - All dependencies (stores, indexer, conversation service) are initialized
func (s *service) initRouter() {
	if s.config.GinMode != "" {
		gin.SetMode(s.config.GinMode)
	}

	s.router = gin.Default()
	s.router.Use(otelgin.Middleware("orchestrator-service"))

	routes.SetupRoutes(s.router, routes.Deps{
		Auth:    s.opts.AuthProvider,
		Chats:   s.chats,
		History: s.hist,
		Files:   s.files,
		Cleaner: s.cleaner,
		Turns:   s.conversations,
	})
}

// cleanup releases all resources held by the service.
//
// # Description
//
// Called when Run() exits or on initialization failure.
func (s *service) cleanup() {
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			slog.Warn("store close error", "error", err)
		}
	}

	if s.tracerCleanup != nil {
		s.tracerCleanup(context.Background())
	}
}

// =============================================================================
// Compile-time Interface Compliance
// =============================================================================

var _ Service = (*service)(nil)
