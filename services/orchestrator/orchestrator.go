// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package orchestrator wires the Folio chat service together.
//
// The orchestrator owns the process lifecycle: it builds every component
// from Config (tracing, metrics, session store, vector index, LLM client,
// notifier, rate limiters), registers the HTTP routes and serves them until
// Shutdown.
//
// # Usage
//
//	cfg, err := config.Load("")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	svc, err := orchestrator.New(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go svc.Run()
//	<-ctx.Done()
//	svc.Shutdown(context.Background())
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianFolio/services/llm"
	"github.com/AleutianAI/AleutianFolio/services/orchestrator/conversation"
	"github.com/AleutianAI/AleutianFolio/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianFolio/services/orchestrator/generation"
	"github.com/AleutianAI/AleutianFolio/services/orchestrator/handlers"
	"github.com/AleutianAI/AleutianFolio/services/orchestrator/inquiry"
	"github.com/AleutianAI/AleutianFolio/services/orchestrator/middleware"
	"github.com/AleutianAI/AleutianFolio/services/orchestrator/notify"
	"github.com/AleutianAI/AleutianFolio/services/orchestrator/observability"
	"github.com/AleutianAI/AleutianFolio/services/orchestrator/ratelimit"
	"github.com/AleutianAI/AleutianFolio/services/orchestrator/retrieval"
	"github.com/AleutianAI/AleutianFolio/services/orchestrator/routes"
	"github.com/AleutianAI/AleutianFolio/services/orchestrator/services"
	"github.com/AleutianAI/AleutianFolio/services/orchestrator/storage/badger"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// serviceName labels traces and the otelgin middleware.
const serviceName = "folio-orchestrator"

// =============================================================================
// Interface Definition
// =============================================================================

// Service defines the contract for the orchestrator service.
//
// # Thread Safety
//
// Run blocks and is called once. Shutdown may be called from another
// goroutine, once.
type Service interface {
	// Run starts the HTTP server and blocks until Shutdown or a listen error.
	// Returns nil after a clean Shutdown.
	Run() error

	// Router returns the configured Gin engine, for tests.
	Router() *gin.Engine

	// Shutdown stops accepting requests, waits for in-flight streams,
	// drains queued message writes, closes the store and flushes traces.
	Shutdown(ctx context.Context) error
}

// =============================================================================
// Configuration
// =============================================================================

// Config holds orchestrator configuration options.
//
// # Description
//
// Values normally come from config.Load (environment, .env, optional YAML).
// Tests build it directly; applyConfigDefaults fills zero values.
//
// # Examples
//
//	// Offline demo: mock model, in-memory sqlite, no vector index
//	cfg := Config{LLMBackend: "mock", SQLiteDSN: ":memory:"}
type Config struct {
	// Port is the HTTP server port. Default: 12210
	Port int
	// GinMode is passed to gin.SetMode when set.
	GinMode string

	// LLMBackend selects the model client: openai, ollama or mock.
	// Default: openai
	LLMBackend    string
	OpenAIAPIKey  string
	OpenAIModel   string
	OpenAIBaseURL string
	OllamaBaseURL string
	OllamaModel   string

	// EmbeddingBackend selects the query embedder: openai or service.
	// Default: openai
	EmbeddingBackend    string
	EmbeddingServiceURL string

	// WeaviateURL enables retrieval. Empty runs without a vector index and
	// every answer is generated from an empty context.
	WeaviateURL   string
	WeaviateClass string

	// SessionStoreBackend is sqlite or badger. Default: sqlite
	SessionStoreBackend string
	SQLiteDSN           string
	// BadgerPath ":memory:" keeps everything in RAM.
	BadgerPath string

	ChatRateLimit    int
	ChatRateWindow   time.Duration
	NotifyRateLimit  int
	NotifyRateWindow time.Duration

	ChatRelevanceFloor   float64
	SearchRelevanceFloor float64
	RetrievalTopK        int
	HistoryLimit         int

	// NotifierBackend is log or resend. Default: log
	NotifierBackend string
	ResendAPIKey    string
	NotifyFrom      string
	NotifyTo        string

	// TrustedProxies lists the proxy IPs or CIDRs whose X-Forwarded-For is
	// believed when keying rate limits. Empty trusts none and uses the
	// connection's address.
	TrustedProxies []string

	// OTelEndpoint is empty (tracing off), "stdout", or an OTLP gRPC host:port.
	OTelEndpoint string

	PersonaName     string
	ContactFallback string

	LogLevel  string
	LogFormat string
	LogDir    string
}

// applyConfigDefaults returns cfg with defaults applied to zero-valued fields.
func applyConfigDefaults(cfg Config) Config {
	if cfg.Port == 0 {
		cfg.Port = 12210
	}
	if cfg.LLMBackend == "" {
		cfg.LLMBackend = "openai"
	}
	if cfg.EmbeddingBackend == "" {
		cfg.EmbeddingBackend = "openai"
	}
	if cfg.WeaviateClass == "" {
		cfg.WeaviateClass = datatypes.DefaultProfileClass
	}
	if cfg.SessionStoreBackend == "" {
		cfg.SessionStoreBackend = "sqlite"
	}
	if cfg.SQLiteDSN == "" {
		cfg.SQLiteDSN = "file:folio.db"
	}
	if cfg.BadgerPath == "" {
		cfg.BadgerPath = "./data/badger"
	}
	if cfg.ChatRateLimit == 0 {
		cfg.ChatRateLimit = ratelimit.ChatConfig().Limit
	}
	if cfg.ChatRateWindow == 0 {
		cfg.ChatRateWindow = ratelimit.ChatConfig().Window
	}
	if cfg.NotifyRateLimit == 0 {
		cfg.NotifyRateLimit = ratelimit.NotifyConfig().Limit
	}
	if cfg.NotifyRateWindow == 0 {
		cfg.NotifyRateWindow = ratelimit.NotifyConfig().Window
	}
	if cfg.ChatRelevanceFloor == 0 {
		cfg.ChatRelevanceFloor = retrieval.DefaultChatFloor
	}
	if cfg.SearchRelevanceFloor == 0 {
		cfg.SearchRelevanceFloor = retrieval.DefaultSearchFloor
	}
	if cfg.RetrievalTopK == 0 {
		cfg.RetrievalTopK = retrieval.DefaultTopK
	}
	if cfg.HistoryLimit == 0 {
		cfg.HistoryLimit = generation.DefaultHistoryLimit
	}
	if cfg.NotifierBackend == "" {
		cfg.NotifierBackend = "log"
	}
	return cfg
}

// =============================================================================
// Struct Definition
// =============================================================================

// service implements Service.
type service struct {
	config Config

	router   *gin.Engine
	server   *http.Server
	registry *prometheus.Registry
	metrics  *observability.ChatMetrics

	llmClient      llm.LLMClient
	weaviateClient *weaviate.Client
	store          conversation.SessionStore
	persister      *conversation.Persister
	chatLimiter    *ratelimit.SlidingWindow
	notifier       *notify.Service
	chat           *services.ChatService

	tracerCleanup func(context.Context)
	stopJanitors  context.CancelFunc
	shutdownOnce  sync.Once
	shutdownErr   error
}

// =============================================================================
// Constructor
// =============================================================================

// New creates a new orchestrator Service.
//
// # Description
//
// Initializes, in order: tracing, metrics, session store and persister,
// LLM client, vector index (optional), notifier, rate limiters, the chat
// pipeline and the router. Any failure releases what was already built.
// A Weaviate failure is not fatal: the service runs without retrieval.
//
// # Outputs
//
//   - Service: Ready to Run.
//   - error: Non-nil if a required component failed to initialize.
func New(cfg Config) (Service, error) {
	s := &service{config: applyConfigDefaults(cfg)}

	if s.config.GinMode != "" {
		gin.SetMode(s.config.GinMode)
	}

	cleanup, err := s.initTracer()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}
	s.tracerCleanup = cleanup

	s.registry = observability.NewRegistry()
	s.metrics = observability.NewChatMetrics(s.registry)

	if err := s.initStore(); err != nil {
		s.cleanup(context.Background())
		return nil, fmt.Errorf("failed to initialize session store: %w", err)
	}

	if err := s.initLLMClient(); err != nil {
		s.cleanup(context.Background())
		return nil, fmt.Errorf("failed to initialize LLM client: %w", err)
	}

	var retriever *retrieval.Retriever
	if err := s.initWeaviate(); err != nil {
		slog.Warn("Weaviate initialization failed, running without retrieval", "error", err)
	} else if s.weaviateClient != nil {
		embedder, err := s.initEmbedder()
		if err != nil {
			s.cleanup(context.Background())
			return nil, fmt.Errorf("failed to initialize embedder: %w", err)
		}
		index := retrieval.NewWeaviateIndex(s.weaviateClient, s.config.WeaviateClass, embedder)
		retriever = retrieval.NewRetriever(index, s.config.RetrievalTopK, s.metrics)
	}

	if err := s.initNotifier(); err != nil {
		s.cleanup(context.Background())
		return nil, fmt.Errorf("failed to initialize notifier: %w", err)
	}

	s.chatLimiter, err = ratelimit.New(ratelimit.Config{
		Name:   "chat",
		Limit:  s.config.ChatRateLimit,
		Window: s.config.ChatRateWindow,
	})
	if err != nil {
		s.cleanup(context.Background())
		return nil, fmt.Errorf("invalid chat rate limit: %w", err)
	}

	extractor, err := inquiry.NewExtractor()
	if err != nil {
		s.cleanup(context.Background())
		return nil, fmt.Errorf("failed to load inquiry rules: %w", err)
	}

	s.chat, err = services.NewChatService(services.ChatServiceConfig{
		Store:     s.store,
		Persister: s.persister,
		Rewriter:  retrieval.NewRewriter(s.llmClient, retrieval.RewriterConfig{Metrics: s.metrics}),
		Retriever: retriever,
		Generator: generation.NewGenerator(s.llmClient, generation.GeneratorConfig{
			Persona:      generation.Persona{Name: s.config.PersonaName},
			HistoryLimit: s.config.HistoryLimit,
		}),
		Extractor:       extractor,
		Notifier:        s.notifier,
		ChatFloor:       s.config.ChatRelevanceFloor,
		SearchFloor:     s.config.SearchRelevanceFloor,
		TopK:            s.config.RetrievalTopK,
		HistoryLimit:    s.config.HistoryLimit,
		ContactFallback: s.config.ContactFallback,
		Metrics:         s.metrics,
	})
	if err != nil {
		s.cleanup(context.Background())
		return nil, fmt.Errorf("failed to build chat service: %w", err)
	}

	s.startJanitors()
	if err := s.initRouter(); err != nil {
		s.cleanup(context.Background())
		return nil, fmt.Errorf("failed to build router: %w", err)
	}

	slog.Info("Orchestrator initialized",
		"llm_backend", s.config.LLMBackend,
		"session_store", s.config.SessionStoreBackend,
		"retrieval", retriever != nil,
		"notifier", s.config.NotifierBackend,
	)
	return s, nil
}

// =============================================================================
// Methods
// =============================================================================

func (s *service) Run() error {
	slog.Info("Starting orchestrator server", "port", s.config.Port)

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *service) Router() *gin.Engine {
	return s.router
}

func (s *service) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		var errs []error
		if s.server != nil {
			// Shutdown waits for open SSE streams to finish.
			if err := s.server.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("http shutdown: %w", err))
			}
		}
		errs = append(errs, s.cleanup(ctx))
		s.shutdownErr = errors.Join(errs...)
		slog.Info("Orchestrator stopped", "error", s.shutdownErr)
	})
	return s.shutdownErr
}

// cleanup releases components in reverse order of construction. It is safe
// on a partially built service.
func (s *service) cleanup(ctx context.Context) error {
	var errs []error
	if s.stopJanitors != nil {
		s.stopJanitors()
	}
	if s.persister != nil {
		if err := s.persister.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("drain persister: %w", err))
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}
	if s.tracerCleanup != nil {
		s.tracerCleanup(ctx)
	}
	return errors.Join(errs...)
}

// =============================================================================
// Initialization Helpers
// =============================================================================

// initTracer installs the global tracer provider.
//
// # Description
//
// An empty endpoint leaves the no-op provider in place. "stdout" prints
// spans, for local debugging. Anything else is an OTLP gRPC collector
// address.
func (s *service) initTracer() (func(context.Context), error) {
	ctx := context.Background()
	endpoint := strings.TrimSpace(s.config.OTelEndpoint)
	if endpoint == "" {
		return nil, nil
	}

	var exporter sdktrace.SpanExporter
	if endpoint == "stdout" {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
		}
		exporter = exp
	} else {
		conn, err := grpc.NewClient(endpoint,
			grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
		}
		exp, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
		if err != nil {
			return nil, fmt.Errorf("failed to create trace exporter: %w", err)
		}
		exporter = exp
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String(serviceName)))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter))

	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	cleanup := func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, time.Second*5)
		defer cancel()
		if err := traceProvider.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown tracer provider", "error", err)
		}
	}
	slog.Info("Tracing enabled", "endpoint", endpoint)
	return cleanup, nil
}

// initStore opens the session store and starts the persister.
func (s *service) initStore() error {
	switch s.config.SessionStoreBackend {
	case "sqlite":
		store, err := conversation.NewSQLiteStore(context.Background(), s.config.SQLiteDSN)
		if err != nil {
			return err
		}
		s.store = store
	case "badger":
		bcfg := badger.DefaultConfig(s.config.BadgerPath)
		if s.config.BadgerPath == ":memory:" {
			bcfg = badger.InMemoryConfig()
		}
		db, err := badger.Open(bcfg)
		if err != nil {
			return err
		}
		s.store = conversation.NewBadgerStore(db)
		slog.Info("Badger session store ready", "path", s.config.BadgerPath)
	default:
		return fmt.Errorf("unknown session store backend %q", s.config.SessionStoreBackend)
	}

	pcfg := conversation.DefaultPersisterConfig()
	pcfg.OnFailure = func(role datatypes.Role, err error) {
		s.metrics.RecordPersistFailure(string(role))
	}
	s.persister = conversation.NewPersister(s.store, pcfg)
	return nil
}

func (s *service) initLLMClient() error {
	var err error

	switch s.config.LLMBackend {
	case "openai":
		s.llmClient, err = llm.NewOpenAIClient(llm.OpenAIConfig{
			APIKey:  s.config.OpenAIAPIKey,
			Model:   s.config.OpenAIModel,
			BaseURL: s.config.OpenAIBaseURL,
		})
		slog.Info("Using OpenAI LLM backend")
	case "ollama":
		s.llmClient, err = llm.NewOllamaClient(llm.OllamaConfig{
			BaseURL: s.config.OllamaBaseURL,
			Model:   s.config.OllamaModel,
		})
		slog.Info("Using Ollama LLM backend")
	case "mock":
		s.llmClient = llm.NewMockClient()
		slog.Info("Using mock LLM backend")
	default:
		return fmt.Errorf("unknown LLM backend %q", s.config.LLMBackend)
	}

	return err
}

// initWeaviate connects to Weaviate and makes sure the profile class exists.
// An empty URL is not an error: the service runs without retrieval.
func (s *service) initWeaviate() error {
	weaviateURL := strings.Trim(s.config.WeaviateURL, "\"' ")
	if weaviateURL == "" {
		slog.Info("Weaviate URL not configured, running without retrieval")
		return nil
	}

	parsedURL, err := url.Parse(weaviateURL)
	if err != nil || parsedURL.Scheme == "" || parsedURL.Host == "" {
		return fmt.Errorf("invalid Weaviate URL: %s", weaviateURL)
	}

	client, err := weaviate.NewClient(weaviate.Config{
		Host:   parsedURL.Host,
		Scheme: parsedURL.Scheme,
	})
	if err != nil {
		return fmt.Errorf("failed to create Weaviate client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := datatypes.EnsureProfileSchema(ctx, client, s.config.WeaviateClass); err != nil {
		// The index may come up later; queries will degrade until it does.
		slog.Warn("Could not verify Weaviate schema", "class", s.config.WeaviateClass, "error", err)
	}

	s.weaviateClient = client
	slog.Info("Weaviate client initialized", "url", weaviateURL, "class", s.config.WeaviateClass)
	return nil
}

func (s *service) initEmbedder() (retrieval.Embedder, error) {
	switch s.config.EmbeddingBackend {
	case "openai":
		return retrieval.NewOpenAIEmbedder(retrieval.OpenAIEmbedderConfig{
			APIKey:  s.config.OpenAIAPIKey,
			BaseURL: s.config.OpenAIBaseURL,
		})
	case "service":
		return retrieval.NewServiceEmbedder(s.config.EmbeddingServiceURL, 0)
	default:
		return nil, fmt.Errorf("unknown embedding backend %q", s.config.EmbeddingBackend)
	}
}

func (s *service) initNotifier() error {
	var sender notify.Sender
	switch s.config.NotifierBackend {
	case "log":
		sender = notify.LogSender{}
	case "resend":
		rs, err := notify.NewResendSender(notify.ResendConfig{APIKey: s.config.ResendAPIKey})
		if err != nil {
			return err
		}
		sender = rs
	default:
		return fmt.Errorf("unknown notifier backend %q", s.config.NotifierBackend)
	}

	limiter, err := ratelimit.New(ratelimit.Config{
		Name:   "notify",
		Limit:  s.config.NotifyRateLimit,
		Window: s.config.NotifyRateWindow,
	})
	if err != nil {
		return fmt.Errorf("invalid notify rate limit: %w", err)
	}

	records, _ := s.store.(notify.RecordStore)
	s.notifier, err = notify.NewService(notify.ServiceConfig{
		Sender:  sender,
		Store:   records,
		Limiter: limiter,
		From:    s.config.NotifyFrom,
		To:      s.config.NotifyTo,
		Metrics: s.metrics,
	})
	return err
}

// startJanitors sweeps idle limiter keys so memory tracks active visitors.
func (s *service) startJanitors() {
	ctx, cancel := context.WithCancel(context.Background())
	s.stopJanitors = cancel
	go s.chatLimiter.RunJanitor(ctx, 0)
	go s.notifier.Limiter().RunJanitor(ctx, 10*time.Minute)
}

func (s *service) initRouter() error {
	s.router = gin.New()
	var proxies []string
	if len(s.config.TrustedProxies) > 0 {
		proxies = s.config.TrustedProxies
	}
	if err := s.router.SetTrustedProxies(proxies); err != nil {
		return fmt.Errorf("invalid trusted proxies: %w", err)
	}
	s.router.Use(gin.Recovery())
	s.router.Use(middleware.RequestID())
	s.router.Use(middleware.RequestLogger())
	s.router.Use(otelgin.Middleware(serviceName))

	probes := map[string]handlers.HealthProbe{}
	if s.weaviateClient != nil {
		client := s.weaviateClient
		probes["weaviate"] = func(ctx context.Context) error {
			live, err := client.Misc().LiveChecker().Do(ctx)
			if err != nil {
				return err
			}
			if !live {
				return errors.New("weaviate not live")
			}
			return nil
		}
	}

	routes.SetupRoutes(s.router, routes.Dependencies{
		Chat:         s.chat,
		Notifier:     s.notifier,
		ChatLimiter:  s.chatLimiter,
		Metrics:      s.metrics,
		Gatherer:     s.registry,
		HealthProbes: probes,
	})

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return nil
}

// =============================================================================
// Compile-time Interface Check
// =============================================================================

var _ Service = (*service)(nil)
