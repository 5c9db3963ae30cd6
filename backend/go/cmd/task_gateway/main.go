package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mcp_gateway/backend/go/internal/config"
	"mcp_gateway/backend/go/internal/database/kafka"
	"mcp_gateway/backend/go/internal/database/redis"
	"mcp_gateway/backend/go/internal/discovery/etcd"
	"mcp_gateway/backend/go/internal/task_gateway/api"
	"mcp_gateway/backend/go/internal/task_gateway/fallback"
	"mcp_gateway/backend/go/internal/task_gateway/orchestrator"
	"mcp_gateway/backend/go/internal/task_gateway/progress"
	"mcp_gateway/backend/go/internal/task_gateway/store"
	httpserver "mcp_gateway/backend/go/pkg/http"
	"mcp_gateway/backend/go/pkg/logger"
	"mcp_gateway/backend/go/pkg/mcp_host"
	"mcp_gateway/backend/go/pkg/ratelimiter"
	"mcp_gateway/backend/go/pkg/tracing"

	"github.com/mark3labs/mcp-go/server"
	"go.opentelemetry.io/otel"
)

// STDIO transport (default)
//go run main.go -config=config.yaml
//
// SSE transport on port 8090
//go run main.go -transport=sse -port=8090
//
// StreamableHTTP transport on port 9000
//go run main.go -transport=httpstream -port=9000

const (
	serviceName     = "task_gateway"
	historyCapacity = 1024
	historyTTL      = time.Hour
	memoryCapacity  = 4096
	defaultTaskTTL  = 24 * time.Hour
	registrationTTL = 10 // seconds
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to the YAML configuration file")
	transport := flag.String("transport", "", "Transport method: stdio, sse, or httpstream (overrides config)")
	port := flag.String("port", "", "Port for HTTP-based transports (overrides config)")
	flag.Parse()

	// 1. 加载配置
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	if *transport != "" {
		cfg.Gateway.Transport = *transport
	}
	if *port != "" {
		cfg.Gateway.Port = *port
	}

	// 2. 初始化 Logger 与 Tracing
	logger.Init(logger.ParseLevel(cfg.Logger.Level))
	appLogger := logger.New(serviceName, "")
	appLogger.Info("Logger initialized for Task Gateway")

	shutdownTracing, err := tracing.Init(cfg.Tracing, cfg.App.Name, cfg.App.Version)
	if err != nil {
		appLogger.Fatal(fmt.Sprintf("Failed to initialize tracing: %v", err))
	}
	defer shutdown(appLogger, "tracer provider", shutdownTracing)
	appLogger.Info("Tracing exporter: " + cfg.Tracing.Exporter)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. 初始化进度事件 sinks
	history, err := progress.NewHistory(historyCapacity, historyTTL)
	if err != nil {
		appLogger.Fatal(fmt.Sprintf("Failed to create progress history: %v", err))
	}
	emitter := progress.NewEmitter(appLogger.WithField("component", "progress"), progress.MCPNotifier{}, history)
	if cfg.Databases.Kafka.Enabled {
		if err := kafka.EnsureTopic(&cfg.Databases.Kafka); err != nil {
			appLogger.Warn(fmt.Sprintf("Failed to ensure kafka topic, publishing anyway: %v", err))
		}
		publisher := kafka.NewProgressPublisher(&cfg.Databases.Kafka)
		defer func() {
			if err := publisher.Close(); err != nil {
				appLogger.Error(fmt.Sprintf("Failed to close progress publisher cleanly: %v", err))
			}
		}()
		emitter.AddSink(publisher)
		appLogger.Info("Kafka progress publisher initialized")
	}

	// 4. 初始化任务记录存储
	tasks, rdb, err := newTaskStore(ctx, cfg, appLogger)
	if err != nil {
		appLogger.Fatal(fmt.Sprintf("Failed to create task store: %v", err))
	}
	if rdb != nil {
		defer rdb.Close()
	}

	// 5. 初始化 etcd 服务发现客户端
	var sd *etcd.ServiceDiscovery
	if len(cfg.Databases.Etcd.Endpoints) > 0 {
		sd, err = etcd.NewServiceDiscovery(cfg.Databases.Etcd)
		if err != nil {
			appLogger.Fatal(fmt.Sprintf("Failed to create service discovery client: %v", err))
		}
		defer sd.Close()
	}

	// 6. 初始化上游委托客户端
	var delegator orchestrator.Delegator
	d := cfg.Gateway.Delegation
	if d.Enabled {
		options := []mcp_host.Option{
			mcp_host.WithLogger(appLogger.WithField("component", "delegation")),
			mcp_host.WithArgumentMapper(api.UpstreamArguments),
		}
		if sd != nil {
			options = append(options, mcp_host.WithResolver(sd))
		}
		if cfg.Middleware.CircuitBreaker.Enabled {
			breaker, err := httpserver.NewCircuitBreaker(cfg.Middleware.CircuitBreaker)
			if err != nil {
				appLogger.Fatal(err.Error())
			}
			options = append(options, mcp_host.WithBreaker(breaker))
		}
		client := mcp_host.NewDelegationClient(mcp_host.ConnectOptions{
			ServerName:       d.Upstream.ServerName,
			TransportType:    d.Upstream.TransportType,
			Command:          d.Upstream.Command,
			Args:             d.Upstream.Args,
			URL:              d.Upstream.URL,
			Env:              d.Upstream.Env,
			DiscoveryService: d.Upstream.DiscoveryService,
		}, options...)
		defer client.Close()
		delegator = client
		appLogger.Info("Delegation client initialized for upstream " + d.Upstream.ServerName)
	}

	// 7. 初始化本地执行器
	local := fallback.NewExecutor(fallback.Policy(cfg.Gateway.Fallback.Policy), appLogger.WithField("component", "fallback"))
	local.Register(api.TodoWriteToolName, fallback.TodoWriteHandler(fallback.NewTodoStore()))

	// 8. 初始化 Orchestrator
	var limiter ratelimiter.RateLimiter = ratelimiter.Unlimited{}
	if rl := cfg.Middleware.RateLimiter; rl.Enabled {
		limiter = ratelimiter.NewTokenBucket(rl.Rate, rl.Burst)
	}
	orch, err := orchestrator.New(orchestrator.Options{
		DelegationTimeout: d.DelegationTimeout(),
		DelegationEnabled: d.Enabled,
		DefaultFraction:   d.DefaultFraction,
		Operations:        d.Operations,
		Schemas:           api.Schemas(),
	}, orchestrator.Dependencies{
		Delegator: delegator,
		Fallback:  local,
		Emitter:   emitter,
		Limiter:   limiter,
		Recorder:  tasks,
		Logger:    appLogger,
		Tracer:    otel.Tracer(orchestrator.TracerName),
	})
	if err != nil {
		appLogger.Fatal(fmt.Sprintf("Failed to create orchestrator: %v", err))
	}
	svc := api.NewService(orch, appLogger)

	// 9. 启动 HTTP 状态接口
	if cfg.HTTP.Enabled {
		httpSrv, err := httpserver.NewServer(cfg, appLogger)
		if err != nil {
			appLogger.Fatal(fmt.Sprintf("Failed to create HTTP server: %v", err))
		}
		handler := api.NewHandler(svc, history, tasks)
		if rdb != nil {
			handler.AddHealthCheck("redis", rdb.HealthCheck)
		}
		if cfg.Databases.Kafka.Enabled {
			kafkaCfg := cfg.Databases.Kafka
			handler.AddHealthCheck("kafka", func(ctx context.Context) error {
				return kafka.HealthCheck(ctx, &kafkaCfg)
			})
		}
		handler.RegisterRoutes(httpSrv.Engine())
		go func() {
			appLogger.Info("Starting HTTP status server on " + httpSrv.Addr())
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				appLogger.Error(fmt.Sprintf("HTTP server error: %v", err))
			}
		}()
		defer shutdown(appLogger, "HTTP server", httpSrv.Shutdown)
	}

	// 10. 启动 MCP 服务器
	s := api.NewMCPServer(svc, cfg.App.Name, cfg.App.Version)
	addr := ":" + cfg.Gateway.Port
	switch cfg.Gateway.Transport {
	case "sse":
		appLogger.Info("Starting Task Gateway MCP server with SSE transport on port " + cfg.Gateway.Port)
		sseServer := server.NewSSEServer(s)
		register(ctx, sd, cfg, appLogger)
		serve(ctx, appLogger, func() error { return sseServer.Start(addr) }, sseServer.Shutdown)
	case "httpstream":
		appLogger.Info("Starting Task Gateway MCP server with StreamableHTTP transport on port " + cfg.Gateway.Port)
		httpServer := server.NewStreamableHTTPServer(s)
		register(ctx, sd, cfg, appLogger)
		serve(ctx, appLogger, func() error { return httpServer.Start(addr) }, httpServer.Shutdown)
	case "stdio":
		appLogger.Info("Starting Task Gateway MCP server with STDIO transport")
		if err := server.ServeStdio(s); err != nil {
			appLogger.Error(fmt.Sprintf("STDIO server error: %v", err))
		}
	default:
		appLogger.Fatal(fmt.Sprintf("Unknown transport: %s. Use stdio, sse, or httpstream", cfg.Gateway.Transport))
	}
}

// newTaskStore returns the redis store when enabled, with its client, and the
// in-memory store otherwise.
func newTaskStore(ctx context.Context, cfg *config.AppConfig, log *logger.Logger) (store.TaskStore, *redis.Client, error) {
	rc := cfg.Databases.Redis
	if !rc.Enabled {
		log.Info("Using in-memory task store")
		mem, err := store.NewMemory(memoryCapacity, defaultTaskTTL)
		return mem, nil, err
	}
	ttl := defaultTaskTTL
	if rc.TTL != "" {
		parsed, err := time.ParseDuration(rc.TTL)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid redis ttl: %w", err)
		}
		ttl = parsed
	}
	rdb, err := redis.Connect(ctx, &rc)
	if err != nil {
		return nil, nil, err
	}
	log.Info("Using redis task store at " + rc.Address)
	return redis.NewEnvelopeStore(rdb, ttl), rdb, nil
}

// register announces an HTTP transport in etcd until ctx ends.
func register(ctx context.Context, sd *etcd.ServiceDiscovery, cfg *config.AppConfig, log *logger.Logger) {
	if sd == nil {
		return
	}
	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}
	url := fmt.Sprintf("http://%s:%s", host, cfg.Gateway.Port)
	if cfg.Gateway.Transport == "sse" {
		url += "/sse"
	} else {
		url += "/mcp"
	}
	stop, err := sd.Register(ctx, cfg.App.Name, url, registrationTTL)
	if err != nil {
		log.Error(fmt.Sprintf("Failed to register with etcd: %v", err))
		return
	}
	go func() {
		<-ctx.Done()
		close(stop)
	}()
	log.Info("Registered " + cfg.App.Name + " at " + url)
}

// serve runs start until it fails or ctx ends, then shuts down.
func serve(ctx context.Context, log *logger.Logger, start func() error, stop func(context.Context) error) {
	errCh := make(chan error, 1)
	go func() { errCh <- start() }()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error(fmt.Sprintf("MCP server error: %v", err))
		}
	case <-ctx.Done():
		shutdown(log, "MCP server", stop)
	}
}

func shutdown(log *logger.Logger, name string, stop func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := stop(ctx); err != nil {
		log.Error(fmt.Sprintf("Failed to shut down %s: %v", name, err))
	}
}
