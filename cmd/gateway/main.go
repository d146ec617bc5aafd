package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/aj-archipelago/cortex/internal/callbacks"
	"github.com/aj-archipelago/cortex/internal/codec"
	cfgpkg "github.com/aj-archipelago/cortex/internal/config"
	"github.com/aj-archipelago/cortex/internal/engine"
	"github.com/aj-archipelago/cortex/internal/pathway"
	"github.com/aj-archipelago/cortex/internal/plugin"
	"github.com/aj-archipelago/cortex/internal/pubsub"
	"github.com/aj-archipelago/cortex/internal/requests"
	"github.com/aj-archipelago/cortex/internal/store"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	cfg, err := cfgpkg.Load()
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Token codec
	var cd codec.Codec
	switch cfg.Tokenizer.Mode {
	case cfgpkg.TokenizerEstimate:
		cd = codec.NewEstimator()
	default:
		tk, err := codec.NewTiktoken(cfg.Tokenizer.Encoding)
		if err != nil {
			logger.Warn("Tokenizer unavailable; falling back to estimator", zap.Error(err))
			cd = codec.NewEstimator()
		} else {
			cd = tk
		}
	}

	// Event bus, optionally bridged across instances
	broker := pubsub.NewBroker(cfg.Bus.Capacity, logger)
	var busClient *redis.Client
	if cfg.Bus.Connection != "" {
		busClient = redis.NewClient(&redis.Options{Addr: cfg.Bus.Connection})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := busClient.Ping(pingCtx).Err(); err != nil {
			cancel()
			logger.Fatal("Failed to connect to bus redis", zap.Error(err))
		}
		cancel()
		bridge := pubsub.NewRedisBridge(busClient, broker, logger)
		if err := bridge.Start(ctx); err != nil {
			logger.Fatal("Failed to start bus bridge", zap.Error(err))
		}
		defer bridge.Stop()
		logger.Info("Cross-instance bus enabled", zap.String("connection", cfg.Bus.Connection))
	}

	// Request registry and client-tool callbacks
	registry := requests.NewRegistry(requests.DefaultIdleTTL, logger)
	defer registry.Close()
	cbs := callbacks.NewRegistry(broker, cfg.ClientToolTimeout(), cfg.ClientToolCleanupMaxAge(), logger)
	cbs.Start(ctx)
	defer cbs.Stop()

	// Dynamic pathway store
	var backend store.Backend
	switch cfg.Storage.Type {
	case cfgpkg.StorageRedis:
		storeClient := redis.NewClient(&redis.Options{Addr: cfg.Storage.Connection})
		backend = store.NewRedisBackend(storeClient, "")
	default:
		fileBackend, err := store.NewFileBackend(cfg.Storage.Path, logger)
		if err != nil {
			logger.Fatal("Failed to open pathway storage", zap.Error(err))
		}
		backend = fileBackend
	}
	pathwayStore := store.New(backend, cfg.PublishKey, logger)
	pathwayStore.StartWatching(ctx)
	logger.Info("Dynamic pathway store ready", zap.String("type", cfg.Storage.Type))

	// Model plugins
	plugins := plugin.NewRegistry()
	apiKey := cfg.OpenAIAPIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey != "" {
		oa, err := plugin.NewOpenAI(apiKey, cfg.DefaultModel, cd)
		if err != nil {
			logger.Fatal("Failed to initialize model plugin", zap.Error(err))
		}
		plugins.Register(oa)
	} else {
		logger.Warn("No model API key configured; dispatches will fail until a plugin is registered")
	}

	// Context blob KV: shared when the bus redis exists, local otherwise
	var kv engine.KV
	if busClient != nil {
		kv = engine.NewRedisKV(busClient)
	} else {
		kv = engine.NewMemoryKV()
	}

	eng := engine.New(engine.Config{
		Plugins:   plugins,
		Registry:  registry,
		Broker:    broker,
		Callbacks: cbs,
		Codec:     cd,
		KV:        kv,
		Lookup: func(ctx context.Context, name string) (*pathway.Pathway, error) {
			// Dynamic pathway names are userId/pathwayName.
			if user, pw, ok := splitPathwayName(name); ok {
				return pathwayStore.GetPathway(ctx, user, pw)
			}
			return nil, fmt.Errorf("unknown pathway %q", name)
		},
		DefaultModel:   cfg.DefaultModel,
		DefaultTimeout: cfg.DefaultTimeout(),
		Logger:         logger,
	})
	// Health, metrics, and a minimal ops surface. The real GraphQL/SSE
	// front door lives in its own service and consumes the same engine.
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	mux.HandleFunc("POST /v1/resolve", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Pathway string         `json:"pathway"`
			Args    map[string]any `json:"args"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		result, err := eng.ResolveNamed(r.Context(), req.Pathway, req.Args)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"result": result})
	})
	mux.HandleFunc("POST /v1/requests/{id}/cancel", func(w http.ResponseWriter, r *http.Request) {
		if err := eng.Cancel(r.PathValue("id")); err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("POST /v1/callbacks/{id}", func(w http.ResponseWriter, r *http.Request) {
		data, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := eng.ResolveClientToolCallback(r.Context(), r.PathValue("id"), string(data)); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Metrics.Port),
		Handler: mux,
	}
	go func() {
		logger.Info("Serving health and metrics", zap.Int("port", cfg.Metrics.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Metrics server shutdown incomplete", zap.Error(err))
	}
}

// splitPathwayName parses userId/pathwayName.
func splitPathwayName(name string) (user, pw string, ok bool) {
	for i := 0; i < len(name); i++ {
		if name[i] == '/' {
			if i == 0 || i == len(name)-1 {
				return "", "", false
			}
			return name[:i], name[i+1:], true
		}
	}
	return "", "", false
}
