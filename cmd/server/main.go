package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/DifinityDigital/ElevenLabs-Calling/internal/bridge"
	"github.com/DifinityDigital/ElevenLabs-Calling/internal/config"
	"github.com/DifinityDigital/ElevenLabs-Calling/internal/core/session"
	"github.com/DifinityDigital/ElevenLabs-Calling/internal/handler"
	"github.com/DifinityDigital/ElevenLabs-Calling/internal/services/call"
	"github.com/DifinityDigital/ElevenLabs-Calling/internal/store"
	"github.com/DifinityDigital/ElevenLabs-Calling/pkg/elevenlabs"
	"github.com/DifinityDigital/ElevenLabs-Calling/pkg/logger"
	"github.com/DifinityDigital/ElevenLabs-Calling/pkg/redis"
	"github.com/DifinityDigital/ElevenLabs-Calling/pkg/twilio"
	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

const shutdownTimeout = 15 * time.Second

// Server represents the outbound call bridge server
type Server struct {
	config   *config.CallBridgeConfig
	router   *mux.Router
	store    store.ConfigStore
	bridge   *bridge.Bridge
	sessions *session.Manager
	redis    *redis.RedisService
}

// NewServer wires the config store, providers, media bridge and HTTP routes
func NewServer(cfg *config.CallBridgeConfig) *Server {
	s := &Server{config: cfg, router: mux.NewRouter()}

	if cfg.StoreType == config.StoreTypeRedis {
		redisSvc, err := redis.NewRedisService(&redis.RedisConfig{
			Host:     cfg.RedisHost,
			Port:     cfg.RedisPort,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			logger.Base().Warn("Redis unavailable, falling back to in-memory config store", zap.Error(err))
		} else {
			s.redis = redisSvc
			s.store = store.NewRedisStore(redisSvc, cfg.ConfigMaxAge)
			s.sessions = session.NewManager(redisSvc, cfg.InstanceID)
		}
	}
	if s.store == nil {
		s.store = store.NewMemoryStore(cfg.ConfigMaxAge)
	}

	twilioClient := twilio.NewCallClient(cfg.TwilioAccountSID, cfg.TwilioAuthToken, cfg.TwilioPhoneNumber)
	service := call.NewCallService(cfg, s.store, twilioClient, nil)

	elevenLabsClient := elevenlabs.NewClient(elevenlabs.Config{
		APIKey:  cfg.ElevenLabsAPIKey,
		BaseURL: cfg.ElevenLabsBaseURL,
	})
	factory := bridge.NewElevenLabsFactory(elevenLabsClient, cfg.ElevenLabsRequiresAuth)

	opts := []bridge.Option{
		bridge.WithSessionEndTimeout(config.DefaultSessionEndTimeout),
		bridge.WithConnectionTimeout(config.DefaultConnectionTimeout),
	}
	if s.sessions != nil {
		opts = append(opts, bridge.WithSessionTracker(s.sessions))
	}
	s.bridge = bridge.NewBridge(service, factory, opts...)

	// Completed calls close their media session on whichever instance holds it
	if s.sessions != nil {
		service.SetCleanupNotifier(s.sessions)
	} else {
		service.SetCleanupNotifier(s.bridge)
	}

	handler.NewHandlerManager(cfg, service, s.bridge).SetupAllRoutes(s.router)
	return s
}

// Run serves HTTP until ctx is cancelled and then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	go store.StartSweepRoutine(ctx, s.store, s.config.SweepInterval, s.config.ConfigMaxAge)

	if s.sessions != nil {
		err := s.sessions.SubscribeToCleanup(ctx, func(callSID string) {
			if s.bridge.CloseSession(callSID) {
				logger.Base().Info("Closed media session on cleanup broadcast", zap.String("call_sid", callSID))
			}
		})
		if err != nil {
			logger.Base().Error("Failed to subscribe to session cleanup", zap.Error(err))
		}
	}

	addr := fmt.Sprintf(":%s", s.config.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: config.HTTPWriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Base().Info("Starting server", zap.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	logger.Base().Info("Shutting down server", zap.Int("active_sessions", s.bridge.ActiveSessions()))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	s.bridge.CloseAll()
	err := server.Shutdown(shutdownCtx)

	if s.redis != nil {
		if cerr := s.redis.Close(); cerr != nil {
			logger.Base().Warn("Failed to close Redis client", zap.Error(cerr))
		}
	}
	return err
}

func main() {
	// Load .env file for local development if it exists.
	// This will not override environment variables set by the platform.
	if err := godotenv.Load(); err != nil {
		log.Printf("Info: .env file not found or skipped (expected in production): %v", err)
	}

	if _, err := logger.Init(os.Getenv("LOG_ENV")); err != nil {
		log.Printf("Failed to initialize zap logger: %v", err)
	}
	defer logger.Sync()

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		logger.Base().Fatal("Invalid configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server := NewServer(cfg)
	logger.Base().Info("Server initialized",
		zap.String("port", cfg.Port),
		zap.String("instance_id", cfg.InstanceID),
		zap.String("webhook_host", cfg.WebhookHost),
		zap.String("store", cfg.StoreType),
		zap.Bool("fallback_to_default_agent", cfg.FallbackToDefaultAgent))

	if err := server.Run(ctx); err != nil {
		logger.Base().Fatal("Server stopped with error", zap.Error(err))
	}
	logger.Base().Info("Server stopped")
}
