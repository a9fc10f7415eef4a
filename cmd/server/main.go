package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/cors"

	"github.com/convobase/chatcore/internal/config"
	"github.com/convobase/chatcore/internal/conversation"
	"github.com/convobase/chatcore/internal/events"
	"github.com/convobase/chatcore/internal/logger"
	"github.com/convobase/chatcore/internal/maintenance"
	"github.com/convobase/chatcore/internal/metrics"
	"github.com/convobase/chatcore/internal/persistence"
	"github.com/convobase/chatcore/internal/session"
	"github.com/convobase/chatcore/internal/settings"
	"github.com/convobase/chatcore/internal/storage/pg"
	"github.com/convobase/chatcore/internal/upstream"
)

func main() {
	config.LoadConfig()

	log := logger.New(logger.FromConfig(config.AppConfig.LogLevel, config.AppConfig.LogFormat))

	gin.SetMode(config.AppConfig.GinMode)

	// Initialize database. The pool is built once and handed to every
	// component; the health endpoint pings it directly.
	db, err := pg.InitDatabase(config.AppConfig.DatabaseURL)
	if err != nil {
		log.Error("failed to initialize database", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer db.DB.Close()

	m := metrics.New()

	// Initialize services
	settingsService := settings.NewService(db.DB, log)
	registry := session.NewRegistry(db.DB, log)
	eventLog := events.NewLog(db.DB, log)

	classifier := persistence.NewClassifier(log, config.AppConfig.UpstreamAPIToken, config.AppConfig.ClassificationTimeout)
	persister := persistence.NewService(db.DB, registry, classifier, m, log)

	streamer := upstream.NewClient(eventLog, registry, persister, m, log,
		config.AppConfig.UpstreamAPIToken, config.AppConfig.UpstreamRetryDelay)

	handler := conversation.NewHandler(db.DB, settingsService, registry, eventLog, streamer, m, log,
		config.AppConfig.UpstreamAPIToken, config.AppConfig.UpstreamProxyTimeout, config.AppConfig.UpstreamProxyRetries)

	// Background maintenance: 1h event retention, 24h session retention.
	purger, err := maintenance.NewPurger(eventLog, registry, log,
		config.AppConfig.EventRetention, config.AppConfig.SessionRetention,
		config.AppConfig.PurgeSpec.EventsCron, config.AppConfig.PurgeSpec.SessionsCron)
	if err != nil {
		log.Error("failed to schedule maintenance jobs", slog.String("error", err.Error()))
		os.Exit(1)
	}
	purger.Start()
	defer purger.Stop()

	router := setupRouter(log, m, handler)

	server := &http.Server{
		Addr:    ":" + config.AppConfig.Port,
		Handler: withCORS(router),
	}

	go func() {
		log.Info("conversation core listening", slog.String("port", config.AppConfig.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	// Graceful shutdown. In-flight upstream consumers are not cancelled:
	// their lifecycle is database-backed and survives pollers, and the
	// purge jobs harvest anything abandoned.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		time.Duration(config.AppConfig.ServerShutdownTimeoutSeconds)*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("forced shutdown", slog.String("error", err.Error()))
	}
}

// setupRouter builds the gin router with the core endpoints.
func setupRouter(log *logger.Logger, m *metrics.Metrics, handler *conversation.Handler) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestIDMiddleware())

	api := router.Group("/api")
	{
		api.POST("/process-message", handler.ProcessMessage)
		api.GET("/stream-events/:streamingSessionId", handler.StreamEvents)
		api.GET("/conversation-config/:chatbotId", handler.Config)
		api.POST("/upload-image", handler.UploadImage)
		api.GET("/conversation-health", handler.Health)
	}

	router.GET("/metrics", gin.WrapH(m.Handler()))

	log.Info("routes registered")
	return router
}

// requestIDMiddleware assigns each request an id for log correlation.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = logger.GenerateRequestID()
		}
		c.Request = c.Request.WithContext(logger.WithRequestID(c.Request.Context(), requestID))
		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}

// withCORS wraps the router with the configured CORS policy.
func withCORS(handler http.Handler) http.Handler {
	origins := strings.Split(config.AppConfig.CORSAllowedOrigins, ",")
	for i := range origins {
		origins[i] = strings.TrimSpace(origins[i])
	}

	return cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Origin", "Content-Type", "Accept", "X-Request-ID"},
	}).Handler(handler)
}
