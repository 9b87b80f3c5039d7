// Package main is the entry point for the ManLab control-plane server.
// A single binary hosts the agent WebSocket channel, the dashboard
// WebSocket gateway, and the HTTP API with shared infrastructure.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/manlab/manlab/internal/agenthub"
	"github.com/manlab/manlab/internal/audit"
	"github.com/manlab/manlab/internal/command"
	cmdstore "github.com/manlab/manlab/internal/command/store"
	"github.com/manlab/manlab/internal/common/config"
	"github.com/manlab/manlab/internal/common/httpmw"
	"github.com/manlab/manlab/internal/common/logger"
	"github.com/manlab/manlab/internal/db"
	"github.com/manlab/manlab/internal/download"
	"github.com/manlab/manlab/internal/events"
	gateway "github.com/manlab/manlab/internal/gateway/websocket"
	"github.com/manlab/manlab/internal/health"
	"github.com/manlab/manlab/internal/node"
	"github.com/manlab/manlab/internal/node/registry"
	nodesvc "github.com/manlab/manlab/internal/node/service"
	nodestore "github.com/manlab/manlab/internal/node/store"
	"github.com/manlab/manlab/internal/notify"
	"github.com/manlab/manlab/internal/script"
	scriptstore "github.com/manlab/manlab/internal/script/store"
	"github.com/manlab/manlab/internal/secrets"
	"github.com/manlab/manlab/internal/session"
	sessmodels "github.com/manlab/manlab/internal/session/models"
	"github.com/manlab/manlab/internal/stream"
	"github.com/manlab/manlab/internal/tools"
	"github.com/manlab/manlab/internal/tracing"
	"github.com/manlab/manlab/internal/updates"
	"github.com/manlab/manlab/internal/updates/catalog"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting ManLab server...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Event bus (in-memory by default, NATS when configured)
	eventBus, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer busCleanup()

	// 4. Database pool
	pool, err := db.Open(cfg.Database)
	if err != nil {
		log.Fatal("Failed to open database", zap.Error(err))
	}
	defer pool.Close()
	log.Info("Database initialized",
		zap.String("driver", cfg.Database.Driver))

	// 5. Stores
	nodeStore, err := nodestore.NewSQLStore(pool)
	if err != nil {
		log.Fatal("Failed to initialize node store", zap.Error(err))
	}
	commandStore, err := cmdstore.NewSQLStore(pool)
	if err != nil {
		log.Fatal("Failed to initialize command store", zap.Error(err))
	}
	scriptStore, err := scriptstore.NewSQLStore(pool)
	if err != nil {
		log.Fatal("Failed to initialize script store", zap.Error(err))
	}
	policyStore, err := session.NewPolicyStore(pool)
	if err != nil {
		log.Fatal("Failed to initialize policy store", zap.Error(err))
	}
	historyStore, err := updates.NewHistoryStore(pool)
	if err != nil {
		log.Fatal("Failed to initialize update history store", zap.Error(err))
	}
	auditor, err := audit.NewRecorder(pool, log)
	if err != nil {
		log.Fatal("Failed to initialize audit recorder", zap.Error(err))
	}

	// 6. Secrets vault (master key lives next to the sqlite file)
	dataDir := "."
	if cfg.Database.Driver == "sqlite" {
		dataDir = filepath.Dir(cfg.Database.Path)
	}
	keys, err := secrets.NewMasterKeyProvider(dataDir)
	if err != nil {
		log.Fatal("Failed to initialize master key", zap.Error(err))
	}
	secretsSvc, err := secrets.NewService(pool, keys, log)
	if err != nil {
		log.Fatal("Failed to initialize secrets service", zap.Error(err))
	}

	// 7. Agent channel: connection registry, command queue, chunk streams
	reg := registry.New()
	streams := stream.NewRegistry(cfg.Stream.ChannelCapacity)
	dispatcher := command.NewDispatcher(commandStore, reg, log)
	waiter := command.NewWaiter(commandStore)
	dispatcher.Start()
	commandSvc := command.NewService(commandStore, dispatcher, waiter, eventBus, cfg.Agent.MaxPayloadBytes, log)
	nodeSvc := nodesvc.NewService(nodeStore, eventBus, log)
	hub := agenthub.New(nodeSvc, commandSvc, dispatcher, reg, streams, log)

	// 8. Remote tools and their session managers
	termSessions := session.NewManager(sessmodels.KindTerminal)
	logSessions := session.NewManager(sessmodels.KindLogViewer)
	fileSessions := session.NewManager(sessmodels.KindFileBrowser)
	terminal := tools.NewTerminal(termSessions, commandSvc, nodeSvc, log)
	logViewer := tools.NewLogViewer(logSessions, policyStore, commandSvc, nodeSvc)
	fileBrowser := tools.NewFileBrowser(fileSessions, policyStore, commandSvc, nodeSvc)

	cleanup := session.NewCleanupWorker(commandSvc, log, termSessions, logSessions, fileSessions)
	cleanup.Start()

	// 9. Download coordinator
	coordinator := download.NewCoordinator(streams, commandSvc, fileBrowser, reg, eventBus, cfg.Stream, log)

	// 10. Script library
	scriptSvc := script.NewService(scriptStore, commandSvc, log)

	// 11. Health monitor
	var notifier notify.Notifier
	if webhook := os.Getenv("MANLAB_DISCORD_WEBHOOK_URL"); webhook != "" {
		notifier = notify.NewDiscord(webhook)
		log.Info("Discord notifications enabled")
	}
	monitor := health.NewMonitor(nodeStore, eventBus, notifier, auditor, log)
	monitor.SetCadence(
		time.Duration(cfg.Health.CheckIntervalSeconds)*time.Second,
		time.Duration(cfg.Health.OfflineThresholdSeconds)*time.Second,
	)
	monitor.Start(ctx)

	// 12. Update schedulers
	agentCatalog := buildCatalog(cfg, log)
	agentUpdater := updates.NewAgentUpdater(nodeStore, reg, agentCatalog, commandSvc, eventBus, auditor, log)
	agentUpdater.SetInterval(time.Duration(cfg.Updates.AgentCheckMinutes) * time.Minute)
	if agentCatalog != nil {
		agentUpdater.Start(ctx)
	} else {
		log.Info("Agent auto-update disabled (no release catalog configured)")
	}

	lister := updates.NewQueueLister(commandSvc)
	systemUpdater := updates.NewSystemUpdater(nodeStore, reg, lister, historyStore, commandSvc, eventBus, auditor, cfg.Updates.AutoApproveUpdates, log)
	systemUpdater.SetInterval(time.Duration(cfg.Updates.SystemCheckHours) * time.Hour)
	systemUpdater.Start(ctx)

	// 13. Dashboard WebSocket gateway
	gw := gateway.NewGateway(log)
	go gw.Hub.Run(ctx)
	gateway.RegisterNodeNotifications(ctx, eventBus, gw.Hub, log)

	// 14. HTTP server
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.Use(httpmw.RequestLogger(log, "manlab"))
	router.Use(httpmw.OtelTracing("manlab-server"))

	router.GET("/ws/agent", hub.HandleWS)
	gw.SetupRoutes(router)

	node.RegisterRoutes(router, nodeSvc, auditor, log)
	command.RegisterRoutes(router, commandSvc, log)
	tools.RegisterRoutes(router, terminal, logViewer, fileBrowser, policyStore, log)
	download.RegisterRoutes(router, coordinator, log)
	script.RegisterRoutes(router, scriptSvc, auditor, log)
	updates.RegisterRoutes(router, agentUpdater, systemUpdater, log)
	audit.RegisterRoutes(router, auditor, log)
	secrets.RegisterRoutes(router, secretsSvc, auditor, log)
	health.RegisterRoutes(router, monitor, log)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("ManLab server listening",
			zap.String("addr", server.Addr),
			zap.String("agent_ws", "/ws/agent"),
			zap.String("dashboard_ws", "/ws/dashboard"),
			zap.String("api", "/api/v1"))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// 15. Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down ManLab server...")
	cancel()

	agentUpdater.Stop()
	systemUpdater.Stop()
	monitor.Stop()
	cleanup.Stop()
	dispatcher.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Server shutdown failed", zap.Error(err))
	}
	if err := auditor.Close(); err != nil {
		log.Error("Audit recorder shutdown failed", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown failed", zap.Error(err))
	}

	log.Info("ManLab server stopped")
}

// buildCatalog selects the agent release catalog: GitHub releases when a repo
// is configured, a local YAML file otherwise, nil when neither is set.
func buildCatalog(cfg *config.Config, log *logger.Logger) catalog.Catalog {
	if repo := cfg.Updates.GitHubRepo; repo != "" {
		parts := strings.SplitN(repo, "/", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			log.Warn("Ignoring malformed updates.githubRepo, expected owner/repo",
				zap.String("value", repo))
		} else {
			return catalog.NewGitHubCatalog(parts[0], parts[1], "manlab-agent")
		}
	}
	if path := cfg.Updates.CatalogPath; path != "" {
		return catalog.NewFileCatalog(path)
	}
	return nil
}
