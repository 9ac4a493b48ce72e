package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/noctispro6-cloud/NoctisPro-sub001/internal/api"
	"github.com/noctispro6-cloud/NoctisPro-sub001/internal/config"
	"github.com/noctispro6-cloud/NoctisPro-sub001/internal/logger"
	"github.com/noctispro6-cloud/NoctisPro-sub001/internal/notify"
	"github.com/noctispro6-cloud/NoctisPro-sub001/internal/storage"
	"github.com/noctispro6-cloud/NoctisPro-sub001/internal/transfer"
	"github.com/noctispro6-cloud/NoctisPro-sub001/internal/upload"
)

// Version info (set during build)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

var log = logger.For("Server")

func main() {
	if err := run(); err != nil {
		log.Error("fatal", "err", err)
		os.Exit(1)
	}
}

func run() error {
	// Get the executable's directory for config resolution
	exePath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}
	configPath := filepath.Join(filepath.Dir(exePath), "UploadAgent.config")

	// Load XML configuration
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	logger.Init(cfg.Advanced.LogLevel)

	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	profiles, err := config.LoadProfiles(cfg.Storage.ProfilesFile)
	if err != nil {
		return fmt.Errorf("failed to load destination profiles: %w", err)
	}

	store, err := storage.NewDuckStore(cfg.Storage.DatabaseFile, storage.Options{
		Threads:     cfg.Advanced.DuckDBThreads,
		MemoryLimit: cfg.Advanced.DuckDBMemoryLimit,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer store.Close()

	executor := transfer.NewExecutor(transfer.Options{
		MaxAttempts:       cfg.Transfer.MaxAttempts,
		BaseDelay:         cfg.BaseDelay(),
		RequestsPerSecond: cfg.Transfer.RequestsPerSecond,
		AuthHeader:        cfg.Transfer.AuthHeader,
		Cookie:            cfg.Transfer.Cookie,
		Client: transfer.NewHTTPClient(
			time.Duration(cfg.Transfer.RequestTimeoutSeconds)*time.Second,
			cfg.Transfer.InsecureSkipVerify,
		),
	})
	if cfg.Transfer.InsecureSkipVerify {
		log.Warn("TLS certificate verification is disabled for uploads")
	}

	hub := notify.NewHub()
	uploadMgr := upload.NewManager(store, executor, hub, profiles)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	api.SetupMiddleware(e, api.MiddlewareOptions{
		RequestLogging: cfg.Advanced.EnableRequestLogging,
		BodyLimit:      cfg.Server.BodyLimit,
		RequestTimeout: time.Duration(cfg.Server.ReadTimeout) * time.Second,
	})
	api.RegisterRoutes(e, api.NewHandlers(&api.Dependencies{
		Sessions:      uploadMgr,
		Hub:           hub,
		Version:       Version,
		AllowDeletion: cfg.Security.AllowSessionDeletion,
	}))

	// Configure server with settings from XML config
	s := &http.Server{
		Addr:         cfg.GetServerAddr(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeout) * time.Second,
	}

	printBanner(cfg, configPath)

	uploadMgr.Start(ctx, cfg.Engine.SweepOnStart, cfg.SweepInterval())

	serverErr := make(chan error, 1)
	go func() {
		if err := e.StartServer(s); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		stop()
		uploadMgr.Wait()
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Warn("server shutdown", "err", err)
	}
	// in-flight batches are abandoned; the next start resumes from the store
	uploadMgr.Wait()
	return nil
}

func printBanner(cfg *config.AppConfig, configPath string) {
	fmt.Printf("\n")
	fmt.Printf("╔═══════════════════════════════════════════════════════════╗\n")
	fmt.Printf("║           Imaging Upload Agent                            ║\n")
	fmt.Printf("╠═══════════════════════════════════════════════════════════╣\n")
	fmt.Printf("║  Version:    %-45s║\n", Version)
	fmt.Printf("║  Build Time: %-45s║\n", BuildTime)
	fmt.Printf("╠═══════════════════════════════════════════════════════════╣\n")
	fmt.Printf("║  Config:    %-46s║\n", configPath)
	fmt.Printf("║  Listen:    http://%-38s║\n", cfg.GetServerAddr())
	fmt.Printf("║  Database:  %-46s║\n", cfg.Storage.DatabaseFile)
	fmt.Printf("║  Sweep:     every %-40s║\n", cfg.SweepInterval())
	fmt.Printf("╚═══════════════════════════════════════════════════════════╝\n")
	fmt.Printf("\n")
}
