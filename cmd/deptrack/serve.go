package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"deptrack/internal/config"
	"deptrack/internal/security"
	"deptrack/internal/server"
	"deptrack/internal/service"
	"deptrack/internal/store"

	"github.com/spf13/cobra"
)

var (
	configFile string
	logFile    string
	dbPath     string
	tableName  string
	host       string
	port       int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the tracking API server",
	Long: `Start the HTTP server exposing deployment queries, statistics, pending
approvals, and approve/reject transitions over the deployment table.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&logFile, "log", getEnvOrDefault("DEPTRACK_LOG_FILE", ""), "Path to log file (overrides config)")
	serveCmd.Flags().StringVar(&host, "host", getEnvOrDefault("DEPTRACK_HOST", ""), "Host to bind to (overrides config)")
	serveCmd.Flags().IntVarP(&port, "port", "p", getEnvOrDefaultInt("DEPTRACK_PORT", 0), "Port to listen on (overrides config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	applyOverrides(cfg)

	logger, logFileHandle, err := setupLogging(cfg.LogFile)
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	defer logFileHandle.Close()

	logger.Info("Starting deptrack", "config", configFile)

	storagePath, err := security.ValidateStoragePath(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("invalid storage path: %w", err)
	}
	if err := security.CheckSensitiveFile(storagePath); err != nil {
		logger.Warn("Database file has lax permissions", "error", err)
	}

	logger.Info("Opening deployment table", "db", storagePath, "table", cfg.Storage.Table)
	table, err := store.OpenSQLite(storagePath, cfg.Storage.Table)
	if err != nil {
		logger.Error("Failed to open deployment table", "error", err)
		return fmt.Errorf("failed to open deployment table: %w", err)
	}
	defer table.Close()
	table.SetLogger(logger)

	svc := service.New(table, logger)
	srv := server.NewServer(svc, logger, cfg.RateLimit)

	logger.Info("Starting HTTP server", "host", cfg.Listen.Host, "port", cfg.Listen.Port)
	if err := srv.Start(cfg.Listen.Host, cfg.Listen.Port); err != nil {
		logger.Error("Server failed", "error", err)
		return fmt.Errorf("server failed: %w", err)
	}

	return nil
}

func applyOverrides(cfg *config.Config) {
	if logFile != "" {
		cfg.LogFile = logFile
	}
	if dbPath != "" {
		cfg.Storage.Path = dbPath
	}
	if tableName != "" {
		cfg.Storage.Table = tableName
	}
	if host != "" {
		cfg.Listen.Host = host
	}
	if port != 0 {
		cfg.Listen.Port = port
	}
}

// setupLogging configures slog for file logging
// Returns both the logger and the file handle (caller must close the file)
func setupLogging(logPath string) (*slog.Logger, *os.File, error) {
	// Leave the working directory's own permissions alone
	if logDir := filepath.Dir(logPath); logDir != "." {
		if err := security.EnsureSecureDir(logDir); err != nil {
			return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
		}
	}

	file, err := security.OpenLogFile(logPath)
	if err != nil {
		return nil, nil, err
	}

	// Log to both file and console
	multiWriter := io.MultiWriter(os.Stdout, file)

	handler := slog.NewJSONHandler(multiWriter, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})

	return slog.New(handler), file, nil
}

// Helper functions for environment variables
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvOrDefaultInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var intVal int
		if _, err := fmt.Sscanf(value, "%d", &intVal); err == nil {
			return intVal
		}
	}
	return defaultValue
}
