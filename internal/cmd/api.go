package cmd

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/steroidsdev/steroids/internal/api"
)

var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "Run the read-only observer HTTP API",
}

var apiServeAddr string

var apiServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the health/incidents/runners/storage endpoints of spec.md's read-only API",
	RunE:  runAPIServe,
}

func init() {
	apiServeCmd.Flags().StringVar(&apiServeAddr, "addr", ":8787", "address to listen on")
	apiCmd.AddCommand(apiServeCmd)
	rootCmd.AddCommand(apiCmd)
}

func runAPIServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger, err := buildLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Sync()

	global, err := openGlobalStore()
	if err != nil {
		return fmt.Errorf("open global store: %w", err)
	}
	defer global.Close()

	server := api.NewServer(global, cfg.Health, logger)

	logger.Info("api server listening", zap.String("addr", apiServeAddr))
	httpServer := &http.Server{Addr: apiServeAddr, Handler: server.Router()}

	go func() {
		<-cmd.Context().Done()
		_ = httpServer.Close()
	}()

	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("serve api: %w", err)
	}
	return nil
}
