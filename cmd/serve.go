/*
Copyright © 2024 Dean
*/
package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	httpHdlr "hybridrag/handler/http"
	"hybridrag/src/log"
)

const defaultShutdownTimeout = 5 * time.Second

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the retrieval HTTP server",
	Long: `The serve command starts an HTTP server exposing indexing, hybrid search
and tag resolution under /api/v1.`,
	RunE: RunServer,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().Bool("jobs", true, "enable the asynchronous indexing endpoints")
	serveCmd.Flags().Bool("migrate", false, "migrate store schemas before serving")
}

func RunServer(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := buildApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	opts := []httpHdlr.Option{httpHdlr.WithBreakers(a.breakers)}

	withJobs, _ := cmd.Flags().GetBool("jobs")
	if withJobs && a.db != nil {
		j, err := a.newJobs(ctx)
		if err != nil {
			return err
		}
		opts = append(opts, httpHdlr.WithJobs(j.service, j.archive))
	} else if withJobs {
		log.Info("asynchronous indexing disabled, the memory backend has no job store")
	}

	if migrate, _ := cmd.Flags().GetBool("migrate"); migrate {
		if err := a.Migrate(ctx); err != nil {
			return err
		}
	}

	for name, p := range a.checks {
		opts = append(opts, httpHdlr.WithHealthCheck(name, p))
	}
	handler := httpHdlr.NewHandler(a.service, opts...)

	// Setup gin router
	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	handler.RegisterRoutes(r)

	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: r,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case <-quit:
	}
	log.Info("shutting down server")

	timeout := cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error(err, "server forced to shutdown")
	}
	log.Info("server exited")
	return nil
}
