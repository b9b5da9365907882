package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/MeKo-Tech/martin-go/internal/config"
	"github.com/MeKo-Tech/martin-go/internal/httpapi"
	"github.com/MeKo-Tech/martin-go/internal/pipeline"
	"github.com/MeKo-Tech/martin-go/internal/tile"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Resolve the configured backends and serve the composite tile API",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("listen-addresses", "", "Listen address (host:port), overrides config's listen_addresses")
	serveCmd.Flags().Duration("shutdown-timeout", 10*time.Second, "Grace period for in-flight requests on shutdown")
	serveCmd.Flags().Bool("progress", false, "Print a progress bar while sources are being resolved at startup")

	mustBind := func(key string, name string) {
		if err := viper.BindPFlag(key, serveCmd.Flags().Lookup(name)); err != nil {
			panic(fmt.Sprintf("failed to bind flag: %v", err))
		}
	}

	mustBind("serve.listen_addresses", "listen-addresses")
	mustBind("serve.shutdown_timeout", "shutdown-timeout")
	mustBind("serve.progress", "progress")
}

func runServe(cmd *cobra.Command, args []string) error {
	if logger == nil {
		initLogging()
	}

	path := cfgFile
	if path == "" {
		path = "config.yaml"
	}

	f, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if addr := viper.GetString("serve.listen_addresses"); addr != "" {
		f.ListenAddresses = addr
	}
	if f.ListenAddresses == "" {
		f.ListenAddresses = "0.0.0.0:3000"
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	resolved, err := config.Resolve(ctx, f, logger, viper.GetBool("serve.progress"))
	if err != nil {
		return fmt.Errorf("resolve sources: %w", err)
	}
	defer resolved.Cache.Close()
	for _, p := range resolved.Pools {
		defer p.Close()
	}

	if resolved.Catalog.Len() == 0 {
		logger.Warn("no sources were successfully opened; serving an empty catalog")
	}

	p := pipeline.New(resolved.Catalog, resolved.Cache, preferredEncoding(f.PreferredEncoding))

	router := httpapi.NewRouter(httpapi.Config{
		Catalog:  resolved.Catalog,
		Pipeline: p,
		CORS: httpapi.CORSConfig{
			AllowedOrigins: f.CORS.AllowedOrigins,
			AllowedMethods: f.CORS.AllowedMethods,
		},
		Logger: logger,
	})

	keepAlive := time.Duration(f.KeepAlive) * time.Second
	srv := &http.Server{
		Addr:              f.ListenAddresses,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       keepAlive,
	}

	logger.Info("serving tiles",
		"addr", f.ListenAddresses,
		"sources", resolved.Catalog.Len(),
		"keep_alive", keepAlive,
	)

	serveErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	shutdownTimeout := viper.GetDuration("serve.shutdown_timeout")
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	logger.Info("shutting down", "timeout", shutdownTimeout)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	return nil
}

// preferredEncoding maps the config's preferred_encoding string to a
// tile.Encoding, defaulting to brotli when unrecognized.
func preferredEncoding(name string) tile.Encoding {
	switch name {
	case "gzip":
		return tile.EncodingGzip
	case "zstd":
		return tile.EncodingZstd
	case "none", "identity":
		return tile.EncodingUncompressed
	default:
		return tile.EncodingBrotli
	}
}
