package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/Honorable-Knights-of-the-Roundtable/roundmesh/cmd/signallingserver/config"
	internalsignalling "github.com/Honorable-Knights-of-the-Roundtable/roundmesh/internal/signalling"
	"github.com/Honorable-Knights-of-the-Roundtable/roundmesh/internal/utils"
)

const SHUTDOWN_TIMEOUT = 5 * time.Second

func newRootCommand() *cobra.Command {
	var configFilePath string

	cmd := &cobra.Command{
		Use:          "signallingserver",
		SilenceUsage: true,
		Short:        "Run a roundmesh signalling server",
		Long: `signallingserver tracks rooms and their participants, and relays offers,
answers and ICE candidates between participants of the same room.`,

		PreRunE: func(cmd *cobra.Command, args []string) error {
			return config.LoadConfig(configFilePath)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			logFilePointer, err := utils.ConfigureDefaultLogger(
				viper.GetString("loglevel"),
				viper.GetString("logfile"),
				slog.HandlerOptions{},
			)
			if err != nil {
				return fmt.Errorf("configuring default logger: %w", err)
			}
			if logFilePointer != nil {
				defer logFilePointer.Close()
			}
			return run(cmd.Context())
		},
	}

	fs := cmd.Flags()
	fs.StringVarP(&configFilePath, "config", "c", "config.yaml", "path to the config file")
	fs.StringP("listen", "l", "", "address to listen on")
	fs.String("log-level", "", "log level (none, error, warn, info, debug)")
	viper.BindPFlag("localaddress", fs.Lookup("listen"))
	viper.BindPFlag("loglevel", fs.Lookup("log-level"))
	return cmd
}

func run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())

	hub := internalsignalling.NewHub(internalsignalling.HubOptions{
		Registerer: registry,
		Logger:     slog.Default().With(slog.Group("hub")),
	})

	serverOptions := internalsignalling.WebSocketServerOptions{
		MessageRate:  rate.Limit(viper.GetFloat64("ratelimit")),
		MessageBurst: viper.GetInt("rateburst"),
		Logger:       slog.Default(),
	}
	if viper.GetBool("metrics") {
		serverOptions.MetricsHandler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	}

	if viper.GetString("loglevel") != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	listenAddress := viper.GetString("localaddress")
	server := &http.Server{
		Addr:    listenAddress,
		Handler: internalsignalling.NewWebSocketServer(hub, serverOptions).Router(),
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("starting signalling server", "listenAddress", listenAddress)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		slog.Info("shutting down signalling server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), SHUTDOWN_TIMEOUT)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		slog.Error("signalling server exited", "err", err)
		os.Exit(1)
	}
}
