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

	"github.com/pion/webrtc/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/Honorable-Knights-of-the-Roundtable/roundmesh/cmd/client/config"
	"github.com/Honorable-Knights-of-the-Roundtable/roundmesh/internal/classifier"
	"github.com/Honorable-Knights-of-the-Roundtable/roundmesh/internal/iceservers"
	"github.com/Honorable-Knights-of-the-Roundtable/roundmesh/internal/media"
	"github.com/Honorable-Knights-of-the-Roundtable/roundmesh/internal/session"
	internalsignalling "github.com/Honorable-Knights-of-the-Roundtable/roundmesh/internal/signalling"
	"github.com/Honorable-Knights-of-the-Roundtable/roundmesh/internal/transport"
	"github.com/Honorable-Knights-of-the-Roundtable/roundmesh/internal/utils"
	"github.com/Honorable-Knights-of-the-Roundtable/roundmesh/pkg/signalling"
)

var errSignallingLost = errors.New("connection to signalling server lost")

func newRootCommand() *cobra.Command {
	var configFilePath string

	cmd := &cobra.Command{
		Use:          "client",
		SilenceUsage: true,
		Short:        "Join a roundmesh room",
		Long: `client connects to a signalling server, joins a room and keeps a WebRTC
session open to every other participant of that room.`,

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
	fs.StringP("room", "r", "", "room to join")
	fs.StringP("name", "n", "", "display name shown to other participants")
	fs.String("signalling-server", "", "websocket url of the signalling server")
	fs.String("audio-file", "", ".WAV file to play to every peer")
	fs.String("log-level", "", "log level (none, error, warn, info, debug)")
	viper.BindPFlag("room", fs.Lookup("room"))
	viper.BindPFlag("name", fs.Lookup("name"))
	viper.BindPFlag("signallingserver", fs.Lookup("signalling-server"))
	viper.BindPFlag("audiofile", fs.Lookup("audio-file"))
	viper.BindPFlag("loglevel", fs.Lookup("log-level"))
	return cmd
}

// --------------------------------------------------------------------------------

func run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	codecs, err := utils.GetUserAuthorizedCodecs(viper.GetStringSlice("codecs"))
	if err != nil {
		return err
	}
	factory, err := transport.NewPionFactory(transport.PionFactoryOptions{
		Codecs: codecs,
		Logger: slog.Default().With(slog.Group("PionFactory")),
	})
	if err != nil {
		return err
	}

	iceServers := iceservers.New(iceservers.Options{
		URL:      viper.GetString("iceserversurl"),
		TTL:      viper.GetDuration("iceserversttl"),
		Retries:  viper.GetInt("iceserversretries"),
		Defaults: []webrtc.ICEServer{{URLs: viper.GetStringSlice("ICEServers")}},
		Logger:   slog.Default().With(slog.Group("ICEServers")),
	})

	channel, err := internalsignalling.DialWebSocket(ctx, viper.GetString("signallingserver"), slog.Default())
	if err != nil {
		return err
	}
	defer channel.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())

	name := viper.GetString("name")
	manager := session.New(channel, factory, session.Options{
		GracePeriod:        viper.GetDuration("graceperiod"),
		RetryBaseDelay:     viper.GetDuration("retrybasedelay"),
		MaxRetryAttempts:   viper.GetInt("maxretryattempts"),
		OfferStableTimeout: viper.GetDuration("offerstabletimeout"),
		AnswerPhaseTimeout: viper.GetDuration("answerphasetimeout"),
		ICEServers:         iceServers,
		OnEvent:            logEvent,
		Registerer:         registry,
		Logger:             slog.Default().With(slog.Group("client", slog.String("name", name))),
	})
	defer manager.Close()

	g, ctx := errgroup.WithContext(ctx)

	if path := viper.GetString("audiofile"); path != "" {
		source, err := media.OpenWAV(path, media.WAVSourceOptions{Loop: true})
		if err != nil {
			return err
		}
		track, err := media.NewAudioTrack("microphone", "roundmesh")
		if err != nil {
			return err
		}
		manager.SetLocalTrack(classifier.Audio, track)
		g.Go(func() error {
			if err := source.Play(ctx, track); !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	if address := viper.GetString("metricsaddress"); address != "" {
		server := &http.Server{
			Addr:    address,
			Handler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		}
		g.Go(func() error {
			slog.Info("serving metrics", "metricsAddress", address)
			if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	room := signalling.RoomID(viper.GetString("room"))
	if err := manager.Join(ctx, room, name); err != nil {
		return err
	}
	slog.Info("joining room", "room", room, "name", name)

	g.Go(func() error {
		select {
		case <-ctx.Done():
			return nil
		case <-channel.Done():
			return errSignallingLost
		}
	})

	err = g.Wait()

	leaveCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if leaveErr := manager.Leave(leaveCtx); leaveErr != nil && !errors.Is(leaveErr, session.ErrNotJoined) {
		slog.Warn("error while leaving room", "err", leaveErr)
	}
	return err
}

func logEvent(event session.Event) {
	logger := slog.Default().With("peerId", event.PeerID)
	switch event.Type {
	case session.EventStateChanged:
		logger.Debug("peer state changed", "from", event.OldState, "to", event.NewState, "reason", event.Reason)
	case session.EventPeerConnected:
		logger.Info("peer connected")
	case session.EventTrackAdded:
		logger.Info("receiving media", "kind", event.Kind, "flowId", event.Flow.ID)
	case session.EventTrackRemoved:
		logger.Info("media ended", "kind", event.Kind, "flowId", event.Flow.ID)
	case session.EventPeerRemoved:
		logger.Info("peer removed", "reason", event.Reason)
	case session.EventPinnedChanged:
		slog.Info("pinned participant changed", "pinned", event.Pinned)
	}
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		slog.Error("client exited", "err", err)
		os.Exit(1)
	}
}
