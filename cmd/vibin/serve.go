package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/vibinhq/vibin/internal/adapters/asset"
	"github.com/vibinhq/vibin/internal/adapters/hegel"
	"github.com/vibinhq/vibin/internal/adapters/mpdstreamer"
	"github.com/vibinhq/vibin/internal/adapters/streammagic"
	"github.com/vibinhq/vibin/internal/config"
	"github.com/vibinhq/vibin/internal/device"
	"github.com/vibinhq/vibin/internal/hub"
	"github.com/vibinhq/vibin/internal/locator"
	"github.com/vibinhq/vibin/internal/managers"
	"github.com/vibinhq/vibin/internal/services"
	"github.com/vibinhq/vibin/internal/store"
	"github.com/vibinhq/vibin/internal/transport/rest"
	"github.com/vibinhq/vibin/internal/transport/ws"
	"github.com/vibinhq/vibin/internal/upnp"
	"github.com/vibinhq/vibin/internal/version"
)

func newServeCommand() *cobra.Command {
	var (
		configPath    string
		listen        string
		streamerID    string
		mediaServerID string
		amplifierID   string
		debug         bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Resolve the configured devices and run the hub",
		RunE: func(cmd *cobra.Command, args []string) error {
			setupLogging(debug)

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Server.Listen = listen
			}
			if streamerID != "" {
				cfg.Streamer.Identifier = streamerID
			}
			if mediaServerID != "" {
				cfg.MediaServer.Identifier = mediaServerID
			}
			if amplifierID != "" {
				cfg.Amplifier.Enabled = true
				cfg.Amplifier.Identifier = amplifierID
			}

			return serve(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to TOML config file")
	cmd.Flags().StringVar(&listen, "listen", "", "HTTP listen address (overrides config)")
	cmd.Flags().StringVar(&streamerID, "streamer", "", "streamer hostname, friendly name, or description URL")
	cmd.Flags().StringVar(&mediaServerID, "media-server", "", "media server hostname, friendly name, or description URL")
	cmd.Flags().StringVar(&amplifierID, "amplifier", "", "amplifier hostname")
	cmd.Flags().BoolVar(&debug, "debug", false, "enable debug logging")

	return cmd
}

func serve(ctx context.Context, cfg config.Config) error {
	log.Info().Msgf("%s starting", version.GetInfo().String())

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Data store behind the persistence gate.
	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer st.Close()

	// State pipeline: adapters feed the synchronizer, the synchronizer feeds
	// the WebSocket hub.
	stateSync := hub.NewSynchronizer(nil)
	wsHub := ws.NewHub(stateSync)
	stateSync.SetBroadcaster(wsHub)

	go stateSync.Run(ctx)
	defer wsHub.Close()

	// Callback endpoint shared by every UPnP-evented adapter.
	callbacks := upnp.NewCallbackServer(cfg.Server.UPnPCallback)
	if err := callbacks.Start(); err != nil {
		return fmt.Errorf("start UPnP callback endpoint: %w", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		callbacks.Shutdown(shutdownCtx)
	}()

	loc := locator.New()

	streamer, err := buildStreamer(ctx, cfg, loc, stateSync.OnUpdate, callbacks)
	if err != nil {
		return err
	}
	if err := streamer.Start(ctx); err != nil {
		return fmt.Errorf("start streamer: %w", err)
	}
	defer streamer.Shutdown()

	mediaServer, err := buildMediaServer(ctx, cfg, loc, stateSync.OnUpdate)
	if err != nil {
		return err
	}
	if err := mediaServer.Start(ctx); err != nil {
		log.Warn().Err(err).Msg("Media server is not reachable yet; continuing")
	}
	defer mediaServer.Shutdown()

	var amplifier device.Amplifier
	if cfg.Amplifier.Enabled {
		amplifier = hegel.New(device.Reference{
			Role:         device.RoleAmplifier,
			Key:          cfg.Amplifier.Identifier,
			FriendlyName: cfg.Amplifier.Identifier,
			Hostname:     cfg.Amplifier.Identifier,
		}, stateSync.OnUpdate)
		if err := amplifier.Start(ctx); err != nil {
			return fmt.Errorf("start amplifier: %w", err)
		}
		defer amplifier.Shutdown()
	}

	// Feature managers over the store gate.
	favorites := managers.NewFavorites(st, stateSync.OnUpdate)
	playlists := managers.NewPlaylists(st, stateSync.OnUpdate)
	lyrics := managers.NewLyrics(st, services.NewGenius(os.Getenv(services.GeniusTokenEnv)))
	waveforms := managers.NewWaveforms(st)

	// Seed the snapshot so the first subscriber sees persisted collections.
	favorites.Announce()
	playlists.Announce()

	router := rest.NewRouter(rest.Deps{
		Streamer:    streamer,
		MediaServer: mediaServer,
		Amplifier:   amplifier,
		Sync:        stateSync,
		Favorites:   favorites,
		Playlists:   playlists,
		Lyrics:      lyrics,
		Waveforms:   waveforms,
		WebSocket:   wsHub,
	})

	server := &http.Server{
		Addr:         cfg.Server.Listen,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		select {
		case <-ctx.Done():
		case sig := <-sigCh:
			log.Info().Str("signal", sig.String()).Msg("Shutting down")
		}
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server shutdown error")
		}
	}()

	log.Info().Str("addr", cfg.Server.Listen).Msg("HTTP server listening")
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}

	log.Info().Msg("Server stopped")
	return nil
}

func buildStreamer(ctx context.Context, cfg config.Config, loc *locator.Locator, update device.UpdateFunc, callbacks *upnp.CallbackServer) (device.Streamer, error) {
	switch cfg.Streamer.Type {
	case "mpd":
		ref := device.Reference{
			Role:         device.RoleStreamer,
			Key:          cfg.Streamer.MPD.Host,
			FriendlyName: "MPD",
			Hostname:     cfg.Streamer.MPD.Host,
		}
		return mpdstreamer.New(ref, update, cfg.Streamer.MPD.Host, cfg.Streamer.MPD.Port, cfg.Streamer.MPD.Password), nil

	case "", "streammagic":
		ref, err := loc.Resolve(ctx, device.RoleStreamer, cfg.Streamer.Identifier, cfg.Discovery.Timeout())
		if err != nil {
			return nil, fmt.Errorf("resolve streamer: %w", err)
		}
		log.Info().
			Str("name", ref.FriendlyName).
			Str("hostname", ref.Hostname).
			Msg("Streamer resolved")
		return streammagic.New(ref, update, callbacks), nil

	default:
		return nil, fmt.Errorf("unknown streamer type %q", cfg.Streamer.Type)
	}
}

func buildMediaServer(ctx context.Context, cfg config.Config, loc *locator.Locator, update device.UpdateFunc) (device.MediaServer, error) {
	ref, err := loc.Resolve(ctx, device.RoleMediaServer, cfg.MediaServer.Identifier, cfg.Discovery.Timeout())
	if err != nil {
		return nil, fmt.Errorf("resolve media server: %w", err)
	}
	log.Info().
		Str("name", ref.FriendlyName).
		Str("hostname", ref.Hostname).
		Msg("Media server resolved")
	return asset.New(ref, update, nil)
}
