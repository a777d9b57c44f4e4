package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/lorawan-server/loraedge-tracker/internal/api"
	"github.com/lorawan-server/loraedge-tracker/internal/auth"
	"github.com/lorawan-server/loraedge-tracker/internal/config"
	"github.com/lorawan-server/loraedge-tracker/internal/correlator"
	"github.com/lorawan-server/loraedge-tracker/internal/dispatcher"
	"github.com/lorawan-server/loraedge-tracker/internal/integration"
	"github.com/lorawan-server/loraedge-tracker/internal/models"
	"github.com/lorawan-server/loraedge-tracker/internal/pipeline"
	"github.com/lorawan-server/loraedge-tracker/internal/router"
	"github.com/lorawan-server/loraedge-tracker/internal/server"
	"github.com/lorawan-server/loraedge-tracker/internal/solver"
	"github.com/lorawan-server/loraedge-tracker/internal/storage"
	"github.com/lorawan-server/loraedge-tracker/pkg/crypto"
)

func main() {
	var (
		configPath   string
		validateOnly bool
		showConfig   bool
		issueToken   string
		hashToken    string
	)

	flagSet := pflag.NewFlagSet("tracker-server", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "config/tracker-server.yml", "configuration file path")
	flagSet.BoolVar(&validateOnly, "validate", false, "validate the configuration and exit")
	flagSet.BoolVar(&showConfig, "show-config", false, "print the effective configuration and exit")
	flagSet.StringVar(&issueToken, "issue-token", "", "print an operator token pair for this subject and exit")
	flagSet.StringVar(&hashToken, "hash-webhook-token", "", "print the bcrypt hash for webhook.token_hash and exit")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		os.Exit(2)
	}

	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if hashToken != "" {
		hash, err := crypto.HashToken(hashToken)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to hash token")
		}
		fmt.Println(hash)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal().Err(err).Str("config_path", configPath).Msg("Failed to load configuration")
	}

	setupLogging(cfg.Log)

	if showConfig {
		cfg.PrintConfigSummary()
		return
	}

	if validateOnly {
		cfg.PrintConfigSummary()
		fmt.Println("Configuration is valid")
		return
	}

	if issueToken != "" {
		access, refresh, err := auth.NewJWTManager(&cfg.JWT).GenerateTokenPair(issueToken)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to issue token")
		}
		fmt.Printf("access_token:  %s\nrefresh_token: %s\n", access, refresh)
		return
	}

	if err := run(cfg); err != nil {
		log.Fatal().Err(err).Msg("Tracker server failed")
	}
}

// setupLogging applies the configured level and output format
func setupLogging(cfg config.LogConfig) {
	if cfg.Format == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		log.Warn().Str("level", cfg.Level).Msg("Invalid log level, using info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

func run(cfg *config.Config) error {
	log.Info().
		Str("name", cfg.Server.Name).
		Str("version", cfg.Server.Version).
		Str("database", cfg.Database.Driver).
		Msg("Tracker server starting")

	if !cfg.NATS.Enabled && !cfg.API.Enabled {
		return errors.New("no ingress enabled, set nats.enabled or api.enabled")
	}

	if cfg.JWT.Secret == "" {
		secret, err := crypto.GenerateRandomString(32)
		if err != nil {
			return fmt.Errorf("generate jwt secret: %w", err)
		}
		cfg.JWT.Secret = secret
		log.Warn().Msg("jwt.secret not set, operator tokens are valid until restart")
	}

	store, err := storage.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	kinds, err := cfg.Trigger.Kinds()
	if err != nil {
		return err
	}

	sessions := correlator.New(store, correlator.Config{
		Trigger: correlator.Trigger{
			MinRecords: cfg.Trigger.MinRecords,
			OnKinds:    kinds,
			OnFlush:    cfg.Trigger.OnFlush,
		},
		WindowSize:     cfg.Session.WindowSize,
		MaxSessions:    cfg.Session.MaxSessions,
		MaxFollowUps:   cfg.Session.MaxFollowUps,
		MaxDigests:     cfg.Session.MaxDigests,
		CollectTimeout: cfg.Session.Timeout,
		SolverWait:     cfg.Session.SolverWait,
		Retention:      cfg.Session.Retention,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup

	var nc *nats.Conn
	if cfg.NATS.Enabled {
		nc, err = connectNATS(cfg.NATS)
		if err != nil {
			return fmt.Errorf("connect to NATS: %w", err)
		}
		defer nc.Close()
	}

	var downlinks router.Downlinker
	if nc != nil {
		dl := integration.NewDownlinker(nc, cfg.NATS.DownlinkSubject, cfg.Downlink)
		dl.OnDelivery(func(cmd *models.DownlinkCommand, attempts int, err error) {
			if err != nil {
				log.Error().Err(err).
					Str("devEUI", cmd.DevEUI.String()).
					Str("id", cmd.ID.String()).
					Int("attempts", attempts).
					Msg("Downlink dropped")
			}
		})
		downlinks = dl

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := dl.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("Downlink worker stopped")
			}
		}()
	} else {
		log.Warn().Msg("NATS disabled, downlinks are recorded as evidence only")
	}

	var publisher router.PositionPublisher
	if cfg.MQTT.Enabled {
		fwd, err := integration.NewPositionForwarder(cfg.MQTT)
		if err != nil {
			return fmt.Errorf("connect to MQTT: %w", err)
		}
		defer fwd.Close()
		publisher = fwd
	}

	rt := router.New(sessions, store, downlinks, publisher, router.Config{
		ScanPort:        cfg.Downlink.Port,
		InstructionPort: cfg.Downlink.InstructionPort,
	})

	p := pipeline.New(dispatcher.New(store), sessions, solver.NewClient(cfg.Solver), rt, pipeline.Config{
		Port:              cfg.Uplink.Port,
		JoinNotify:        cfg.Solver.JoinNotify,
		JoinFCntThreshold: cfg.Uplink.JoinFCntThreshold,
		SubmitTimeout:     cfg.Session.SolverWait,
		StoreTimeout:      cfg.Session.StoreTimeout,
		SweepInterval:     cfg.Session.SweepInterval,
	})

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.RunSweeper(ctx)
	}()

	if nc != nil {
		subscriber := server.NewNATSSubscriber(nc, p, cfg.NATS, cfg.Session.SolverWait)

		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Str("subject", cfg.NATS.UplinkSubject).Msg("Starting NATS subscriber")
			if err := subscriber.Start(ctx); err != nil {
				log.Error().Err(err).Msg("NATS subscriber stopped")
			}
		}()
	}

	var apiServer *api.RESTServer
	errCh := make(chan error, 1)
	if cfg.API.Enabled {
		apiServer = api.NewRESTServer(cfg, p, store)

		wg.Add(1)
		go func() {
			defer wg.Done()
			addr := fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port)
			if err := apiServer.ListenAndServe(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("REST API server: %w", err)
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("Received signal, shutting down")
	case runErr = <-errCh:
	}

	cancel()

	if apiServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Failed to shutdown API server gracefully")
		}
		shutdownCancel()
	}

	wg.Wait()

	log.Info().Msg("Tracker server stopped")
	return runErr
}

func connectNATS(cfg config.NATSConfig) (*nats.Conn, error) {
	log.Info().Str("url", cfg.URL).Msg("Connecting to NATS")

	nc, err := nats.Connect(cfg.URL,
		nats.Name(cfg.ClientID),
		nats.UserInfo(cfg.Username, cfg.Password),
		nats.ReconnectWait(cfg.ReconnectInterval),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn().Err(err).Msg("Disconnected from NATS")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Msg("Reconnected to NATS")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			log.Error().Err(err).Str("subject", subject).Msg("NATS error")
		}),
	)
	if err != nil {
		return nil, err
	}

	log.Info().Msg("Connected to NATS")
	return nc, nil
}
