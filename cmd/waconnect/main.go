package main

import (
	"context"
	"flag"
	"os"
	"strings"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog"

	waconnect "github.com/lojahub/waconnect"
	"github.com/lojahub/waconnect/adapter"
	"github.com/lojahub/waconnect/bridge"
	"github.com/lojahub/waconnect/engineproc"
	"github.com/lojahub/waconnect/internal"
	"github.com/lojahub/waconnect/pubsub"
	"github.com/lojahub/waconnect/relay"
	"github.com/lojahub/waconnect/session"
)

var version = "0.2.0"

var (
	flagBindAddr      = flag.String("port", ":8019", "Bind address")
	flagCredentialDir = flag.String("creds", "./credentials", "Credential root directory (one subdirectory per session)")
	flagEngineBinary  = flag.String("engine", "", "Path to the chat-protocol engine binary")
	flagEngineArgs    = flag.String("engine-args", "", "Extra engine arguments, space separated")
	flagMaxReconnects = flag.Int("max-reconnects", 8, "Consecutive transient failures before a session gives up")
)

func main() {
	flag.Parse()
	if *flagEngineBinary == "" {
		flag.Usage()
		os.Exit(1)
	}
	if os.Getenv("WACONNECT_DEBUG") == "1" {
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: "15:04:05",
	})

	if dsn := os.Getenv("WACONNECT_SENTRY_DSN"); dsn != "" {
		err := sentry.Init(sentry.ClientOptions{Dsn: dsn, Release: "waconnect@" + version})
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to initialise sentry")
		}
	}
	if otlpURL := os.Getenv("WACONNECT_OTLP_URL"); otlpURL != "" {
		err := internal.ConfigureOTLP(otlpURL, os.Getenv("WACONNECT_OTLP_USER"), os.Getenv("WACONNECT_OTLP_PASSWORD"), version)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to configure OTLP")
		}
	}
	bridgeKey := os.Getenv("WACONNECT_BRIDGE_KEY")
	if bridgeKey == "" {
		logger.Warn().Msg("WACONNECT_BRIDGE_KEY unset, bridge connections will be rejected")
	}

	store, err := session.NewCredentialStore(*flagCredentialDir, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open credential store")
	}

	engine := engineproc.Config{
		Binary: *flagEngineBinary,
		Args:   strings.Fields(*flagEngineArgs),
		Logger: logger,
	}
	policy := session.DefaultReconnectionPolicy()
	policy.MaxAttempts = *flagMaxReconnects

	ps := pubsub.NewPubSub(64)
	notifier := pubsub.NewPromNotifier(ps, "connector")

	manager := session.NewManager(engine.Factory(), store, policy, notifier, logger)
	rl := relay.NewRelay(manager, notifier, forwardToStore(logger), logger)
	manager.SetMessageHandler(func(id string, ev adapter.IncomingMessage) {
		rl.HandleInbound(id, ev)
	})
	manager.SetAckHandler(func(id string, ev adapter.DeliveryAck) {
		rl.AttachAck(id, ev.MessageID, relay.AckStatus(ev.Status))
	})

	bridgeServer := bridge.NewServer(bridgeKey, manager, rl, logger)
	sub := pubsub.NewConnectorSub(ps, bridgeServer)
	go sub.Listen()

	if err := manager.RestoreAll(context.Background()); err != nil {
		logger.Err(err).Msg("session restoration failed")
	}

	h := waconnect.NewHandler(manager, rl, logger)
	waconnect.RunConnectorServer(waconnect.NewRouter(h, bridgeServer), *flagBindAddr)
}

// forwardToStore is the hand-off to the business data store. The store is an
// external collaborator reached by the surrounding application; the
// connector just logs the hand-off.
func forwardToStore(logger zerolog.Logger) relay.ForwardFunc {
	return func(msg *relay.Message) {
		logger.Info().
			Str("session", msg.SessionID).
			Str("message", msg.ID).
			Str("direction", string(msg.Direction)).
			Str("kind", string(msg.Kind)).
			Msg("message relayed")
	}
}
