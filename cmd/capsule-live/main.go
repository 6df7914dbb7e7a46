package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog"

	capsulelive "github.com/memory-space/capsule-live"
	"github.com/memory-space/capsule-live/internal"
	"github.com/memory-space/capsule-live/pubsub"
)

var (
	flagSocketURL = flag.String("socket", "", "The websocket endpoint, e.g. wss://host/live")
	flagAPIURL    = flag.String("api", "", "The REST API base URL, e.g. https://host/api")
	flagToken     = flag.String("token", "", "Bearer token to authenticate with")
	flagUserID    = flag.String("user", "", "The user ID the token belongs to")
	flagCapsules  = flag.String("capsules", "", "Comma-separated capsule IDs to join on connect")
	flagOTLP      = flag.String("otlp", "", "Optional OTLP HTTP endpoint for trace export")
	flagSentryDSN = flag.String("sentry", "", "Optional Sentry DSN for panic reporting")
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// staticStore serves fixed credentials from the command line. It never
// reports a logout.
type staticStore struct {
	creds capsulelive.Credentials
}

func (s staticStore) Current() (capsulelive.Credentials, bool) {
	return s.creds, true
}

func (s staticStore) Changes() <-chan capsulelive.Credentials {
	return make(chan capsulelive.Credentials)
}

// eventPrinter logs every live payload, for watching a capsule's feed from a
// terminal.
type eventPrinter struct{}

func (eventPrinter) OnConnected(p *pubsub.LiveConnected) {
	logger.Info().Str("user", p.UserID).Msg("connected")
}

func (eventPrinter) OnDisconnected(p *pubsub.LiveDisconnected) {
	logger.Warn().Str("user", p.UserID).Str("reason", p.Reason).Msg("disconnected")
}

func (eventPrinter) OnUserOnline(p *pubsub.LiveUserOnline) {
	logger.Info().Str("user", p.UserID).Msg("online")
}

func (eventPrinter) OnUserOffline(p *pubsub.LiveUserOffline) {
	logger.Info().Str("user", p.UserID).Msg("offline")
}

func (eventPrinter) OnTyping(p *pubsub.LiveTyping) {
	logger.Info().Str("user", p.UserID).Str("memory", p.MemoryID).Bool("typing", p.IsTyping).Msg("typing")
}

func (eventPrinter) OnReaction(p *pubsub.LiveReaction) {
	logger.Info().Str("user", p.UserID).Str("memory", p.MemoryID).Str("emoji", p.Emoji).Msg("reaction")
}

func (eventPrinter) OnError(p *pubsub.LiveError) {
	logger.Error().Bool("fatal", p.Fatal).Msg(p.Message)
}

func main() {
	flag.Parse()
	if *flagSocketURL == "" || *flagToken == "" || *flagUserID == "" {
		flag.Usage()
		os.Exit(1)
	}
	if *flagSentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{Dsn: *flagSentryDSN}); err != nil {
			logger.Fatal().Err(err).Msg("failed to initialise sentry")
		}
	}
	if *flagOTLP != "" {
		if err := internal.ConfigureOTLP(*flagOTLP, "", "", internal.Version); err != nil {
			logger.Fatal().Err(err).Msg("failed to configure OTLP export")
		}
	}

	store := staticStore{creds: capsulelive.Credentials{Token: *flagToken, UserID: *flagUserID}}
	client := capsulelive.NewClient(capsulelive.Opts{
		APIURL:    *flagAPIURL,
		SocketURL: *flagSocketURL,
	}, store)
	defer client.Close()

	go func() {
		if err := client.Subscribe(eventPrinter{}); err != nil {
			logger.Error().Err(err).Msg("event feed closed")
		}
	}()

	for _, capsuleID := range strings.Split(*flagCapsules, ",") {
		if capsuleID = strings.TrimSpace(capsuleID); capsuleID != "" {
			client.Session().JoinRoom(capsuleID)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	client.Run(ctx)
}
