// Command echat runs the chat-over-email transport as a headless daemon:
// it watches the inbox, logs received messages, and keeps the send queue
// available to embedding code. It also handles one-time setup chores.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/koabula/E-Chat/internal/app"
	"github.com/koabula/E-Chat/internal/envelope"
	"github.com/koabula/E-Chat/internal/model"
	"github.com/koabula/E-Chat/internal/transport"
)

func main() {
	var (
		configPath  = flag.String("config", model.DefaultConfigPath(), "path to config file")
		setPassword = flag.Bool("set-password", false, "store the account password in the keyring and exit")
		testConns   = flag.Bool("test", false, "test both mail connections and exit")
		debug       = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()
	if *debug {
		log = log.Level(zerolog.DebugLevel)
	} else {
		log = log.Level(zerolog.InfoLevel)
	}

	if *setPassword {
		if err := promptAndStorePassword(); err != nil {
			log.Fatal().Err(err).Msg("storing password failed")
		}
		fmt.Println("password stored")
		return
	}

	events := &transport.Events{
		EnvelopeReceived: func(e envelope.Envelope) {
			log.Info().
				Str("message_id", e.ID).
				Str("from", e.Sender).
				Str("kind", string(e.Kind)).
				Bool("degraded", e.Degraded).
				Str("text", e.Text()).
				Msg("message received")
		},
		EnvelopeSent: func(e envelope.Envelope) {
			log.Info().
				Str("message_id", e.ID).
				Str("to", e.Recipient).
				Str("kind", string(e.Kind)).
				Msg("message sent")
		},
		ConnectionStateChanged: func(ch transport.Channel, state transport.State) {
			log.Debug().
				Str("channel", string(ch)).
				Stringer("state", state).
				Msg("connection state changed")
		},
		TransportError: func(stage string, err error) {
			log.Warn().Err(err).Str("stage", stage).Msg("transport error")
		},
	}

	a, err := app.New(*configPath, events, log)
	if err != nil {
		log.Fatal().Err(err).Msg("startup failed")
	}

	if *testConns {
		failed := false
		for ch, err := range a.TestConnections() {
			if err != nil {
				log.Error().Err(err).Str("channel", string(ch)).Msg("connection test failed")
				failed = true
			} else {
				log.Info().Str("channel", string(ch)).Msg("connection ok")
			}
		}
		a.Transport().Stop()
		if failed {
			os.Exit(1)
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("echat exited with error")
	}
}

// promptAndStorePassword reads the password from stdin without echoing
// fancy prompts and writes it to the system keyring.
func promptAndStorePassword() error {
	fmt.Fprint(os.Stderr, "account password: ")
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return fmt.Errorf("reading password: %w", err)
	}
	password := strings.TrimSpace(line)
	if password == "" {
		return fmt.Errorf("password must not be empty")
	}
	return app.SetPassword(password)
}
