// Package app wires configuration, credentials, storage, and the mail
// transport into one runnable application.
package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/koabula/E-Chat/internal/credential"
	"github.com/koabula/E-Chat/internal/envelope"
	"github.com/koabula/E-Chat/internal/model"
	"github.com/koabula/E-Chat/internal/store"
	"github.com/koabula/E-Chat/internal/transport"
)

// App owns the application lifecycle: it loads config, opens the message
// database, and runs the transport until the context is cancelled.
type App struct {
	cfg     *model.AppConfig
	store   *store.SQLiteStore
	manager *transport.Manager
	log     zerolog.Logger
}

// New builds an application from the config file at configPath. The account
// password is read from the system keyring; events may be nil.
func New(configPath string, events *transport.Events, log zerolog.Logger) (*App, error) {
	cfg, err := model.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	password, err := credential.Get(credential.PasswordKey)
	if err != nil {
		return nil, fmt.Errorf("reading account password: %w", err)
	}

	if dir := filepath.Dir(cfg.Storage.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating storage directory %s: %w", dir, err)
		}
	}
	s, err := store.NewSQLiteStore(cfg.Storage.DBPath)
	if err != nil {
		return nil, err
	}

	manager, err := transport.NewManager(cfg, password, s, events, log)
	if err != nil {
		s.Close()
		return nil, err
	}

	return &App{
		cfg:     cfg,
		store:   s,
		manager: manager,
		log:     log,
	}, nil
}

// SetPassword stores the account password in the system keyring.
func SetPassword(password string) error {
	return credential.Set(credential.PasswordKey, password)
}

// Config returns the loaded configuration.
func (a *App) Config() *model.AppConfig {
	return a.cfg
}

// Transport returns the underlying mail transport.
func (a *App) Transport() *transport.Manager {
	return a.manager
}

// Run starts the transport and blocks until ctx is cancelled, then shuts
// everything down in order.
func (a *App) Run(ctx context.Context) error {
	if err := a.manager.Start(); err != nil {
		a.store.Close()
		return err
	}
	a.log.Info().Str("account", a.cfg.Email.Username).Msg("echat running")

	<-ctx.Done()

	a.manager.Stop()
	if err := a.store.Close(); err != nil {
		return fmt.Errorf("closing store: %w", err)
	}
	return nil
}

// SendText enqueues a text message to the given address.
func (a *App) SendText(recipient, text string) (envelope.Envelope, error) {
	return a.manager.SendText(recipient, text)
}

// SendFile enqueues a file message, reading the file from disk.
func (a *App) SendFile(recipient, caption, path string) (envelope.Envelope, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return envelope.Envelope{}, fmt.Errorf("reading file %s: %w", path, err)
	}
	return a.manager.SendFile(recipient, caption, filepath.Base(path), data)
}

// Contacts lists all known conversation peers.
func (a *App) Contacts(ctx context.Context) ([]model.Contact, error) {
	return a.store.GetContacts(ctx)
}

// Messages returns the conversation with one contact, newest first.
func (a *App) Messages(ctx context.Context, contactEmail string, limit, offset int) ([]model.Message, error) {
	return a.store.GetMessages(ctx, store.MessageFilter{
		ContactEmail: &contactEmail,
		Limit:        limit,
		Offset:       offset,
	})
}

// MarkRead marks a conversation as read.
func (a *App) MarkRead(ctx context.Context, contactEmail string) error {
	return a.store.MarkConversationRead(ctx, contactEmail)
}

// Stats returns local database counters.
func (a *App) Stats(ctx context.Context) (store.Stats, error) {
	return a.store.GetStats(ctx)
}

// TestConnections verifies both mail channels.
func (a *App) TestConnections() map[transport.Channel]error {
	return a.manager.TestConnections()
}
