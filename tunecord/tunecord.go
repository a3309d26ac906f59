// Package tunecord implements a Discord music bot built around an
// interactive paginated reaction controller: chat messages become
// stateful, time-bounded widgets driven by reaction events, backed by a
// fingerprinted response cache in front of rate-limited upstream music
// APIs.
//
// Key components of the package include:
//
//   - Tunecord: the main struct wiring the bot together.
//   - WidgetRegistry: tracks live widgets by message id and enforces
//     their lifetimes.
//   - ReactionDispatcher: maps reaction events onto widget actions.
//   - ResponseCache: bounded, fingerprinted memoization of upstream
//     responses, including negative results.
//   - UpstreamFetcher: outbound HTTP with deadline, pacing and redaction.
//   - Discord: gateway session and chat-platform adapter.
//   - API: backend ops server for health and cache/registry state.
package tunecord

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
)

// Tunecord is the bot. Construct with New, then Run until the context is
// cancelled.
type Tunecord struct {
	config     *Config
	logger     *slog.Logger
	redactor   *Redactor
	registry   *WidgetRegistry
	cache      *ResponseCache
	fetcher    *UpstreamFetcher
	handlers   *HandlerTable
	renderers  *RendererTable
	dispatcher *ReactionDispatcher
	music      *MusicClient
	discord    *Discord
	api        *API
}

// New validates the config and wires the bot's components together. No
// connections are opened until Run.
func New(config *Config) (*Tunecord, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := structValidator.Struct(config); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	secrets := []string{config.Discord.Token, config.MusicAPI.APIKey}
	secrets = append(secrets, config.Fetcher.RedactPatterns...)
	redactor := NewRedactor(secrets...)

	handler := NewRedactingHandler(newLogHandler(config.LogLevel), redactor)
	logger := slog.New(handler).With(loggerNameKey, "tunecord")
	slog.SetDefault(slog.New(handler))

	t := &Tunecord{
		config:   config,
		logger:   logger,
		redactor: redactor,
	}

	t.registry = NewWidgetRegistry(
		config.Registry.MaxWidgets,
		config.Registry.SweepInterval,
		slog.New(handler),
	)
	t.cache = NewResponseCache(
		config.Cache.MaxEntries,
		config.Cache.SweepInterval,
		slog.New(handler),
	)
	t.fetcher = NewUpstreamFetcher(
		config.HTTPClient,
		config.Fetcher.Timeout,
		config.Fetcher.MaxRequestsPerSecond,
		redactor,
		slog.New(handler),
	)
	t.handlers = NewHandlerTable()
	t.renderers = NewRendererTable()

	discordLogger := slog.New(
		NewRedactingHandler(
			newLogHandler(config.Discord.LogLevel),
			redactor,
		),
	)
	t.discord = newDiscord(config.Discord, discordLogger)

	t.dispatcher = NewReactionDispatcher(
		t.registry,
		t.discord,
		t.handlers,
		t.renderers,
		slog.New(handler),
	)
	t.discord.dispatcher = t.dispatcher

	t.music = NewMusicClient(config.MusicAPI, t.fetcher, t.cache, config.Cache)
	t.api = newAPI(t, config.API, slog.New(handler))
	return t, nil
}

// Registry exposes the widget registry to external command layers.
func (t *Tunecord) Registry() *WidgetRegistry {
	return t.registry
}

// Cache exposes the response cache to external command layers.
func (t *Tunecord) Cache() *ResponseCache {
	return t.cache
}

// Dispatcher exposes widget creation to external command layers.
func (t *Tunecord) Dispatcher() *ReactionDispatcher {
	return t.dispatcher
}

// Run connects to the gateway, registers commands, and supervises the
// background sweepers and the ops API until the context is cancelled.
func (t *Tunecord) Run(ctx context.Context) error {
	startupCtx, startupCancel := context.WithTimeout(ctx, t.config.StartupTimeout)
	defer startupCancel()

	discordgo.Logger = discordgoLoggerFunc(
		ctx,
		NewRedactingHandler(
			newLogHandler(t.config.Discord.DiscordGoLogLevel),
			t.redactor,
		),
	)

	session, err := t.discord.newSession()
	if err != nil {
		return err
	}
	t.discord.session = session

	t.discord.discordgoRemoveHandlerFuncs = []func(){
		session.AddHandler(t.discord.handlerReady()),
		session.AddHandler(t.discord.handlerConnect()),
		session.AddHandler(t.discord.handlerDisconnect()),
		session.AddHandler(t.discord.handlerReactionAdd()),
		session.AddHandler(t.handlerInteractionCreate()),
	}

	if err := session.Open(); err != nil {
		return fmt.Errorf("error opening discord session: %w", err)
	}
	t.logger.InfoContext(startupCtx, "discord session open")

	if _, err := t.discord.registerCommands(); err != nil {
		_ = session.Close()
		return fmt.Errorf("error registering commands: %w", err)
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(
		func() error {
			t.registry.Watch(groupCtx)
			return nil
		},
	)
	group.Go(
		func() error {
			t.cache.Watch(groupCtx)
			return nil
		},
	)
	group.Go(
		func() error {
			return t.api.Serve(groupCtx)
		},
	)

	runErr := group.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(
		context.Background(),
		t.config.ShutdownTimeout,
	)
	defer shutdownCancel()
	t.shutdown(shutdownCtx)

	if err := session.Close(); err != nil {
		t.logger.Error("error closing discord session", tint.Err(err))
	}
	t.logger.Info("shutdown complete")
	return runErr
}

// shutdown strips reactions from any widgets still live, so expired
// controls don't linger on messages after the process exits.
func (t *Tunecord) shutdown(ctx context.Context) {
	for _, fn := range t.discord.discordgoRemoveHandlerFuncs {
		fn()
	}
	live := t.registry.dropAll()
	if len(live) == 0 {
		return
	}
	t.logger.Info("cleaning up live widgets", "count", len(live))
	for _, w := range live {
		select {
		case <-ctx.Done():
			t.logger.Warn("shutdown deadline reached during widget cleanup")
			return
		default:
		}
		t.dispatcher.cleanupWidget(ctx, w)
	}
}
