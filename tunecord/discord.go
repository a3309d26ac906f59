package tunecord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// ChannelPermissions reports what the bot may do in a channel, as needed
// by reaction cleanup.
type ChannelPermissions struct {
	CanManageMessages bool
	CanAddReactions   bool
}

// ReactionEvent is a reaction-added notification from the chat platform.
type ReactionEvent struct {
	MessageID  string
	ChannelID  string
	Reactor    string
	ActorID    string
	ActorIsBot bool
}

// ChatAdapter is the chat-platform surface the widget core consumes. All
// methods may fail with ErrMessageGone, ErrForbidden or ErrRateLimited in
// addition to generic failures.
type ChatAdapter interface {
	// SendMessage sends a message and returns its id. At least one of text
	// and embed is non-empty.
	SendMessage(
		ctx context.Context,
		channelID string,
		text string,
		embed *discordgo.MessageEmbed,
	) (string, error)

	// EditMessage replaces a message's content.
	EditMessage(
		ctx context.Context,
		channelID string,
		messageID string,
		text string,
		embed *discordgo.MessageEmbed,
	) error

	// DeleteMessage removes a message.
	DeleteMessage(ctx context.Context, channelID string, messageID string) error

	// AddReaction adds the bot's own reaction to a message.
	AddReaction(
		ctx context.Context,
		channelID string,
		messageID string,
		reactor string,
	) error

	// DeleteReaction removes one user's reaction. An empty actorID removes
	// the bot's own reaction.
	DeleteReaction(
		ctx context.Context,
		channelID string,
		messageID string,
		reactor string,
		actorID string,
	) error

	// DeleteAllReactions removes every reaction on a message. Requires
	// manage-messages permission.
	DeleteAllReactions(ctx context.Context, channelID string, messageID string) error

	// Permissions reports the bot's effective permissions in a channel.
	Permissions(channelID string) (ChannelPermissions, error)
}

// Discord owns the gateway session and implements ChatAdapter on top of
// discordgo. It forwards reaction-added events to the dispatcher.
type Discord struct {
	session                     DiscordSessionHandler
	config                      *DiscordConfig
	logger                      *slog.Logger
	connected                   atomic.Bool
	metricConnects              atomic.Int64
	metricDisconnects           atomic.Int64
	discordgoRemoveHandlerFuncs []func()
	selfID                      atomic.Value
	dispatcher                  *ReactionDispatcher
}

func newDiscord(config *DiscordConfig, logger *slog.Logger) *Discord {
	return &Discord{
		config:                      config,
		logger:                      logger.With(loggerNameKey, "discord"),
		discordgoRemoveHandlerFuncs: []func(){},
	}
}

// newSession initializes the gateway session with the configured token,
// intents and log level.
func (d *Discord) newSession() (DiscordSessionHandler, error) {
	session := DiscordSession{
		logger: d.logger.With(loggerNameKey, "discord_session_handler"),
	}
	disc, err := discordgo.New("Bot " + d.config.Token)
	if err != nil {
		return session, fmt.Errorf("error creating discord session: %w", err)
	}
	disc.SyncEvents = false
	disc.StateEnabled = true
	disc.Identify.Intents = d.config.GatewayIntents
	if d.config.httpClient != nil {
		disc.Client = d.config.httpClient
	}
	session.session = disc
	return session, nil
}

func (d *Discord) handlerReady() func(*discordgo.Session, *discordgo.Ready) {
	return func(s *discordgo.Session, r *discordgo.Ready) {
		if r.User != nil {
			d.selfID.Store(r.User.ID)
		}
		d.logger.Info(
			"ready",
			"session_id", r.SessionID,
			slog.Group("user", "id", r.User.ID, "username", r.User.Username),
		)
	}
}

func (d *Discord) handlerConnect() func(*discordgo.Session, *discordgo.Connect) {
	return func(s *discordgo.Session, _ *discordgo.Connect) {
		d.metricConnects.Add(1)
		d.connected.Store(true)
		d.logger.Info("connected to gateway")
		if d.config.CustomStatus != "" {
			if err := d.session.UpdateCustomStatus(d.config.CustomStatus); err != nil {
				d.logger.Warn("unable to set custom status", tint.Err(err))
			}
		}
		if d.config.NotificationChannelID != "" && d.config.StartupMessage != "" {
			if _, err := d.session.ChannelMessageSend(
				d.config.NotificationChannelID,
				d.config.StartupMessage,
				discordgo.WithRetryOnRatelimit(false),
				discordgo.WithRestRetries(1),
			); err != nil {
				d.logger.Error("unable to send startup message", tint.Err(err))
			}
		}
	}
}

func (d *Discord) handlerDisconnect() func(*discordgo.Session, *discordgo.Disconnect) {
	return func(*discordgo.Session, *discordgo.Disconnect) {
		d.connected.Store(false)
		d.metricDisconnects.Add(1)
		d.logger.Info("disconnected from gateway")
	}
}

// handlerReactionAdd bridges gateway reaction events into the dispatcher.
// The dispatcher owns all policy; this only normalizes the event shape.
func (d *Discord) handlerReactionAdd() func(
	*discordgo.Session,
	*discordgo.MessageReactionAdd,
) {
	return func(s *discordgo.Session, r *discordgo.MessageReactionAdd) {
		if d.dispatcher == nil {
			return
		}
		event := ReactionEvent{
			MessageID: r.MessageID,
			ChannelID: r.ChannelID,
			Reactor:   r.Emoji.Name,
			ActorID:   r.UserID,
		}
		if r.Member != nil && r.Member.User != nil {
			event.ActorIsBot = r.Member.User.Bot
		}
		if selfID, ok := d.selfID.Load().(string); ok && selfID == r.UserID {
			event.ActorIsBot = true
		}
		outcome := d.dispatcher.OnReaction(context.Background(), event)
		d.logger.Debug(
			"handled reaction",
			"message_id", event.MessageID,
			"reactor", event.Reactor,
			"actor_id", event.ActorID,
			"outcome", outcome,
		)
	}
}

func (d *Discord) SendMessage(
	_ context.Context,
	channelID string,
	text string,
	embed *discordgo.MessageEmbed,
) (string, error) {
	msg, err := d.session.ChannelMessageSendComplex(
		channelID,
		&discordgo.MessageSend{Content: text, Embed: embed},
	)
	if err != nil {
		return "", classifyDiscordErr(err)
	}
	return msg.ID, nil
}

func (d *Discord) EditMessage(
	_ context.Context,
	channelID string,
	messageID string,
	text string,
	embed *discordgo.MessageEmbed,
) error {
	edit := discordgo.NewMessageEdit(channelID, messageID)
	edit.SetContent(text)
	if embed != nil {
		edit.SetEmbed(embed)
	}
	_, err := d.session.ChannelMessageEditComplex(edit)
	return classifyDiscordErr(err)
}

func (d *Discord) DeleteMessage(
	_ context.Context,
	channelID string,
	messageID string,
) error {
	return classifyDiscordErr(d.session.ChannelMessageDelete(channelID, messageID))
}

func (d *Discord) AddReaction(
	_ context.Context,
	channelID string,
	messageID string,
	reactor string,
) error {
	return classifyDiscordErr(
		d.session.MessageReactionAdd(channelID, messageID, reactor),
	)
}

func (d *Discord) DeleteReaction(
	_ context.Context,
	channelID string,
	messageID string,
	reactor string,
	actorID string,
) error {
	if actorID == "" {
		actorID = "@me"
	}
	return classifyDiscordErr(
		d.session.MessageReactionRemove(channelID, messageID, reactor, actorID),
	)
}

func (d *Discord) DeleteAllReactions(
	_ context.Context,
	channelID string,
	messageID string,
) error {
	return classifyDiscordErr(
		d.session.MessageReactionsRemoveAll(channelID, messageID),
	)
}

func (d *Discord) Permissions(channelID string) (ChannelPermissions, error) {
	selfID, _ := d.selfID.Load().(string)
	if selfID == "" {
		return ChannelPermissions{CanAddReactions: true}, nil
	}
	perms, err := d.session.UserChannelPermissions(selfID, channelID)
	if err != nil {
		return ChannelPermissions{}, classifyDiscordErr(err)
	}
	return ChannelPermissions{
		CanManageMessages: perms&discordgo.PermissionManageMessages != 0,
		CanAddReactions:   perms&discordgo.PermissionAddReactions != 0,
	}, nil
}

// classifyDiscordErr maps discordgo REST errors onto the core error kinds.
func classifyDiscordErr(err error) error {
	if err == nil {
		return nil
	}
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) {
		if restErr.Message != nil {
			switch restErr.Message.Code {
			case discordgo.ErrCodeUnknownMessage,
				discordgo.ErrCodeUnknownChannel:
				return fmt.Errorf("%w: %v", ErrMessageGone, err)
			case discordgo.ErrCodeMissingPermissions,
				discordgo.ErrCodeMissingAccess,
				discordgo.ErrCodeReactionBlocked:
				return fmt.Errorf("%w: %v", ErrForbidden, err)
			}
		}
		if restErr.Response != nil {
			switch restErr.Response.StatusCode {
			case http.StatusNotFound:
				return fmt.Errorf("%w: %v", ErrMessageGone, err)
			case http.StatusForbidden:
				return fmt.Errorf("%w: %v", ErrForbidden, err)
			case http.StatusTooManyRequests:
				return fmt.Errorf("%w: %v", ErrRateLimited, err)
			}
		}
	}
	var rateErr *discordgo.RateLimitError
	if errors.As(err, &rateErr) {
		return fmt.Errorf("%w: %v", ErrRateLimited, err)
	}
	return err
}

func isMessageGone(err error) bool {
	return errors.Is(err, ErrMessageGone)
}

func isForbidden(err error) bool {
	return errors.Is(err, ErrForbidden)
}

// DiscordSessionHandler defines the methods used from discordgo.Session,
// to enable testing/mocking.
type DiscordSessionHandler interface {
	// Open creates a websocket connection to Discord
	Open() error

	// Close closes the websocket connection to Discord
	Close() error

	// AddHandler adds a discord gateway event handler
	AddHandler(handler any) func()

	// ChannelMessageSend sends a plain message to the given channel
	ChannelMessageSend(
		channelID string,
		message string,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelMessageSendComplex sends a message with content and/or embed
	ChannelMessageSendComplex(
		channelID string,
		data *discordgo.MessageSend,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelMessageEditComplex edits an existing message
	ChannelMessageEditComplex(
		m *discordgo.MessageEdit,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelMessageDelete deletes a message
	ChannelMessageDelete(
		channelID string,
		messageID string,
		opts ...discordgo.RequestOption,
	) error

	// MessageReactionAdd reacts to a message as the bot user
	MessageReactionAdd(
		channelID string,
		messageID string,
		emojiID string,
		opts ...discordgo.RequestOption,
	) error

	// MessageReactionRemove removes one user's reaction from a message
	MessageReactionRemove(
		channelID string,
		messageID string,
		emojiID string,
		userID string,
		opts ...discordgo.RequestOption,
	) error

	// MessageReactionsRemoveAll removes every reaction from a message
	MessageReactionsRemoveAll(
		channelID string,
		messageID string,
		opts ...discordgo.RequestOption,
	) error

	// UserChannelPermissions returns the effective permission bits for a
	// user in a channel
	UserChannelPermissions(
		userID string,
		channelID string,
		fetchOptions ...discordgo.RequestOption,
	) (int64, error)

	// UpdateCustomStatus sets the bot user's custom status
	UpdateCustomStatus(status string) error

	// ApplicationCommandBulkOverwrite overwrites the bot's slash commands
	ApplicationCommandBulkOverwrite(
		appID string,
		guildID string,
		commands []*discordgo.ApplicationCommand,
		options ...discordgo.RequestOption,
	) ([]*discordgo.ApplicationCommand, error)

	// InteractionRespond sends an interaction response
	InteractionRespond(
		interaction *discordgo.Interaction,
		resp *discordgo.InteractionResponse,
		options ...discordgo.RequestOption,
	) error

	// InteractionResponse gets the message created by an interaction
	// response
	InteractionResponse(
		interaction *discordgo.Interaction,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// InteractionResponseEdit modifies the given interaction's response
	InteractionResponseEdit(
		interaction *discordgo.Interaction,
		newresp *discordgo.WebhookEdit,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)
}

// DiscordSession implements DiscordSessionHandler, wrapping a
// [discordgo.Session].
type DiscordSession struct {
	session *discordgo.Session
	logger  *slog.Logger
}

func (d DiscordSession) Open() error {
	return d.session.Open()
}

func (d DiscordSession) Close() error {
	return d.session.Close()
}

func (d DiscordSession) AddHandler(handler any) func() {
	return d.session.AddHandler(handler)
}

func (d DiscordSession) ChannelMessageSend(
	channelID string,
	message string,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessageSend(channelID, message, opts...)
}

func (d DiscordSession) ChannelMessageSendComplex(
	channelID string,
	data *discordgo.MessageSend,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessageSendComplex(channelID, data, opts...)
}

func (d DiscordSession) ChannelMessageEditComplex(
	m *discordgo.MessageEdit,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessageEditComplex(m, opts...)
}

func (d DiscordSession) ChannelMessageDelete(
	channelID string,
	messageID string,
	opts ...discordgo.RequestOption,
) error {
	return d.session.ChannelMessageDelete(channelID, messageID, opts...)
}

func (d DiscordSession) MessageReactionAdd(
	channelID string,
	messageID string,
	emojiID string,
	opts ...discordgo.RequestOption,
) error {
	return d.session.MessageReactionAdd(channelID, messageID, emojiID, opts...)
}

func (d DiscordSession) MessageReactionRemove(
	channelID string,
	messageID string,
	emojiID string,
	userID string,
	opts ...discordgo.RequestOption,
) error {
	return d.session.MessageReactionRemove(
		channelID,
		messageID,
		emojiID,
		userID,
		opts...,
	)
}

func (d DiscordSession) MessageReactionsRemoveAll(
	channelID string,
	messageID string,
	opts ...discordgo.RequestOption,
) error {
	return d.session.MessageReactionsRemoveAll(channelID, messageID, opts...)
}

func (d DiscordSession) UserChannelPermissions(
	userID string,
	channelID string,
	fetchOptions ...discordgo.RequestOption,
) (int64, error) {
	return d.session.UserChannelPermissions(userID, channelID, fetchOptions...)
}

func (d DiscordSession) UpdateCustomStatus(status string) error {
	return d.session.UpdateCustomStatus(status)
}

func (d DiscordSession) ApplicationCommandBulkOverwrite(
	appID string,
	guildID string,
	commands []*discordgo.ApplicationCommand,
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	created, err := d.session.ApplicationCommandBulkOverwrite(
		appID,
		guildID,
		commands,
		options...,
	)
	if err != nil {
		d.logger.Error("error overwriting discord commands", tint.Err(err))
		return created, err
	}
	for _, c := range created {
		d.logger.Info("created command", "command", c.Name)
	}
	return created, nil
}

func (d DiscordSession) InteractionRespond(
	interaction *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	options ...discordgo.RequestOption,
) error {
	return d.session.InteractionRespond(interaction, resp, options...)
}

func (d DiscordSession) InteractionResponse(
	interaction *discordgo.Interaction,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.InteractionResponse(interaction, options...)
}

func (d DiscordSession) InteractionResponseEdit(
	interaction *discordgo.Interaction,
	newresp *discordgo.WebhookEdit,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.InteractionResponseEdit(interaction, newresp, options...)
}
