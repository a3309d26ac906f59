package tunecord

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	// SlashCommandTopTracks lists a user's most played tracks as a
	// paginated widget.
	SlashCommandTopTracks = "toptracks"

	topTracksUserOption   = "user"
	topTracksPeriodOption = "period"
	topTracksFetchLimit   = 50

	msgUserNotFound    = "I couldn't find that user on the scrobbling service."
	msgUpstreamTrouble = "The music service isn't responding right now, try again in a bit."
	msgTooManyWidgets  = "I'm juggling too many lists right now, try again shortly!"
	msgNothingToShow   = "Nothing to show for that user and period."
	msgGenericFailure  = "Sorry, something went wrong!"
)

// appCommandTopTracks creates the ApplicationCommand for /toptracks.
func appCommandTopTracks() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:        SlashCommandTopTracks,
		Type:        discordgo.ChatApplicationCommand,
		Description: "Show a user's most played tracks",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        topTracksUserOption,
				Description: "Scrobbling service username",
				Required:    true,
			},
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        topTracksPeriodOption,
				Description: "Time period",
				Choices: []*discordgo.ApplicationCommandOptionChoice{
					{Name: "All time", Value: "overall"},
					{Name: "Last 7 days", Value: "7day"},
					{Name: "Last month", Value: "1month"},
					{Name: "Last year", Value: "12month"},
				},
			},
		},
	}
}

// registerCommands sends the bot's commands to the discord bulk overwrite
// endpoint.
func (d *Discord) registerCommands(
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	commands := []*discordgo.ApplicationCommand{
		appCommandTopTracks(),
	}
	return d.session.ApplicationCommandBulkOverwrite(
		d.config.ApplicationID,
		d.config.GuildID,
		commands,
		options...,
	)
}

// handlerInteractionCreate routes slash commands to their handlers.
func (t *Tunecord) handlerInteractionCreate() func(
	*discordgo.Session,
	*discordgo.InteractionCreate,
) {
	return func(s *discordgo.Session, i *discordgo.InteractionCreate) {
		if i.Type != discordgo.InteractionApplicationCommand {
			return
		}
		switch i.ApplicationCommandData().Name {
		case SlashCommandTopTracks:
			t.handleTopTracks(context.Background(), i)
		default:
			t.logger.Warn(
				"unknown command",
				"command", i.ApplicationCommandData().Name,
			)
		}
	}
}

// interactionOptions extracts the interaction options into a map keyed by
// option name.
func interactionOptions(
	i *discordgo.InteractionCreate,
) map[string]*discordgo.ApplicationCommandInteractionDataOption {
	options := i.ApplicationCommandData().Options
	optionMap := make(
		map[string]*discordgo.ApplicationCommandInteractionDataOption,
		len(options),
	)
	for _, option := range options {
		optionMap[option.Name] = option
	}
	return optionMap
}

// handleTopTracks acks the interaction, fetches the listing through the
// cache, and creates a paginated widget in the channel. Capacity and
// empty-dataset refusals surface as user-visible messages; everything else
// collapses to a generic failure.
func (t *Tunecord) handleTopTracks(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	logger := t.logger.With(
		"command", SlashCommandTopTracks,
		"interaction_id", i.ID,
		"channel_id", i.ChannelID,
	)
	ctx = WithLogger(ctx, logger)

	if err := t.discord.session.InteractionRespond(
		i.Interaction,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
		},
	); err != nil {
		logger.Error("failed to ack interaction", tint.Err(err))
		return
	}

	opts := interactionOptions(i)
	user := ""
	if opt, ok := opts[topTracksUserOption]; ok {
		user = opt.StringValue()
	}
	period := "overall"
	if opt, ok := opts[topTracksPeriodOption]; ok && opt.StringValue() != "" {
		period = opt.StringValue()
	}

	tracks, err := t.music.TopTracks(ctx, user, period, topTracksFetchLimit)
	if err != nil {
		logger.Warn("top tracks lookup failed", "user", user, tint.Err(err))
		t.editInteractionReply(ctx, i, userFacingMessage(err))
		return
	}
	if len(tracks) == 0 {
		t.editInteractionReply(ctx, i, msgNothingToShow)
		return
	}

	ownerID := ""
	if u := interactionUser(i); u != nil {
		ownerID = u.ID
	}

	messageID, err := t.dispatcher.CreatePaginatedWidget(
		ctx,
		i.ChannelID,
		ownerID,
		anySlice(tracks),
		DefaultPageSize,
		RendererList,
		map[string]any{
			"title": fmt.Sprintf("Top tracks for %s (%s)", user, period),
		},
		t.config.Registry.WidgetLifetime,
		t.config.Registry.ExtendOnInteract,
	)
	if err != nil {
		logger.Error("failed to create widget", tint.Err(err))
		t.editInteractionReply(ctx, i, userFacingMessage(err))
		return
	}

	t.editInteractionReply(
		ctx,
		i,
		fmt.Sprintf("Top tracks for **%s**, coming right up!", user),
	)
	logger.Info(
		"created top tracks widget",
		"message_id", messageID,
		"user", user,
		"period", period,
		"tracks", len(tracks),
	)
}

func (t *Tunecord) editInteractionReply(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	content string,
) {
	logger, ok := ContextLogger(ctx)
	if !ok {
		logger = t.logger
	}
	if _, err := t.discord.session.InteractionResponseEdit(
		i.Interaction,
		&discordgo.WebhookEdit{Content: &content},
	); err != nil {
		logger.ErrorContext(ctx, "failed to edit interaction reply", tint.Err(err))
	}
}

// interactionUser returns the user associated with the interaction. Users
// don't always appear in the same place in the interaction object.
func interactionUser(i *discordgo.InteractionCreate) *discordgo.User {
	u := i.User
	if u == nil && i.Member != nil {
		u = i.Member.User
	}
	return u
}

// userFacingMessage maps core errors onto messages safe to show in chat.
func userFacingMessage(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return msgUserNotFound
	case errors.Is(err, ErrUnavailable), errors.Is(err, ErrTimeout):
		return msgUpstreamTrouble
	case errors.Is(err, ErrCapacity):
		return msgTooManyWidgets
	case errors.Is(err, ErrEmptyDataset):
		return msgNothingToShow
	default:
		return msgGenericFailure
	}
}
