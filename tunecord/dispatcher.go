package tunecord

import (
	"context"
	"log/slog"
	"time"

	"github.com/lmittmann/tint"
)

// DispatchOutcome describes what a reaction event resulted in.
type DispatchOutcome string

const (
	// OutcomeIgnored: bot actor, unknown widget, or unbound reactor.
	OutcomeIgnored DispatchOutcome = "ignored"

	// OutcomeActionApplied: the binding's handler ran.
	OutcomeActionApplied DispatchOutcome = "action_applied"

	// OutcomeWidgetExpired: the widget's deadline had passed; it was
	// dropped.
	OutcomeWidgetExpired DispatchOutcome = "widget_expired"

	// OutcomeUnauthorized: the actor failed the binding's policy. No state
	// change, no visible feedback.
	OutcomeUnauthorized DispatchOutcome = "unauthorized"
)

// ReactionDispatcher maps reaction events onto widget actions. It owns all
// dispatch policy: authorization, state transitions, re-rendering, widget
// lifetime extension, and best-effort reaction cleanup. It never surfaces
// errors to the user; failures go to the log and either continue, drop the
// widget, or leave it alone.
type ReactionDispatcher struct {
	registry  *WidgetRegistry
	chat      ChatAdapter
	handlers  *HandlerTable
	renderers *RendererTable
	logger    *slog.Logger
	now       func() time.Time
}

func NewReactionDispatcher(
	registry *WidgetRegistry,
	chat ChatAdapter,
	handlers *HandlerTable,
	renderers *RendererTable,
	logger *slog.Logger,
) *ReactionDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &ReactionDispatcher{
		registry:  registry,
		chat:      chat,
		handlers:  handlers,
		renderers: renderers,
		logger:    logger.With(loggerNameKey, "reaction_dispatcher"),
		now:       time.Now,
	}
	registry.SetCleanup(d.cleanupWidget)
	return d
}

// OnReaction handles a single reaction-added event.
func (d *ReactionDispatcher) OnReaction(
	ctx context.Context,
	event ReactionEvent,
) DispatchOutcome {
	if event.ActorIsBot {
		return OutcomeIgnored
	}

	w, ok := d.registry.Lookup(event.MessageID)
	if !ok {
		return OutcomeIgnored
	}

	now := d.now()
	if w.Expired(now) {
		d.registry.Drop(w.MessageID)
		d.cleanupWidget(ctx, w)
		return OutcomeWidgetExpired
	}

	binding, ok := w.Actions[event.Reactor]
	if !ok {
		return OutcomeIgnored
	}

	if binding.Policy == ActorOwnerOnly && event.ActorID != binding.OwnerID {
		return OutcomeUnauthorized
	}

	// Remove the actor's reaction so the emoji stays "pressable".
	// Missing-permission and message-gone failures are swallowed.
	if err := d.chat.DeleteReaction(
		ctx,
		w.ChannelID,
		w.MessageID,
		event.Reactor,
		event.ActorID,
	); err != nil {
		logCleanupErr(ctx, d.logger, "delete_reaction", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	index, terminate, err := binding.Handler.Apply(d.handlers, w.State)
	if err != nil {
		d.logger.ErrorContext(
			ctx,
			"handler failed",
			"message_id", w.MessageID,
			"reactor", event.Reactor,
			tint.Err(err),
		)
		return OutcomeIgnored
	}

	if terminate {
		d.registry.Drop(w.MessageID)
		if err := d.chat.DeleteMessage(ctx, w.ChannelID, w.MessageID); err != nil {
			logCleanupErr(ctx, d.logger, "delete_message", err)
		}
		return OutcomeActionApplied
	}

	w.State.Index = index

	// Only widgets still owned by the registry get their lifetime
	// extended; a sweep racing this dispatch must not be undone.
	if _, live := d.registry.Lookup(w.MessageID); live {
		w.Extend(d.now())
	}

	page := d.renderers.Render(w.State)
	if err := d.chat.EditMessage(
		ctx,
		w.ChannelID,
		w.MessageID,
		page.Text,
		page.Embed,
	); err != nil {
		if isMessageGone(err) {
			d.registry.Drop(w.MessageID)
			return OutcomeActionApplied
		}
		d.logger.ErrorContext(
			ctx,
			"failed to edit widget message",
			"message_id", w.MessageID,
			"channel_id", w.ChannelID,
			tint.Err(err),
		)
	}
	return OutcomeActionApplied
}

// CreatePaginatedWidget renders page 0 of the dataset, sends it, attaches
// the standard prev/next/cancel reactions, and registers the widget. On a
// registration failure the sent message is deleted best-effort.
func (d *ReactionDispatcher) CreatePaginatedWidget(
	ctx context.Context,
	channelID string,
	ownerID string,
	dataset []any,
	pageSize int,
	rendererName string,
	rendererArgs map[string]any,
	expiresIn time.Duration,
	extendOnInteract time.Duration,
) (string, error) {
	if len(dataset) == 0 {
		return "", ErrEmptyDataset
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if expiresIn <= 0 {
		expiresIn = DefaultWidgetLifetime
	}
	if extendOnInteract <= 0 {
		extendOnInteract = DefaultExtendOnInteract
	}

	state := WidgetState{
		Index:        0,
		PageSize:     pageSize,
		Dataset:      dataset,
		RendererName: rendererName,
		RendererArgs: rendererArgs,
	}
	page := d.renderers.Render(state)

	messageID, err := d.chat.SendMessage(ctx, channelID, page.Text, page.Embed)
	if err != nil {
		return "", err
	}

	w := &Widget{
		MessageID:        messageID,
		ChannelID:        channelID,
		OwnerID:          ownerID,
		ExtendOnInteract: extendOnInteract,
		Actions:          standardActions(ownerID, ActorAnyNonBot),
		State:            state,
	}
	w.SetDeadline(d.now().Add(expiresIn))

	if _, err := d.registry.Register(ctx, w); err != nil {
		if delErr := d.chat.DeleteMessage(ctx, channelID, messageID); delErr != nil {
			logCleanupErr(ctx, d.logger, "delete_message", delErr)
		}
		return "", err
	}

	for _, reactor := range []string{ReactorPrev, ReactorNext, ReactorCancel} {
		if err := d.chat.AddReaction(ctx, channelID, messageID, reactor); err != nil {
			logCleanupErr(ctx, d.logger, "add_reaction", err)
			break
		}
	}

	d.logger.InfoContext(
		ctx,
		"created paginated widget",
		"message_id", messageID,
		"channel_id", channelID,
		"owner_id", ownerID,
		"dataset_size", len(dataset),
		"page_size", pageSize,
	)
	return messageID, nil
}

// cleanupWidget removes the widget's reactions on teardown. With
// manage-messages permission it strips all reactions, otherwise only the
// bot's own. A message-gone result means there is nothing left to clean.
func (d *ReactionDispatcher) cleanupWidget(ctx context.Context, w *Widget) {
	perms, err := d.chat.Permissions(w.ChannelID)
	if err != nil {
		logCleanupErr(ctx, d.logger, "permissions", err)
	}
	if perms.CanManageMessages {
		err := d.chat.DeleteAllReactions(ctx, w.ChannelID, w.MessageID)
		if err == nil || isMessageGone(err) {
			return
		}
		logCleanupErr(ctx, d.logger, "delete_all_reactions", err)
	}
	for reactor := range w.Actions {
		err := d.chat.DeleteReaction(ctx, w.ChannelID, w.MessageID, reactor, "")
		if err != nil {
			if isMessageGone(err) {
				return
			}
			logCleanupErr(ctx, d.logger, "delete_reaction", err)
		}
	}
}
