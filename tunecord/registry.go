package tunecord

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/lmittmann/tint"
)

const (
	// DefaultRegistryMaxWidgets is the registry's soft upper bound on live
	// widgets.
	DefaultRegistryMaxWidgets = 1024

	// DefaultRegistrySweepInterval is how often the background sweep runs.
	DefaultRegistrySweepInterval = 5 * time.Second
)

// cleanupFunc performs best-effort chat-platform cleanup for a widget that
// is being torn down. It runs outside the registry lock.
type cleanupFunc func(ctx context.Context, w *Widget)

// WidgetRegistry tracks live widgets by message id and enforces their
// lifetimes. There is no LRU: fairness comes from time-bounded lifetimes,
// not insertion order.
type WidgetRegistry struct {
	mu            sync.Mutex
	widgets       map[string]*Widget
	maxWidgets    int
	sweepInterval time.Duration
	logger        *slog.Logger
	now           func() time.Time
	cleanup       cleanupFunc
}

func NewWidgetRegistry(
	maxWidgets int,
	sweepInterval time.Duration,
	logger *slog.Logger,
) *WidgetRegistry {
	if maxWidgets <= 0 {
		maxWidgets = DefaultRegistryMaxWidgets
	}
	if sweepInterval <= 0 {
		sweepInterval = DefaultRegistrySweepInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WidgetRegistry{
		widgets:       map[string]*Widget{},
		maxWidgets:    maxWidgets,
		sweepInterval: sweepInterval,
		logger:        logger.With(loggerNameKey, "widget_registry"),
		now:           time.Now,
	}
}

// SetCleanup installs the chat-platform cleanup hook invoked for widgets
// removed by Sweep.
func (r *WidgetRegistry) SetCleanup(fn cleanupFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cleanup = fn
}

// Register stores a fully populated widget. It refuses widgets with an
// empty dataset, refuses message id collisions, and at the soft bound runs
// one forced sweep before giving up with ErrCapacity.
func (r *WidgetRegistry) Register(ctx context.Context, w *Widget) (string, error) {
	if len(w.State.Dataset) == 0 {
		return "", ErrEmptyDataset
	}

	now := r.now()

	r.mu.Lock()
	if _, exists := r.widgets[w.MessageID]; exists {
		r.mu.Unlock()
		return "", ErrAlreadyRegistered
	}
	if len(r.widgets) >= r.maxWidgets {
		r.mu.Unlock()
		r.Sweep(ctx, now)
		r.mu.Lock()
		if _, exists := r.widgets[w.MessageID]; exists {
			r.mu.Unlock()
			return "", ErrAlreadyRegistered
		}
		if len(r.widgets) >= r.maxWidgets {
			r.mu.Unlock()
			r.logger.WarnContext(
				ctx,
				"widget registry at capacity",
				"max_widgets", r.maxWidgets,
			)
			return "", ErrCapacity
		}
	}
	r.widgets[w.MessageID] = w
	count := len(r.widgets)
	r.mu.Unlock()

	r.logger.DebugContext(
		ctx,
		"registered widget",
		"message_id", w.MessageID,
		"channel_id", w.ChannelID,
		"expires_at", w.Deadline(),
		"live_widgets", count,
	)
	return w.MessageID, nil
}

// Lookup returns the widget for a message id, if present. Non-blocking.
func (r *WidgetRegistry) Lookup(messageID string) (*Widget, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.widgets[messageID]
	return w, ok
}

// Drop removes a widget unconditionally and reports whether it was
// present.
func (r *WidgetRegistry) Drop(messageID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.widgets[messageID]
	if ok {
		delete(r.widgets, messageID)
	}
	return ok
}

// Len returns the number of live widgets.
func (r *WidgetRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.widgets)
}

// Capacity returns the registry's soft upper bound.
func (r *WidgetRegistry) Capacity() int {
	return r.maxWidgets
}

// Sweep removes every widget whose deadline has passed, then runs chat
// cleanup for each outside the lock. Cleanup failures never abort the
// sweep.
func (r *WidgetRegistry) Sweep(ctx context.Context, now time.Time) {
	var expired []*Widget

	r.mu.Lock()
	for id, w := range r.widgets {
		if !w.Deadline().After(now) {
			expired = append(expired, w)
			delete(r.widgets, id)
		}
	}
	cleanup := r.cleanup
	r.mu.Unlock()

	if len(expired) == 0 {
		return
	}
	r.logger.InfoContext(
		ctx,
		"swept expired widgets",
		"count", len(expired),
	)
	if cleanup == nil {
		return
	}
	for _, w := range expired {
		cleanup(ctx, w)
	}
}

// Watch runs the background sweep until the context is cancelled.
func (r *WidgetRegistry) Watch(ctx context.Context) {
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()
	r.logger.InfoContext(
		ctx,
		"watching widget registry",
		"sweep_interval", r.sweepInterval,
	)
	for {
		select {
		case <-ctx.Done():
			r.logger.InfoContext(ctx, "stopping widget registry sweep")
			return
		case <-ticker.C:
			r.Sweep(ctx, r.now())
		}
	}
}

// dropAll empties the registry, returning the widgets that were live. Used
// on shutdown so cleanup can remove stale reactions.
func (r *WidgetRegistry) dropAll() []*Widget {
	r.mu.Lock()
	defer r.mu.Unlock()
	live := make([]*Widget, 0, len(r.widgets))
	for _, w := range r.widgets {
		live = append(live, w)
	}
	r.widgets = map[string]*Widget{}
	return live
}

// logCleanupErr reports a cleanup failure to the observability sink,
// swallowing not-found and forbidden results.
func logCleanupErr(ctx context.Context, logger *slog.Logger, op string, err error) {
	if err == nil {
		return
	}
	if isMessageGone(err) || isForbidden(err) {
		return
	}
	logger.WarnContext(ctx, "widget cleanup failed", "op", op, tint.Err(err))
}
