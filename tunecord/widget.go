package tunecord

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// DefaultWidgetLifetime is how long a widget stays live without any
	// accepted interaction.
	DefaultWidgetLifetime = 60 * time.Second

	// DefaultExtendOnInteract is added to a widget's deadline on each
	// accepted interaction.
	DefaultExtendOnInteract = 10 * time.Second

	// ReactorPrev is the reaction emoji bound to the previous-page action.
	ReactorPrev = "◀"

	// ReactorNext is the reaction emoji bound to the next-page action.
	ReactorNext = "▶"

	// ReactorCancel is the reaction emoji bound to the cancel action.
	ReactorCancel = "❌"
)

// ActorPolicy determines which users a reaction binding accepts.
type ActorPolicy string

const (
	// ActorOwnerOnly accepts reactions only from the binding's owner.
	ActorOwnerOnly ActorPolicy = "owner_only"

	// ActorAnyNonBot accepts reactions from any non-bot user.
	ActorAnyNonBot ActorPolicy = "any_non_bot"
)

// HandlerKind identifies a state-transition handler. Handler references
// are a closed set of tagged variants rather than arbitrary callables, so
// widget state stays serializable and no reflection is needed at dispatch.
type HandlerKind string

const (
	HandlerPrev   HandlerKind = "prev"
	HandlerNext   HandlerKind = "next"
	HandlerCancel HandlerKind = "cancel"
	HandlerCustom HandlerKind = "custom"
)

// HandlerFunc is a pure state transition. It must not mutate the state it
// receives. The returned index is the new page start; terminate requests
// widget teardown.
type HandlerFunc func(st WidgetState, args map[string]any) (index int, terminate bool)

// ActionHandler is a reference to a state transition. For HandlerCustom,
// FuncID is resolved through the dispatcher's handler table.
type ActionHandler struct {
	Kind   HandlerKind    `json:"kind"`
	FuncID string         `json:"func_id,omitempty"`
	Args   map[string]any `json:"args,omitempty"`
}

// ActionBinding maps one reaction emoji on a widget to a handler and the
// policy controlling who may trigger it.
type ActionBinding struct {
	Reactor string        `json:"reactor"`
	Policy  ActorPolicy   `json:"policy"`
	OwnerID string        `json:"owner_id,omitempty"`
	Handler ActionHandler `json:"handler"`
}

// WidgetState is the paging state a renderer and the standard handlers
// operate on. Dataset is owned by the widget and must never be mutated by
// handlers or renderers.
type WidgetState struct {
	Index        int
	PageSize     int
	Dataset      []any
	RendererName string
	RendererArgs map[string]any
}

// Widget is a chat message with attached interactive state, keyed by its
// message id. The registry owns all live widgets; handler and renderer
// functions are referenced by name, never owned.
type Widget struct {
	MessageID        string
	ChannelID        string
	OwnerID          string
	ExtendOnInteract time.Duration
	Actions          map[string]ActionBinding
	State            WidgetState

	// expiresAt is the deadline in unix nanoseconds. Dispatchers extend
	// it while holding w.mu and the registry sweeper reads it while
	// holding its own lock, so the field itself must be atomic.
	expiresAt atomic.Int64

	// mu serializes handler→render→edit→extend for this widget, so
	// concurrent reactions on one widget observe some sequential order.
	mu sync.Mutex
}

// Deadline returns the instant the widget expires.
func (w *Widget) Deadline() time.Time {
	return time.Unix(0, w.expiresAt.Load())
}

// SetDeadline replaces the widget's deadline unconditionally. Used only
// when building a widget, before it is registered.
func (w *Widget) SetDeadline(t time.Time) {
	w.expiresAt.Store(t.UnixNano())
}

// Expired reports whether the widget's deadline has passed at the given
// instant.
func (w *Widget) Expired(now time.Time) bool {
	return now.UnixNano() > w.expiresAt.Load()
}

// Extend pushes the deadline forward by the widget's configured extension.
// The deadline is monotonic non-decreasing over the widget's lifetime,
// even when extensions race each other.
func (w *Widget) Extend(now time.Time) {
	next := now.Add(w.ExtendOnInteract).UnixNano()
	for {
		current := w.expiresAt.Load()
		if next <= current {
			return
		}
		if w.expiresAt.CompareAndSwap(current, next) {
			return
		}
	}
}

// prevIndex implements the previous-page transition. From index 0 it wraps
// to the start of the last page, clamped so a short final page still lands
// on a valid index.
func prevIndex(index, size, pageSize int) int {
	if size <= 0 || pageSize >= size {
		return 0
	}
	if index == 0 {
		wrapped := size - ((size-1)%pageSize + 1)
		if wrapped < 0 {
			return 0
		}
		return wrapped
	}
	next := index - pageSize
	if next < 0 {
		return 0
	}
	return next
}

// nextIndex implements the next-page transition, wrapping to 0 past the
// end of the dataset.
func nextIndex(index, size, pageSize int) int {
	if size <= 0 || pageSize >= size {
		return 0
	}
	if index+pageSize >= size {
		return 0
	}
	return index + pageSize
}

// Apply resolves and runs the handler against the given state. Custom
// handlers are looked up in the table by FuncID.
func (h ActionHandler) Apply(table *HandlerTable, st WidgetState) (int, bool, error) {
	switch h.Kind {
	case HandlerPrev:
		return prevIndex(st.Index, len(st.Dataset), st.PageSize), false, nil
	case HandlerNext:
		return nextIndex(st.Index, len(st.Dataset), st.PageSize), false, nil
	case HandlerCancel:
		return st.Index, true, nil
	case HandlerCustom:
		fn, ok := table.Lookup(h.FuncID)
		if !ok {
			return st.Index, false, fmt.Errorf("unknown handler func: %q", h.FuncID)
		}
		index, terminate := fn(st, h.Args)
		if index < 0 {
			index = 0
		}
		return index, terminate, nil
	default:
		return st.Index, false, fmt.Errorf("unknown handler kind: %q", h.Kind)
	}
}

// HandlerTable resolves custom handler ids to functions. Registration
// happens at startup; lookups are safe from concurrent dispatchers.
type HandlerTable struct {
	mu    sync.RWMutex
	funcs map[string]HandlerFunc
}

func NewHandlerTable() *HandlerTable {
	return &HandlerTable{funcs: map[string]HandlerFunc{}}
}

// Register binds a handler id to a function, replacing any previous
// binding for the same id.
func (t *HandlerTable) Register(id string, fn HandlerFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.funcs[id] = fn
}

func (t *HandlerTable) Lookup(id string) (HandlerFunc, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	fn, ok := t.funcs[id]
	return fn, ok
}

// standardActions returns the prev/next/cancel bindings for a paginated
// widget owned by ownerID.
func standardActions(ownerID string, policy ActorPolicy) map[string]ActionBinding {
	return map[string]ActionBinding{
		ReactorPrev: {
			Reactor: ReactorPrev,
			Policy:  policy,
			OwnerID: ownerID,
			Handler: ActionHandler{Kind: HandlerPrev},
		},
		ReactorNext: {
			Reactor: ReactorNext,
			Policy:  policy,
			OwnerID: ownerID,
			Handler: ActionHandler{Kind: HandlerNext},
		},
		ReactorCancel: {
			Reactor: ReactorCancel,
			Policy:  ActorOwnerOnly,
			OwnerID: ownerID,
			Handler: ActionHandler{Kind: HandlerCancel},
		},
	}
}
