package tunecord

import (
	"fmt"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"
)

const (
	// discordMaxMessageLength is Discord's limit on message content.
	discordMaxMessageLength = 2000

	// discordMaxEmbedDescription is Discord's limit on an embed description.
	discordMaxEmbedDescription = 4096

	// DefaultPageSize is the number of dataset entries shown per page when
	// a command doesn't specify one.
	DefaultPageSize = 10

	// RendererList is the id of the built-in line-per-entry renderer.
	RendererList = "list"
)

// Page is a rendered widget page. At least one of Text and Embed is set.
type Page struct {
	Text  string
	Embed *discordgo.MessageEmbed
}

// RendererFunc produces a page from a dataset slice. Renderers must be
// pure: no I/O, no mutation of the dataset, and byte-identical output for
// identical inputs, so repeated interactions are idempotent.
type RendererFunc func(st WidgetState) Page

// RendererTable resolves renderer ids to functions. The built-in list
// renderer is always present.
type RendererTable struct {
	mu    sync.RWMutex
	funcs map[string]RendererFunc
}

func NewRendererTable() *RendererTable {
	return &RendererTable{
		funcs: map[string]RendererFunc{
			RendererList: renderList,
		},
	}
}

// Register binds a renderer id to a function, replacing any previous
// binding for the same id.
func (t *RendererTable) Register(id string, fn RendererFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.funcs[id] = fn
}

func (t *RendererTable) Lookup(id string) (RendererFunc, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	fn, ok := t.funcs[id]
	return fn, ok
}

// Render produces the page for the given state, falling back to the list
// renderer for unknown ids so a stale reference still re-renders safely.
func (t *RendererTable) Render(st WidgetState) Page {
	fn, ok := t.Lookup(st.RendererName)
	if !ok {
		fn = renderList
	}
	return fn(st)
}

// pageBounds returns the [start, end) slice bounds for the current page,
// clamped to the dataset.
func pageBounds(index, pageSize, size int) (int, int) {
	if index < 0 {
		index = 0
	}
	if index > size {
		index = size
	}
	end := index + pageSize
	if end > size {
		end = size
	}
	return index, end
}

// renderList renders one dataset entry per line inside an embed, with a
// page footer. RendererArgs: "title" (string) sets the embed title.
func renderList(st WidgetState) Page {
	size := len(st.Dataset)
	start, end := pageBounds(st.Index, st.PageSize, size)

	var b strings.Builder
	for i := start; i < end; i++ {
		fmt.Fprintf(&b, "%d. %s\n", i+1, formatEntry(st.Dataset[i]))
	}
	description := truncate(
		strings.TrimRight(b.String(), "\n"),
		discordMaxEmbedDescription,
	)

	var title string
	if v, ok := st.RendererArgs["title"].(string); ok {
		title = truncate(v, 256)
	}

	totalPages := 1
	if st.PageSize > 0 && size > 0 {
		totalPages = (size + st.PageSize - 1) / st.PageSize
	}
	currentPage := 1
	if st.PageSize > 0 {
		currentPage = start/st.PageSize + 1
	}

	return Page{
		Embed: &discordgo.MessageEmbed{
			Title:       title,
			Description: description,
			Footer: &discordgo.MessageEmbedFooter{
				Text: fmt.Sprintf("Page %d/%d", currentPage, totalPages),
			},
		},
	}
}

// formatEntry renders a single dataset entry. Entries are either plain
// strings or fmt.Stringer values; anything else falls back to %v.
func formatEntry(v any) string {
	switch e := v.(type) {
	case string:
		return e
	case fmt.Stringer:
		return e.String()
	default:
		return fmt.Sprintf("%v", e)
	}
}
