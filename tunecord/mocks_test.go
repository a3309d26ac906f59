package tunecord

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
)

func testLogger(t testing.TB) *slog.Logger {
	t.Helper()
	return slog.New(
		slog.NewTextHandler(
			io.Discard,
			&slog.HandlerOptions{Level: slog.LevelDebug},
		),
	)
}

type mockMessage struct {
	ChannelID string
	MessageID string
	Text      string
	Embed     *discordgo.MessageEmbed
}

type mockReaction struct {
	ChannelID string
	MessageID string
	Reactor   string
	ActorID   string
}

// mockChatAdapter is an in-memory ChatAdapter recording every call, with
// injectable failures per method.
type mockChatAdapter struct {
	mu sync.Mutex

	nextMessageID int

	perms    ChannelPermissions
	permsErr error

	sendErr              error
	editErr              error
	deleteMessageErr     error
	addReactionErr       error
	deleteReactionErr    error
	deleteAllReactionErr error

	sent             []mockMessage
	edits            []mockMessage
	deletedMessages  []string
	addedReactions   []mockReaction
	removedReactions []mockReaction
	removedAll       []string
}

func newMockChatAdapter() *mockChatAdapter {
	return &mockChatAdapter{
		perms: ChannelPermissions{CanManageMessages: true, CanAddReactions: true},
	}
}

func (m *mockChatAdapter) SendMessage(
	_ context.Context,
	channelID string,
	text string,
	embed *discordgo.MessageEmbed,
) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return "", m.sendErr
	}
	m.nextMessageID++
	id := fmt.Sprintf("msg-%d", m.nextMessageID)
	m.sent = append(
		m.sent, mockMessage{
			ChannelID: channelID,
			MessageID: id,
			Text:      text,
			Embed:     embed,
		},
	)
	return id, nil
}

func (m *mockChatAdapter) EditMessage(
	_ context.Context,
	channelID string,
	messageID string,
	text string,
	embed *discordgo.MessageEmbed,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.editErr != nil {
		return m.editErr
	}
	m.edits = append(
		m.edits, mockMessage{
			ChannelID: channelID,
			MessageID: messageID,
			Text:      text,
			Embed:     embed,
		},
	)
	return nil
}

func (m *mockChatAdapter) DeleteMessage(
	_ context.Context,
	_ string,
	messageID string,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deleteMessageErr != nil {
		return m.deleteMessageErr
	}
	m.deletedMessages = append(m.deletedMessages, messageID)
	return nil
}

func (m *mockChatAdapter) AddReaction(
	_ context.Context,
	channelID string,
	messageID string,
	reactor string,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.addReactionErr != nil {
		return m.addReactionErr
	}
	m.addedReactions = append(
		m.addedReactions, mockReaction{
			ChannelID: channelID,
			MessageID: messageID,
			Reactor:   reactor,
		},
	)
	return nil
}

func (m *mockChatAdapter) DeleteReaction(
	_ context.Context,
	channelID string,
	messageID string,
	reactor string,
	actorID string,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deleteReactionErr != nil {
		return m.deleteReactionErr
	}
	m.removedReactions = append(
		m.removedReactions, mockReaction{
			ChannelID: channelID,
			MessageID: messageID,
			Reactor:   reactor,
			ActorID:   actorID,
		},
	)
	return nil
}

func (m *mockChatAdapter) DeleteAllReactions(
	_ context.Context,
	_ string,
	messageID string,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deleteAllReactionErr != nil {
		return m.deleteAllReactionErr
	}
	m.removedAll = append(m.removedAll, messageID)
	return nil
}

func (m *mockChatAdapter) Permissions(string) (ChannelPermissions, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.perms, m.permsErr
}

func (m *mockChatAdapter) editCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.edits)
}

func (m *mockChatAdapter) removedAllCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.removedAll)
}

// newTestWidget returns a live widget with the standard reaction bindings
// over a five-element dataset with page size two.
func newTestWidget(messageID string, ownerID string, expiresAt time.Time) *Widget {
	w := &Widget{
		MessageID:        messageID,
		ChannelID:        "chan-1",
		OwnerID:          ownerID,
		ExtendOnInteract: 10 * time.Second,
		Actions:          standardActions(ownerID, ActorAnyNonBot),
		State: WidgetState{
			Index:    0,
			PageSize: 2,
			Dataset:  []any{"a", "b", "c", "d", "e"},
		},
	}
	w.SetDeadline(expiresAt)
	return w
}
