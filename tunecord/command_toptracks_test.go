package tunecord

import (
	"fmt"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUserFacingMessage(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{"not found", &NotFoundError{Message: "User not found"}, msgUserNotFound},
		{"unavailable", fmt.Errorf("%w: refused", ErrUnavailable), msgUpstreamTrouble},
		{"timeout", ErrTimeout, msgUpstreamTrouble},
		{"capacity", ErrCapacity, msgTooManyWidgets},
		{"empty dataset", ErrEmptyDataset, msgNothingToShow},
		{"protocol error", &ProtocolError{Status: 502}, msgGenericFailure},
		{"anything else", fmt.Errorf("boom"), msgGenericFailure},
	}

	for _, tt := range tests {
		t.Run(
			tt.name, func(t *testing.T) {
				assert.Equal(t, tt.expected, userFacingMessage(tt.err))
			},
		)
	}
}

func TestAppCommandTopTracks(t *testing.T) {
	cmd := appCommandTopTracks()

	assert.Equal(t, SlashCommandTopTracks, cmd.Name)
	require.Len(t, cmd.Options, 2)
	assert.Equal(t, topTracksUserOption, cmd.Options[0].Name)
	assert.True(t, cmd.Options[0].Required)
	assert.Equal(t, topTracksPeriodOption, cmd.Options[1].Name)
	assert.False(t, cmd.Options[1].Required)
	assert.Len(t, cmd.Options[1].Choices, 4)
}

func TestInteractionOptions(t *testing.T) {
	i := &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			Type: discordgo.InteractionApplicationCommand,
			Data: discordgo.ApplicationCommandInteractionData{
				Name: SlashCommandTopTracks,
				Options: []*discordgo.ApplicationCommandInteractionDataOption{
					{
						Name:  topTracksUserOption,
						Type:  discordgo.ApplicationCommandOptionString,
						Value: "alice",
					},
					{
						Name:  topTracksPeriodOption,
						Type:  discordgo.ApplicationCommandOptionString,
						Value: "7day",
					},
				},
			},
		},
	}

	opts := interactionOptions(i)
	require.Contains(t, opts, topTracksUserOption)
	require.Contains(t, opts, topTracksPeriodOption)
	assert.Equal(t, "alice", opts[topTracksUserOption].StringValue())
	assert.Equal(t, "7day", opts[topTracksPeriodOption].StringValue())
}

func TestInteractionUser(t *testing.T) {
	direct := &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			User: &discordgo.User{ID: "user-1"},
		},
	}
	require.NotNil(t, interactionUser(direct))
	assert.Equal(t, "user-1", interactionUser(direct).ID)

	guild := &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			Member: &discordgo.Member{User: &discordgo.User{ID: "user-2"}},
		},
	}
	require.NotNil(t, interactionUser(guild))
	assert.Equal(t, "user-2", interactionUser(guild).ID)

	assert.Nil(
		t,
		interactionUser(&discordgo.InteractionCreate{Interaction: &discordgo.Interaction{}}),
	)
}
