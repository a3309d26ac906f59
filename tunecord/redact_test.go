package tunecord

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"testing"

	"github.com/lmittmann/tint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedactorRedact(t *testing.T) {
	r := NewRedactor("sekrit", "hunter2", "")

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"no secrets", "nothing to see", "nothing to see"},
		{"single secret", "key=sekrit", "key=[redacted]"},
		{
			"multiple occurrences",
			"sekrit and sekrit again",
			"[redacted] and [redacted] again",
		},
		{
			"multiple secrets",
			"token hunter2 key sekrit",
			"token [redacted] key [redacted]",
		},
		{"empty input", "", ""},
	}

	for _, tt := range tests {
		t.Run(
			tt.name, func(t *testing.T) {
				assert.Equal(t, tt.expected, r.Redact(tt.input))
			},
		)
	}
}

// An empty secret must never be registered, or Redact would mangle every
// string.
func TestRedactorIgnoresEmptySecrets(t *testing.T) {
	r := NewRedactor("")
	assert.Equal(t, "untouched", r.Redact("untouched"))
}

func TestRedactErr(t *testing.T) {
	r := NewRedactor("sekrit")

	t.Run(
		"nil error", func(t *testing.T) {
			assert.NoError(t, r.RedactErr(nil))
		},
	)

	t.Run(
		"clean error passes through", func(t *testing.T) {
			err := errors.New("nothing sensitive")
			assert.Same(t, err, r.RedactErr(err))
			assert.False(t, isRedacted(err))
		},
	)

	t.Run(
		"scrubbed error keeps its chain", func(t *testing.T) {
			inner := fmt.Errorf("%w: dial with key sekrit", ErrUnavailable)
			scrubbed := r.RedactErr(inner)

			require.Error(t, scrubbed)
			assert.NotContains(t, scrubbed.Error(), "sekrit")
			assert.Contains(t, scrubbed.Error(), redactedPlaceholder)
			assert.ErrorIs(t, scrubbed, ErrUnavailable)
			assert.True(t, isRedacted(scrubbed))
		},
	)
}

func TestRedactingHandler(t *testing.T) {
	const secret = "sekrit"
	r := NewRedactor(secret)

	newLogger := func(buf *bytes.Buffer) *slog.Logger {
		return slog.New(
			NewRedactingHandler(
				slog.NewTextHandler(
					buf,
					&slog.HandlerOptions{Level: slog.LevelDebug},
				),
				r,
			),
		)
	}

	t.Run(
		"message", func(t *testing.T) {
			var buf bytes.Buffer
			newLogger(&buf).Info("token is sekrit")
			assert.NotContains(t, buf.String(), secret)
			assert.Contains(t, buf.String(), redactedPlaceholder)
		},
	)

	t.Run(
		"string attr", func(t *testing.T) {
			var buf bytes.Buffer
			newLogger(&buf).Info("fetch", "url", "https://x/?api_key=sekrit")
			assert.NotContains(t, buf.String(), secret)
		},
	)

	t.Run(
		"grouped attr", func(t *testing.T) {
			var buf bytes.Buffer
			newLogger(&buf).Info(
				"fetch",
				slog.Group("request", "key", "sekrit", "user", "alice"),
			)
			assert.NotContains(t, buf.String(), secret)
			assert.Contains(t, buf.String(), "alice")
		},
	)

	t.Run(
		"error attr", func(t *testing.T) {
			var buf bytes.Buffer
			newLogger(&buf).Error(
				"fetch failed",
				tint.Err(errors.New("bad key sekrit")),
			)
			assert.NotContains(t, buf.String(), secret)
		},
	)

	t.Run(
		"with attrs", func(t *testing.T) {
			var buf bytes.Buffer
			newLogger(&buf).With("token", "sekrit").Info("started")
			assert.NotContains(t, buf.String(), secret)
		},
	)
}
