package notification

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiter_Allow(t *testing.T) {
	t.Run("allows up to the limit", func(t *testing.T) {
		rl := NewRateLimiter(time.Minute, 3)

		assert.True(t, rl.Allow("handoff:conv-1"))
		assert.True(t, rl.Allow("handoff:conv-1"))
		assert.True(t, rl.Allow("handoff:conv-1"))
		assert.False(t, rl.Allow("handoff:conv-1"))
	})

	t.Run("keys are independent", func(t *testing.T) {
		rl := NewRateLimiter(time.Minute, 1)

		assert.True(t, rl.Allow("handoff:conv-1"))
		assert.False(t, rl.Allow("handoff:conv-1"))
		assert.True(t, rl.Allow("handoff:conv-2"))
	})

	t.Run("window expiry frees budget", func(t *testing.T) {
		rl := NewRateLimiter(30*time.Millisecond, 1)

		assert.True(t, rl.Allow("timeout:conv-1"))
		assert.False(t, rl.Allow("timeout:conv-1"))

		time.Sleep(50 * time.Millisecond)
		assert.True(t, rl.Allow("timeout:conv-1"))
	})
}

func TestBuildHandoffAlertHTML(t *testing.T) {
	t.Run("includes identifiers and dashboard link", func(t *testing.T) {
		body := buildHandoffAlertHTML("conv-1", "sess-1", "https://agents.example.com/handoff")

		assert.Contains(t, body, "conv-1")
		assert.Contains(t, body, "sess-1")
		assert.Contains(t, body, `href="https://agents.example.com/handoff/sess-1"`)
	})

	t.Run("no dashboard URL renders fallback text", func(t *testing.T) {
		body := buildHandoffAlertHTML("conv-1", "sess-1", "")

		assert.NotContains(t, body, "href=")
		assert.Contains(t, body, "agent dashboard")
	})

	t.Run("escapes markup in identifiers", func(t *testing.T) {
		body := buildHandoffAlertHTML(`<script>x</script>`, `sess"1`, "")

		assert.NotContains(t, body, "<script>x</script>")
		assert.False(t, strings.Contains(body, `sess"1`))
	})
}

func TestSplitAndTrim(t *testing.T) {
	assert.Equal(t, []string{"a@example.com", "b@example.com"},
		splitAndTrim(" a@example.com , b@example.com "))
	assert.Equal(t, []string{"one"}, splitAndTrim("one"))
	assert.Empty(t, splitAndTrim(""))
	assert.Empty(t, splitAndTrim(" , , "))
}
