package token

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qrattend/internal/session"
)

const (
	testKey    = "test-signing-secret"
	testIssuer = "qrattend-test"
)

func openSession(start, end time.Time) session.Session {
	return session.Session{
		ID:      "sess-1",
		ClassID: "class-1",
		StartAt: start,
		EndAt:   end,
		Status:  session.StatusOpen,
	}
}

func issuerAt(now time.Time) *Issuer {
	i := NewIssuer(testKey, testIssuer)
	i.now = func() time.Time { return now }
	return i
}

func TestIssuer_Issue(t *testing.T) {
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)

	t.Run("expiry is now plus ttl inside the window", func(t *testing.T) {
		now := start.Add(30 * time.Minute)
		i := issuerAt(now)

		payload, expiresAt, err := i.Issue(openSession(start, end), 60*time.Second)
		require.NoError(t, err)
		assert.True(t, expiresAt.Equal(now.Add(60*time.Second)))

		claims, err := i.Verify(payload, now)
		require.NoError(t, err)
		assert.Equal(t, "sess-1", claims.SessionID)
	})

	t.Run("expiry clamps to the session end", func(t *testing.T) {
		now := start.Add(30 * time.Minute)
		i := issuerAt(now)

		_, expiresAt, err := i.Issue(openSession(start, end), 2*time.Hour)
		require.NoError(t, err)
		assert.True(t, expiresAt.Equal(end), "token must not outlive its session")
	})

	t.Run("refuses a closed session", func(t *testing.T) {
		i := issuerAt(start)
		sess := openSession(start, end)
		sess.Status = session.StatusClosed

		_, _, err := i.Issue(sess, time.Minute)
		assert.ErrorIs(t, err, ErrSessionNotOpen)
	})
}

func TestIssuer_Verify(t *testing.T) {
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)
	now := start.Add(30 * time.Minute)

	i := issuerAt(now)
	payload, _, err := i.Issue(openSession(start, end), 60*time.Second)
	require.NoError(t, err)

	t.Run("valid before expiry", func(t *testing.T) {
		claims, err := i.Verify(payload, now.Add(30*time.Second))
		require.NoError(t, err)
		assert.Equal(t, "sess-1", claims.SessionID)
	})

	t.Run("expired after expiry", func(t *testing.T) {
		_, err := i.Verify(payload, now.Add(2*time.Minute))
		assert.ErrorIs(t, err, ErrExpired)
	})

	t.Run("tampered payload is invalid, not expired", func(t *testing.T) {
		_, err := i.Verify(payload+"x", now)
		assert.ErrorIs(t, err, ErrInvalid)
	})

	t.Run("token signed with a different key is invalid", func(t *testing.T) {
		other := NewIssuer("other-key", testIssuer)
		other.now = func() time.Time { return now }
		foreign, _, err := other.Issue(openSession(start, end), 60*time.Second)
		require.NoError(t, err)

		_, err = i.Verify(foreign, now)
		assert.ErrorIs(t, err, ErrInvalid)
	})

	t.Run("token from a different issuer is invalid", func(t *testing.T) {
		other := NewIssuer(testKey, "someone-else")
		other.now = func() time.Time { return now }
		foreign, _, err := other.Issue(openSession(start, end), 60*time.Second)
		require.NoError(t, err)

		_, err = i.Verify(foreign, now)
		assert.ErrorIs(t, err, ErrInvalid)
	})

	t.Run("garbage payload is invalid", func(t *testing.T) {
		_, err := i.Verify("not-a-token", now)
		assert.ErrorIs(t, err, ErrInvalid)
	})
}
