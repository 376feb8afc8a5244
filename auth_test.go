package questdb

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"golang.org/x/crypto/bcrypt"
)

func newTestGate(t *testing.T) *AuthGate {
	hash, err := bcrypt.GenerateFromPassword([]byte("quest"), bcrypt.MinCost)
	assert.NoError(t, err)
	gate, err := NewAuthGate(map[string]string{"admin": string(hash)}, time.Second, nil)
	assert.NoError(t, err)
	t.Cleanup(gate.Close)
	return gate
}

func waitTriggered(t *testing.T, tok *SuspendToken) {
	deadline := time.Now().Add(2 * time.Second)
	for !tok.Triggered() {
		if time.Now().After(deadline) {
			t.Fatal("suspend token never triggered")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestAuthGateAccepts(t *testing.T) {
	gate := newTestGate(t)
	ctx := NewConnContext(5)

	tok := gate.Begin(ctx, "admin", "quest")
	assert.Same(t, tok, ctx.SuspendToken())

	waitTriggered(t, tok)
	assert.True(t, ctx.Authorized())
}

func TestAuthGateRejectsBadPassword(t *testing.T) {
	gate := newTestGate(t)
	ctx := NewConnContext(5)

	tok := gate.Begin(ctx, "admin", "wrong")
	waitTriggered(t, tok)
	assert.False(t, ctx.Authorized())
}

func TestAuthGateRejectsUnknownUser(t *testing.T) {
	gate := newTestGate(t)
	ctx := NewConnContext(5)

	tok := gate.Begin(ctx, "nobody", "quest")
	waitTriggered(t, tok)
	assert.False(t, ctx.Authorized())
}

func TestAuthGateRepeatedVerdicts(t *testing.T) {
	gate := newTestGate(t)

	for i := 0; i < 3; i++ {
		ctx := NewConnContext(5 + i)
		tok := gate.Begin(ctx, "admin", "quest")
		waitTriggered(t, tok)
		assert.True(t, ctx.Authorized())
	}
}

func TestAuthGateTokenDeadline(t *testing.T) {
	clock := &testClock{now: 1_000_000}
	gate, err := NewAuthGate(map[string]string{}, time.Second, clock)
	assert.NoError(t, err)
	defer gate.Close()

	ctx := NewConnContext(5)
	tok := gate.Begin(ctx, "admin", "quest")

	assert.False(t, tok.deadlineMet(clock.now))
	assert.True(t, tok.deadlineMet(clock.now+time.Second.Microseconds()))
}
