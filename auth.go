package questdb

import (
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"
)

// AuthGate resolves credential checks off the dispatcher thread. A worker
// that needs authorization calls Begin, attaches the returned token to the
// context and re-registers it; the dispatcher keeps watching the connection
// for disconnects while the bcrypt comparison runs in the background, and
// resumes normal dispatch once the token triggers. Recent verdicts are
// cached so repeated connects from the same client skip the hash entirely.
type AuthGate struct {
	users    map[string][]byte // user -> bcrypt hash
	verdicts *ristretto.Cache
	timeout  time.Duration
	clock    Clock
}

func NewAuthGate(users map[string]string, timeout time.Duration, clock Clock) (*AuthGate, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1 << 14,
		MaxCost:     1 << 20,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	if clock == nil {
		clock = sysClock{}
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	hashes := make(map[string][]byte, len(users))
	for user, hash := range users {
		hashes[user] = []byte(hash)
	}
	return &AuthGate{
		users:    hashes,
		verdicts: cache,
		timeout:  timeout,
		clock:    clock,
	}, nil
}

// Begin starts an asynchronous credential check and suspends the context
// until it resolves. The verdict lands in ctx.Authorized() before the token
// triggers; a token that expires instead means the check never finished.
func (g *AuthGate) Begin(ctx *ConnContext, user, secret string) *SuspendToken {
	tok := NewSuspendToken(g.clock.Micros() + g.timeout.Microseconds())
	ctx.Suspend(tok)

	key := user + "\x00" + secret
	if verdict, ok := g.verdicts.Get(key); ok {
		ctx.authorized = verdict.(bool)
		tok.Trigger()
		return tok
	}

	go func() {
		ok := g.verify(user, secret)
		g.verdicts.Set(key, ok, 1)
		ctx.authorized = ok
		tok.Trigger()
	}()
	return tok
}

func (g *AuthGate) verify(user, secret string) bool {
	hash, ok := g.users[user]
	if !ok {
		return false
	}
	err := bcrypt.CompareHashAndPassword(hash, []byte(secret))
	if err != nil && err != bcrypt.ErrMismatchedHashAndPassword {
		log.Error().Msgf("got error while verifying credentials for %s: %+v", user, err)
	}
	return err == nil
}

func (g *AuthGate) Close() {
	g.verdicts.Close()
}
