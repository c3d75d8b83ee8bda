package dht

import (
	"crypto/rand"
	"crypto/subtle"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/crypto/blake2b"
)

const (
	// tokenRotateInterval is how often the secret rotates. Tokens issued
	// under the previous secret remain valid for one extra period, which
	// keeps them honored for roughly the BEP 5 ten-minute window.
	tokenRotateInterval = 5 * time.Minute

	// tokenSize is the truncated keyed-hash length on the wire.
	tokenSize = 8

	secretSize = 32
)

// TokenStore issues and validates the write tokens that gate
// announce_peer. A token is a keyed hash of the requester's IP under a
// rotating per-process secret; nothing is ever persisted.
type TokenStore struct {
	mu        sync.Mutex
	clk       clock.Clock
	current   [secretSize]byte
	previous  [secretSize]byte
	rotatedAt time.Time
}

// NewTokenStore creates a store with fresh random secrets.
func NewTokenStore(clk clock.Clock) (*TokenStore, error) {
	if clk == nil {
		clk = clock.New()
	}
	s := &TokenStore{clk: clk, rotatedAt: clk.Now()}
	if _, err := rand.Read(s.current[:]); err != nil {
		return nil, err
	}
	if _, err := rand.Read(s.previous[:]); err != nil {
		return nil, err
	}
	return s, nil
}

// Issue returns the token for the given requester IP under the current
// secret. Issuance is idempotent until the secret rotates.
func (s *TokenStore) Issue(ip net.IP) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maybeRotate()
	return s.derive(s.current, ip)
}

// Verify accepts tokens issued under the current or previous secret.
func (s *TokenStore) Verify(ip net.IP, token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maybeRotate()
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.derive(s.current, ip))) == 1 {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.derive(s.previous, ip))) == 1
}

// maybeRotate performs time-driven rotation lazily on access. Skipping
// several periods at once invalidates both secrets.
func (s *TokenStore) maybeRotate() {
	now := s.clk.Now()
	for now.Sub(s.rotatedAt) >= tokenRotateInterval {
		s.previous = s.current
		_, _ = rand.Read(s.current[:])
		s.rotatedAt = s.rotatedAt.Add(tokenRotateInterval)
	}
}

func (s *TokenStore) derive(secret [secretSize]byte, ip net.IP) string {
	h, err := blake2b.New256(secret[:])
	if err != nil {
		// Only reachable with an invalid key size, which is fixed here.
		panic(err)
	}
	h.Write(ip.To16())
	sum := h.Sum(nil)
	return string(sum[:tokenSize])
}
