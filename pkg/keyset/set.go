package keyset

import (
	"crypto"
	"time"
)

// Key is a public verification key published by the identity provider.
type Key struct {
	// KeyID is the JWK "kid" parameter.
	KeyID string

	// Algorithm is the JWK "alg" parameter. Empty when the provider does
	// not pin the key to an algorithm.
	Algorithm string

	// Public is an *rsa.PublicKey or *ecdsa.PublicKey.
	Public crypto.PublicKey
}

// Set is an immutable snapshot of the provider's signing keys. A refresh
// replaces the whole Set; a Set is never modified after construction.
type Set struct {
	keys      []Key
	byID      map[string]int
	fetchedAt time.Time
	ttl       time.Duration
}

// NewSet builds a Set from keys. Later duplicates of a key id are ignored.
func NewSet(keys []Key, fetchedAt time.Time, ttl time.Duration) *Set {
	s := &Set{
		keys:      make([]Key, 0, len(keys)),
		byID:      make(map[string]int, len(keys)),
		fetchedAt: fetchedAt,
		ttl:       ttl,
	}
	for _, k := range keys {
		if _, dup := s.byID[k.KeyID]; dup {
			continue
		}
		s.byID[k.KeyID] = len(s.keys)
		s.keys = append(s.keys, k)
	}
	return s
}

// Lookup returns the key with the given id.
func (s *Set) Lookup(kid string) (Key, bool) {
	if s == nil {
		return Key{}, false
	}
	i, ok := s.byID[kid]
	if !ok {
		return Key{}, false
	}
	return s.keys[i], true
}

// Keys returns a copy of the keys in publication order.
func (s *Set) Keys() []Key {
	if s == nil {
		return nil
	}
	out := make([]Key, len(s.keys))
	copy(out, s.keys)
	return out
}

// Len returns the number of keys.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.keys)
}

// FetchedAt returns when the set was fetched.
func (s *Set) FetchedAt() time.Time { return s.fetchedAt }

// TTL returns how long the set is considered fresh.
func (s *Set) TTL() time.Duration { return s.ttl }

// IsFresh reports whether the set's age at now is below its TTL.
func (s *Set) IsFresh(now time.Time) bool {
	return s != nil && now.Sub(s.fetchedAt) < s.ttl
}

// usableWithin reports whether the set may still be served as a fallback:
// its age is below TTL plus grace.
func (s *Set) usableWithin(now time.Time, grace time.Duration) bool {
	return s != nil && now.Sub(s.fetchedAt) < s.ttl+grace
}
