package servicetoken

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	sserr "github.com/StricklySoft/tokengate/pkg/errors"
)

// Store is a second-level token cache shared between gateway instances.
// The broker consults it only after its in-memory entry misses, and treats
// every Store error as a miss.
type Store interface {
	// Load returns the token cached for scope. ok is false when there is
	// none.
	Load(ctx context.Context, scope string) (tok Token, ok bool, err error)

	// Save caches tok until its expiry.
	Save(ctx context.Context, tok Token) error

	// Delete drops the token cached for tok.Scope, but only while the
	// cached access token is still tok's.
	Delete(ctx context.Context, tok Token) error
}

// DefaultKeyPrefix prefixes every key written by [RedisStore].
const DefaultKeyPrefix = "tokengate:servicetoken:"

// Cmdable is the subset of the go-redis client used by [RedisStore].
// *redis.Client, *redis.ClusterClient, and test doubles satisfy it.
type Cmdable interface {
	redis.Scripter
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
}

// deleteIfMatchScript removes KEYS[1] when its access_token equals ARGV[1].
// Returns 1 when the key was deleted.
var deleteIfMatchScript = redis.NewScript(`
local data = redis.call('GET', KEYS[1])
if not data then
	return 0
end
if cjson.decode(data).access_token ~= ARGV[1] then
	return 0
end
return redis.call('DEL', KEYS[1])
`)

var (
	_ Cmdable = (*redis.Client)(nil)
	_ Store   = (*RedisStore)(nil)
)

// RedisStore keeps tokens in Redis as JSON, each key expiring with its
// token.
type RedisStore struct {
	cmd    Cmdable
	prefix string
	now    func() time.Time
}

// NewRedisStore returns a store writing keys under prefix. An empty prefix
// means [DefaultKeyPrefix]. Deployments sharing one Redis between client
// identities should include the client id in the prefix.
func NewRedisStore(cmd Cmdable, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisStore{cmd: cmd, prefix: prefix, now: time.Now}
}

// Load implements [Store].
func (s *RedisStore) Load(ctx context.Context, scope string) (Token, bool, error) {
	raw, err := s.cmd.Get(ctx, s.prefix+scope).Bytes()
	if errors.Is(err, redis.Nil) {
		return Token{}, false, nil
	}
	if err != nil {
		return Token{}, false, sserr.Wrap(err, sserr.CodeUnavailable,
			"servicetoken: redis get failed")
	}

	var tok Token
	if err := json.Unmarshal(raw, &tok); err != nil {
		return Token{}, false, sserr.Wrap(err, sserr.CodeInternal,
			"servicetoken: corrupt cached token")
	}
	return tok, true, nil
}

// Save implements [Store]. Tokens that have already expired are not
// written.
func (s *RedisStore) Save(ctx context.Context, tok Token) error {
	ttl := tok.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return nil
	}
	raw, err := json.Marshal(tok)
	if err != nil {
		return sserr.Wrap(err, sserr.CodeInternal, "servicetoken: encode token")
	}
	if err := s.cmd.Set(ctx, s.prefix+tok.Scope, raw, ttl).Err(); err != nil {
		return sserr.Wrap(err, sserr.CodeUnavailable, "servicetoken: redis set failed")
	}
	return nil
}

// Delete implements [Store]. The compare and delete run as one script so
// a token saved by another instance in between is never dropped.
func (s *RedisStore) Delete(ctx context.Context, tok Token) error {
	err := deleteIfMatchScript.Run(ctx, s.cmd, []string{s.prefix + tok.Scope}, tok.AccessToken).Err()
	if err != nil {
		return sserr.Wrap(err, sserr.CodeUnavailable, "servicetoken: redis delete failed")
	}
	return nil
}
