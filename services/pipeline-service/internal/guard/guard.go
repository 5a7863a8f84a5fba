package guard

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Guard is a per-user in-flight marker. TryAcquire atomically claims the
// user; ok is false when another run holds it. The returned release must be
// called once the run ends, whatever its outcome.
type Guard interface {
	TryAcquire(ctx context.Context, userID string) (release func(), ok bool, err error)
}

// Local guards users within a single process.
type Local struct {
	inFlight sync.Map
}

func NewLocal() *Local {
	return &Local{}
}

func (l *Local) TryAcquire(_ context.Context, userID string) (func(), bool, error) {
	if _, loaded := l.inFlight.LoadOrStore(userID, struct{}{}); loaded {
		return nil, false, nil
	}
	var once sync.Once
	return func() {
		once.Do(func() { l.inFlight.Delete(userID) })
	}, true, nil
}

// releaseScript deletes the key only if it still holds our token, so an
// expired-and-reclaimed marker is never removed by its previous owner.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis guards users across processes sharing one Redis. Markers expire after
// ttl so a crashed holder cannot block a user forever.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	log    logrus.FieldLogger
}

func NewRedis(client *redis.Client, ttl time.Duration, log logrus.FieldLogger) *Redis {
	return &Redis{
		client: client,
		prefix: "mailsift:inflight:",
		ttl:    ttl,
		log:    log.WithField("component", "guard"),
	}
}

func (r *Redis) TryAcquire(ctx context.Context, userID string) (func(), bool, error) {
	key := r.prefix + userID
	token := uuid.NewString()

	ok, err := r.client.SetNX(ctx, key, token, r.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("claiming %s: %w", userID, err)
	}
	if !ok {
		return nil, false, nil
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(ctx, r.client, []string{key}, token).Err(); err != nil {
				// The marker stays until its ttl runs out.
				r.log.WithError(err).WithFields(logrus.Fields{
					"user_id": userID,
					"ttl":     r.ttl,
				}).Warn("Failed to release in-flight marker")
			}
		})
	}, true, nil
}
