package scheduler

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"dashsync/internal/logging"
)

// Locker is an advisory lock shared between scheduler instances. It adds to
// the in-process registry and the job history conditional insert; it does
// not replace them.
type Locker interface {
	Acquire(ctx context.Context, jobType string) (release func(), ok bool, err error)
}

// RedisLocker holds SET NX PX keys released with a compare-and-delete script.
type RedisLocker struct {
	Client *redis.Client
	Prefix string
	TTL    time.Duration
	Logger logrus.FieldLogger
}

var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

func (l RedisLocker) Acquire(ctx context.Context, jobType string) (func(), bool, error) {
	key := l.Prefix + jobType
	token := uuid.NewString()
	ttl := l.TTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	ok, err := l.Client.SetNX(ctx, key, token, ttl).Result()
	if err != nil || !ok {
		return func() {}, false, err
	}
	log := logging.OrDiscard(l.Logger).WithField("lock", key)
	release := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		deleted, err := releaseScript.Run(ctx, l.Client, []string{key}, token).Int64()
		switch {
		case err != nil:
			log.WithError(err).Error("release lock failed")
		case deleted == 0:
			log.Warn("lock expired or taken over before release")
		}
	}
	return release, true, nil
}

// NewRedisLocker connects to addr and verifies the connection.
func NewRedisLocker(ctx context.Context, addr, password string, db int, ttl time.Duration, log logrus.FieldLogger) (RedisLocker, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return RedisLocker{}, err
	}
	return RedisLocker{Client: client, Prefix: "dashsync:job:", TTL: ttl, Logger: log}, nil
}
