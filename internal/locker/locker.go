// Package locker serializes replay runs per workspace through Redis.
package locker

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

type Locker struct {
	client *redis.Client
}

func New(url string) (*Locker, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opt)
	return &Locker{client: client}, nil
}

func (l *Locker) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

// releaseScript deletes the lock only if it still holds our token, so an
// expired lock taken over by another run is never released by us.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
    return redis.call("del", KEYS[1])
end
return 0`)

// AcquireReplayLock takes the per-workspace replay lock. It returns
// acquired=false when another replay currently holds it. The release
// function is safe to call even after the TTL has expired.
func (l *Locker) AcquireReplayLock(ctx context.Context, workspaceID string, ttl time.Duration) (release func(), acquired bool, err error) {
	key := "billing:replay_lock:" + workspaceID
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	release = func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = releaseScript.Run(ctx, l.client, []string{key}, token).Err()
	}
	return release, true, nil
}

func (l *Locker) Close() error {
	return l.client.Close()
}
