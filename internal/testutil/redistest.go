package testutil

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	redisOnce sync.Once
	redisURL  string
	redisErr  error
)

// RedisTest returns a client on a flushed test database.
//
// The server comes from REDIS_URL. When it is unset and
// REDISTEST_CONTAINER=1, a redis:7-alpine container is started once per test
// binary. Otherwise the test is skipped.
func RedisTest(t *testing.T) *redis.Client {
	t.Helper()

	url := os.Getenv("REDIS_URL")
	if url == "" {
		if os.Getenv("REDISTEST_CONTAINER") != "1" {
			t.Skip("REDIS_URL not set, skipping integration test")
		}
		redisOnce.Do(startRedis)
		if redisErr != nil {
			t.Skipf("redistest: redis container unavailable: %v", redisErr)
		}
		url = redisURL
	}

	opts, err := redis.ParseURL(url)
	if err != nil {
		t.Fatalf("redistest: parse url: %v", err)
	}
	rdb := redis.NewClient(opts)
	ctx := context.Background()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		t.Fatalf("redistest: connect: %v", err)
	}
	if err := rdb.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("redistest: flush: %v", err)
	}
	t.Cleanup(func() {
		_ = rdb.FlushDB(context.Background()).Err()
		_ = rdb.Close()
	})
	return rdb
}

func startRedis() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForListeningPort("6379/tcp"),
		},
		Started: true,
	})
	if err != nil {
		redisErr = err
		return
	}
	endpoint, err := c.Endpoint(ctx, "")
	if err != nil {
		redisErr = err
		return
	}
	redisURL = "redis://" + endpoint + "/0"
}
