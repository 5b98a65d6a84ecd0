package listener

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

func setupRedis(t *testing.T) *redis.Client {
	t.Helper()
	ctx := context.Background()

	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		t.Fatalf("failed to start redis container: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate redis container: %v", err)
		}
	})

	addr, err := container.ConnectionString(ctx)
	if err != nil {
		t.Fatalf("failed to get redis connection string: %v", err)
	}

	opts, err := redis.ParseURL(addr)
	if err != nil {
		t.Fatalf("failed to parse redis connection string: %v", err)
	}
	client := redis.NewClient(opts)
	t.Cleanup(func() { client.Close() })

	if err := client.Ping(ctx).Err(); err != nil {
		t.Fatalf("failed to ping redis: %v", err)
	}
	return client
}

func TestLeaderElector_SingleInstanceBecomesLeader(t *testing.T) {
	client := setupRedis(t)
	elector := NewLeaderElector(client, "listener:test:leader", 2*time.Second, 200*time.Millisecond)

	var mu sync.Mutex
	var becameLeader bool
	elector.OnBecomeLeader(func() {
		mu.Lock()
		becameLeader = true
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		elector.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		ok := becameLeader
		mu.Unlock()
		if ok {
			break
		}
		select {
		case <-deadline:
			cancel()
			t.Fatalf("elector never became leader within 2s")
		case <-time.After(10 * time.Millisecond):
		}
	}

	if !elector.IsLeader() {
		t.Fatalf("IsLeader() = false after OnBecomeLeader callback fired")
	}

	elector.Stop()
	cancel()
	<-done
}

func TestLeaderElector_SecondInstanceStaysFollower(t *testing.T) {
	client := setupRedis(t)
	lockName := "listener:test:contended-leader"

	first := NewLeaderElector(client, lockName, 2*time.Second, 200*time.Millisecond)
	second := NewLeaderElector(client, lockName, 2*time.Second, 200*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go first.Run(ctx)
	go second.Run(ctx)

	deadline := time.After(2 * time.Second)
	for {
		if first.IsLeader() || second.IsLeader() {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("neither instance acquired leadership within 2s")
		case <-time.After(10 * time.Millisecond):
		}
	}

	// Give the loser a few refresh intervals to make sure it never also
	// claims leadership — SetNX should keep it locked out.
	time.Sleep(500 * time.Millisecond)

	if first.IsLeader() && second.IsLeader() {
		t.Fatalf("both instances report leadership simultaneously")
	}
}
