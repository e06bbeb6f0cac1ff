//go:build integration

// Package integration holds tests that need real Postgres/Redis containers;
// excluded from normal `go test` runs by the integration build tag.
package integration

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/segforge/segcore/internal/adapter/repo/postgres"
	"github.com/segforge/segcore/internal/domain"
	"github.com/segforge/segcore/internal/eventbus"
)

func Test_Postgres_Connects(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16",
		Env:          map[string]string{"POSTGRES_PASSWORD": "postgres", "POSTGRES_USER": "postgres", "POSTGRES_DB": "segcore"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForLog("database system is ready to accept connections").WithStartupTimeout(90 * time.Second),
	}
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Terminate(ctx) })

	host, err := c.Host(ctx)
	require.NoError(t, err)
	port, err := c.MappedPort(ctx, "5432")
	require.NoError(t, err)

	dsn := "postgres://postgres:postgres@" + host + ":" + port.Port() + "/segcore?sslmode=disable"
	pool, err := postgres.NewPool(ctx, dsn, 5)
	require.NoError(t, err)
	defer pool.Close()

	require.NoError(t, pool.Ping(ctx))
}

func Test_RedisEventBus_CrossProcess(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(60 * time.Second),
	}
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Terminate(ctx) })

	host, err := c.Host(ctx)
	require.NoError(t, err)
	port, err := c.MappedPort(ctx, "6379")
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: host + ":" + port.Port()})
	defer client.Close()

	publisher := eventbus.NewRedis(client, 2*time.Second)
	subscriber := eventbus.NewRedis(redis.NewClient(&redis.Options{Addr: host + ":" + port.Port()}), 2*time.Second)

	ch := subscriber.Join("project:demo", "session-1")
	defer subscriber.Leave("project:demo", "session-1")

	// Give the background subscriber goroutine time to attach before publishing.
	time.Sleep(200 * time.Millisecond)
	publisher.Publish("project:demo", domain.Event{Name: domain.EventQueueStats, Payload: map[string]int{"queued": 1}})

	select {
	case ev := <-ch:
		require.Equal(t, domain.EventQueueStats, ev.Name)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for cross-process event")
	}
}
