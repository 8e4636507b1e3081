// Package testsupport starts the Postgres and Valkey containers used by store tests.
package testsupport

import (
	"context"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	mu           sync.Mutex
	started      []testcontainers.Container
	postgresDSN  string
	postgresErr  error
	postgresOnce sync.Once
	valkeyAddr   string
	valkeyErr    error
	valkeyOnce   sync.Once
)

func skipWithoutDocker(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("container tests disabled in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)
}

// PostgresDSN returns the DSN of a shared Postgres container, starting it on first use.
func PostgresDSN(t *testing.T) string {
	t.Helper()
	skipWithoutDocker(t)
	postgresOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		container, err := postgres.Run(ctx, "postgres:16-alpine",
			postgres.WithDatabase("dm"),
			postgres.WithUsername("dm"),
			postgres.WithPassword("dm"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(time.Minute)),
		)
		if err != nil {
			postgresErr = err
			return
		}
		track(container)
		postgresDSN, postgresErr = container.ConnectionString(ctx, "sslmode=disable")
	})
	if postgresErr != nil {
		t.Fatalf("start postgres: %v", postgresErr)
	}
	return postgresDSN
}

// ValkeyAddr returns host:port of a shared Valkey container, starting it on first use.
func ValkeyAddr(t *testing.T) string {
	t.Helper()
	skipWithoutDocker(t)
	valkeyOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: testcontainers.ContainerRequest{
				Image:        "valkey/valkey:7.2-alpine",
				ExposedPorts: []string{"6379/tcp"},
				WaitingFor:   wait.ForListeningPort("6379/tcp"),
			},
			Started: true,
		})
		if err != nil {
			valkeyErr = err
			return
		}
		track(container)
		valkeyAddr, valkeyErr = container.Endpoint(ctx, "")
	})
	if valkeyErr != nil {
		t.Fatalf("start valkey: %v", valkeyErr)
	}
	return valkeyAddr
}

// Terminate stops every container started by this process. Call it from TestMain.
func Terminate() {
	mu.Lock()
	defer mu.Unlock()
	for _, c := range started {
		if err := c.Terminate(context.Background()); err != nil {
			log.Printf("terminate container: %v", err)
		}
	}
	started = nil
}

func track(c testcontainers.Container) {
	mu.Lock()
	started = append(started, c)
	mu.Unlock()
}
