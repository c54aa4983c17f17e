// Package postgres starts throwaway PostgreSQL containers for the system
// tests.
package postgres

import (
	"context"
	"fmt"

	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

const image = "postgres:17-alpine"

// Start brings up one container and waits until it accepts connections. The
// container is returned even on error so callers can hand it to
// testcontainers.CleanupContainer unconditionally.
func Start(ctx context.Context, dbUser, dbPassword, dbName string) (*postgres.PostgresContainer, error) {
	container, err := postgres.Run(ctx, image,
		postgres.WithUsername(dbUser),
		postgres.WithPassword(dbPassword),
		postgres.WithDatabase(dbName),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		return container, fmt.Errorf("failed to start Postgres container: %w", err)
	}
	return container, nil
}
