package infra

import (
	"context"
	"os"

	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

// DSNEnv names the variable that points the tests at an existing database.
const DSNEnv = "BROKERHUB_TEST_PG_DSN"

type PGContainer struct {
	C *postgres.PostgresContainer
}

// StartPostgres16 starts a Postgres 16 container and returns its DSN. An
// overrideDSN, BROKERHUB_TEST_PG_DSN or DATABASE_URL short-circuits the
// container and reuses that database instead.
func StartPostgres16(ctx context.Context, overrideDSN string) (*PGContainer, string, error) {
	if dsn := SharedDSN(overrideDSN); dsn != "" {
		return &PGContainer{}, dsn, nil
	}

	pgC, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("brokerhub"),
		postgres.WithUsername("brokerhub"),
		postgres.WithPassword("brokerhub"),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		return nil, "", err
	}

	dsn, err := pgC.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = pgC.Terminate(ctx)
		return nil, "", err
	}
	return &PGContainer{C: pgC}, dsn, nil
}

// SharedDSN returns the first configured external database, or "".
func SharedDSN(overrideDSN string) string {
	for _, dsn := range []string{overrideDSN, os.Getenv(DSNEnv), os.Getenv("DATABASE_URL")} {
		if dsn != "" {
			return dsn
		}
	}
	return ""
}

func (p *PGContainer) Terminate(ctx context.Context) error {
	if p == nil || p.C == nil {
		return nil
	}
	return p.C.Terminate(ctx)
}
