package testutils

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"geofy/apps/imagery/internal/config"
)

// IntegrationSuite boots a throwaway Postgres with the jobs schema applied.
type IntegrationSuite struct {
	T  *testing.T
	DB *sql.DB

	pgContainer *postgres.PostgresContainer
	connStr     string
}

func NewIntegrationSuite(t *testing.T) *IntegrationSuite {
	return &IntegrationSuite{T: t}
}

func (s *IntegrationSuite) Setup() {
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("geofy_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(s.T, err)
	s.pgContainer = pgContainer

	s.connStr, err = pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(s.T, err)

	s.DB, err = sql.Open("postgres", s.connStr)
	require.NoError(s.T, err)

	_, b, _, _ := runtime.Caller(0)
	basepath := filepath.Dir(b)
	migrationPath := fmt.Sprintf("file://%s/../../migrations", basepath)

	m, err := migrate.New(migrationPath, s.connStr)
	require.NoError(s.T, err)
	require.NoError(s.T, m.Up())
}

// GetAppConfig returns a config pointed at the suite's database, with inert
// placeholder credentials for the external services so the app wires up
// without reaching any of them.
func (s *IntegrationSuite) GetAppConfig() *config.Config {
	u, err := url.Parse(s.connStr)
	require.NoError(s.T, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(s.T, err)
	pass, _ := u.User.Password()

	return &config.Config{
		ServerPort: 8006,

		DBHost: u.Hostname(),
		DBPort: port,
		DBUser: u.User.Username(),
		DBPass: pass,
		DBName: strings.TrimPrefix(u.Path, "/"),

		MigrationPath: "file://migrations",

		GEHIBinary:      "/usr/local/bin/gehistoricalimagery",
		TempStoragePath: s.T.TempDir(),

		YearMin: 2018,
		YearMax: 2025,

		CloudinaryCloudName: "test-cloud",
		CloudinaryAPIKey:    "test-key",
		CloudinaryAPISecret: "test-secret",

		GeminiAPIKey: "test-key",

		WebhookTimeoutSeconds:     30,
		WebhookMaxAttempts:        5,
		WebhookBackoffBaseSeconds: 2,

		BootstrapRetryAttempts:     3,
		BootstrapRetryDelaySeconds: 1,
	}
}

func (s *IntegrationSuite) Teardown() {
	ctx := context.Background()
	if s.DB != nil {
		_ = s.DB.Close()
	}
	if s.pgContainer != nil {
		_ = s.pgContainer.Terminate(ctx)
	}
}
