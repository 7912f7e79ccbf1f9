package storetest

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"strings"
	"testing"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/require"
)

// PostgresURLEnv names the variable holding a PostgreSQL URL for tests.
// Tests that need PostgreSQL are skipped when it is unset.
const PostgresURLEnv = "PROFILE_ENGINE_TEST_POSTGRES_URL"

// PostgresDSN creates an empty schema on the test server and returns a URL
// whose search_path points at it. The schema is dropped when t ends, so
// packages running in parallel never see each other's rows.
func PostgresDSN(t *testing.T) string {
	t.Helper()
	base := os.Getenv(PostgresURLEnv)
	if base == "" {
		t.Skipf("%s not set", PostgresURLEnv)
	}

	u, err := url.Parse(base)
	require.NoError(t, err, "%s must be a postgres:// URL", PostgresURLEnv)

	admin, err := sql.Open("pgx", base)
	require.NoError(t, err)
	t.Cleanup(func() { admin.Close() })

	schema := "test_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	_, err = admin.Exec(fmt.Sprintf("CREATE SCHEMA %s", schema))
	require.NoError(t, err)
	t.Cleanup(func() {
		if _, err := admin.Exec(fmt.Sprintf("DROP SCHEMA %s CASCADE", schema)); err != nil {
			t.Logf("drop schema %s: %v", schema, err)
		}
	})

	q := u.Query()
	q.Set("search_path", schema)
	u.RawQuery = q.Encode()
	return u.String()
}
