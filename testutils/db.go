package testutils

import (
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"testing"
)

func createLocalDB(t *testing.T, dbName string) string {
	t.Logf("Note: postgres tests require a postgres install accessible to the current user")
	dropDB := exec.Command("dropdb", "-f", dbName)
	dropDB.Stdout = os.Stdout
	dropDB.Stderr = os.Stderr
	dropDB.Run()
	createDB := exec.Command("createdb", dbName)
	createDB.Stdout = os.Stdout
	createDB.Stderr = os.Stderr
	if err := createDB.Run(); err != nil {
		t.Fatalf("createdb failed: %s", err)
	}
	return dbName
}

// PostgresDSN returns a connection string for a test database, or skips the test unless
// COMPANION_TEST_POSTGRES is set. POSTGRES_USER, POSTGRES_DB, POSTGRES_PASSWORD and POSTGRES_HOST
// override what is inferred from the local environment.
func PostgresDSN(t *testing.T, wantDBName string) string {
	t.Helper()
	if os.Getenv("COMPANION_TEST_POSTGRES") == "" {
		t.Skip("COMPANION_TEST_POSTGRES not set")
	}
	dbUser := os.Getenv("POSTGRES_USER")
	if dbUser == "" {
		u, err := user.Current()
		if err != nil {
			t.Fatalf("cannot get current user: %s", err)
		}
		dbUser = u.Username
	}
	dbName := os.Getenv("POSTGRES_DB")
	if dbName == "" {
		dbName = createLocalDB(t, wantDBName)
	}
	connStr := fmt.Sprintf("user=%s dbname=%s sslmode=disable", dbUser, dbName)
	// optional vars, used in CI
	if password := os.Getenv("POSTGRES_PASSWORD"); password != "" {
		connStr += fmt.Sprintf(" password=%s", password)
	}
	if host := os.Getenv("POSTGRES_HOST"); host != "" {
		connStr += fmt.Sprintf(" host=%s", host)
	}
	return connStr
}
