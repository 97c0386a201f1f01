package persistence_test

import (
	"context"
	"os"
	"testing"

	"github.com/runtarahq/runtara/persistence"
)

// TestMySQLIntegration validates MySQLStore against a real server.
//
// Prerequisites:
//   - MySQL server running (local, Docker, or cloud).
//   - TEST_MYSQL_DSN set, e.g. "user:password@tcp(localhost:3306)/test_db?parseTime=true".
//
// export TEST_MYSQL_DSN="user:password@tcp(localhost:3306)/test_db?parseTime=true"
// go test -run TestMySQLIntegration ./persistence
func TestMySQLIntegration(t *testing.T) {
	dsn := os.Getenv("TEST_MYSQL_DSN")
	if dsn == "" {
		t.Skip("set TEST_MYSQL_DSN to run the MySQL integration test")
	}

	store, err := persistence.NewMySQLStore(dsn)
	if err != nil {
		t.Fatalf("NewMySQLStore: %v", err)
	}
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	if err := store.RegisterInstance(ctx, "mysql-it-1", "tenant-a"); err != nil {
		t.Fatalf("RegisterInstance: %v", err)
	}
	if err := store.SaveCheckpoint(ctx, "mysql-it-1", "cp-1", []byte(`{"v":1}`)); err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}
	cp, err := store.LoadCheckpoint(ctx, "mysql-it-1", "cp-1")
	if err != nil {
		t.Fatalf("LoadCheckpoint: %v", err)
	}
	if string(cp.Payload) != `{"v":1}` {
		t.Errorf("payload = %s, want {\"v\":1}", cp.Payload)
	}
	if err := store.CompleteInstance(ctx, "mysql-it-1", []byte(`{"ok":true}`), nil); err != nil {
		t.Fatalf("CompleteInstance: %v", err)
	}
}
