package repo

import (
	"context"
	"errors"
	"io/fs"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tbourn/go-activation-bot/internal/domain"
)

func TestOpenSQLite_MissingDirectory(t *testing.T) {
	bad := filepath.Join(t.TempDir(), "does-not-exist", "activation.db")
	db, err := OpenSQLite(bad)
	if err == nil || db != nil {
		t.Fatalf("expected error opening %q, got db=%v err=%v", bad, db, err)
	}
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("expected a not-exist error, got %v", err)
	}
}

func TestOpen_SQLiteIsTunedAndMigrates(t *testing.T) {
	db, err := Open(context.Background(), " SQLite ", filepath.Join(t.TempDir(), "activation.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db.DB(): %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })

	pragmas := []struct {
		name string
		want string
	}{
		{"journal_mode", "wal"},
		{"synchronous", "1"}, // NORMAL
		{"foreign_keys", "1"},
		{"busy_timeout", "5000"},
	}
	for _, p := range pragmas {
		var got string
		if err := db.Raw("PRAGMA " + p.name + ";").Row().Scan(&got); err != nil {
			t.Fatalf("PRAGMA %s: %v", p.name, err)
		}
		if strings.ToLower(got) != p.want {
			t.Fatalf("PRAGMA %s = %q; want %q", p.name, got, p.want)
		}
	}
	if stats := sqlDB.Stats(); stats.MaxOpenConnections != 10 {
		t.Fatalf("expected MaxOpenConnections=10, got %d", stats.MaxOpenConnections)
	}

	if err := AutoMigrate(db); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}
	for _, tbl := range []any{&domain.ActivationCode{}, &domain.Conversation{}, &domain.ProcessedUpdate{}} {
		if !db.Migrator().HasTable(tbl) {
			t.Fatalf("expected table for %T to exist", tbl)
		}
	}
	// unique indexes back the allocator's guarantees
	for _, idx := range []string{"Code", "ReceiptNumber", "ClaimToken"} {
		if !db.Migrator().HasIndex(&domain.ActivationCode{}, idx) {
			t.Fatalf("missing index on activation_codes.%s", idx)
		}
	}
	if n, err := CreateCodes(context.Background(), db, []string{"C-1"}); err != nil || n != 1 {
		t.Fatalf("insert code: n=%d err=%v", n, err)
	}
}

func TestOpenSQLite_BusyTimeoutOnEveryConnection(t *testing.T) {
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "pool.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	sqlDB, _ := db.DB()
	t.Cleanup(func() { _ = sqlDB.Close() })

	// Hold two connections at once so the second one is a fresh pool member.
	ctx := context.Background()
	c1, err := sqlDB.Conn(ctx)
	if err != nil {
		t.Fatalf("conn1: %v", err)
	}
	defer c1.Close()
	c2, err := sqlDB.Conn(ctx)
	if err != nil {
		t.Fatalf("conn2: %v", err)
	}
	defer c2.Close()

	var busy int
	if err := c2.QueryRowContext(ctx, "PRAGMA busy_timeout;").Scan(&busy); err != nil {
		t.Fatalf("PRAGMA busy_timeout: %v", err)
	}
	if busy != 5000 {
		t.Fatalf("expected busy_timeout=5000 on pooled conn, got %d", busy)
	}
}

func TestSQLiteDSN(t *testing.T) {
	cases := map[string]string{
		":memory:":                        ":memory:",
		"app.db":                          "app.db?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)",
		"file:x?mode=memory&cache=shared": "file:x?mode=memory&cache=shared&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)",
	}
	for in, want := range cases {
		if got := sqliteDSN(in); got != want {
			t.Fatalf("sqliteDSN(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	if _, err := Open(context.Background(), "oracle", "x"); err == nil {
		t.Fatalf("expected error for unsupported driver")
	}
}
