package sqlstore

import (
	"testing"
	"time"
)

func TestRebind(t *testing.T) {
	pg := &DB{Dialect: DialectPostgres}
	lite := &DB{Dialect: DialectSQLite}
	q := "SELECT a FROM t WHERE b = ? AND c = ?"

	if got := pg.rebind(q); got != "SELECT a FROM t WHERE b = $1 AND c = $2" {
		t.Errorf("postgres rebind = %q", got)
	}
	if got := lite.rebind(q); got != q {
		t.Errorf("sqlite rebind changed the query: %q", got)
	}
}

func TestSplitStatements(t *testing.T) {
	got := splitStatements("-- comment; with semicolon\nCREATE TABLE a (x INT);\n\nCREATE INDEX i ON a(x);\n")
	if len(got) != 2 {
		t.Fatalf("got %d statements: %q", len(got), got)
	}
}

func TestMillisRoundTrip(t *testing.T) {
	ts := time.Date(2024, 1, 15, 12, 0, 0, 123_000_000, time.UTC)
	if got := fromMillis(toMillis(ts)); !got.Equal(ts) {
		t.Errorf("round trip = %v, want %v", got, ts)
	}
	if toMillis(time.Time{}) != 0 || !fromMillis(0).IsZero() {
		t.Error("zero time must map to 0 and back")
	}
}

func TestOpen_UnknownDriver(t *testing.T) {
	if _, err := Open("oracle", "x"); err == nil {
		t.Error("expected error for unsupported driver")
	}
}
