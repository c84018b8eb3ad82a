package dialect

import "testing"

func TestValidate(t *testing.T) {
	t.Parallel()

	if err := SQLite.Validate(); err != nil {
		t.Errorf("SQLite.Validate() error = %v", err)
	}

	if err := PostgreSQL.Validate(); err != nil {
		t.Errorf("PostgreSQL.Validate() error = %v", err)
	}

	if err := Dialect("oracle").Validate(); err == nil {
		t.Error("Validate() should reject unknown dialects")
	}
}

func TestDriver(t *testing.T) {
	t.Parallel()

	if got := SQLite.Driver(); got != "sqlite3" {
		t.Errorf("SQLite.Driver() = %q", got)
	}

	if got := PostgreSQL.Driver(); got != "pgx" {
		t.Errorf("PostgreSQL.Driver() = %q", got)
	}
}

func TestPlaceholder(t *testing.T) {
	t.Parallel()

	if got := SQLite.Placeholder(3); got != "?" {
		t.Errorf("SQLite.Placeholder(3) = %q", got)
	}

	if got := PostgreSQL.Placeholder(3); got != "$3" {
		t.Errorf("PostgreSQL.Placeholder(3) = %q", got)
	}
}
