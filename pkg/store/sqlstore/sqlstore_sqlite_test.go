package sqlstore

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/wilhg/clinic-assist/pkg/store"
	"github.com/wilhg/clinic-assist/pkg/store/storetest"
)

func openSQLite(t *testing.T) store.Store {
	t.Helper()
	ctx := context.Background()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	st, err := Open(ctx, fmt.Sprintf("sqlite:file:%s?mode=memory&cache=shared&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", name))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })
	if err := st.Migrate(ctx); err != nil {
		t.Fatal(err)
	}
	return st
}

func TestSQLiteStore(t *testing.T) {
	storetest.Run(t, openSQLite)
}

func TestParseDSN(t *testing.T) {
	cases := []struct {
		in      string
		drv     string
		wantErr bool
	}{
		{in: "sqlite:", drv: "sqlite3"},
		{in: "sqlite:file:x.db", drv: "sqlite3"},
		{in: "postgres://u:p@localhost:5432/db?sslmode=disable", drv: "pgx"},
		{in: "postgresql://localhost/db", drv: "pgx"},
		{in: "host=localhost user=u dbname=db", drv: "pgx"},
		{in: "mysql://localhost/db", wantErr: true},
		{in: "", wantErr: true},
		{in: "garbage", wantErr: true},
	}
	for _, tc := range cases {
		drv, dsn, _, err := parseDSN(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("%q: expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%q: %v", tc.in, err)
		}
		if drv != tc.drv || dsn == "" {
			t.Fatalf("%q: drv=%q dsn=%q", tc.in, drv, dsn)
		}
	}
}
