package main

import (
	"testing"
	"testing/fstest"

	"github.com/jmerrifield20/VaultLedger/migrations"
)

func TestVersionFromFile(t *testing.T) {
	cases := map[string]int64{
		"001_vault_ledger.up.sql": 1,
		"012_more.up.sql":         12,
	}
	for in, want := range cases {
		got, err := versionFromFile(in)
		if err != nil || got != want {
			t.Errorf("versionFromFile(%q) = %d, %v", in, got, err)
		}
	}
	if _, err := versionFromFile("init.sql"); err == nil {
		t.Error("expected error for a file without a version prefix")
	}
}

func TestUpMigrations_orderAndFilter(t *testing.T) {
	fsys := fstest.MapFS{
		"010_b.up.sql":   {Data: []byte("SELECT 1")},
		"002_a.up.sql":   {Data: []byte("SELECT 1")},
		"002_a.down.sql": {Data: []byte("SELECT 1")},
		"README.md":      {Data: []byte("x")},
	}
	got, err := upMigrations(fsys)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].version != 2 || got[1].version != 10 {
		t.Errorf("migrations: %+v", got)
	}
}

func TestUpMigrations_duplicateVersion(t *testing.T) {
	fsys := fstest.MapFS{
		"001_a.up.sql": {Data: []byte("SELECT 1")},
		"001_b.up.sql": {Data: []byte("SELECT 1")},
	}
	if _, err := upMigrations(fsys); err == nil {
		t.Error("expected duplicate version error")
	}
}

func TestEmbeddedMigrations(t *testing.T) {
	got, err := upMigrations(migrations.FS)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) == 0 || got[0].file != "001_vault_ledger.up.sql" {
		t.Errorf("embedded migrations: %+v", got)
	}
}
