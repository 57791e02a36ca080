package db

import (
	"context"
	"errors"
	"testing"
)

func TestConnectWithoutDSN(t *testing.T) {
	if _, err := Connect(context.Background(), "  "); !errors.Is(err, ErrNoDSN) {
		t.Errorf("Connect(empty) error = %v, want ErrNoDSN", err)
	}
}

func TestMigrate(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	if err := Migrate(ctx, db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := Migrate(ctx, db); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	for _, table := range schemaTables {
		if !tableExists(t, db, table) {
			t.Errorf("table %s missing", table)
		}
	}
}

func TestBlacklistStore(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	if err := Migrate(ctx, db); err != nil {
		t.Fatal(err)
	}

	for _, id := range []string{"b", "a", "b"} {
		if err := AddBlacklist(ctx, db, id, "reason "+id); err != nil {
			t.Fatalf("AddBlacklist(%s): %v", id, err)
		}
	}
	ids, err := LoadBlacklist(ctx, db)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
		t.Errorf("LoadBlacklist = %v, want [a b]", ids)
	}

	removed, err := RemoveBlacklist(ctx, db, "a")
	if err != nil || !removed {
		t.Errorf("RemoveBlacklist(a) = %v, %v", removed, err)
	}
	removed, err = RemoveBlacklist(ctx, db, "a")
	if err != nil || removed {
		t.Errorf("second RemoveBlacklist(a) = %v, %v", removed, err)
	}
}

func TestUsageCounters(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	if err := Migrate(ctx, db); err != nil {
		t.Fatal(err)
	}

	record := func(channel, key, name string, n int) {
		for i := 0; i < n; i++ {
			if err := RecordUsage(ctx, db, channel, key, name, "channel"); err != nil {
				t.Fatalf("RecordUsage: %v", err)
			}
		}
	}
	record("moonmoon", "5e4", "monkaS", 3)
	record("moonmoon", "9f1", "PepeLaugh", 1)
	record("xqc", "5e4", "monkaS", 5)

	top, err := TopEmotes(ctx, db, "moonmoon", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(top) != 2 || top[0].Name != "monkaS" || top[0].Uses != 3 || top[1].Uses != 1 {
		t.Errorf("TopEmotes(moonmoon) = %+v", top)
	}

	all, err := TopEmotes(ctx, db, "", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 || all[0].Channel != "xqc" || all[0].Uses != 5 {
		t.Errorf("TopEmotes(all, 1) = %+v", all)
	}
}
