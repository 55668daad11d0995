package main

import (
	"context"
	"database/sql"
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/onnwee/feedmaid/account"
	"github.com/onnwee/feedmaid/crypto"
	"github.com/onnwee/feedmaid/db"
	"github.com/onnwee/feedmaid/testutil"
)

func testEncryptor(t *testing.T) crypto.Encryptor {
	t.Helper()
	enc, err := crypto.NewAESEncryptor(base64.StdEncoding.EncodeToString([]byte(strings.Repeat("m", 32))))
	if err != nil {
		t.Fatalf("failed to create encryptor: %v", err)
	}
	return enc
}

// seedPlaintext writes accounts through a store without a key.
func seedPlaintext(t *testing.T, database *sql.DB) {
	t.Helper()
	plain := db.NewStore(database, db.SQLite, nil)
	ctx := context.Background()

	a := account.New(1, "chat-1")
	a.Primary = account.PrimaryCredential{Token: "tok-1", Secret: "sec-1"}
	a.Location = account.LocationCredential{AccessToken: "at-1", RefreshToken: "rt-1", CreatedAt: time.Now().UTC(), ExpiresIn: 3600, State: account.LocationOn}
	b := account.New(2, "chat-2")
	b.Primary = account.PrimaryCredential{Token: "tok-2", Secret: "sec-2"}
	c := account.New(3, "chat-3")
	for _, acct := range []*account.Account{a, b, c} {
		if err := plain.CreateAccount(ctx, acct); err != nil {
			t.Fatalf("seed account %d: %v", acct.ID, err)
		}
	}
}

func rawDoc(t *testing.T, database *sql.DB, id int64) string {
	t.Helper()
	var doc string
	if err := database.QueryRow(`SELECT doc FROM accounts WHERE id = ?`, id).Scan(&doc); err != nil {
		t.Fatal(err)
	}
	return doc
}

func TestMigrateCredentials_DryRun(t *testing.T) {
	database := testutil.OpenSQLite(t)
	seedPlaintext(t, database)

	n, err := migrateCredentials(context.Background(), database, db.SQLite, testEncryptor(t), true, 0)
	if err != nil {
		t.Fatalf("dry run failed: %v", err)
	}
	if n != 2 {
		t.Errorf("dry run counted %d accounts, want 2", n)
	}
	if doc := rawDoc(t, database, 1); !strings.Contains(doc, "tok-1") {
		t.Errorf("dry run modified the document: %s", doc)
	}
}

func TestMigrateCredentials_SealsPlaintext(t *testing.T) {
	database := testutil.OpenSQLite(t)
	seedPlaintext(t, database)
	enc := testEncryptor(t)
	ctx := context.Background()

	n, err := migrateCredentials(ctx, database, db.SQLite, enc, false, 0)
	if err != nil {
		t.Fatalf("migration failed: %v", err)
	}
	if n != 2 {
		t.Errorf("migrated %d accounts, want 2", n)
	}
	for _, id := range []int64{1, 2} {
		doc := rawDoc(t, database, id)
		if strings.Contains(doc, "tok-") || strings.Contains(doc, "sec-") || strings.Contains(doc, "rt-1") {
			t.Errorf("account %d still holds plaintext: %s", id, doc)
		}
	}

	sealed := db.NewStore(database, db.SQLite, enc)
	a, err := sealed.LoadAccount(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if a.Primary.Token != "tok-1" || a.Primary.Secret != "sec-1" || a.Location.RefreshToken != "rt-1" {
		t.Errorf("decrypted account = %+v / %+v", a.Primary, a.Location)
	}
	if a.Location.State != account.LocationOn || a.ChatID != "chat-1" {
		t.Errorf("unrelated fields changed: %+v", a)
	}

	// A second run finds nothing.
	if n, err := migrateCredentials(ctx, database, db.SQLite, enc, false, 0); err != nil || n != 0 {
		t.Errorf("second run = %d, %v", n, err)
	}
	if err := reportStatus(ctx, database); err != nil {
		t.Errorf("reportStatus: %v", err)
	}
}

func TestMigrateCredentials_SingleAccount(t *testing.T) {
	database := testutil.OpenSQLite(t)
	seedPlaintext(t, database)

	n, err := migrateCredentials(context.Background(), database, db.SQLite, testEncryptor(t), false, 2)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("migrated %d, want 1", n)
	}
	if doc := rawDoc(t, database, 1); !strings.Contains(doc, "tok-1") {
		t.Errorf("account 1 should be untouched: %s", doc)
	}
	if doc := rawDoc(t, database, 2); strings.Contains(doc, "tok-2") {
		t.Errorf("account 2 should be sealed: %s", doc)
	}
}

func TestMigrateCredentials_Postgres(t *testing.T) {
	database := testutil.SetupTestDB(t)
	ctx := context.Background()
	if _, err := database.ExecContext(ctx, `TRUNCATE accounts, items`); err != nil {
		t.Fatal(err)
	}
	plain := db.NewStore(database, db.Postgres, nil)
	a := account.New(41, "chat-41")
	a.Primary = account.PrimaryCredential{Token: "pg-tok", Secret: "pg-sec"}
	if err := plain.CreateAccount(ctx, a); err != nil {
		t.Fatal(err)
	}
	enc := testEncryptor(t)
	if n, err := migrateCredentials(ctx, database, db.Postgres, enc, false, 41); err != nil || n != 1 {
		t.Fatalf("migrate = %d, %v", n, err)
	}
	got, err := db.NewStore(database, db.Postgres, enc).LoadAccount(ctx, 41)
	if err != nil {
		t.Fatal(err)
	}
	if got.Primary.Token != "pg-tok" {
		t.Errorf("token = %q", got.Primary.Token)
	}
}
