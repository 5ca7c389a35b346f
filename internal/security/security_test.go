package security

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"sasd/internal/storage"
	"sasd/pkg/logx"
)

// cheapParams keeps argon2 fast in tests.
var cheapParams = Params{Time: 1, Memory: 8 * 1024, Threads: 1, SaltLen: 16, KeyLen: 32}

func testSecurity(t *testing.T, p Params) (*Security, storage.Store) {
	t.Helper()
	st, err := storage.Open(storage.Config{
		Path:        filepath.Join(t.TempDir(), "sas.db"),
		BusyTimeout: 5 * time.Second,
	}, time.UTC, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return New(st, p, logx.Nop()), st
}

func TestHashAndVerify(t *testing.T) {
	t.Parallel()
	hash, err := HashPassword("s3cret", cheapParams)
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if !strings.HasPrefix(hash, "$argon2id$") {
		t.Fatalf("hash format = %q", hash)
	}

	ok, err := Verify(hash, "s3cret")
	if err != nil || !ok {
		t.Fatalf("Verify correct password = %v, %v", ok, err)
	}
	ok, err = Verify(hash, "wrong")
	if err != nil || ok {
		t.Fatalf("Verify wrong password = %v, %v", ok, err)
	}

	if _, err := Verify("not-a-hash", "x"); err == nil {
		t.Fatal("Verify malformed hash should error")
	}
}

func TestHashesAreSalted(t *testing.T) {
	t.Parallel()
	a, err := HashPassword("same", cheapParams)
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	b, err := HashPassword("same", cheapParams)
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if a == b {
		t.Fatal("two hashes of the same password must differ")
	}
}

func TestLogin(t *testing.T) {
	t.Parallel()
	sec, st := testSecurity(t, cheapParams)
	ctx := context.Background()

	hash, err := HashPassword("hunter2", cheapParams)
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if _, err := st.AddUser(ctx, storage.User{Username: "carol", Password: hash}); err != nil {
		t.Fatalf("AddUser: %v", err)
	}

	u, err := sec.Login(ctx, "carol", "hunter2")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if u.Username != "carol" {
		t.Fatalf("Login returned %+v", u)
	}

	if _, err := sec.Login(ctx, "carol", "wrong"); !errors.Is(err, ErrBadCredentials) {
		t.Fatalf("Login wrong password = %v, want ErrBadCredentials", err)
	}
	if _, err := sec.Login(ctx, "nobody", "hunter2"); !errors.Is(err, ErrBadCredentials) {
		t.Fatalf("Login unknown user = %v, want ErrBadCredentials", err)
	}
}

func TestLoginRehashesOutdatedParams(t *testing.T) {
	t.Parallel()
	sec, st := testSecurity(t, cheapParams)
	ctx := context.Background()

	old := cheapParams
	old.Time = 2
	hash, err := HashPassword("pw", old)
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if _, err := st.AddUser(ctx, storage.User{Username: "dave", Password: hash}); err != nil {
		t.Fatalf("AddUser: %v", err)
	}

	if _, err := sec.Login(ctx, "dave", "pw"); err != nil {
		t.Fatalf("Login: %v", err)
	}

	after, err := st.GetUser(ctx, "dave")
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if after.Password == hash {
		t.Fatal("stored hash should have been rewritten with current params")
	}
	if ok, err := Verify(after.Password, "pw"); err != nil || !ok {
		t.Fatalf("rehashed password no longer verifies: %v, %v", ok, err)
	}
}

func TestSetPassword(t *testing.T) {
	t.Parallel()
	sec, st := testSecurity(t, cheapParams)
	ctx := context.Background()

	id, err := st.AddUser(ctx, storage.User{Username: "erin", Password: "x"})
	if err != nil {
		t.Fatalf("AddUser: %v", err)
	}
	u := storage.User{ID: id, Username: "erin"}
	if err := sec.SetPassword(ctx, &u, "newpw"); err != nil {
		t.Fatalf("SetPassword: %v", err)
	}

	if _, err := sec.Login(ctx, "erin", "newpw"); err != nil {
		t.Fatalf("Login with new password: %v", err)
	}
}

func TestEnsureAdmin(t *testing.T) {
	t.Parallel()
	sec, st := testSecurity(t, cheapParams)
	ctx := context.Background()

	if err := sec.EnsureAdmin(ctx); err != nil {
		t.Fatalf("EnsureAdmin: %v", err)
	}
	if _, err := sec.Login(ctx, "admin", "admin"); err != nil {
		t.Fatalf("Login as seeded admin: %v", err)
	}

	// A populated user table is left alone.
	u, err := st.GetUser(ctx, "admin")
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	u.Password = "replaced"
	if err := st.UpdateUser(ctx, u); err != nil {
		t.Fatalf("UpdateUser: %v", err)
	}
	if err := sec.EnsureAdmin(ctx); err != nil {
		t.Fatalf("EnsureAdmin second call: %v", err)
	}
	after, err := st.GetUser(ctx, "admin")
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if after.Password != "replaced" {
		t.Fatal("EnsureAdmin must not touch an existing user table")
	}
}
