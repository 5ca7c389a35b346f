// Package security implements control-API authentication: argon2id
// password hashing in the standard PHC string format, verification
// with transparent rehash when parameters change, and the login path
// used per RPC message.
package security

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"

	"sasd/internal/storage"
	"sasd/pkg/logx"
)

// Params are argon2id cost parameters.
type Params struct {
	Time    uint32
	Memory  uint32 // KiB
	Threads uint8
	SaltLen int
	KeyLen  uint32
}

// DefaultParams matches the argon2 library defaults the original
// deployment used (t=3, m=64MiB, p=4).
var DefaultParams = Params{
	Time:    3,
	Memory:  64 * 1024,
	Threads: 4,
	SaltLen: 16,
	KeyLen:  32,
}

var (
	ErrBadCredentials = errors.New("security: invalid username or password")
	errMalformedHash  = errors.New("security: malformed password hash")
)

// Security verifies logins against the user table.
type Security struct {
	store  storage.Store
	params Params
	log    logx.Logger
}

func New(store storage.Store, params Params, log logx.Logger) *Security {
	if params == (Params{}) {
		params = DefaultParams
	}
	return &Security{store: store, params: params, log: log}
}

// Login authenticates username/password. On success it transparently
// rehashes the stored password when the cost parameters are outdated.
func (s *Security) Login(ctx context.Context, username, password string) (storage.User, error) {
	user, err := s.store.GetUser(ctx, username)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.User{}, ErrBadCredentials
		}
		return storage.User{}, err
	}
	ok, err := Verify(user.Password, password)
	if err != nil || !ok {
		return storage.User{}, ErrBadCredentials
	}

	if s.needsRehash(user.Password) {
		hash, err := HashPassword(password, s.params)
		if err == nil {
			user.Password = hash
			if err := s.store.UpdateUser(ctx, user); err != nil {
				s.log.Warn("password rehash write failed", logx.String("user", username), logx.Err(err))
			}
		}
	}
	return user, nil
}

// SetPassword hashes password and writes it to u.
func (s *Security) SetPassword(ctx context.Context, u *storage.User, password string) error {
	hash, err := HashPassword(password, s.params)
	if err != nil {
		return err
	}
	u.Password = hash
	return s.store.UpdateUser(ctx, *u)
}

// EnsureAdmin seeds the default admin:admin account when the user
// table is empty, so a fresh install is reachable.
func (s *Security) EnsureAdmin(ctx context.Context) error {
	n, err := s.store.CountUsers(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	hash, err := HashPassword("admin", s.params)
	if err != nil {
		return err
	}
	if _, err := s.store.AddUser(ctx, storage.User{Username: "admin", Password: hash}); err != nil {
		return err
	}
	s.log.Warn("seeded default admin user; change its password")
	return nil
}

func (s *Security) needsRehash(encoded string) bool {
	p, _, _, err := decodeHash(encoded)
	if err != nil {
		return true
	}
	return p.Time != s.params.Time || p.Memory != s.params.Memory || p.Threads != s.params.Threads
}

// HashPassword produces a PHC-formatted argon2id hash.
func HashPassword(password string, p Params) (string, error) {
	if p == (Params{}) {
		p = DefaultParams
	}
	salt := make([]byte, p.SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	key := argon2.IDKey([]byte(password), salt, p.Time, p.Memory, p.Threads, p.KeyLen)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, p.Memory, p.Time, p.Threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key)), nil
}

// Verify checks password against a PHC argon2id string in constant
// time over the derived key.
func Verify(encoded, password string) (bool, error) {
	p, salt, key, err := decodeHash(encoded)
	if err != nil {
		return false, err
	}
	got := argon2.IDKey([]byte(password), salt, p.Time, p.Memory, p.Threads, uint32(len(key)))
	return subtle.ConstantTimeCompare(got, key) == 1, nil
}

func decodeHash(encoded string) (Params, []byte, []byte, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return Params{}, nil, nil, errMalformedHash
	}
	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return Params{}, nil, nil, errMalformedHash
	}
	var p Params
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.Memory, &p.Time, &p.Threads); err != nil {
		return Params{}, nil, nil, errMalformedHash
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return Params{}, nil, nil, errMalformedHash
	}
	key, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return Params{}, nil, nil, errMalformedHash
	}
	p.SaltLen, p.KeyLen = len(salt), uint32(len(key))
	return p, salt, key, nil
}
