package storage

import (
	"context"
	"errors"
	"time"

	"sasd/internal/person"
	"sasd/internal/rule"
	"sasd/internal/template"
)

// Settings keys understood by the daemon.
const (
	SettingTimezone  = "timezone"
	SettingAPIKey    = "api-key"
	SettingTelephone = "telephone"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("storage: not found")

// Config configures the store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// User is a control-panel login. Password holds the encoded hash.
type User struct {
	ID       int64
	Username string
	Password string
}

// Store is the persistence API used by the app and the control API.
type Store interface {
	// People.
	GetPerson(ctx context.Context, id int64) (person.Person, error)
	ListPeople(ctx context.Context, limit, offset int) ([]person.Person, error)
	AddPerson(ctx context.Context, p person.Person) (int64, error)
	UpdatePerson(ctx context.Context, p person.Person) error
	DeletePerson(ctx context.Context, id int64) error

	// Templates.
	GetTemplate(ctx context.Context, id int64) (*template.Template, error)
	ListTemplates(ctx context.Context, limit, offset int) ([]*template.Template, error)
	AddTemplate(ctx context.Context, t *template.Template) (int64, error)
	UpdateTemplate(ctx context.Context, t *template.Template) error
	DeleteTemplate(ctx context.Context, id int64) error

	// Rules.
	GetRule(ctx context.Context, id int64) (*rule.Rule, error)
	ListRules(ctx context.Context, limit, offset int) ([]*rule.Rule, error)
	AddRule(ctx context.Context, r *rule.Rule) (int64, error)
	UpdateRule(ctx context.Context, r *rule.Rule) error
	DeleteRule(ctx context.Context, id int64) error
	// SetRuleLastExecuted is the scheduling loop's write-back.
	SetRuleLastExecuted(ctx context.Context, id int64, at time.Time) error

	// Users.
	GetUser(ctx context.Context, username string) (User, error)
	AddUser(ctx context.Context, u User) (int64, error)
	UpdateUser(ctx context.Context, u User) error
	CountUsers(ctx context.Context) (int, error)

	// Settings.
	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error

	// SetLocation swaps the location used to encode and decode
	// schedule timestamps.
	SetLocation(loc *time.Location)
	Location() *time.Location

	Close() error
}
