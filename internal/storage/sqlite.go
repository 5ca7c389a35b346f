package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"sasd/internal/person"
	"sasd/internal/rule"
	"sasd/internal/template"
	"sasd/internal/timefmt"
	"sasd/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
	loc atomic.Pointer[time.Location]
}

// dbtx abstracts *sql.DB and *sql.Tx so row helpers can run inside or
// outside a transaction.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// withTx runs fn in a transaction, rolling back on error. Mutations
// that touch more than one table go through here so a mid-write
// failure never leaves partial state.
func (s *sqliteStore) withTx(ctx context.Context, fn func(q dbtx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Open initializes the SQLite store at cfg.Path, running migrations
// on first use. loc is the initial timestamp location.
func Open(cfg Config, loc *time.Location, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("storage: sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	st := &sqliteStore{db: db, log: log}
	st.SetLocation(loc)

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) SetLocation(loc *time.Location) {
	if loc == nil {
		loc = time.UTC
	}
	s.loc.Store(loc)
}

func (s *sqliteStore) Location() *time.Location { return s.loc.Load() }

// ---- timestamp helpers ----

func (s *sqliteStore) encodeTime(t time.Time) string {
	return timefmt.Format(t, s.Location())
}

func (s *sqliteStore) encodeNullTime(t time.Time, ok bool) any {
	if !ok {
		return nil
	}
	return timefmt.Format(t, s.Location())
}

func (s *sqliteStore) decodeTime(raw string) (time.Time, error) {
	return timefmt.Parse(raw, s.Location())
}

func (s *sqliteStore) decodeNullTime(raw sql.NullString) (time.Time, error) {
	if !raw.Valid || strings.TrimSpace(raw.String) == "" {
		return time.Time{}, nil
	}
	return timefmt.Parse(raw.String, s.Location())
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// ---- people ----

func (s *sqliteStore) GetPerson(ctx context.Context, id int64) (person.Person, error) {
	return s.getPerson(ctx, s.db, id)
}

func (s *sqliteStore) getPerson(ctx context.Context, q dbtx, id int64) (person.Person, error) {
	var first, last, addr sql.NullString
	var tel string
	err := q.QueryRowContext(ctx,
		`SELECT first_name, last_name, telephone, address FROM people WHERE id=?`, id).
		Scan(&first, &last, &tel, &addr)
	if errors.Is(err, sql.ErrNoRows) {
		return person.Person{}, fmt.Errorf("%w: person %d", ErrNotFound, id)
	}
	if err != nil {
		return person.Person{}, err
	}
	return person.Person{
		ID:        id,
		FirstName: first.String,
		LastName:  last.String,
		Telephone: tel,
		Address:   addr.String,
	}, nil
}

func (s *sqliteStore) ListPeople(ctx context.Context, limit, offset int) ([]person.Person, error) {
	rows, err := s.db.QueryContext(ctx, withWindow(
		`SELECT id, first_name, last_name, telephone, address FROM people ORDER BY id`,
		limit, offset))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []person.Person
	for rows.Next() {
		var p person.Person
		var first, last, addr sql.NullString
		if err := rows.Scan(&p.ID, &first, &last, &p.Telephone, &addr); err != nil {
			return nil, err
		}
		p.FirstName, p.LastName, p.Address = first.String, last.String, addr.String
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *sqliteStore) AddPerson(ctx context.Context, p person.Person) (int64, error) {
	return s.addPerson(ctx, s.db, p)
}

func (s *sqliteStore) addPerson(ctx context.Context, q dbtx, p person.Person) (int64, error) {
	res, err := q.ExecContext(ctx,
		`INSERT INTO people(first_name, last_name, telephone, address) VALUES(?,?,?,?)`,
		nullStr(p.FirstName), nullStr(p.LastName), p.Telephone, nullStr(p.Address))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *sqliteStore) UpdatePerson(ctx context.Context, p person.Person) error {
	if !p.HasID() {
		return fmt.Errorf("%w: person has no id", ErrNotFound)
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE people SET first_name=?, last_name=?, telephone=?, address=? WHERE id=?`,
		nullStr(p.FirstName), nullStr(p.LastName), p.Telephone, nullStr(p.Address), p.ID)
	return err
}

func (s *sqliteStore) DeletePerson(ctx context.Context, id int64) error {
	return s.withTx(ctx, func(q dbtx) error {
		if _, err := q.ExecContext(ctx, `DELETE FROM people_in_rule WHERE person_id=?`, id); err != nil {
			return err
		}
		_, err := q.ExecContext(ctx, `DELETE FROM people WHERE id=?`, id)
		return err
	})
}

// ensurePerson inserts p when it has no id or its id no longer exists,
// and returns the effective id.
func (s *sqliteStore) ensurePerson(ctx context.Context, q dbtx, p person.Person) (int64, error) {
	if p.HasID() {
		if _, err := s.getPerson(ctx, q, p.ID); err == nil {
			return p.ID, nil
		} else if !errors.Is(err, ErrNotFound) {
			return 0, err
		}
	}
	return s.addPerson(ctx, q, p)
}

// ---- templates ----

func (s *sqliteStore) GetTemplate(ctx context.Context, id int64) (*template.Template, error) {
	return s.getTemplate(ctx, s.db, id)
}

func (s *sqliteStore) getTemplate(ctx context.Context, q dbtx, id int64) (*template.Template, error) {
	var label sql.NullString
	var message string
	err := q.QueryRowContext(ctx,
		`SELECT label, message FROM templates WHERE id=?`, id).Scan(&label, &message)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: template %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	t, err := template.New(message)
	if err != nil {
		return nil, fmt.Errorf("template %d: %w", id, err)
	}
	t.ID, t.Label = id, label.String
	return t, nil
}

func (s *sqliteStore) ListTemplates(ctx context.Context, limit, offset int) ([]*template.Template, error) {
	rows, err := s.db.QueryContext(ctx, withWindow(
		`SELECT id, label, message FROM templates ORDER BY id`, limit, offset))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*template.Template
	for rows.Next() {
		var id int64
		var label sql.NullString
		var message string
		if err := rows.Scan(&id, &label, &message); err != nil {
			return nil, err
		}
		t, err := template.New(message)
		if err != nil {
			return nil, fmt.Errorf("template %d: %w", id, err)
		}
		t.ID, t.Label = id, label.String
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *sqliteStore) AddTemplate(ctx context.Context, t *template.Template) (int64, error) {
	return s.addTemplate(ctx, s.db, t)
}

func (s *sqliteStore) addTemplate(ctx context.Context, q dbtx, t *template.Template) (int64, error) {
	res, err := q.ExecContext(ctx,
		`INSERT INTO templates(label, message) VALUES(?,?)`, nullStr(t.Label), t.Message())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *sqliteStore) UpdateTemplate(ctx context.Context, t *template.Template) error {
	if !t.HasID() {
		return fmt.Errorf("%w: template has no id", ErrNotFound)
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE templates SET label=?, message=? WHERE id=?`, nullStr(t.Label), t.Message(), t.ID)
	return err
}

func (s *sqliteStore) DeleteTemplate(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM templates WHERE id=?`, id)
	return err
}

func (s *sqliteStore) ensureTemplate(ctx context.Context, q dbtx, t *template.Template) (int64, error) {
	if t.HasID() {
		if _, err := s.getTemplate(ctx, q, t.ID); err == nil {
			return t.ID, nil
		} else if !errors.Is(err, ErrNotFound) {
			return 0, err
		}
	}
	return s.addTemplate(ctx, q, t)
}

// ---- rules ----

func (s *sqliteStore) recipientsOf(ctx context.Context, ruleID int64) ([]person.Person, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT p.id, p.first_name, p.last_name, p.telephone, p.address
		 FROM people_in_rule pir JOIN people p ON pir.person_id = p.id
		 WHERE pir.rule_id=? ORDER BY p.id`, ruleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []person.Person
	for rows.Next() {
		var p person.Person
		var first, last, addr sql.NullString
		if err := rows.Scan(&p.ID, &first, &last, &p.Telephone, &addr); err != nil {
			return nil, err
		}
		p.FirstName, p.LastName, p.Address = first.String, last.String, addr.String
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *sqliteStore) scanRule(ctx context.Context, id int64, label sql.NullString,
	tmplID int64, tmplLabel sql.NullString, tmplMsg, startRaw string,
	endRaw, lastRaw sql.NullString, intervalSecs int64,
) (*rule.Rule, error) {
	tmpl, err := template.New(tmplMsg)
	if err != nil {
		return nil, fmt.Errorf("rule %d: %w", id, err)
	}
	tmpl.ID, tmpl.Label = tmplID, tmplLabel.String

	start, err := s.decodeTime(startRaw)
	if err != nil {
		return nil, fmt.Errorf("rule %d start_date: %w", id, err)
	}
	end, err := s.decodeNullTime(endRaw)
	if err != nil {
		return nil, fmt.Errorf("rule %d end_date: %w", id, err)
	}
	last, err := s.decodeNullTime(lastRaw)
	if err != nil {
		return nil, fmt.Errorf("rule %d last_executed: %w", id, err)
	}
	recipients, err := s.recipientsOf(ctx, id)
	if err != nil {
		return nil, err
	}

	r, err := rule.New(rule.Params{
		ID:           id,
		Label:        label.String,
		Template:     tmpl,
		Recipients:   recipients,
		StartDate:    start,
		EndDate:      end,
		Interval:     time.Duration(intervalSecs) * time.Second,
		LastExecuted: last,
	})
	if err != nil {
		return nil, fmt.Errorf("rule %d: %w", id, err)
	}
	return r, nil
}

const ruleSelect = `SELECT r.id, r.label, t.id, t.label, t.message,
	r.start_date, r.end_date, r.last_executed, r.interval_secs
	FROM send_rules r JOIN templates t ON r.template_id = t.id`

func (s *sqliteStore) GetRule(ctx context.Context, id int64) (*rule.Rule, error) {
	var ruleID, tmplID, intervalSecs int64
	var label, tmplLabel, endRaw, lastRaw sql.NullString
	var tmplMsg, startRaw string
	err := s.db.QueryRowContext(ctx, ruleSelect+` WHERE r.id=?`, id).
		Scan(&ruleID, &label, &tmplID, &tmplLabel, &tmplMsg, &startRaw, &endRaw, &lastRaw, &intervalSecs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: rule %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return s.scanRule(ctx, ruleID, label, tmplID, tmplLabel, tmplMsg, startRaw, endRaw, lastRaw, intervalSecs)
}

func (s *sqliteStore) ListRules(ctx context.Context, limit, offset int) ([]*rule.Rule, error) {
	rows, err := s.db.QueryContext(ctx, withWindow(ruleSelect+` ORDER BY r.id`, limit, offset))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	type rawRule struct {
		id, tmplID, intervalSecs       int64
		label, tmplLabel, endRaw, lastRaw sql.NullString
		tmplMsg, startRaw              string
	}
	var raws []rawRule
	for rows.Next() {
		var rr rawRule
		if err := rows.Scan(&rr.id, &rr.label, &rr.tmplID, &rr.tmplLabel, &rr.tmplMsg,
			&rr.startRaw, &rr.endRaw, &rr.lastRaw, &rr.intervalSecs); err != nil {
			return nil, err
		}
		raws = append(raws, rr)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*rule.Rule, 0, len(raws))
	for _, rr := range raws {
		r, err := s.scanRule(ctx, rr.id, rr.label, rr.tmplID, rr.tmplLabel, rr.tmplMsg,
			rr.startRaw, rr.endRaw, rr.lastRaw, rr.intervalSecs)
		if err != nil {
			// A single corrupt row must not hide every other rule.
			s.log.Error("skipping unloadable rule", logx.Int64("rule", rr.id), logx.Err(err))
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *sqliteStore) AddRule(ctx context.Context, r *rule.Rule) (int64, error) {
	var id int64
	err := s.withTx(ctx, func(q dbtx) error {
		tmplID, err := s.ensureTemplate(ctx, q, r.Template())
		if err != nil {
			return err
		}

		end, hasEnd := r.EndDate()
		last, hasLast := r.LastExecuted()
		res, err := q.ExecContext(ctx,
			`INSERT INTO send_rules(label, template_id, start_date, end_date, interval_secs, last_executed)
			 VALUES(?,?,?,?,?,?)`,
			nullStr(r.Label()), tmplID, s.encodeTime(r.StartDate()),
			s.encodeNullTime(end, hasEnd), int64(r.Interval()/time.Second),
			s.encodeNullTime(last, hasLast))
		if err != nil {
			return err
		}
		if id, err = res.LastInsertId(); err != nil {
			return err
		}
		return s.linkRecipients(ctx, q, id, r.Recipients())
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

func (s *sqliteStore) UpdateRule(ctx context.Context, r *rule.Rule) error {
	if !r.HasID() {
		return fmt.Errorf("%w: rule has no id", ErrNotFound)
	}
	return s.withTx(ctx, func(q dbtx) error {
		tmplID, err := s.ensureTemplate(ctx, q, r.Template())
		if err != nil {
			return err
		}

		if _, err := q.ExecContext(ctx, `DELETE FROM people_in_rule WHERE rule_id=?`, r.ID()); err != nil {
			return err
		}

		end, hasEnd := r.EndDate()
		last, hasLast := r.LastExecuted()
		if _, err := q.ExecContext(ctx,
			`UPDATE send_rules SET label=?, template_id=?, start_date=?, end_date=?, interval_secs=?, last_executed=?
			 WHERE id=?`,
			nullStr(r.Label()), tmplID, s.encodeTime(r.StartDate()),
			s.encodeNullTime(end, hasEnd), int64(r.Interval()/time.Second),
			s.encodeNullTime(last, hasLast), r.ID()); err != nil {
			return err
		}
		return s.linkRecipients(ctx, q, r.ID(), r.Recipients())
	})
}

func (s *sqliteStore) linkRecipients(ctx context.Context, q dbtx, ruleID int64, recipients []person.Person) error {
	for _, p := range recipients {
		pid, err := s.ensurePerson(ctx, q, p)
		if err != nil {
			return err
		}
		if _, err := q.ExecContext(ctx,
			`INSERT OR IGNORE INTO people_in_rule(person_id, rule_id) VALUES(?,?)`, pid, ruleID); err != nil {
			return err
		}
	}
	return nil
}

func (s *sqliteStore) DeleteRule(ctx context.Context, id int64) error {
	return s.withTx(ctx, func(q dbtx) error {
		if _, err := q.ExecContext(ctx, `DELETE FROM people_in_rule WHERE rule_id=?`, id); err != nil {
			return err
		}
		_, err := q.ExecContext(ctx, `DELETE FROM send_rules WHERE id=?`, id)
		return err
	})
}

func (s *sqliteStore) SetRuleLastExecuted(ctx context.Context, id int64, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE send_rules SET last_executed=? WHERE id=?`, s.encodeTime(at), id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: rule %d", ErrNotFound, id)
	}
	return nil
}

// ---- users ----

func (s *sqliteStore) GetUser(ctx context.Context, username string) (User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, password FROM users WHERE username=?`, username).
		Scan(&u.ID, &u.Username, &u.Password)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("%w: user %q", ErrNotFound, username)
	}
	return u, err
}

func (s *sqliteStore) AddUser(ctx context.Context, u User) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users(username, password) VALUES(?,?)`, u.Username, u.Password)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *sqliteStore) UpdateUser(ctx context.Context, u User) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET username=?, password=? WHERE id=?`, u.Username, u.Password, u.ID)
	return err
}

func (s *sqliteStore) CountUsers(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&n)
	return n, err
}

// ---- settings ----

func (s *sqliteStore) GetSetting(ctx context.Context, key string) (string, error) {
	var v sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key=?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: setting %q", ErrNotFound, key)
	}
	return v.String, err
}

func (s *sqliteStore) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings(key, value) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value`, key, value)
	return err
}

// withWindow appends LIMIT/OFFSET. limit<=0 means unbounded.
func withWindow(query string, limit, offset int) string {
	if limit <= 0 {
		return query
	}
	query += fmt.Sprintf(" LIMIT %d", limit)
	if offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", offset)
	}
	return query
}
