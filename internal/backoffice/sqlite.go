package backoffice

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists the same data as PGStore in a single-file SQLite
// database. It suits single-node installs and local development.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens (creating if needed) the database at path and ensures the
// schema exists.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("backoffice: enable foreign keys: %w", err)
	}
	if err := initSQLiteSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) DB() *sql.DB { return s.db }

// Users implements Store.
func (s *SQLiteStore) Users(context.Context) UserStore { return &sqliteUserStore{db: s.db} }

// Groups implements Store.
func (s *SQLiteStore) Groups(context.Context) GroupStore { return &sqliteGroupStore{db: s.db} }

// ExternalLogins implements Store.
func (s *SQLiteStore) ExternalLogins(context.Context) ExternalLoginStore {
	return &sqliteLoginStore{db: s.db}
}

func initSQLiteSchema(db *sql.DB) error {
	if err := initTable(db, "users", `
		CREATE TABLE IF NOT EXISTS users (
			id                      INTEGER PRIMARY KEY,
			username                TEXT NOT NULL UNIQUE,
			name                    TEXT NOT NULL DEFAULT '',
			email                   TEXT NOT NULL DEFAULT '',
			password_hash           TEXT NOT NULL DEFAULT '',
			security_stamp          TEXT NOT NULL DEFAULT '',
			is_approved             INTEGER NOT NULL DEFAULT 0,
			lockout_end             TIMESTAMP,
			failed_access_count     INTEGER NOT NULL DEFAULT 0,
			two_factor_enabled      INTEGER NOT NULL DEFAULT 0,
			last_login_at           TIMESTAMP,
			last_password_change_at TIMESTAMP,
			groups                  TEXT NOT NULL DEFAULT '[]',
			content_start_nodes     TEXT NOT NULL DEFAULT '[]',
			media_start_nodes       TEXT NOT NULL DEFAULT '[]',
			culture                 TEXT NOT NULL DEFAULT ''
		);`,
	); err != nil {
		return err
	}

	if err := initTable(db, "user_groups", `
		CREATE TABLE IF NOT EXISTS user_groups (
			id                  INTEGER PRIMARY KEY,
			alias               TEXT NOT NULL UNIQUE,
			name                TEXT NOT NULL DEFAULT '',
			sections            TEXT NOT NULL DEFAULT '[]',
			content_start_nodes TEXT NOT NULL DEFAULT '[]',
			media_start_nodes   TEXT NOT NULL DEFAULT '[]'
		);`,
	); err != nil {
		return err
	}

	return initTable(db, "user_external_logins", `
		CREATE TABLE IF NOT EXISTS user_external_logins (
			user_id      INTEGER NOT NULL,
			provider     TEXT NOT NULL,
			provider_key TEXT NOT NULL,
			created_at   TIMESTAMP NOT NULL,
			PRIMARY KEY (provider, provider_key),
			FOREIGN KEY (user_id) REFERENCES users (id)
		);`,
	)
}

func initTable(db *sql.DB, name, ddl string) error {
	if _, err := db.Exec(ddl); err != nil {
		return fmt.Errorf("backoffice: init %q table schema: %w", name, err)
	}
	return nil
}

type sqliteUserStore struct {
	db *sql.DB
}

func (s *sqliteUserStore) Create(ctx context.Context, u *User) error {
	groups, err := jsonColumn(u.Groups)
	if err != nil {
		return err
	}
	content, err := jsonColumn(u.ContentStartNodes)
	if err != nil {
		return err
	}
	media, err := jsonColumn(u.MediaStartNodes)
	if err != nil {
		return err
	}
	row := s.db.QueryRowContext(ctx, `
		insert into users(username, name, email, password_hash, security_stamp,
			is_approved, lockout_end, failed_access_count, two_factor_enabled,
			groups, content_start_nodes, media_start_nodes, culture)
		values (?,?,?,?,?,?,?,?,?,?,?,?,?)
		on conflict (username) do nothing
		returning id
	`, u.Username, u.Name, normalizedEmail(u.Email), u.PasswordHash, u.SecurityStamp,
		u.IsApproved, u.LockoutEndUTC, u.AccessFailedCount, u.TwoFactorEnabled,
		groups, content, media, u.Culture)
	if err := row.Scan(&u.ID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrAlreadyExists
		}
		return err
	}
	return nil
}

func (s *sqliteUserStore) FindByID(ctx context.Context, id int) (*User, error) {
	return scanUser(s.db.QueryRowContext(ctx,
		`select `+userColumns+` from users where id=?`, id))
}

func (s *sqliteUserStore) FindByUsername(ctx context.Context, username string) (*User, error) {
	return scanUser(s.db.QueryRowContext(ctx,
		`select `+userColumns+` from users where username=?`, username))
}

func (s *sqliteUserStore) FindByEmail(ctx context.Context, email string) (*User, error) {
	return scanUser(s.db.QueryRowContext(ctx,
		`select `+userColumns+` from users where email=?`, normalizedEmail(email)))
}

func (s *sqliteUserStore) Update(ctx context.Context, u *User) error {
	groups, err := jsonColumn(u.Groups)
	if err != nil {
		return err
	}
	content, err := jsonColumn(u.ContentStartNodes)
	if err != nil {
		return err
	}
	media, err := jsonColumn(u.MediaStartNodes)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		update users set
			username=?, name=?, email=?, password_hash=?, security_stamp=?,
			is_approved=?, lockout_end=?, failed_access_count=?,
			two_factor_enabled=?, last_login_at=?, last_password_change_at=?,
			groups=?, content_start_nodes=?, media_start_nodes=?, culture=?
		where id=?
	`, u.Username, u.Name, normalizedEmail(u.Email), u.PasswordHash,
		u.SecurityStamp, u.IsApproved, u.LockoutEndUTC, u.AccessFailedCount,
		u.TwoFactorEnabled, u.LastLoginUTC, u.LastPasswordChangeUTC,
		groups, content, media, u.Culture, u.ID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *sqliteUserStore) GetPasswordHash(ctx context.Context, id int) (string, error) {
	var hash string
	err := s.db.QueryRowContext(ctx, `select password_hash from users where id=?`, id).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return hash, err
}

func (s *sqliteUserStore) SetPasswordHash(ctx context.Context, id int, hash string) error {
	res, err := s.db.ExecContext(ctx, `
		update users set password_hash=?, last_password_change_at=? where id=?
	`, hash, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *sqliteUserStore) GetSecurityStamp(ctx context.Context, id int) (string, error) {
	var stamp string
	err := s.db.QueryRowContext(ctx, `select security_stamp from users where id=?`, id).Scan(&stamp)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return stamp, err
}

func (s *sqliteUserStore) SetSecurityStamp(ctx context.Context, id int, stamp string) error {
	res, err := s.db.ExecContext(ctx, `update users set security_stamp=? where id=?`, stamp, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *sqliteUserStore) IncrementAccessFailedCount(ctx context.Context, id int) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		update users set failed_access_count = failed_access_count + 1
		where id=?
		returning failed_access_count
	`, id).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	return count, err
}

func (s *sqliteUserStore) ResetAccessFailedCount(ctx context.Context, id int) error {
	res, err := s.db.ExecContext(ctx, `update users set failed_access_count=0 where id=?`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *sqliteUserStore) SetLockoutEndDate(ctx context.Context, id int, end *time.Time) error {
	res, err := s.db.ExecContext(ctx, `update users set lockout_end=? where id=?`, end, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *sqliteUserStore) RecordLogin(ctx context.Context, id int, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		update users set last_login_at=?, failed_access_count=0 where id=?
	`, at.UTC(), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

type sqliteGroupStore struct {
	db *sql.DB
}

func (s *sqliteGroupStore) Create(ctx context.Context, g *UserGroup) error {
	sections, err := jsonColumn(g.Sections)
	if err != nil {
		return err
	}
	content, err := jsonColumn(g.ContentStartNodes)
	if err != nil {
		return err
	}
	media, err := jsonColumn(g.MediaStartNodes)
	if err != nil {
		return err
	}
	row := s.db.QueryRowContext(ctx, `
		insert into user_groups(alias, name, sections, content_start_nodes, media_start_nodes)
		values (?,?,?,?,?)
		on conflict (alias) do nothing
		returning id
	`, g.Alias, g.Name, sections, content, media)
	if err := row.Scan(&g.ID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrAlreadyExists
		}
		return err
	}
	return nil
}

func (s *sqliteGroupStore) FindByAlias(ctx context.Context, alias string) (*UserGroup, error) {
	row := s.db.QueryRowContext(ctx, `
		select id, alias, name, sections, content_start_nodes, media_start_nodes
		from user_groups where alias=?
	`, alias)
	return scanGroup(row.Scan)
}

func (s *sqliteGroupStore) ListByAliases(ctx context.Context, aliases []string) ([]*UserGroup, error) {
	var out []*UserGroup
	for _, alias := range aliases {
		g, err := s.FindByAlias(ctx, alias)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, g)
	}
	return out, nil
}

func (s *sqliteGroupStore) List(ctx context.Context) ([]*UserGroup, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, alias, name, sections, content_start_nodes, media_start_nodes
		from user_groups order by alias
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectGroups(rows)
}

type sqliteLoginStore struct {
	db *sql.DB
}

func (s *sqliteLoginStore) Link(ctx context.Context, userID int, provider, providerKey string) error {
	_, err := s.db.ExecContext(ctx, `
		insert into user_external_logins(user_id, provider, provider_key, created_at)
		values (?,?,?,?)
		on conflict (provider, provider_key) do update set user_id = excluded.user_id
	`, userID, provider, providerKey, time.Now().UTC())
	return err
}

func (s *sqliteLoginStore) Unlink(ctx context.Context, userID int, provider string) error {
	_, err := s.db.ExecContext(ctx, `
		delete from user_external_logins where user_id=? and provider=?
	`, userID, provider)
	return err
}

func (s *sqliteLoginStore) FindUserID(ctx context.Context, provider, providerKey string) (int, error) {
	var uid int
	err := s.db.QueryRowContext(ctx, `
		select user_id from user_external_logins where provider=? and provider_key=?
	`, provider, providerKey).Scan(&uid)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	return uid, err
}

func (s *sqliteLoginStore) ListForUser(ctx context.Context, userID int) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		select provider, provider_key from user_external_logins where user_id=?
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]string)
	for rows.Next() {
		var provider, key string
		if err := rows.Scan(&provider, &key); err != nil {
			return nil, err
		}
		out[provider] = key
	}
	return out, rows.Err()
}
