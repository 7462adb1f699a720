package backoffice

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PGStore persists users, groups and external logins in PostgreSQL.
type PGStore struct {
	db *sql.DB
}

var _ Store = (*PGStore)(nil)

// OpenPG opens a pooled connection to PostgreSQL.
func OpenPG(dsn string) (*PGStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &PGStore{db: db}, nil
}

// NewPGStore wraps an existing database handle. Used by tests with sqlmock.
func NewPGStore(db *sql.DB) *PGStore { return &PGStore{db: db} }

func (s *PGStore) Close() error { return s.db.Close() }

func (s *PGStore) DB() *sql.DB { return s.db }

// Users implements Store.
func (s *PGStore) Users(context.Context) UserStore { return &pgUserStore{db: s.db} }

// Groups implements Store.
func (s *PGStore) Groups(context.Context) GroupStore { return &pgGroupStore{db: s.db} }

// ExternalLogins implements Store.
func (s *PGStore) ExternalLogins(context.Context) ExternalLoginStore {
	return &pgLoginStore{db: s.db}
}

type pgUserStore struct {
	db *sql.DB
}

const userColumns = `id, username, name, email, password_hash, security_stamp,
	is_approved, lockout_end, failed_access_count, two_factor_enabled,
	last_login_at, last_password_change_at, groups, content_start_nodes,
	media_start_nodes, culture`

func scanUser(row *sql.Row) (*User, error) {
	var (
		u          User
		lockout    sql.NullTime
		lastLogin  sql.NullTime
		lastChange sql.NullTime
		groups     []byte
		content    []byte
		media      []byte
	)
	err := row.Scan(&u.ID, &u.Username, &u.Name, &u.Email, &u.PasswordHash,
		&u.SecurityStamp, &u.IsApproved, &lockout, &u.AccessFailedCount,
		&u.TwoFactorEnabled, &lastLogin, &lastChange, &groups, &content,
		&media, &u.Culture)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if lockout.Valid {
		end := lockout.Time.UTC()
		u.LockoutEndUTC = &end
	}
	if lastLogin.Valid {
		at := lastLogin.Time.UTC()
		u.LastLoginUTC = &at
	}
	if lastChange.Valid {
		at := lastChange.Time.UTC()
		u.LastPasswordChangeUTC = &at
	}
	if err := unmarshalJSONColumn(groups, &u.Groups); err != nil {
		return nil, err
	}
	if err := unmarshalJSONColumn(content, &u.ContentStartNodes); err != nil {
		return nil, err
	}
	if err := unmarshalJSONColumn(media, &u.MediaStartNodes); err != nil {
		return nil, err
	}
	return &u, nil
}

func unmarshalJSONColumn(raw []byte, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dst)
}

func jsonColumn(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (s *pgUserStore) Create(ctx context.Context, u *User) error {
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
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
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

func (s *pgUserStore) FindByID(ctx context.Context, id int) (*User, error) {
	return scanUser(s.db.QueryRowContext(ctx,
		`select `+userColumns+` from users where id=$1`, id))
}

func (s *pgUserStore) FindByUsername(ctx context.Context, username string) (*User, error) {
	return scanUser(s.db.QueryRowContext(ctx,
		`select `+userColumns+` from users where username=$1`, username))
}

func (s *pgUserStore) FindByEmail(ctx context.Context, email string) (*User, error) {
	return scanUser(s.db.QueryRowContext(ctx,
		`select `+userColumns+` from users where email=$1`, normalizedEmail(email)))
}

func (s *pgUserStore) Update(ctx context.Context, u *User) error {
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
			username=$2, name=$3, email=$4, password_hash=$5, security_stamp=$6,
			is_approved=$7, lockout_end=$8, failed_access_count=$9,
			two_factor_enabled=$10, last_login_at=$11, last_password_change_at=$12,
			groups=$13, content_start_nodes=$14, media_start_nodes=$15, culture=$16
		where id=$1
	`, u.ID, u.Username, u.Name, normalizedEmail(u.Email), u.PasswordHash,
		u.SecurityStamp, u.IsApproved, u.LockoutEndUTC, u.AccessFailedCount,
		u.TwoFactorEnabled, u.LastLoginUTC, u.LastPasswordChangeUTC,
		groups, content, media, u.Culture)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *pgUserStore) GetPasswordHash(ctx context.Context, id int) (string, error) {
	var hash string
	err := s.db.QueryRowContext(ctx, `select password_hash from users where id=$1`, id).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return hash, err
}

func (s *pgUserStore) SetPasswordHash(ctx context.Context, id int, hash string) error {
	res, err := s.db.ExecContext(ctx, `
		update users set password_hash=$2, last_password_change_at=now() where id=$1
	`, id, hash)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *pgUserStore) GetSecurityStamp(ctx context.Context, id int) (string, error) {
	var stamp string
	err := s.db.QueryRowContext(ctx, `select security_stamp from users where id=$1`, id).Scan(&stamp)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return stamp, err
}

func (s *pgUserStore) SetSecurityStamp(ctx context.Context, id int, stamp string) error {
	res, err := s.db.ExecContext(ctx, `update users set security_stamp=$2 where id=$1`, id, stamp)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// IncrementAccessFailedCount bumps the counter atomically in the database so
// concurrent failed attempts are never lost.
func (s *pgUserStore) IncrementAccessFailedCount(ctx context.Context, id int) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		update users set failed_access_count = failed_access_count + 1
		where id=$1
		returning failed_access_count
	`, id).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	return count, err
}

func (s *pgUserStore) ResetAccessFailedCount(ctx context.Context, id int) error {
	res, err := s.db.ExecContext(ctx, `update users set failed_access_count=0 where id=$1`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *pgUserStore) SetLockoutEndDate(ctx context.Context, id int, end *time.Time) error {
	res, err := s.db.ExecContext(ctx, `update users set lockout_end=$2 where id=$1`, id, end)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *pgUserStore) RecordLogin(ctx context.Context, id int, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		update users set last_login_at=$2, failed_access_count=0 where id=$1
	`, id, at.UTC())
	if err != nil {
		return err
	}
	return requireRow(res)
}

type pgGroupStore struct {
	db *sql.DB
}

func (s *pgGroupStore) Create(ctx context.Context, g *UserGroup) error {
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
		values ($1,$2,$3,$4,$5)
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

func scanGroup(scan func(dest ...any) error) (*UserGroup, error) {
	var (
		g        UserGroup
		sections []byte
		content  []byte
		media    []byte
	)
	if err := scan(&g.ID, &g.Alias, &g.Name, &sections, &content, &media); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := unmarshalJSONColumn(sections, &g.Sections); err != nil {
		return nil, err
	}
	if err := unmarshalJSONColumn(content, &g.ContentStartNodes); err != nil {
		return nil, err
	}
	if err := unmarshalJSONColumn(media, &g.MediaStartNodes); err != nil {
		return nil, err
	}
	return &g, nil
}

func (s *pgGroupStore) FindByAlias(ctx context.Context, alias string) (*UserGroup, error) {
	row := s.db.QueryRowContext(ctx, `
		select id, alias, name, sections, content_start_nodes, media_start_nodes
		from user_groups where alias=$1
	`, alias)
	return scanGroup(row.Scan)
}

func (s *pgGroupStore) ListByAliases(ctx context.Context, aliases []string) ([]*UserGroup, error) {
	if len(aliases) == 0 {
		return nil, nil
	}
	set, err := jsonColumn(aliases)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, alias, name, sections, content_start_nodes, media_start_nodes
		from user_groups
		where alias in (select value from jsonb_array_elements_text($1::jsonb) as t(value))
		order by alias
	`, set)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectGroups(rows)
}

func (s *pgGroupStore) List(ctx context.Context) ([]*UserGroup, error) {
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

func collectGroups(rows *sql.Rows) ([]*UserGroup, error) {
	var out []*UserGroup
	for rows.Next() {
		g, err := scanGroup(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

type pgLoginStore struct {
	db *sql.DB
}

func (s *pgLoginStore) Link(ctx context.Context, userID int, provider, providerKey string) error {
	_, err := s.db.ExecContext(ctx, `
		insert into user_external_logins(user_id, provider, provider_key, created_at)
		values ($1,$2,$3, now())
		on conflict (provider, provider_key) do update set user_id = excluded.user_id
	`, userID, provider, providerKey)
	return err
}

func (s *pgLoginStore) Unlink(ctx context.Context, userID int, provider string) error {
	_, err := s.db.ExecContext(ctx, `
		delete from user_external_logins where user_id=$1 and provider=$2
	`, userID, provider)
	return err
}

func (s *pgLoginStore) FindUserID(ctx context.Context, provider, providerKey string) (int, error) {
	var uid int
	err := s.db.QueryRowContext(ctx, `
		select user_id from user_external_logins where provider=$1 and provider_key=$2
	`, provider, providerKey).Scan(&uid)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	return uid, err
}

func (s *pgLoginStore) ListForUser(ctx context.Context, userID int) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		select provider, provider_key from user_external_logins where user_id=$1
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
