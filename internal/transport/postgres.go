package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/skydesk/odoo-provisioner/pkg/password"
)

// pgUniqueViolation is the SQLSTATE raised when the login unique constraint
// rejects a duplicate.
const pgUniqueViolation = "23505"

// PostgresBackend realizes the operation surface as parameterized statements
// against the platform's own tables. It is the fallback when the JSON-RPC
// endpoint is unreachable, and it owns password hashing: secrets are hashed
// before they touch storage and the cleartext is never written.
type PostgresBackend struct {
	pool           *pgxpool.Pool
	hashIterations int
	log            zerolog.Logger
}

func NewPostgres(ctx context.Context, dsn string, hashIterations int, log zerolog.Logger) (*PostgresBackend, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage connection: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach storage: %w", err)
	}
	return &PostgresBackend{pool: pool, hashIterations: hashIterations, log: log}, nil
}

func (b *PostgresBackend) Kind() Kind { return KindDirect }

func (b *PostgresBackend) Close() { b.pool.Close() }

func (b *PostgresBackend) CreateAccount(ctx context.Context, sess *Session, fields AccountFields) (int64, error) {
	hashed, err := password.Hash(fields.Password, b.hashIterations)
	if err != nil {
		return 0, &OpError{Op: "createAccount", Kind: KindDirect, Err: err}
	}

	query := `
		INSERT INTO res_users (name, login, email, password, active, street, create_date, write_date)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		RETURNING id
	`

	var id int64
	err = b.pool.QueryRow(ctx, query,
		fields.Name,
		fields.Login,
		fields.Email,
		hashed,
		fields.Active,
		fields.Street,
	).Scan(&id)

	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return 0, &DuplicateError{Login: fields.Login}
		}
		return 0, &OpError{Op: "createAccount", Kind: KindDirect, Err: err}
	}

	b.log.Info().Int64("account_id", id).Str("login", fields.Login).Msg("Account created via direct storage")
	return id, nil
}

func (b *PostgresBackend) FindAccountByLogin(ctx context.Context, sess *Session, login string) (int64, error) {
	var id int64
	err := b.pool.QueryRow(ctx, `SELECT id FROM res_users WHERE login = $1`, login).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, &OpError{Op: "findAccountByLogin", Kind: KindDirect, Err: err}
	}
	return id, nil
}

func (b *PostgresBackend) ReadAccount(ctx context.Context, sess *Session, id int64, fields []string) (*Account, error) {
	acct := &Account{}

	query := `
		SELECT id, name, login, COALESCE(email, ''), active
		FROM res_users
		WHERE id = $1
	`

	err := b.pool.QueryRow(ctx, query, id).Scan(
		&acct.ID,
		&acct.Name,
		&acct.Login,
		&acct.Email,
		&acct.Active,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &OpError{Op: "readAccount", Kind: KindDirect, Err: err}
	}

	acct.GroupIDs, err = b.accountGroups(ctx, id)
	if err != nil {
		return nil, &OpError{Op: "readAccount", Kind: KindDirect, Err: err}
	}
	return acct, nil
}

// updatableColumns whitelists the account columns writable through
// UpdateAccount; anything else in the patch is rejected rather than
// interpolated.
var updatableColumns = map[string]struct{}{
	"name":     {},
	"login":    {},
	"email":    {},
	"password": {},
	"active":   {},
	"street":   {},
}

func (b *PostgresBackend) UpdateAccount(ctx context.Context, sess *Session, id int64, fields map[string]any) error {
	query := `UPDATE res_users SET write_date = NOW()`
	args := []any{id}

	for column, value := range fields {
		if _, ok := updatableColumns[column]; !ok {
			return &OpError{Op: "updateAccount", Kind: KindDirect,
				Err: fmt.Errorf("column %q is not updatable", column)}
		}
		if column == "password" {
			plain, ok := value.(string)
			if !ok {
				return &OpError{Op: "updateAccount", Kind: KindDirect,
					Err: fmt.Errorf("password value must be a string")}
			}
			hashed, err := password.Hash(plain, b.hashIterations)
			if err != nil {
				return &OpError{Op: "updateAccount", Kind: KindDirect, Err: err}
			}
			value = hashed
		}
		args = append(args, value)
		query += fmt.Sprintf(", %s = $%d", column, len(args))
	}

	query += ` WHERE id = $1`

	tag, err := b.pool.Exec(ctx, query, args...)
	if err != nil {
		return &OpError{Op: "updateAccount", Kind: KindDirect, Err: err}
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (b *PostgresBackend) DeleteAccount(ctx context.Context, sess *Session, id int64) error {
	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return &OpError{Op: "deleteAccount", Kind: KindDirect, Err: err}
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM res_groups_users_rel WHERE uid = $1`, id); err != nil {
		return &OpError{Op: "deleteAccount", Kind: KindDirect, Err: err}
	}

	tag, err := tx.Exec(ctx, `DELETE FROM res_users WHERE id = $1`, id)
	if err != nil {
		return &OpError{Op: "deleteAccount", Kind: KindDirect, Err: err}
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	if err := tx.Commit(ctx); err != nil {
		return &OpError{Op: "deleteAccount", Kind: KindDirect, Err: err}
	}
	return nil
}

func (b *PostgresBackend) FindGroupByName(ctx context.Context, sess *Session, pattern string) (*Group, error) {
	group := &Group{}

	query := `
		SELECT g.id, g.name, COALESCE(c.name, '')
		FROM res_groups g
		LEFT JOIN ir_module_category c ON c.id = g.category_id
		WHERE g.name ILIKE '%' || $1 || '%'
		ORDER BY g.id
		LIMIT 1
	`

	err := b.pool.QueryRow(ctx, query, pattern).Scan(&group.ID, &group.Name, &group.Category)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &OpError{Op: "findGroupByName", Kind: KindDirect, Err: err}
	}
	return group, nil
}

func (b *PostgresBackend) ListGroups(ctx context.Context, sess *Session, pattern string) ([]Group, error) {
	query := `
		SELECT g.id, g.name, COALESCE(c.name, '')
		FROM res_groups g
		LEFT JOIN ir_module_category c ON c.id = g.category_id
		WHERE g.name ILIKE '%' || $1 || '%'
		ORDER BY g.id
	`

	// An empty pattern matches every group through the '%%' wildcard.
	rows, err := b.pool.Query(ctx, query, pattern)
	if err != nil {
		return nil, &OpError{Op: "listGroups", Kind: KindDirect, Err: err}
	}
	defer rows.Close()

	groups := make([]Group, 0)
	for rows.Next() {
		var group Group
		if err := rows.Scan(&group.ID, &group.Name, &group.Category); err != nil {
			return nil, &OpError{Op: "listGroups", Kind: KindDirect, Err: err}
		}
		groups = append(groups, group)
	}
	if err := rows.Err(); err != nil {
		return nil, &OpError{Op: "listGroups", Kind: KindDirect, Err: err}
	}
	return groups, nil
}

func (b *PostgresBackend) SetGroupMembership(ctx context.Context, sess *Session, accountID int64, groupIDs []int64) error {
	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return &OpError{Op: "setGroupMembership", Kind: KindDirect, Err: err}
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM res_groups_users_rel WHERE uid = $1`, accountID); err != nil {
		return &OpError{Op: "setGroupMembership", Kind: KindDirect, Err: err}
	}

	for _, gid := range groupIDs {
		_, err := tx.Exec(ctx,
			`INSERT INTO res_groups_users_rel (gid, uid) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			gid, accountID)
		if err != nil {
			return &OpError{Op: "setGroupMembership", Kind: KindDirect, Err: err}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return &OpError{Op: "setGroupMembership", Kind: KindDirect, Err: err}
	}
	return nil
}

func (b *PostgresBackend) accountGroups(ctx context.Context, accountID int64) ([]int64, error) {
	rows, err := b.pool.Query(ctx, `SELECT gid FROM res_groups_users_rel WHERE uid = $1 ORDER BY gid`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	groupIDs := make([]int64, 0)
	for rows.Next() {
		var gid int64
		if err := rows.Scan(&gid); err != nil {
			return nil, err
		}
		groupIDs = append(groupIDs, gid)
	}
	return groupIDs, rows.Err()
}
