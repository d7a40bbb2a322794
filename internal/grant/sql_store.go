package grant

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"time"

	xerrors "PayRelay/internal/errors"
	"PayRelay/internal/money"
	"PayRelay/internal/storage/sqldb"
)

// SQLStore 使用 MySQL 或 SQLite 持久化授权，金额以最小单位整数保存。
type SQLStore struct {
	db *sqldb.DB
}

// NewSQLStore 基于共享连接创建 SQLStore。
func NewSQLStore(db *sqldb.DB) *SQLStore {
	return &SQLStore{db: db}
}

const grantColumns = `id, owner, delegate_signer, single_limit, daily_limit, used_today, total_used,
        last_reset_day, expires_at, status, created_at, updated_at`

// Create 插入新的授权记录。
func (s *SQLStore) Create(ctx context.Context, g *Grant) error {
	single, err := money.ToMinor(g.SingleLimit)
	if err != nil {
		return xerrors.Wrap(CodeInvalidLimits, err, "single limit precision")
	}
	daily, err := money.ToMinor(g.DailyLimit)
	if err != nil {
		return xerrors.Wrap(CodeInvalidLimits, err, "daily limit precision")
	}

	const stmt = `INSERT INTO grants (` + grantColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, stmt,
		g.ID,
		g.Owner,
		g.DelegateSigner,
		single,
		daily,
		money.MustMinor(g.UsedToday),
		money.MustMinor(g.TotalUsed),
		g.LastResetDay,
		g.ExpiresAt.Unix(),
		string(g.Status),
		g.CreatedAt,
		g.UpdatedAt,
	)
	if err != nil {
		if s.db.Dialect().IsUniqueViolation(err) {
			return ErrGrantConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入授权失败")
	}
	return nil
}

// Get 查询授权。
func (s *SQLStore) Get(ctx context.Context, id string) (*Grant, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+grantColumns+` FROM grants WHERE id = ?`, id)
	g, err := scanGrant(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrGrantNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询授权失败")
	}
	return g, nil
}

// ListByOwner 返回所有者最近创建的授权。
func (s *SQLStore) ListByOwner(ctx context.Context, owner string, limit int) ([]*Grant, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+grantColumns+` FROM grants WHERE owner = ?
        ORDER BY created_at DESC, id DESC LIMIT ?`, owner, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询授权列表失败")
	}
	defer rows.Close()

	var out []*Grant
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析授权记录失败")
		}
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历授权列表失败")
	}
	return out, nil
}

// Expire 将已到期的 active 授权标记为 expired，其他状态保持不变。
func (s *SQLStore) Expire(ctx context.Context, id string, now time.Time) error {
	const stmt = `UPDATE grants SET status = ?, updated_at = ? WHERE id = ? AND status = ? AND expires_at <= ?`
	if _, err := s.db.ExecContext(ctx, stmt, string(StatusExpired), now.Unix(), id, string(StatusActive), now.Unix()); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新授权过期状态失败")
	}
	return nil
}

// Revoke 将 active 授权标记为 revoked。
func (s *SQLStore) Revoke(ctx context.Context, id string, now time.Time) error {
	const stmt = `UPDATE grants SET status = ?, updated_at = ? WHERE id = ? AND status = ?`
	if _, err := s.db.ExecContext(ctx, stmt, string(StatusRevoked), now.Unix(), id, string(StatusActive)); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "撤销授权失败")
	}
	return nil
}

// ApplyDebit 以单条条件更新完成额度扣减。
func (s *SQLStore) ApplyDebit(ctx context.Context, d Decision, now time.Time) error {
	amount, err := money.ToMinor(d.Amount)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "amount precision")
	}

	var res sql.Result
	if d.Rollover {
		const stmt = `UPDATE grants SET used_today = ?, total_used = total_used + ?, last_reset_day = ?, updated_at = ?
        WHERE id = ? AND status = ? AND expires_at > ? AND last_reset_day = ? AND ? <= daily_limit`
		res, err = s.db.ExecContext(ctx, stmt,
			amount, amount, d.Day, now.Unix(),
			d.GrantID, string(StatusActive), now.Unix(), d.ObservedResetDay, amount,
		)
	} else {
		const stmt = `UPDATE grants SET used_today = used_today + ?, total_used = total_used + ?, updated_at = ?
        WHERE id = ? AND status = ? AND expires_at > ? AND last_reset_day = ? AND used_today + ? <= daily_limit`
		res, err = s.db.ExecContext(ctx, stmt,
			amount, amount, now.Unix(),
			d.GrantID, string(StatusActive), now.Unix(), d.ObservedResetDay, amount,
		)
	}
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "扣减授权额度失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected == 0 {
		return errDebitRejected
	}
	return nil
}

// ReleaseDebit 回退一次扣款。
func (s *SQLStore) ReleaseDebit(ctx context.Context, d Decision, now time.Time) error {
	amount, err := money.ToMinor(d.Amount)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "amount precision")
	}
	const stmt = `UPDATE grants SET
        used_today = CASE WHEN last_reset_day = ? AND used_today >= ? THEN used_today - ? ELSE used_today END,
        total_used = CASE WHEN total_used >= ? THEN total_used - ? ELSE total_used END,
        updated_at = ?
        WHERE id = ?`
	if _, err := s.db.ExecContext(ctx, stmt, d.Day, amount, amount, amount, amount, now.Unix(), d.GrantID); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "回退授权额度失败")
	}
	return nil
}

// Close 连接由调用方统一管理，这里不做处理。
func (s *SQLStore) Close() error { return nil }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGrant(row rowScanner) (*Grant, error) {
	var (
		g         Grant
		single    int64
		daily     int64
		usedToday int64
		totalUsed int64
		expiresAt int64
		status    string
	)
	if err := row.Scan(
		&g.ID,
		&g.Owner,
		&g.DelegateSigner,
		&single,
		&daily,
		&usedToday,
		&totalUsed,
		&g.LastResetDay,
		&expiresAt,
		&status,
		&g.CreatedAt,
		&g.UpdatedAt,
	); err != nil {
		return nil, err
	}
	g.SingleLimit = money.FromMinor(single)
	g.DailyLimit = money.FromMinor(daily)
	g.UsedToday = money.FromMinor(usedToday)
	g.TotalUsed = money.FromMinor(totalUsed)
	g.ExpiresAt = time.Unix(expiresAt, 0).UTC()
	g.Status = Status(status)
	return &g, nil
}

var _ Store = (*SQLStore)(nil)
