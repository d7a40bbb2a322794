package group

import (
	"context"
	"database/sql"
	stdErrors "errors"

	xerrors "PayRelay/internal/errors"
	"PayRelay/internal/money"
	"PayRelay/internal/storage/sqldb"
)

// SQLStore 使用 settlement_groups 与 settlement_group_legs 两张表保存结算组。
type SQLStore struct {
	db *sqldb.DB
}

// NewSQLStore 基于共享连接创建 SQLStore。
func NewSQLStore(db *sqldb.DB) *SQLStore {
	return &SQLStore{db: db}
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Create 实现 Store。
func (s *SQLStore) Create(ctx context.Context, g *Group) error {
	return s.db.WithTx(ctx, func(tx *sql.Tx) error {
		const groupStmt = `INSERT INTO settlement_groups (group_id, payment_id, status, success_count, failed_count,
        total_legs, version, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
		if _, err := tx.ExecContext(ctx, groupStmt,
			g.ID, g.PaymentID, string(g.Status), g.SuccessCount, g.FailedCount,
			len(g.Legs), g.Version, g.CreatedAt, g.UpdatedAt); err != nil {
			if s.db.Dialect().IsUniqueViolation(err) {
				return ErrExists
			}
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入结算组失败")
		}
		const legStmt = `INSERT INTO settlement_group_legs (group_id, leg_index, domain_tag, amount, source, destination,
        status, reference, compensation_ref, last_error, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
		for _, leg := range g.Legs {
			amount, err := money.ToMinor(leg.Amount)
			if err != nil {
				return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "leg amount precision")
			}
			if _, err := tx.ExecContext(ctx, legStmt,
				g.ID, leg.Index, leg.DomainTag, amount, leg.Source, leg.Destination,
				string(leg.Status), leg.Reference, leg.CompensationRef, leg.Error, leg.UpdatedAt); err != nil {
				return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入结算段失败")
			}
		}
		return nil
	})
}

// Get 实现 Store。
func (s *SQLStore) Get(ctx context.Context, groupID string) (*Group, error) {
	return s.load(ctx, s.db, groupID)
}

func (s *SQLStore) load(ctx context.Context, q queryer, groupID string) (*Group, error) {
	var (
		g      Group
		status string
	)
	err := q.QueryRowContext(ctx, `SELECT group_id, payment_id, status, success_count, failed_count, version,
        created_at, updated_at FROM settlement_groups WHERE group_id = ?`, groupID).Scan(
		&g.ID, &g.PaymentID, &status, &g.SuccessCount, &g.FailedCount, &g.Version, &g.CreatedAt, &g.UpdatedAt)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询结算组失败")
	}
	g.Status = Status(status)

	rows, err := q.QueryContext(ctx, `SELECT leg_index, domain_tag, amount, source, destination, status, reference,
        compensation_ref, last_error, updated_at FROM settlement_group_legs WHERE group_id = ? ORDER BY leg_index`, groupID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询结算段失败")
	}
	defer rows.Close()
	for rows.Next() {
		var (
			leg       Leg
			amount    int64
			legStatus string
			lastError sql.NullString
		)
		if err := rows.Scan(&leg.Index, &leg.DomainTag, &amount, &leg.Source, &leg.Destination, &legStatus,
			&leg.Reference, &leg.CompensationRef, &lastError, &leg.UpdatedAt); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析结算段失败")
		}
		leg.Amount = money.FromMinor(amount)
		leg.Status = LegStatus(legStatus)
		leg.Error = lastError.String
		g.Legs = append(g.Legs, leg)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历结算段失败")
	}
	return &g, nil
}

// Save 实现 Store。
func (s *SQLStore) Save(ctx context.Context, g *Group) error {
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		const groupStmt = `UPDATE settlement_groups SET status = ?, success_count = ?, failed_count = ?,
        version = version + 1, updated_at = ? WHERE group_id = ? AND version = ?`
		res, err := tx.ExecContext(ctx, groupStmt,
			string(g.Status), g.SuccessCount, g.FailedCount, g.UpdatedAt, g.ID, g.Version)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新结算组失败")
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
		}
		if affected == 0 {
			var exists int
			if err := tx.QueryRowContext(ctx, `SELECT 1 FROM settlement_groups WHERE group_id = ?`, g.ID).Scan(&exists); err != nil {
				if stdErrors.Is(err, sql.ErrNoRows) {
					return ErrNotFound
				}
				return xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询结算组失败")
			}
			return ErrConflict
		}

		const legStmt = `UPDATE settlement_group_legs SET status = ?, reference = ?, compensation_ref = ?, last_error = ?,
        updated_at = ? WHERE group_id = ? AND leg_index = ?`
		for _, leg := range g.Legs {
			if _, err := tx.ExecContext(ctx, legStmt,
				string(leg.Status), leg.Reference, leg.CompensationRef, leg.Error, leg.UpdatedAt, g.ID, leg.Index); err != nil {
				return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新结算段失败")
			}
		}
		return nil
	})
	if err != nil {
		if _, ok := xerrors.From(err); !ok {
			err = xerrors.Wrap(xerrors.CodeStorageFailure, err, "结算组事务失败")
		}
		return err
	}
	g.Version++
	return nil
}

// ListUnfinished 实现 Store。
func (s *SQLStore) ListUnfinished(ctx context.Context, before int64, limit int) ([]*Group, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT group_id FROM settlement_groups
        WHERE status IN (?, ?) AND updated_at <= ? ORDER BY updated_at LIMIT ?`,
		string(StatusExecuting), string(StatusRolledBack), before, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询待恢复结算组失败")
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析结算组失败")
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历结算组失败")
	}

	var out []*Group
	for _, id := range ids {
		g, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if !g.Terminal() {
			out = append(out, g)
		}
	}
	return out, nil
}

var _ Store = (*SQLStore)(nil)
