package relay

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"time"

	xerrors "PayRelay/internal/errors"
	"PayRelay/internal/money"
	"PayRelay/internal/storage/sqldb"
)

// SQLStore 使用 payments 表保存支付记录，payment_key 主键负责去重。
type SQLStore struct {
	db *sqldb.DB
}

// NewSQLStore 基于共享连接创建 SQLStore。
func NewSQLStore(db *sqldb.DB) *SQLStore {
	return &SQLStore{db: db}
}

const paymentColumns = `payment_key, payment_id, grant_id, recipient, order_id, amount, domain_tag, request_hash, status,
        settlement, tx_ref, error_code, error_message, retryable, attempts, created_at, updated_at`

// Reserve 实现 Store。
func (s *SQLStore) Reserve(ctx context.Context, e *Execution) error {
	amount, err := money.ToMinor(e.Amount)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "amount precision")
	}
	const stmt = `INSERT INTO payments (` + paymentColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, stmt,
		e.Key,
		e.PaymentID,
		e.GrantID,
		e.Recipient,
		e.OrderID,
		amount,
		e.DomainTag,
		e.RequestHash,
		string(e.Status),
		e.Settlement,
		e.TxRef,
		e.ErrorCode,
		e.ErrorMessage,
		e.Retryable,
		e.Attempts,
		e.CreatedAt,
		e.UpdatedAt,
	)
	if err != nil {
		if s.db.Dialect().IsUniqueViolation(err) {
			return ErrPaymentExists
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入支付记录失败")
	}
	return nil
}

// Get 实现 Store。
func (s *SQLStore) Get(ctx context.Context, key string) (*Execution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE payment_key = ?`, key)
	e, err := scanExecution(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrPaymentNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询支付记录失败")
	}
	return e, nil
}

// Reclaim 实现 Store。
func (s *SQLStore) Reclaim(ctx context.Context, key, requestHash string, maxAttempts int, now time.Time) (*Execution, error) {
	const stmt = `UPDATE payments SET status = ?, attempts = attempts + 1, error_code = '', error_message = '',
        retryable = ?, updated_at = ?
        WHERE payment_key = ? AND request_hash = ? AND status = ? AND retryable = ? AND attempts < ?`
	res, err := s.db.ExecContext(ctx, stmt,
		string(StatusPending), false, now.Unix(),
		key, requestHash, string(StatusFailed), true, maxAttempts,
	)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "重领支付记录失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected == 0 {
		return nil, ErrNotReclaimable
	}
	return s.Get(ctx, key)
}

// Complete 实现 Store。
func (s *SQLStore) Complete(ctx context.Context, e *Execution) error {
	const stmt = `UPDATE payments SET status = ?, settlement = ?, tx_ref = ?, error_code = ?, error_message = ?,
        retryable = ?, updated_at = ? WHERE payment_key = ? AND status = ?`
	res, err := s.db.ExecContext(ctx, stmt,
		string(e.Status), e.Settlement, e.TxRef, e.ErrorCode, e.ErrorMessage,
		e.Retryable, e.UpdatedAt, e.Key, string(StatusPending),
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新支付结果失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected == 0 {
		if _, getErr := s.Get(ctx, e.Key); getErr != nil {
			return getErr
		}
		return xerrors.Newf(xerrors.CodeConflict, "payment %s is no longer pending", e.PaymentID)
	}
	return nil
}

// ListByGrant 实现 Store。
func (s *SQLStore) ListByGrant(ctx context.Context, grantID string, limit int) ([]*Execution, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE grant_id = ?
        ORDER BY created_at DESC, payment_id DESC LIMIT ?`, grantID, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询支付列表失败")
	}
	defer rows.Close()

	var out []*Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析支付记录失败")
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历支付列表失败")
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (*Execution, error) {
	var (
		e        Execution
		amount   int64
		status   string
		errorMsg sql.NullString
	)
	if err := row.Scan(
		&e.Key,
		&e.PaymentID,
		&e.GrantID,
		&e.Recipient,
		&e.OrderID,
		&amount,
		&e.DomainTag,
		&e.RequestHash,
		&status,
		&e.Settlement,
		&e.TxRef,
		&e.ErrorCode,
		&errorMsg,
		&e.Retryable,
		&e.Attempts,
		&e.CreatedAt,
		&e.UpdatedAt,
	); err != nil {
		return nil, err
	}
	e.Amount = money.FromMinor(amount)
	e.Status = Status(status)
	e.ErrorMessage = errorMsg.String
	return &e, nil
}

var _ Store = (*SQLStore)(nil)
