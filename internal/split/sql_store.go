package split

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"time"

	xerrors "PayRelay/internal/errors"
	"PayRelay/internal/money"
	"PayRelay/internal/storage/sqldb"

	"github.com/shopspring/decimal"
)

// SQLStore 使用 MySQL 或 SQLite 持久化分账数据，Update 在单个事务中完成。
type SQLStore struct {
	db *sqldb.DB
}

// NewSQLStore 创建 SQLStore。
func NewSQLStore(db *sqldb.DB) *SQLStore {
	return &SQLStore{db: db}
}

const configColumns = `order_id, gross, merchant_share, referrer_share, executor_share, platform_share, offramp_share,
        merchant_payee, referrer_payee, executor_payee, platform_payee, offramp_payee, refund_account,
        requires_proof, proof_verified, is_disputed, dispute_reason, released_legs, funded, status, created_at, updated_at`

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Create 插入新配置。
func (s *SQLStore) Create(ctx context.Context, cfg *Config) error {
	args, err := configArgs(cfg)
	if err != nil {
		return err
	}
	const stmt = `INSERT INTO split_configs (` + configColumns + `)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, stmt, args...); err != nil {
		if s.db.Dialect().IsUniqueViolation(err) {
			return ErrExists
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入分账配置失败")
	}
	return nil
}

// Get 查询配置。
func (s *SQLStore) Get(ctx context.Context, orderID string) (*Config, error) {
	return s.load(ctx, s.db, orderID, "")
}

func (s *SQLStore) load(ctx context.Context, q queryer, orderID, suffix string) (*Config, error) {
	row := q.QueryRowContext(ctx, `SELECT `+configColumns+` FROM split_configs WHERE order_id = ?`+suffix, orderID)
	cfg, err := scanConfig(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询分账配置失败")
	}
	return cfg, nil
}

// Update 在事务中锁定配置行、执行 fn，并写入流水、余额与新配置。
func (s *SQLStore) Update(ctx context.Context, orderID string, now time.Time, fn Mutation) (*Config, []Credit, error) {
	var (
		updated *Config
		applied []Credit
	)
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		cfg, err := s.load(ctx, tx, orderID, s.db.Dialect().ForUpdate())
		if err != nil {
			return err
		}
		credits, err := fn(cfg)
		if err != nil {
			return err
		}
		upsert := s.db.Dialect().UpsertAdd("payee_balances", "payee", "pending")
		for _, c := range credits {
			amount, err := money.ToMinor(c.Amount)
			if err != nil {
				return xerrors.Wrap(CodeInvalidShares, err, "credit precision")
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO split_credits (order_id, leg, payee, amount, created_at) VALUES (?, ?, ?, ?, ?)`,
				c.OrderID, c.Leg, c.Payee, amount, now.Unix()); err != nil {
				if s.db.Dialect().IsUniqueViolation(err) {
					return errCreditExists
				}
				return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入分账流水失败")
			}
			if _, err := tx.ExecContext(ctx, upsert, c.Payee, amount, now.Unix()); err != nil {
				return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新收款方余额失败")
			}
		}

		cfg.UpdatedAt = now.Unix()
		const stmt = `UPDATE split_configs SET proof_verified = ?, is_disputed = ?, dispute_reason = ?,
        released_legs = ?, funded = ?, status = ?, updated_at = ? WHERE order_id = ?`
		if _, err := tx.ExecContext(ctx, stmt,
			cfg.ProofVerified, cfg.IsDisputed, cfg.DisputeReason,
			int(cfg.ReleasedLegs), cfg.Funded, string(cfg.Status), cfg.UpdatedAt, cfg.OrderID); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新分账配置失败")
		}
		updated = cfg
		applied = credits
		return nil
	})
	if err != nil {
		if _, ok := xerrors.From(err); !ok {
			err = xerrors.Wrap(xerrors.CodeStorageFailure, err, "分账事务失败")
		}
		return nil, nil, err
	}
	return updated, applied, nil
}

// Credits 返回订单的入账流水。
func (s *SQLStore) Credits(ctx context.Context, orderID string) ([]Credit, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT order_id, leg, payee, amount FROM split_credits WHERE order_id = ? ORDER BY created_at, leg`, orderID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询分账流水失败")
	}
	defer rows.Close()
	var out []Credit
	for rows.Next() {
		var (
			c      Credit
			amount int64
		)
		if err := rows.Scan(&c.OrderID, &c.Leg, &c.Payee, &amount); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析分账流水失败")
		}
		c.Amount = money.FromMinor(amount)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历分账流水失败")
	}
	return out, nil
}

// Balance 返回收款方余额。
func (s *SQLStore) Balance(ctx context.Context, payee string) (*Balance, error) {
	var pending, claimed int64
	err := s.db.QueryRowContext(ctx, `SELECT pending, claimed FROM payee_balances WHERE payee = ?`, payee).Scan(&pending, &claimed)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return &Balance{Payee: payee, Pending: decimal.Zero, Claimed: decimal.Zero}, nil
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询收款方余额失败")
	}
	return &Balance{Payee: payee, Pending: money.FromMinor(pending), Claimed: money.FromMinor(claimed)}, nil
}

// ReserveClaim 实现 Store。
func (s *SQLStore) ReserveClaim(ctx context.Context, payee string, now time.Time) (decimal.Decimal, error) {
	var amount int64
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx,
			`SELECT pending FROM payee_balances WHERE payee = ?`+s.db.Dialect().ForUpdate(), payee).Scan(&amount)
		if err != nil {
			if stdErrors.Is(err, sql.ErrNoRows) {
				return ErrNothingToClaim
			}
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询收款方余额失败")
		}
		if amount <= 0 {
			return ErrNothingToClaim
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE payee_balances SET pending = 0, claimed = claimed + ?, updated_at = ? WHERE payee = ?`,
			amount, now.Unix(), payee); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新收款方余额失败")
		}
		return nil
	})
	if err != nil {
		if _, ok := xerrors.From(err); !ok {
			err = xerrors.Wrap(xerrors.CodeStorageFailure, err, "领取事务失败")
		}
		return decimal.Zero, err
	}
	return money.FromMinor(amount), nil
}

// RestoreClaim 实现 Store。
func (s *SQLStore) RestoreClaim(ctx context.Context, payee string, amount decimal.Decimal, now time.Time) error {
	minor, err := money.ToMinor(amount)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "claim precision")
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE payee_balances SET pending = pending + ?, claimed = claimed - ?, updated_at = ? WHERE payee = ?`,
		minor, minor, now.Unix(), payee); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "恢复收款方余额失败")
	}
	return nil
}

func configArgs(cfg *Config) ([]any, error) {
	gross, err := money.ToMinor(cfg.Gross)
	if err != nil {
		return nil, xerrors.Wrap(CodeInvalidShares, err, "gross precision")
	}
	args := []any{cfg.OrderID, gross}
	for _, leg := range Legs {
		v, err := money.ToMinor(cfg.Shares.Of(leg))
		if err != nil {
			return nil, xerrors.Wrap(CodeInvalidShares, err, "share precision")
		}
		args = append(args, v)
	}
	for _, leg := range Legs {
		args = append(args, cfg.Payees.Of(leg))
	}
	args = append(args,
		cfg.RefundAccount,
		cfg.RequiresProof,
		cfg.ProofVerified,
		cfg.IsDisputed,
		cfg.DisputeReason,
		int(cfg.ReleasedLegs),
		cfg.Funded,
		string(cfg.Status),
		cfg.CreatedAt,
		cfg.UpdatedAt,
	)
	return args, nil
}

func scanConfig(row *sql.Row) (*Config, error) {
	var (
		cfg      Config
		gross    int64
		shares   [5]int64
		payees   [5]string
		reason   sql.NullString
		released int64
		status   string
	)
	if err := row.Scan(
		&cfg.OrderID, &gross,
		&shares[0], &shares[1], &shares[2], &shares[3], &shares[4],
		&payees[0], &payees[1], &payees[2], &payees[3], &payees[4],
		&cfg.RefundAccount,
		&cfg.RequiresProof, &cfg.ProofVerified, &cfg.IsDisputed,
		&reason, &released, &cfg.Funded, &status,
		&cfg.CreatedAt, &cfg.UpdatedAt,
	); err != nil {
		return nil, err
	}
	cfg.Gross = money.FromMinor(gross)
	cfg.Shares = Shares{
		Merchant: money.FromMinor(shares[0]),
		Referrer: money.FromMinor(shares[1]),
		Executor: money.FromMinor(shares[2]),
		Platform: money.FromMinor(shares[3]),
		OffRamp:  money.FromMinor(shares[4]),
	}
	for i, leg := range Legs {
		cfg.Payees.set(leg, payees[i])
	}
	cfg.DisputeReason = reason.String
	cfg.ReleasedLegs = uint8(released)
	cfg.Status = Status(status)
	return &cfg, nil
}

var _ Store = (*SQLStore)(nil)
