package sqldb

import (
	stdErrors "errors"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"
)

// Dialect 标识底层数据库类型。
type Dialect string

const (
	DialectMySQL  Dialect = "mysql"
	DialectSQLite Dialect = "sqlite"
)

// ParseDialect 将配置中的驱动名解析为方言。
func ParseDialect(driver string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "mysql":
		return DialectMySQL, nil
	case "sqlite", "sqlite3":
		return DialectSQLite, nil
	default:
		return "", fmt.Errorf("不支持的数据库驱动: %s", driver)
	}
}

func (d Dialect) driverName() string {
	return string(d)
}

// IsUniqueViolation 判断错误是否由主键或唯一索引冲突引起。
func (d Dialect) IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	switch d {
	case DialectMySQL:
		var mysqlErr *mysql.MySQLError
		return stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062
	case DialectSQLite:
		msg := err.Error()
		return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "PRIMARY KEY constraint failed")
	default:
		return false
	}
}

// ForUpdate 返回行级锁后缀。SQLite 在写事务中串行执行，无需显式加锁。
func (d Dialect) ForUpdate() string {
	if d == DialectMySQL {
		return " FOR UPDATE"
	}
	return ""
}

// UpsertAdd 返回「不存在则插入，存在则累加」的语句，参数顺序为 key, value, updated_at。
func (d Dialect) UpsertAdd(table, keyColumn, valueColumn string) string {
	if d == DialectMySQL {
		return fmt.Sprintf(`INSERT INTO %s (%s, %s, updated_at) VALUES (?, ?, ?)
        ON DUPLICATE KEY UPDATE %s = %s + VALUES(%s), updated_at = VALUES(updated_at)`,
			table, keyColumn, valueColumn, valueColumn, valueColumn, valueColumn)
	}
	return fmt.Sprintf(`INSERT INTO %s (%s, %s, updated_at) VALUES (?, ?, ?)
        ON CONFLICT(%s) DO UPDATE SET %s = %s + excluded.%s, updated_at = excluded.updated_at`,
		table, keyColumn, valueColumn, keyColumn, valueColumn, valueColumn, valueColumn)
}
