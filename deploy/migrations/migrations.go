package migrations

import "embed"

// Files 暴露按方言划分的 SQL 迁移文件（mysql/、sqlite/）。
//
//go:embed mysql/*.sql sqlite/*.sql
var Files embed.FS
