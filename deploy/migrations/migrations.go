// Package migrations embeds the SQL schema shared by the MySQL and SQLite
// backends. Statements must stay within the dialect subset both accept.
package migrations

import "embed"

// Files 暴露所有 SQL 迁移文件。
//
//go:embed *.sql
var Files embed.FS
