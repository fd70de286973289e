package sqlstore

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// dialect 记录两种数据库在驱动与锁语义上的差异。SQL 语句本身保持在两者的公共子集内。
type dialect struct {
	name   string
	driver string
	// lockSuffix 追加在需要行锁的 SELECT 之后。
	lockSuffix string
	// singleWriter 为真时连接池只保留一个连接，事务天然串行。
	singleWriter bool
}

var (
	mysqlDialect  = dialect{name: "MySQL", driver: "mysql", lockSuffix: " FOR UPDATE"}
	sqliteDialect = dialect{name: "SQLite", driver: "sqlite", singleWriter: true}
)

func dialectFor(driver string) (dialect, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "mysql":
		return mysqlDialect, nil
	case "sqlite", "sqlite3":
		return sqliteDialect, nil
	default:
		return dialect{}, fmt.Errorf("不支持的数据库驱动: %s", driver)
	}
}

func (d dialect) forUpdate(query string) string {
	return query + d.lockSuffix
}

func parseAddress(raw string) common.Address {
	return common.HexToAddress(raw)
}
