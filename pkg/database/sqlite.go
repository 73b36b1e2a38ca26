// Package database 负责初始化各个持久化后端的连接。
package database

import (
	"database/sql"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"hyperchat-go/pkg/log"
)

var SQLite *sql.DB

// InitSQLite 打开（必要时创建）本地 SQLite 数据库文件。
func InitSQLite(path string) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		log.Fatal("failed to create sqlite directory", err)
	}

	var err error
	// WAL + busy_timeout：后台写入与前台读取互不阻塞
	SQLite, err = sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=1")
	if err != nil {
		log.Fatal("failed to open sqlite database", err)
	}
	if err := SQLite.Ping(); err != nil {
		log.Fatal("failed to connect sqlite database", err)
	}
	SQLite.SetMaxOpenConns(1)

	log.Infof("SQLite database opened at %s", path)
}
