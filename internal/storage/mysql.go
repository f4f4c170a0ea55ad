package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	logx "fedtrain/pkg/logx"

	"github.com/go-sql-driver/mysql"
)

func openMySQL(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("mysql dsn is required")
	}
	mcfg, err := mysql.ParseDSN(cfg.DSN)
	if err != nil {
		return nil, err
	}
	if mcfg.Timeout == 0 {
		mcfg.Timeout = 5 * time.Second
	}
	connector, err := mysql.NewConnector(mcfg)
	if err != nil {
		return nil, err
	}
	db := sql.OpenDB(connector)
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), mcfg.Timeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	st, err := newSQLStore(ctx, db, mysqlDialect, log)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Info("mysql store opened", logx.String("addr", mcfg.Addr), logx.String("db", mcfg.DBName))
	return st, nil
}
