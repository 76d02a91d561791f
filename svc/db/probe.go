package db

import (
	"context"
	"database/sql"
	"strings"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const probeQuery = "SELECT EXISTS(SELECT 1 FROM pastes)"

// ProbeSQLite checks that the database at path exists and carries the pastes
// table. It never creates the file or runs migrations.
func ProbeSQLite(ctx context.Context, path string) error {
	dsn := path
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + path + "?mode=rw"
	}
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return errors.Wrap(err, "open sqlite")
	}
	defer conn.Close()
	var found bool
	return errors.Wrap(conn.QueryRowContext(ctx, probeQuery).Scan(&found), "probe pastes table")
}

// ProbeGorm is ProbeSQLite for the server databases.
func ProbeGorm(ctx context.Context, driver, dsn string) error {
	dialector, err := dialectorFor(driver, dsn)
	if err != nil {
		return err
	}
	return probeDialector(ctx, dialector)
}
func probeDialector(ctx context.Context, dialector gorm.Dialector) error {
	g, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return errors.Wrap(err, "gorm open")
	}
	sqlDB, err := g.DB()
	if err != nil {
		return errors.Wrap(err, "gorm sql handle")
	}
	defer sqlDB.Close()
	var found bool
	return errors.Wrap(sqlDB.QueryRowContext(ctx, probeQuery).Scan(&found), "probe pastes table")
}
