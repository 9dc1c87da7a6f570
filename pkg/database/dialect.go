package database

import (
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	mssql "github.com/microsoft/go-mssqldb"

	"github.com/noah-isme/census-portal-api/pkg/config"
)

// Page renders a paging clause for the driver behind db. The caller's query
// must already carry an ORDER BY clause.
func Page(db sqlx.ExtContext, limit, offset int) string {
	if limit <= 0 {
		limit = 1
	}
	if offset < 0 {
		offset = 0
	}
	if db.DriverName() == config.DriverSQLServer {
		return fmt.Sprintf(" OFFSET %d ROWS FETCH NEXT %d ROWS ONLY", offset, limit)
	}
	return fmt.Sprintf(" LIMIT %d OFFSET %d", limit, offset)
}

// IsUniqueViolation reports whether err was raised by a unique index or
// primary key.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var msErr mssql.Error
	if errors.As(err, &msErr) {
		return msErr.Number == 2627 || msErr.Number == 2601
	}
	return false
}
