package storage

import (
	_ "embed"
	"fmt"
	"strconv"
	"strings"
)

// insertColumns is the number of values written per sample
const insertColumns = 4

// maxBindParameters is the number of bind parameters a single statement may
// carry on each engine
var maxBindParameters = map[Driver]int{
	DriverPostgres: 65535, // wire protocol uses a 16 bit parameter count
	DriverSQLite:   32766, // SQLITE_MAX_VARIABLE_NUMBER
	DriverDuckDB:   32766,
}

const (
	insertSamplesSQL = `
INSERT INTO %s (x_accel,
                y_accel,
                z_accel,
                change_value)
VALUES `

	selectSamplesAfterSQL = `
SELECT
    id,
    "timestamp",
    x_accel,
    y_accel,
    z_accel,
    change_value
FROM %s
WHERE
    id > %s
ORDER BY id
LIMIT %s`

	selectSamplesBetweenSQL = `
SELECT
    id,
    "timestamp",
    x_accel,
    y_accel,
    z_accel,
    change_value
FROM %s
WHERE
    "timestamp" >= %s AND "timestamp" < %s
ORDER BY id`
)

var (
	//go:embed schema/sqlite.sql
	sqliteSchemaSQL string

	//go:embed schema/duckdb.sql
	duckdbSchemaSQL string

	//go:embed schema/postgres.sql
	postgresSchemaSQL string
)

// placeholderFunc returns the bind parameter for the n-th argument, 1-based
type placeholderFunc func(n int) string

func questionPlaceholder(int) string {
	return "?"
}

func dollarPlaceholder(n int) string {
	return "$" + strconv.Itoa(n)
}

// buildInsertSQL renders a single multi-row insert for rows samples
func buildInsertSQL(table string, rows int, placeholder placeholderFunc) string {
	var b strings.Builder
	b.Grow(len(insertSamplesSQL) + rows*insertColumns*6)

	fmt.Fprintf(&b, insertSamplesSQL, table)
	n := 1
	for row := 0; row < rows; row++ {
		if row > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for col := 0; col < insertColumns; col++ {
			if col > 0 {
				b.WriteString(", ")
			}
			b.WriteString(placeholder(n))
			n++
		}
		b.WriteByte(')')
	}

	return b.String()
}

func buildSelectAfterSQL(table string, placeholder placeholderFunc) string {
	return fmt.Sprintf(selectSamplesAfterSQL, table, placeholder(1), placeholder(2))
}

func buildSelectBetweenSQL(table string, placeholder placeholderFunc) string {
	return fmt.Sprintf(selectSamplesBetweenSQL, table, placeholder(1), placeholder(2))
}

// buildSchemaSQL renders a schema template, every %[1]s is the table name
func buildSchemaSQL(schema, table string) string {
	return fmt.Sprintf(schema, table)
}
