package datarecording

import (
	"context"
	"database/sql"
	"fmt"
	"reflect"
	"sort"
)

// QueryParams narrows down a query.
type QueryParams struct {
	// Where holds the WHERE clause without the "WHERE" keyword, for example
	// "Kind = ? AND PID = ?".
	Where string

	// Args fill the placeholders in Where.
	Args []any

	// Limit is the maximum number of rows to return. Zero means no limit.
	Limit int

	// Offset is the number of rows to skip.
	Offset int

	// OrderBy holds the ORDER BY clause without the keywords.
	OrderBy string
}

// Reader reads recorded tables back into the structs they were written
// from.
type Reader struct {
	db    *sql.DB
	types map[string]reflect.Type
}

// NewReader opens a recording for reading.
func NewReader(filename string) (*Reader, error) {
	db, err := sql.Open("sqlite3", "file:"+filename+"?mode=ro")
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("opening %s: %w", filename, err)
	}

	return NewReaderWithDB(db), nil
}

// NewReaderWithDB creates a Reader on an open database.
func NewReaderWithDB(db *sql.DB) *Reader {
	return &Reader{
		db:    db,
		types: make(map[string]reflect.Type),
	}
}

// MapTable tells the reader which struct the rows of a table fill.
func (r *Reader) MapTable(tableName string, sampleEntry any) {
	r.types[tableName] = reflect.TypeOf(sampleEntry)
}

// ListTables returns the mapped tables.
func (r *Reader) ListTables() []string {
	tables := make([]string, 0, len(r.types))
	for t := range r.types {
		tables = append(tables, t)
	}

	sort.Strings(tables)

	return tables
}

// Query returns the rows that match, as pointers to the mapped struct, and
// the number of rows that match without the limit.
func (r *Reader) Query(
	ctx context.Context,
	tableName string,
	params QueryParams,
) ([]any, int, error) {
	structType, ok := r.types[tableName]
	if !ok {
		return nil, 0, fmt.Errorf("no mapping found for table: %s", tableName)
	}

	where := ""
	if params.Where != "" {
		where = " WHERE " + params.Where
	}

	var total int

	err := r.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM "+tableName+where, params.Args...).Scan(&total)
	if err != nil {
		return nil, 0, err
	}

	query := "SELECT * FROM " + tableName + where
	if params.OrderBy != "" {
		query += " ORDER BY " + params.OrderBy
	}

	if params.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d OFFSET %d", params.Limit, params.Offset)
	}

	rows, err := r.db.QueryContext(ctx, query, params.Args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	results, err := scanRows(rows, structType)
	if err != nil {
		return nil, 0, err
	}

	return results, total, nil
}

// CountBy counts the rows of a table grouped by the value of one column.
func (r *Reader) CountBy(
	ctx context.Context,
	tableName, column string,
) (map[string]int, error) {
	rows, err := r.db.QueryContext(ctx, fmt.Sprintf(
		"SELECT %s, COUNT(*) FROM %s GROUP BY %s", column, tableName, column))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)

	for rows.Next() {
		var (
			key   any
			count int
		)

		if err := rows.Scan(&key, &count); err != nil {
			return nil, err
		}

		counts[fmt.Sprint(key)] = count
	}

	return counts, rows.Err()
}

func scanRows(rows *sql.Rows, structType reflect.Type) ([]any, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	fieldMap := make(map[string]int)
	for i := 0; i < structType.NumField(); i++ {
		fieldMap[structType.Field(i).Name] = i
	}

	var results []any

	for rows.Next() {
		ptr := reflect.New(structType)
		val := ptr.Elem()
		targets := make([]any, len(columns))

		for i, col := range columns {
			if idx, ok := fieldMap[col]; ok {
				targets[i] = val.Field(idx).Addr().Interface()
			} else {
				var ignored any
				targets[i] = &ignored
			}
		}

		if err := rows.Scan(targets...); err != nil {
			return nil, err
		}

		results = append(results, ptr.Interface())
	}

	return results, rows.Err()
}

// Close closes the database.
func (r *Reader) Close() error {
	return r.db.Close()
}
