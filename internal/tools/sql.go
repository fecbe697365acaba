/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package tools

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	// Database drivers — register with database/sql
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// SQLTool executes read-only SQL queries against configured databases.
// Read-only is enforced at the driver level, not just by prompt.
type SQLTool struct {
	databases map[string]*SQLDatabase
}

// SQLDatabase describes a database agents can query.
type SQLDatabase struct {
	// Driver is the database driver ("postgres", "mysql").
	Driver string

	// DSN is the data source name (connection string).
	DSN string

	// MaxRows caps result rows (default 1000).
	MaxRows int

	// MaxBytes caps total response bytes (default 8192).
	MaxBytes int

	// Timeout per query (default 30s).
	Timeout time.Duration
}

// NewSQLTool creates a SQL tool with configured database connections.
func NewSQLTool(databases map[string]*SQLDatabase) *SQLTool {
	for _, db := range databases {
		if db.MaxRows == 0 {
			db.MaxRows = 1000
		}
		if db.MaxBytes == 0 {
			db.MaxBytes = 8192
		}
		if db.Timeout == 0 {
			db.Timeout = 30 * time.Second
		}
	}
	return &SQLTool{databases: databases}
}

func (t *SQLTool) Name() string { return "sql.query" }

func (t *SQLTool) Description() string {
	dbs := make([]string, 0, len(t.databases))
	for name := range t.databases {
		dbs = append(dbs, name)
	}
	return fmt.Sprintf("Execute read-only SQL queries against databases. Available: %s", strings.Join(dbs, ", "))
}

func (t *SQLTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"database": map[string]any{
				"type":        "string",
				"description": "Database name to query",
			},
			"query": map[string]any{
				"type":        "string",
				"description": "SQL query to execute (read-only: SELECT, SHOW, DESCRIBE, EXPLAIN)",
			},
		},
		"required": []string{"database", "query"},
	}
}

func (t *SQLTool) Execute(ctx context.Context, args map[string]any) (map[string]any, error) {
	dbName, _ := args["database"].(string)
	query, _ := args["query"].(string)

	if dbName == "" {
		return nil, fmt.Errorf("database name is required")
	}
	if query == "" {
		return nil, fmt.Errorf("query is required")
	}

	db, ok := t.databases[dbName]
	if !ok {
		available := make([]string, 0, len(t.databases))
		for name := range t.databases {
			available = append(available, name)
		}
		return nil, fmt.Errorf("unknown database %q, available: %s", dbName, strings.Join(available, ", "))
	}

	if !isReadOnlyQuery(query) {
		return nil, fmt.Errorf("only read-only queries are allowed (SELECT, SHOW, DESCRIBE, EXPLAIN)")
	}
	if containsSQLInjection(query) {
		return nil, fmt.Errorf("query contains suspicious patterns (multiple statements, comments)")
	}

	queryCtx, cancel := context.WithTimeout(ctx, db.Timeout)
	defer cancel()

	// pgx/v5/stdlib registers as "pgx"
	driverName := db.Driver
	if driverName == "postgres" || driverName == "postgresql" {
		driverName = "pgx"
	}

	conn, err := sql.Open(driverName, db.DSN)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", dbName, err)
	}
	defer conn.Close()

	// Force a read-only transaction so a misclassified query still
	// cannot mutate.
	tx, err := conn.BeginTx(queryCtx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin read-only transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(queryCtx, query)
	if err != nil {
		return nil, fmt.Errorf("execute query: %w", err)
	}
	defer rows.Close()

	result, count, err := formatSQLResults(rows, db.MaxRows, db.MaxBytes)
	if err != nil {
		return nil, fmt.Errorf("format results: %w", err)
	}
	return map[string]any{"rows": count, "result": result}, nil
}

// isReadOnlyQuery permits only read statement prefixes.
func isReadOnlyQuery(query string) bool {
	normalized := strings.TrimSpace(strings.ToUpper(query))
	for _, prefix := range []string{"SELECT", "SHOW", "DESCRIBE", "DESC", "EXPLAIN"} {
		if strings.HasPrefix(normalized, prefix) {
			return true
		}
	}
	return false
}

// containsSQLInjection checks for common SQL injection patterns.
func containsSQLInjection(query string) bool {
	// Multiple statements (semicolons not at end)
	trimmed := strings.TrimSpace(strings.TrimRight(strings.TrimSpace(query), ";"))
	if strings.Contains(trimmed, ";") {
		return true
	}
	// SQL comment injection
	if strings.Contains(query, "--") || strings.Contains(query, "/*") {
		return true
	}
	return false
}

// formatSQLResults converts query results to a tab-separated string.
func formatSQLResults(rows *sql.Rows, maxRows int, maxBytes int) (string, int, error) {
	columns, err := rows.Columns()
	if err != nil {
		return "", 0, err
	}

	var sb strings.Builder
	sb.WriteString(strings.Join(columns, "\t"))
	sb.WriteString("\n")

	values := make([]any, len(columns))
	valuePtrs := make([]any, len(columns))
	for i := range values {
		valuePtrs[i] = &values[i]
	}

	rowCount := 0
	for rows.Next() {
		if rowCount >= maxRows {
			sb.WriteString(fmt.Sprintf("... truncated at %d rows\n", maxRows))
			break
		}
		if sb.Len() >= maxBytes {
			sb.WriteString(fmt.Sprintf("... truncated at %d bytes\n", maxBytes))
			break
		}

		if err := rows.Scan(valuePtrs...); err != nil {
			return sb.String(), rowCount, fmt.Errorf("scan row %d: %w", rowCount, err)
		}

		for i, v := range values {
			if i > 0 {
				sb.WriteString("\t")
			}
			switch val := v.(type) {
			case nil:
				sb.WriteString("NULL")
			case []byte:
				sb.WriteString(string(val))
			default:
				sb.WriteString(fmt.Sprintf("%v", val))
			}
		}
		sb.WriteString("\n")
		rowCount++
	}

	return sb.String(), rowCount, rows.Err()
}
