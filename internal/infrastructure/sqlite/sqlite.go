// Package sqlite implements the entity repositories over the embedded
// store. Each repository maps one table to its domain entity; JSON-typed
// columns hold config blobs, context maps, and string lists. Multi-row
// mutations are composed by the service layer inside store.Tx using the
// In-variants that accept a DBTX.
package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
)

// DBTX is satisfied by both *sql.DB and *sql.Tx, letting repository
// helpers run standalone or inside a service-owned transaction.
type DBTX interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

// scanner abstracts *sql.Row and *sql.Rows for the scan helpers.
type scanner interface {
	Scan(dest ...any) error
}

// jsonMap encodes a map to its JSON column representation. Nil maps are
// stored as NULL.
func jsonMap(m map[string]any) (*string, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode json column: %w", err)
	}
	s := string(b)
	return &s, nil
}

// jsonList encodes a string slice to its JSON column representation.
func jsonList(l []string) (*string, error) {
	if l == nil {
		return nil, nil
	}
	b, err := json.Marshal(l)
	if err != nil {
		return nil, fmt.Errorf("encode json column: %w", err)
	}
	s := string(b)
	return &s, nil
}

// decodeMap decodes a nullable JSON column into a map. Corrupt blobs
// decode to nil rather than failing the whole row read.
func decodeMap(s *string) map[string]any {
	if s == nil || *s == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(*s), &m); err != nil {
		return nil
	}
	return m
}

// decodeList decodes a nullable JSON column into a string slice.
func decodeList(s *string) []string {
	if s == nil || *s == "" {
		return nil
	}
	var l []string
	if err := json.Unmarshal([]byte(*s), &l); err != nil {
		return nil
	}
	return l
}

// placeholders returns n comma-separated "?" markers for IN clauses.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	s := "?"
	for i := 1; i < n; i++ {
		s += ", ?"
	}
	return s
}

// boolToInt maps Go bools onto the 0/1 integer columns.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
