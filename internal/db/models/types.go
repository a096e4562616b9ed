package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// StringList is a list of strings stored as a JSON array. A nil list is
// stored as NULL and read back as nil, so callers can distinguish "unset"
// from "empty".
type StringList []string

// Scan implements sql.Scanner for reading from database
func (l *StringList) Scan(value any) error {
	data, err := jsonBytes(value)
	if err != nil {
		return fmt.Errorf("failed to scan StringList: %w", err)
	}
	if data == nil {
		*l = nil
		return nil
	}
	return json.Unmarshal(data, l)
}

// Value implements driver.Valuer for writing to database
func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return nil, nil
	}
	b, err := json.Marshal([]string(l))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Contains reports whether s is in the list.
func (l StringList) Contains(s string) bool {
	for _, v := range l {
		if v == s {
			return true
		}
	}
	return false
}

// Int64List is a list of integers stored as a JSON array.
type Int64List []int64

// Scan implements sql.Scanner for reading from database
func (l *Int64List) Scan(value any) error {
	data, err := jsonBytes(value)
	if err != nil {
		return fmt.Errorf("failed to scan Int64List: %w", err)
	}
	if data == nil {
		*l = nil
		return nil
	}
	return json.Unmarshal(data, l)
}

// Value implements driver.Valuer for writing to database
func (l Int64List) Value() (driver.Value, error) {
	if l == nil {
		return nil, nil
	}
	b, err := json.Marshal([]int64(l))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Contains reports whether id is in the list.
func (l Int64List) Contains(id int64) bool {
	for _, v := range l {
		if v == id {
			return true
		}
	}
	return false
}

// jsonBytes normalizes driver values: Postgres returns []byte for jsonb,
// SQLite returns string for text columns.
func jsonBytes(value any) ([]byte, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return nil, fmt.Errorf("expected []byte or string, got %T", value)
	}
}
