package db

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// ParseID converts a snowflake string into the BIGINT value stored in Postgres.
func ParseID(id string) (int64, error) {
	v, err := strconv.ParseInt(id, 10, 64)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("invalid snowflake id %q", id)
	}
	return v, nil
}

// FormatID is the inverse of ParseID.
func FormatID(v int64) string { return strconv.FormatInt(v, 10) }

// EncodeIDs renders role ids as a JSON array of numbers, the shape the
// administration surface writes into the JSONB role columns.
func EncodeIDs(ids []string) (string, error) {
	nums := make([]int64, 0, len(ids))
	for _, id := range ids {
		v, err := ParseID(id)
		if err != nil {
			return "", err
		}
		nums = append(nums, v)
	}
	b, err := json.Marshal(nums)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// DecodeIDs parses a JSONB id array. Elements may be numbers or numeric
// strings; NULL and empty input decode to an empty list.
func DecodeIDs(raw []byte) ([]string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return []string{}, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var items []any
	if err := dec.Decode(&items); err != nil {
		return nil, fmt.Errorf("decode id array: %w", err)
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		var s string
		switch v := it.(type) {
		case json.Number:
			s = v.String()
		case string:
			s = v
		default:
			return nil, fmt.Errorf("decode id array: unexpected element %v", it)
		}
		if _, err := ParseID(s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}
