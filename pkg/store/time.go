package store

import (
	"database/sql"
	"time"
)

// Timestamps are stored as fixed-width UTC text so SQL string
// comparisons order them correctly. RFC3339Nano trims trailing
// fractional zeros, which breaks lexical ordering below one second.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func encodeTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func encodeTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return encodeTime(*t)
}

// decodeTime accepts any RFC 3339 form so rows written before the
// fixed-width layout still parse.
func decodeTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func decodeTimePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := decodeTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
