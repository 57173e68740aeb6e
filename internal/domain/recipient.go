package domain

import (
	"strings"
	"time"
)

// Recipient is one destination within a campaign's ordered list. The email
// address is the case-insensitive key; once Sent is true the record is
// immutable except for tracking-derived status, which lives on the log entry.
type Recipient struct {
	Email     string     `json:"email" db:"email"`
	Name      string     `json:"name" db:"name"`
	Sent      bool       `json:"sent" db:"sent"`
	SentAt    *time.Time `json:"sent_at" db:"sent_at"`
	LastError string     `json:"last_error" db:"last_error"`
}

// NormalizeEmail canonicalizes an address for matching and log keys.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// SameEmail reports whether two addresses refer to the same recipient.
func SameEmail(a, b string) bool {
	return NormalizeEmail(a) == NormalizeEmail(b)
}

// TableData is the tabular personalization source: an ordered set of named
// columns and an ordered sequence of row mappings. Rows are matched to
// recipients by the "email" column.
type TableData struct {
	Columns []string            `json:"columns"`
	Rows    []map[string]string `json:"rows"`
}

// IsZero reports whether no table data was supplied.
func (t TableData) IsZero() bool {
	return len(t.Columns) == 0 && len(t.Rows) == 0
}

// RowFor returns the first row whose email column matches the given address
// case-insensitively, or nil if there is none.
func (t TableData) RowFor(email string) map[string]string {
	want := NormalizeEmail(email)
	for _, row := range t.Rows {
		for col, val := range row {
			if strings.EqualFold(strings.TrimSpace(col), "email") && NormalizeEmail(val) == want {
				return row
			}
		}
	}
	return nil
}
