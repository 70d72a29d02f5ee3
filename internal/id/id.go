// Package id provides the 128-bit identifier type used throughout the
// store: user, file, chunk, operation and node identifiers are all
// rendered as canonical textual UUIDs (§3).
package id

import (
	"database/sql/driver"
	"fmt"

	"github.com/google/uuid"
)

// ID is a 128-bit identifier rendered canonically as a UUID string.
type ID uuid.UUID

// Nil is the zero-value identifier.
var Nil = ID(uuid.Nil)

// New generates a fresh random identifier.
func New() ID {
	return ID(uuid.New())
}

// Parse parses a canonical UUID string into an ID.
func Parse(s string) (ID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return Nil, fmt.Errorf("id: parse %q: %w", s, err)
	}
	return ID(u), nil
}

// MustParse is Parse but panics on error; used for constants in tests.
func MustParse(s string) ID {
	id, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return id
}

func (i ID) String() string {
	return uuid.UUID(i).String()
}

// IsNil reports whether this is the zero-value identifier.
func (i ID) IsNil() bool {
	return i == Nil
}

func (i ID) MarshalJSON() ([]byte, error) {
	return []byte(`"` + i.String() + `"`), nil
}

func (i *ID) UnmarshalJSON(data []byte) error {
	if len(data) < 2 {
		*i = Nil
		return nil
	}
	s := string(data[1 : len(data)-1])
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*i = parsed
	return nil
}

// Value implements driver.Valuer so an ID can be written directly via
// database/sql as its canonical string form.
func (i ID) Value() (driver.Value, error) {
	return i.String(), nil
}

// Scan implements sql.Scanner so an ID can be read directly out of a
// TEXT column.
func (i *ID) Scan(src interface{}) error {
	switch v := src.(type) {
	case string:
		parsed, err := Parse(v)
		if err != nil {
			return err
		}
		*i = parsed
		return nil
	case []byte:
		parsed, err := Parse(string(v))
		if err != nil {
			return err
		}
		*i = parsed
		return nil
	case nil:
		*i = Nil
		return nil
	default:
		return fmt.Errorf("id: unsupported scan type %T", src)
	}
}
