package types

import (
	"database/sql/driver"
	"fmt"
)

// FieldKind is the closed set of form field types.
type FieldKind int

const (
	FieldText FieldKind = iota + 1
	FieldLongText
	FieldChoice
	FieldFile
)

// String returns the canonical tag of the kind.
func (k FieldKind) String() string {
	switch k {
	case FieldText:
		return "text"
	case FieldLongText:
		return "long_text"
	case FieldChoice:
		return "choice"
	case FieldFile:
		return "file"
	}
	return fmt.Sprintf("FieldKind(%d)", int(k))
}

// Valid reports whether k is one of the declared kinds.
func (k FieldKind) Valid() bool {
	return k >= FieldText && k <= FieldFile
}

// ParseFieldKind accepts canonical tags and the legacy "textarea"/"select" aliases.
func ParseFieldKind(s string) (FieldKind, error) {
	switch s {
	case "text":
		return FieldText, nil
	case "long_text", "textarea":
		return FieldLongText, nil
	case "choice", "select":
		return FieldChoice, nil
	case "file":
		return FieldFile, nil
	}
	return 0, fmt.Errorf("unknown field kind %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (k FieldKind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("invalid field kind %d", int(k))
	}
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *FieldKind) UnmarshalText(text []byte) error {
	parsed, err := ParseFieldKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Value implements driver.Valuer.
func (k FieldKind) Value() (driver.Value, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("invalid field kind %d", int(k))
	}
	return k.String(), nil
}

// Scan implements sql.Scanner.
func (k *FieldKind) Scan(src interface{}) error {
	switch v := src.(type) {
	case string:
		return k.UnmarshalText([]byte(v))
	case []byte:
		return k.UnmarshalText(v)
	}
	return fmt.Errorf("cannot scan %T into FieldKind", src)
}
