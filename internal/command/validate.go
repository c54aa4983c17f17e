package command

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/musterhq/muster/internal/catalog"
)

var (
	ErrUnknownKind      = errors.New("unknown command kind")
	ErrUnknownAgent     = errors.New("unknown agent")
	ErrDuplicatePending = errors.New("a command of this kind is already queued")
	ErrBadPayload       = errors.New("malformed command payload")
	ErrInvalidAction    = errors.New("invalid action")
)

// MissingFieldError reports a required payload field that was absent or empty.
type MissingFieldError struct {
	Field string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("missing required field: %s", e.Field)
}

// validate checks the payload against the per-kind field requirements. Kinds
// not listed here take a free-form (or empty) payload.
func validate(kind catalog.Kind, payload json.RawMessage) error {
	fields, err := decodeFields(payload)
	if err != nil {
		return err
	}

	switch kind {
	case catalog.SMS:
		action, ok := stringField(fields, "action")
		if !ok {
			return &MissingFieldError{Field: "action"}
		}
		switch action {
		case "sendSMS":
			if _, ok := stringField(fields, "to"); !ok {
				return &MissingFieldError{Field: "to"}
			}
			if _, ok := stringField(fields, "sms"); !ok {
				return &MissingFieldError{Field: "sms"}
			}
		case "ls":
		default:
			return fmt.Errorf("%w %q for kind %q", ErrInvalidAction, action, kind)
		}

	case catalog.Files:
		action, ok := stringField(fields, "action")
		if !ok {
			return &MissingFieldError{Field: "action"}
		}
		if action != "ls" && action != "dl" {
			return fmt.Errorf("%w %q for kind %q", ErrInvalidAction, action, kind)
		}
		if _, ok := stringField(fields, "path"); !ok {
			return &MissingFieldError{Field: "path"}
		}

	case catalog.Mic:
		if !hasField(fields, "sec") {
			return &MissingFieldError{Field: "sec"}
		}

	case catalog.PermissionGranted:
		if _, ok := stringField(fields, "permission"); !ok {
			return &MissingFieldError{Field: "permission"}
		}
	}

	return nil
}

func decodeFields(payload json.RawMessage) (map[string]any, error) {
	if len(payload) == 0 {
		return map[string]any{}, nil
	}
	var fields map[string]any
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	if fields == nil {
		fields = map[string]any{}
	}
	return fields, nil
}

// stringField returns the named field when it is a non-empty string.
func stringField(fields map[string]any, name string) (string, bool) {
	v, ok := fields[name]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}

// hasField reports whether the named field is present and non-null. Used for
// numeric parameters where any JSON number counts.
func hasField(fields map[string]any, name string) bool {
	v, ok := fields[name]
	return ok && v != nil
}
