package registry

import (
	"errors"
	"strings"
)

var (
	// ErrUnknownOption is returned (wrapped) when an option key is not part
	// of a type's schema.
	ErrUnknownOption = errors.New("key not recognized for this middleware type")

	ErrInvalidDeclaration = errors.New("invalid middleware type declaration")
	ErrDuplicateType      = errors.New("middleware type already declared")
	ErrUnknownType        = errors.New("unknown middleware type")
)

// ConfigurationError reports a rejected declaration or override. Registry
// state is unchanged whenever one is returned.
type ConfigurationError struct {
	Type string
	Keys []string
	Err  error
}

func (e *ConfigurationError) Error() string {
	var b strings.Builder
	b.WriteString("middleware ")
	b.WriteString(e.Type)
	b.WriteString(": ")
	b.WriteString(e.Err.Error())
	if len(e.Keys) > 0 {
		b.WriteString(" (")
		b.WriteString(strings.Join(e.Keys, ", "))
		b.WriteString(")")
	}
	return b.String()
}

func (e *ConfigurationError) Unwrap() error { return e.Err }
