// Package errors derives low-cardinality error tags for metrics and logs.
package errors

import (
	"context"
	goerrors "errors"
	"reflect"
	"strings"
)

// Classer is implemented by errors that already know their tag, such as classified
// provider failures.
type Classer interface {
	ErrorClass() string
}

// Classify returns a short tag for err. Errors implementing Classer anywhere in the chain
// win; context errors map to fixed names; anything else is tagged by the innermost
// concrete type, e.g. "pgconn_pgerror".
func Classify(err error) string {
	if err == nil {
		return ""
	}

	var c Classer
	if goerrors.As(err, &c) {
		if class := strings.TrimSpace(c.ErrorClass()); class != "" {
			return class
		}
	}
	switch {
	case goerrors.Is(err, context.DeadlineExceeded):
		return "deadline_exceeded"
	case goerrors.Is(err, context.Canceled):
		return "canceled"
	}

	for {
		next := goerrors.Unwrap(err)
		if next == nil {
			break
		}
		err = next
	}

	t := reflect.TypeOf(err)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil {
		return "unknown"
	}
	name := strings.ReplaceAll(strings.ToLower(t.String()), ".", "_")
	if name == "" {
		return "unknown"
	}
	return name
}
