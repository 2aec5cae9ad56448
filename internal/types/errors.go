package types

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrCheckpointExpired = errors.New("checkpoint expired")
	ErrInvalidQuery      = errors.New("invalid query")
	ErrEmptyVector       = errors.New("empty vector")
)

type ErrorKind int

const (
	KindTransient ErrorKind = iota
	KindPermanent
	KindPartitionFatal
	KindInvalidQuery
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindPartitionFatal:
		return "partition_fatal"
	case KindInvalidQuery:
		return "invalid_query"
	default:
		return "unknown"
	}
}

// Error tags a low-level failure with the taxonomy kind that decides how the
// pipeline reacts to it.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func wrap(kind ErrorKind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

func Transient(op string, err error) error { return wrap(KindTransient, op, err) }

func Permanent(op string, err error) error { return wrap(KindPermanent, op, err) }

func PartitionFatal(op string, err error) error { return wrap(KindPartitionFatal, op, err) }

func InvalidQuery(op string, err error) error { return wrap(KindInvalidQuery, op, err) }

// KindOf classifies err. Unclassified errors count as transient, except for
// the sentinels whose kind is fixed.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, ErrCheckpointExpired):
		return KindPartitionFatal
	case errors.Is(err, ErrInvalidQuery):
		return KindInvalidQuery
	case errors.Is(err, ErrEmptyVector):
		return KindPermanent
	}
	return KindTransient
}

func IsTransient(err error) bool {
	return err != nil && KindOf(err) == KindTransient && !errors.Is(err, context.Canceled)
}
