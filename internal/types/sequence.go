package types

import (
	"fmt"
	"strconv"
	"strings"
)

// Sequence orders committed mutations: the commit LSN of the transaction and
// the position of the row change inside it.
type Sequence struct {
	LSN     uint64
	Ordinal uint32
}

func (s Sequence) IsZero() bool {
	return s.LSN == 0 && s.Ordinal == 0
}

func (s Sequence) Compare(o Sequence) int {
	switch {
	case s.LSN < o.LSN:
		return -1
	case s.LSN > o.LSN:
		return 1
	case s.Ordinal < o.Ordinal:
		return -1
	case s.Ordinal > o.Ordinal:
		return 1
	}
	return 0
}

func (s Sequence) Less(o Sequence) bool {
	return s.Compare(o) < 0
}

// String renders a fixed-width form that sorts the same way Compare does.
func (s Sequence) String() string {
	return fmt.Sprintf("%016X.%08X", s.LSN, s.Ordinal)
}

func ParseSequence(raw string) (Sequence, error) {
	if raw == "" {
		return Sequence{}, nil
	}
	lsn, ord, found := strings.Cut(raw, ".")
	l, err := strconv.ParseUint(lsn, 16, 64)
	if err != nil {
		return Sequence{}, fmt.Errorf("parse sequence %q: %w", raw, err)
	}
	var o uint64
	if found {
		o, err = strconv.ParseUint(ord, 16, 32)
		if err != nil {
			return Sequence{}, fmt.Errorf("parse sequence %q: %w", raw, err)
		}
	}
	return Sequence{LSN: l, Ordinal: uint32(o)}, nil
}

func (s Sequence) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Sequence) UnmarshalText(b []byte) error {
	v, err := ParseSequence(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}
