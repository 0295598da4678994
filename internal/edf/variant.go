package edf

import (
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
)

// Variant names a ready-queue implementation.
type Variant string

const (
	VariantFCFS  Variant = "fcfs"
	VariantHeap  Variant = "edf"
	VariantWheel Variant = "edf-wheel"
)

// ParseVariant maps a CLI string onto a queue variant.
func ParseVariant(s string) (Variant, error) {
	switch Variant(s) {
	case VariantFCFS, VariantHeap, VariantWheel:
		return Variant(s), nil
	}
	return "", errors.Errorf("unknown queue variant %q", s)
}

// NewQueue constructs the selected variant. The clock is only consulted by
// the wheel; the other variants take the instant as a parameter.
func NewQueue(v Variant, clock clockwork.Clock) Queue {
	switch v {
	case VariantHeap:
		return NewHeapQueue()
	case VariantWheel:
		return NewWheelQueue(0, 0, clock)
	default:
		return NewFCFSQueue()
	}
}
