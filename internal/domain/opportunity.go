package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Direction names which side of each leg an opportunity takes.
type Direction string

const (
	DirectionShortMarkLongOracle Direction = "short_mark_long_oracle"
	DirectionLongMarkShortOracle Direction = "long_mark_short_oracle"
	DirectionShortALongB         Direction = "short_a_long_b"
	DirectionLongAShortB         Direction = "long_a_short_b"
)

// Code is the on-chain encoding of the direction.
func (d Direction) Code() uint8 {
	switch d {
	case DirectionShortMarkLongOracle:
		return 0
	case DirectionLongMarkShortOracle:
		return 1
	case DirectionShortALongB:
		return 2
	case DirectionLongAShortB:
		return 3
	}
	return 255
}

// ShortsPrimary reports whether the primary market leg (the mark market or
// market A) is sold.
func (d Direction) ShortsPrimary() bool {
	return d == DirectionShortMarkLongOracle || d == DirectionShortALongB
}

// Opportunity is an immutable detection result. A newer cycle supersedes it;
// it is never mutated.
type Opportunity struct {
	ID             string
	PairID         string
	Kind           PairKind
	Direction      Direction
	ExpectedEdge   decimal.Decimal
	Size           decimal.Decimal
	ReferencePrice decimal.Decimal
	BasisSequence  uint64
	ValidUntil     uint64
	DetectedAt     time.Time
}

// ExposureDelta is the signed change in net exposure on the primary market
// leg if the opportunity confirms.
func (o Opportunity) ExposureDelta() decimal.Decimal {
	if o.Direction.ShortsPrimary() {
		return o.Size.Neg()
	}
	return o.Size
}

// ValidAt reports whether the opportunity is still admissible at the given
// cache sequence.
func (o Opportunity) ValidAt(sequence uint64) bool {
	return sequence <= o.ValidUntil
}
