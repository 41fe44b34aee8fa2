package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Position is the net exposure held on one market pair. Only confirmed
// attempts change it.
type Position struct {
	PairID      string
	NetExposure decimal.Decimal
	MarginUsed  decimal.Decimal
	UpdatedAt   time.Time
}
