package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSnapshot holds the observable fields of one market order as reported
// by the market source at a single point in time.
type OrderSnapshot struct {
	OrderID       int64           `json:"orderID"`
	Buy           bool            `json:"buy"`
	Issued        time.Time       `json:"issued"`
	Price         decimal.Decimal `json:"price"`
	VolumeEntered int64           `json:"volumeEntered"`
	MinVolume     int64           `json:"minVolume"`
	Volume        int64           `json:"volume"`
	Range         string          `json:"orderRange"`
	LocationID    int64           `json:"locationID"`
	Duration      int32           `json:"duration"`
}

// Order is one stored version of a market order. The version is valid over
// [ValidFrom, ValidTo); a nil ValidTo marks the live version.
type Order struct {
	Market
	OrderSnapshot
	ValidFrom time.Time  `json:"validFrom"`
	ValidTo   *time.Time `json:"validTo,omitempty"`
}

// NewOrder builds a candidate order version for market from a snapshot.
func NewOrder(m Market, s OrderSnapshot) Order {
	return Order{Market: m, OrderSnapshot: s}
}

// Live reports whether the version is open ended.
func (o Order) Live() bool {
	return o.ValidTo == nil
}

// LiveAt reports whether the version covers instant t.
func (o Order) LiveAt(t time.Time) bool {
	if t.Before(o.ValidFrom) {
		return false
	}
	return o.ValidTo == nil || t.Before(*o.ValidTo)
}

// Equivalent reports whether two snapshots carry no material change. The
// order id is not compared; callers match ids before asking.
func (s OrderSnapshot) Equivalent(o OrderSnapshot) bool {
	return s.Buy == o.Buy &&
		s.Issued.Equal(o.Issued) &&
		s.Price.Equal(o.Price) &&
		s.VolumeEntered == o.VolumeEntered &&
		s.MinVolume == o.MinVolume &&
		s.Volume == o.Volume &&
		s.Range == o.Range &&
		s.LocationID == o.LocationID &&
		s.Duration == o.Duration
}

// Setup opens the version at at with no end.
func (o *Order) Setup(at time.Time) {
	o.ValidFrom = at
	o.ValidTo = nil
}

// Evolve closes the version at at. When next is non-nil it becomes the
// successor version starting at at; a nil next ends the order's life.
func (o *Order) Evolve(next *Order, at time.Time) {
	end := at
	o.ValidTo = &end
	if next != nil {
		next.Setup(at)
	}
}
