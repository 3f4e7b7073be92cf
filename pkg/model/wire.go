package model

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// OrderPayload is the wire form of one order snapshot. Times are unix
// milliseconds.
type OrderPayload struct {
	OrderID       int64           `json:"orderID"`
	Buy           bool            `json:"buy"`
	Issued        int64           `json:"issued" example:"1772200000000"`
	Price         decimal.Decimal `json:"price" example:"5.01"`
	VolumeEntered int64           `json:"volumeEntered"`
	MinVolume     int64           `json:"minVolume"`
	Volume        int64           `json:"volume"`
	OrderRange    string          `json:"orderRange" example:"region"`
	LocationID    int64           `json:"locationID"`
	Duration      int32           `json:"duration"`
}

// BatchPayload carries one market's snapshot over the message queue.
type BatchPayload struct {
	RegionID int32          `json:"regionID"`
	TypeID   int32          `json:"typeID"`
	Orders   []OrderPayload `json:"orders"`
}

// InstrumentPayload is the wire form of a claimed instrument.
type InstrumentPayload struct {
	RegionID      int32 `json:"regionID"`
	TypeID        int32 `json:"typeID"`
	LastScheduled int64 `json:"lastScheduled"`
}

// Validate rejects a payload that carries no order. Field values are taken
// as reported by the market source.
func (p OrderPayload) Validate() error {
	if p.OrderID <= 0 {
		return fmt.Errorf("orderID must be greater than 0")
	}
	return nil
}

func (p OrderPayload) Snapshot() OrderSnapshot {
	return OrderSnapshot{
		OrderID:       p.OrderID,
		Buy:           p.Buy,
		Issued:        time.UnixMilli(p.Issued).UTC(),
		Price:         p.Price,
		VolumeEntered: p.VolumeEntered,
		MinVolume:     p.MinVolume,
		Volume:        p.Volume,
		Range:         p.OrderRange,
		LocationID:    p.LocationID,
		Duration:      p.Duration,
	}
}

// NewOrderPayload is the inverse of Snapshot.
func NewOrderPayload(s OrderSnapshot) OrderPayload {
	return OrderPayload{
		OrderID:       s.OrderID,
		Buy:           s.Buy,
		Issued:        s.Issued.UnixMilli(),
		Price:         s.Price,
		VolumeEntered: s.VolumeEntered,
		MinVolume:     s.MinVolume,
		Volume:        s.Volume,
		OrderRange:    s.Range,
		LocationID:    s.LocationID,
		Duration:      s.Duration,
	}
}

func (b BatchPayload) Market() Market {
	return Market{RegionID: b.RegionID, TypeID: b.TypeID}
}

// Validate checks the market and every order.
func (b BatchPayload) Validate() error {
	if b.RegionID <= 0 || b.TypeID <= 0 {
		return fmt.Errorf("regionID and typeID must be positive")
	}
	return ValidateOrders(b.Orders)
}

// ErrMissingOrders is returned for a batch whose order list is null or
// absent. An empty list is a valid book with no orders.
var ErrMissingOrders = errors.New("orders is required")

// ValidateOrders rejects a missing list and reports the first invalid order
// by position.
func ValidateOrders(orders []OrderPayload) error {
	if orders == nil {
		return ErrMissingOrders
	}
	for i, o := range orders {
		if err := o.Validate(); err != nil {
			return fmt.Errorf("order %d: %w", i, err)
		}
	}
	return nil
}

// Snapshots converts wire orders to snapshots.
func Snapshots(orders []OrderPayload) []OrderSnapshot {
	out := make([]OrderSnapshot, len(orders))
	for i, o := range orders {
		out[i] = o.Snapshot()
	}
	return out
}

func NewInstrumentPayload(inst Instrument) InstrumentPayload {
	p := InstrumentPayload{RegionID: inst.RegionID, TypeID: inst.TypeID}
	if inst.LastScheduled != nil {
		p.LastScheduled = inst.LastScheduled.UnixMilli()
	}
	return p
}

func (p InstrumentPayload) Instrument() Instrument {
	inst := Instrument{Market: Market{RegionID: p.RegionID, TypeID: p.TypeID}}
	if p.LastScheduled != 0 {
		t := time.UnixMilli(p.LastScheduled).UTC()
		inst.LastScheduled = &t
	}
	return inst
}
