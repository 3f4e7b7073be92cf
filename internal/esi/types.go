package esi

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/Checker-Finance/marketdata/pkg/model"
)

// MarketOrder is one entry of GET /markets/{region_id}/orders/.
type MarketOrder struct {
	OrderID      int64           `json:"order_id"`
	TypeID       int32           `json:"type_id"`
	IsBuyOrder   bool            `json:"is_buy_order"`
	Issued       time.Time       `json:"issued"`
	Price        decimal.Decimal `json:"price"`
	VolumeTotal  int64           `json:"volume_total"`
	VolumeRemain int64           `json:"volume_remain"`
	MinVolume    int64           `json:"min_volume"`
	Range        string          `json:"range"`
	LocationID   int64           `json:"location_id"`
	SystemID     int64           `json:"system_id"`
	Duration     int32           `json:"duration"`
}

type errorBody struct {
	Error string `json:"error"`
}

func (o MarketOrder) snapshot() model.OrderSnapshot {
	return model.OrderSnapshot{
		OrderID:       o.OrderID,
		Buy:           o.IsBuyOrder,
		Issued:        o.Issued.UTC(),
		Price:         o.Price,
		VolumeEntered: o.VolumeTotal,
		MinVolume:     o.MinVolume,
		Volume:        o.VolumeRemain,
		Range:         o.Range,
		LocationID:    o.LocationID,
		Duration:      o.Duration,
	}
}
