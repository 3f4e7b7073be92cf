package model

import (
	"fmt"
	"time"
)

// Market identifies one tracked order book by region and type.
type Market struct {
	RegionID int32 `json:"regionID"`
	TypeID   int32 `json:"typeID"`
}

func (m Market) String() string {
	return fmt.Sprintf("(%d, %d)", m.RegionID, m.TypeID)
}

// Less orders markets by region, then type. Used as the claim tie-break.
func (m Market) Less(o Market) bool {
	if m.RegionID != o.RegionID {
		return m.RegionID < o.RegionID
	}
	return m.TypeID < o.TypeID
}

// Instrument is a tracked market together with its scheduling state.
// A nil LastScheduled means the instrument has never been claimed.
type Instrument struct {
	Market
	LastScheduled *time.Time `json:"lastScheduled,omitempty"`
}

// EligibleAt reports whether the instrument may be claimed at now given the
// minimum re-scheduling interval.
func (i Instrument) EligibleAt(now time.Time, minInterval time.Duration) bool {
	if i.LastScheduled == nil {
		return true
	}
	return now.Sub(*i.LastScheduled) >= minInterval
}
