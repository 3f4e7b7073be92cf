package api

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/Checker-Finance/marketdata/pkg/model"
)

// parseMarket reads the regionid and typeid query parameters.
func parseMarket(regionID, typeID string) (model.Market, error) {
	region, err := parseID("regionid", regionID)
	if err != nil {
		return model.Market{}, err
	}
	typ, err := parseID("typeid", typeID)
	if err != nil {
		return model.Market{}, err
	}
	return model.Market{RegionID: region, TypeID: typ}, nil
}

func parseID(name, raw string) (int32, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, fmt.Errorf("%s is required", name)
	}
	v, err := strconv.ParseInt(raw, 10, 32)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("%s must be a positive integer", name)
	}
	return int32(v), nil
}
