package masterdata

import (
	"sort"
	"strconv"
	"strings"

	"gridpoller/internal/modbus"
)

// ExpandDerivedPoints materializes the derived children of a base point from
// its bitfield/enum detail map: one single_bit point per labelled bit index,
// or one single_enum point per labelled enum value. Points of other types
// expand to nothing. Children share the base point's address but never claim
// registers; they reference the base via BasePointID.
func ExpandDerivedPoints(base Point) []Point {
	switch base.DataType {
	case modbus.TypeBitfield:
		return expandBitfield(base)
	case modbus.TypeEnum:
		return expandEnum(base)
	default:
		return nil
	}
}

func expandBitfield(base Point) []Point {
	children := make([]Point, 0, len(base.BitfieldDetail))
	for key, label := range base.BitfieldDetail {
		bit, ok := parseDetailKey(key, "bit-")
		if !ok {
			continue
		}
		children = append(children, Point{
			ConfigID:    base.ConfigID,
			SiteID:      base.SiteID,
			DeviceID:    base.DeviceID,
			Name:        base.Name + "_" + label,
			Address:     base.Address,
			Size:        base.Size,
			DataType:    modbus.TypeSingleBit,
			Unit:        "bit",
			ScaleFactor: 1.0,
			ByteOrder:   base.ByteOrder,
			IsDerived:   true,
			BasePointID: base.ID,
			BitIndex:    bit,
		})
	}
	sort.Slice(children, func(i, j int) bool { return children[i].BitIndex < children[j].BitIndex })
	return children
}

func expandEnum(base Point) []Point {
	children := make([]Point, 0, len(base.EnumDetail))
	for key, label := range base.EnumDetail {
		value, ok := parseDetailKey(key, "enum-")
		if !ok {
			continue
		}
		children = append(children, Point{
			ConfigID:    base.ConfigID,
			SiteID:      base.SiteID,
			DeviceID:    base.DeviceID,
			Name:        base.Name + "_" + label,
			Address:     base.Address,
			Size:        base.Size,
			DataType:    modbus.TypeSingleEnum,
			Unit:        "enum",
			ScaleFactor: 1.0,
			ByteOrder:   base.ByteOrder,
			IsDerived:   true,
			BasePointID: base.ID,
			EnumValue:   int64(value),
		})
	}
	sort.Slice(children, func(i, j int) bool { return children[i].EnumValue < children[j].EnumValue })
	return children
}

// parseDetailKey accepts both bare indices ("03") and prefixed keys
// ("bit-03", "enum-03").
func parseDetailKey(key, prefix string) (int, bool) {
	key = strings.TrimPrefix(strings.TrimSpace(key), prefix)
	n, err := strconv.Atoi(key)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
