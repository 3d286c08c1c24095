// Package polling turns raw register reads into readings and fans poll work
// out across a site's devices.
package polling

import (
	"errors"
	"log"
	"time"

	masterdata "gridpoller/internal/masterdata/domain"
	"gridpoller/internal/modbus"
	"gridpoller/internal/observability/metrics"
	telemetry "gridpoller/internal/telemetry/domain"
)

// Mapper converts one config's contiguous raw read into readings, one per
// mappable point. Malformed points are skipped and logged, never fatal.
type Mapper struct {
	logger *log.Logger
}

// NewMapper constructs a mapper.
func NewMapper(logger *log.Logger) (*Mapper, error) {
	if logger == nil {
		return nil, errors.New("mapper: nil logger")
	}
	return &Mapper{logger: logger}, nil
}

// MapReadings maps the words read for cfg's register range, starting at
// startAddress, into readings stamped with ts. Base points claim their
// addresses first; derived points then reinterpret their base point's raw
// value. A point that cannot be mapped (out of read range, missing fields,
// double-claimed address, unknown base) produces no reading.
func (m *Mapper) MapReadings(cfg *masterdata.Config, words []uint16, startAddress int, ts time.Time) []telemetry.Reading {
	if cfg == nil || len(cfg.Points) == 0 || len(words) == 0 {
		return nil
	}

	readings := make([]telemetry.Reading, 0, len(cfg.Points))
	claimed := make(map[int]bool)
	baseRaw := make(map[string]uint64, len(cfg.Points))

	for _, p := range cfg.Points {
		if p.IsDerived {
			continue
		}
		bits, value, ok := m.decodeBase(cfg, p, words, startAddress, claimed)
		if !ok {
			continue
		}
		baseRaw[p.ID] = bits
		readings = append(readings, baseReading(p, bits, value, ts))
	}

	for _, p := range cfg.Points {
		if !p.IsDerived {
			continue
		}
		base, ok := findBasePoint(cfg.Points, p.BasePointID)
		if !ok {
			m.logger.Printf("mapper: derived point %s references unknown base %s, skipping", p.Name, p.BasePointID)
			continue
		}
		bits, ok := baseRaw[p.BasePointID]
		if !ok {
			// Base point itself was skipped this pass.
			continue
		}
		readings = append(readings, derivedReading(p, base, bits, ts))
	}
	return readings
}

// decodeBase claims the point's registers and decodes its raw bit pattern
// and typed value. The last return is false when the point must be skipped.
func (m *Mapper) decodeBase(cfg *masterdata.Config, p masterdata.Point, words []uint16, startAddress int, claimed map[int]bool) (uint64, float64, bool) {
	if !p.HasAddress() || p.Size < 1 {
		m.logger.Printf("mapper: point %s missing address or size, skipping", p.Name)
		return 0, 0, false
	}
	idx := p.Address - startAddress
	if idx < 0 || idx+p.Size > len(words) {
		m.logger.Printf("mapper: point %s (address %d, size %d) outside read range [%d..%d], skipping",
			p.Name, p.Address, p.Size, startAddress, startAddress+len(words)-1)
		return 0, 0, false
	}
	if claimed[p.Address] {
		m.logger.Printf("mapper: address %d already claimed, skipping point %s", p.Address, p.Name)
		return 0, 0, false
	}
	for a := p.Address; a <= p.End(); a++ {
		claimed[a] = true
	}

	// Single-word points carry the register verbatim; typed interpretation
	// (sign, float bits) applies only to multi-word combinations.
	if p.Size == 1 {
		bits := uint64(words[idx])
		return bits, float64(bits), true
	}

	span := words[idx : idx+p.Size]
	if p.DataType == modbus.TypeBitfield || p.DataType == modbus.TypeEnum {
		bits, err := modbus.Combine(span, p.ByteOrder)
		if err != nil {
			m.logger.Printf("mapper: combine failed for point %s in config %s: %v, falling back to first word",
				p.Name, cfg.ID, err)
			metrics.IncDecodeFallback()
			return uint64(span[0]), float64(span[0]), true
		}
		return bits, float64(bits), true
	}
	decoded, err := modbus.Decode(span, p.DataType, p.ByteOrder)
	if err != nil {
		// Degraded fallback: the first word alone stands in for the value
		// rather than losing the point for the whole tick.
		m.logger.Printf("mapper: decode failed for point %s in config %s: %v, falling back to first word",
			p.Name, cfg.ID, err)
		metrics.IncDecodeFallback()
		return uint64(span[0]), float64(span[0]), true
	}
	return decoded.Bits, decoded.Value, true
}

func baseReading(p masterdata.Point, bits uint64, value float64, ts time.Time) telemetry.Reading {
	reading := telemetry.Reading{
		Timestamp: ts,
		SiteID:    p.SiteID,
		DeviceID:  p.DeviceID,
		PointID:   p.ID,
		PointName: p.Name,
		Unit:      p.Unit,
	}
	switch p.DataType {
	case modbus.TypeBitfield:
		reading.Unit = "bit"
		reading.RawValue = float64(bits)
		derived := reading.RawValue
		reading.Derived = &derived
	case modbus.TypeEnum:
		reading.Unit = "enum"
		reading.RawValue = float64(bits)
		derived := reading.RawValue
		reading.Derived = &derived
	default:
		reading.RawValue = value
		scale := p.ScaleFactor
		if scale == 0 {
			scale = 1.0
		}
		derived := value * scale
		reading.Derived = &derived
	}
	return reading
}

func derivedReading(p, base masterdata.Point, baseBits uint64, ts time.Time) telemetry.Reading {
	reading := telemetry.Reading{
		Timestamp: ts,
		SiteID:    p.SiteID,
		DeviceID:  p.DeviceID,
		PointID:   p.ID,
		PointName: p.Name,
		Unit:      p.Unit,
		RawValue:  float64(baseBits),
	}
	switch p.DataType {
	case modbus.TypeSingleBit:
		// Fixed-width extraction: the base point's register size defines the
		// available bit width. Out-of-range indices yield no derived value.
		width := base.Size * 16
		if width > 64 {
			width = 64
		}
		if p.BitIndex < 0 || p.BitIndex >= width {
			return reading
		}
		value := float64((baseBits >> uint(p.BitIndex)) & 1)
		reading.Derived = &value
	case modbus.TypeSingleEnum:
		value := 0.0
		if baseBits == uint64(p.EnumValue) {
			value = 1.0
		}
		reading.Derived = &value
	}
	return reading
}

func findBasePoint(points []masterdata.Point, id string) (masterdata.Point, bool) {
	if id == "" {
		return masterdata.Point{}, false
	}
	for _, p := range points {
		if p.ID == id && !p.IsDerived {
			return p, true
		}
	}
	return masterdata.Point{}, false
}
