package masterdata

import (
	"fmt"
	"sort"

	"gridpoller/internal/modbus"
)

// MaxPollRegisterCount is the Modbus per-transaction register ceiling.
const MaxPollRegisterCount = 125

// maxRegisterAddress is the top of the 16-bit register address space.
// Transaction bounds past it would wrap when cast for the wire request.
const maxRegisterAddress = 65535

// defaultUnit is applied to points submitted without a unit.
const defaultUnit = "unit"

// RangeWarning reports a mismatch between the caller-supplied transaction
// bounds and the canonical range computed from the point set. The supplied
// bounds are trusted for the actual transaction; the mismatch is logged,
// not rejected.
type RangeWarning struct {
	MinAddress    int
	MaxEnd        int
	ComputedCount int
	SuppliedStart int
	SuppliedCount int
}

func (w RangeWarning) String() string {
	return fmt.Sprintf(
		"computed range [%d..%d] count=%d does not match supplied start=%d count=%d",
		w.MinAddress, w.MaxEnd, w.ComputedCount, w.SuppliedStart, w.SuppliedCount,
	)
}

// ApplyPointDefaults fills optional fields in place: scale factor 1.0,
// unit "unit", big-endian byte order.
func ApplyPointDefaults(points []Point) {
	for i := range points {
		if points[i].ScaleFactor == 0 {
			points[i].ScaleFactor = 1.0
		}
		if points[i].Unit == "" {
			points[i].Unit = defaultUnit
		}
		if points[i].ByteOrder == "" {
			points[i].ByteOrder = modbus.BigEndian
		}
	}
}

// ValidateConfig runs the admission-time checks on a config and its points:
// required fields per data type, base-point range overlap, the 125-register
// transaction ceiling, and per-point range bounds. It returns a non-nil
// RangeWarning when the caller-supplied poll bounds disagree with the
// canonical range computed from the points.
func ValidateConfig(cfg *Config) (*RangeWarning, error) {
	var issues []PointIssue

	if !cfg.PollKind.Valid() {
		issues = append(issues, PointIssue{
			Index:   -1,
			Field:   "poll_kind",
			Message: fmt.Sprintf("poll_kind %q is not one of holding, input, coils, discretes", cfg.PollKind),
		})
	}
	if cfg.PollStartIndex < 0 || cfg.PollStartIndex > maxRegisterAddress {
		issues = append(issues, PointIssue{
			Index:   -1,
			Field:   "poll_start_index",
			Message: fmt.Sprintf("poll_start_index %d is outside the register address space [0, %d]", cfg.PollStartIndex, maxRegisterAddress),
		})
	}
	if cfg.PollCount < 1 || cfg.PollCount > MaxPollRegisterCount {
		issues = append(issues, PointIssue{
			Index:   -1,
			Field:   "poll_count",
			Message: fmt.Sprintf("poll_count %d must be between 1 and %d", cfg.PollCount, MaxPollRegisterCount),
		})
	}
	if len(cfg.Points) == 0 {
		issues = append(issues, PointIssue{
			Index:   -1,
			Field:   "points",
			Message: "at least one point is required",
		})
		return nil, &ValidationError{Issues: issues}
	}

	issues = append(issues, requiredFieldIssues(cfg.Points)...)
	issues = append(issues, overlapIssues(cfg.Points)...)
	issues = append(issues, rangeIssues(cfg.PollStartIndex, cfg.Points)...)

	warning, countIssue := pollRangeCheck(cfg)
	if countIssue != nil {
		issues = append(issues, *countIssue)
	}

	if len(issues) > 0 {
		return nil, &ValidationError{Issues: issues}
	}
	return warning, nil
}

func requiredFieldIssues(points []Point) []PointIssue {
	var issues []PointIssue
	for idx, p := range points {
		if p.Name == "" {
			issues = append(issues, PointIssue{Index: idx, Field: "name",
				Message: fmt.Sprintf("points[%d].name is required", idx)})
			continue
		}
		if !p.HasAddress() {
			issues = append(issues, PointIssue{Index: idx, Field: "address",
				Message: fmt.Sprintf("points[%d].address is required", idx)})
			continue
		}
		if p.Size != 1 && p.Size != 2 && p.Size != 4 {
			issues = append(issues, PointIssue{Index: idx, Field: "size", Address: p.Address,
				Message: fmt.Sprintf("points[%d].size must be 1, 2 or 4 (got %d)", idx, p.Size)})
			continue
		}
		if p.DataType == "" {
			issues = append(issues, PointIssue{Index: idx, Field: "data_type", Address: p.Address,
				Message: fmt.Sprintf("points[%d].data_type is required", idx)})
			continue
		}
		if !knownDataType(p.DataType) {
			issues = append(issues, PointIssue{Index: idx, Field: "data_type", Address: p.Address,
				Message: fmt.Sprintf("points[%d].data_type %q is not supported", idx, p.DataType)})
			continue
		}
		if !p.ByteOrder.Valid() {
			issues = append(issues, PointIssue{Index: idx, Field: "byte_order", Address: p.Address,
				Message: fmt.Sprintf("points[%d].byte_order %q is not supported", idx, p.ByteOrder)})
		}

		switch p.DataType {
		case modbus.TypeBitfield:
			if len(p.BitfieldDetail) == 0 {
				issues = append(issues, PointIssue{Index: idx, Field: "bitfield_detail", Address: p.Address,
					Message: fmt.Sprintf("points[%d].bitfield_detail is required for bitfield points", idx)})
			}
		case modbus.TypeEnum:
			if len(p.EnumDetail) == 0 {
				issues = append(issues, PointIssue{Index: idx, Field: "enum_detail", Address: p.Address,
					Message: fmt.Sprintf("points[%d].enum_detail is required for enum points", idx)})
			}
		default:
			if p.DataType.IsDerivedType() {
				break
			}
			if p.ScaleFactor == 0 {
				issues = append(issues, PointIssue{Index: idx, Field: "scale_factor", Address: p.Address,
					Message: fmt.Sprintf("points[%d].scale_factor is required", idx)})
			}
			if p.Unit == "" {
				issues = append(issues, PointIssue{Index: idx, Field: "unit", Address: p.Address,
					Message: fmt.Sprintf("points[%d].unit is required", idx)})
			}
		}
	}
	return issues
}

// overlapIssues rejects any two base points whose register ranges intersect,
// naming both conflicting indices. Derived points own no registers.
func overlapIssues(points []Point) []PointIssue {
	type span struct {
		start, end, idx int
	}
	var spans []span
	for idx, p := range points {
		if p.IsDerived || !p.HasAddress() || p.Size < 1 {
			continue
		}
		spans = append(spans, span{start: p.Address, end: p.End(), idx: idx})
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })

	var issues []PointIssue
	for i := 1; i < len(spans); i++ {
		prev, cur := spans[i-1], spans[i]
		if cur.start <= prev.end {
			issues = append(issues, PointIssue{
				Index:   cur.idx,
				Address: cur.start,
				Message: fmt.Sprintf(
					"points[%d] (address %d-%d) overlaps points[%d] (address %d-%d)",
					cur.idx, cur.start, cur.end, prev.idx, prev.start, prev.end,
				),
			})
		}
	}
	return issues
}

// rangeIssues enforces that every base point's range lies within
// [poll_start_index, poll_start_index+124].
func rangeIssues(pollStart int, points []Point) []PointIssue {
	maxAddress := pollStart + MaxPollRegisterCount - 1
	var issues []PointIssue
	for idx, p := range points {
		if p.IsDerived || !p.HasAddress() || p.Size < 1 {
			continue
		}
		if p.Address < pollStart {
			issues = append(issues, PointIssue{
				Index:   idx,
				Address: p.Address,
				Message: fmt.Sprintf(
					"points[%d].address (%d) is less than poll_start_index (%d)",
					idx, p.Address, pollStart,
				),
			})
			continue
		}
		if p.End() > maxAddress {
			issues = append(issues, PointIssue{
				Index:   idx,
				Address: p.Address,
				Message: fmt.Sprintf(
					"points[%d].address (%d) + size (%d) - 1 = %d exceeds poll_start_index + %d - 1 (%d)",
					idx, p.Address, p.Size, p.End(), MaxPollRegisterCount, maxAddress,
				),
			})
		}
	}
	return issues
}

// pollRangeCheck recomputes the canonical (min address, max end, count) from
// the base points. A count over the protocol ceiling is rejected; a mismatch
// against the caller-supplied bounds is only reported as a warning.
func pollRangeCheck(cfg *Config) (*RangeWarning, *PointIssue) {
	minAddr, maxEnd := -1, -1
	for _, p := range cfg.Points {
		if p.IsDerived || !p.HasAddress() || p.Size < 1 {
			continue
		}
		if minAddr == -1 || p.Address < minAddr {
			minAddr = p.Address
		}
		if p.End() > maxEnd {
			maxEnd = p.End()
		}
	}
	if minAddr == -1 {
		return nil, nil
	}
	count := maxEnd - minAddr + 1
	if count > MaxPollRegisterCount {
		return nil, &PointIssue{
			Index: -1,
			Field: "poll_count",
			Message: fmt.Sprintf(
				"points span %d registers, above the %d-register transaction limit; split into multiple configs",
				count, MaxPollRegisterCount,
			),
		}
	}
	if minAddr != cfg.PollStartIndex || count != cfg.PollCount {
		return &RangeWarning{
			MinAddress:    minAddr,
			MaxEnd:        maxEnd,
			ComputedCount: count,
			SuppliedStart: cfg.PollStartIndex,
			SuppliedCount: cfg.PollCount,
		}, nil
	}
	return nil, nil
}

func knownDataType(t modbus.DataType) bool {
	if _, ok := t.WordCount(); ok {
		return true
	}
	switch t {
	case modbus.TypeBitfield, modbus.TypeEnum, modbus.TypeSingleBit, modbus.TypeSingleEnum:
		return true
	}
	return false
}
