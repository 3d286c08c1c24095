package interfaces

import (
	"bytes"
	"fmt"
	"time"

	"github.com/jung-kurt/gofpdf"
	"github.com/xuri/excelize/v2"

	telemetry "gridpoller/internal/telemetry/domain"
)

// ExportRange describes the readings window being rendered.
type ExportRange struct {
	DeviceID string
	From     time.Time
	To       time.Time
}

// BuildReadingsPDF renders a readings window as a PDF table.
func BuildReadingsPDF(window ExportRange, readings []telemetry.Reading) ([]byte, error) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetFont("Arial", "", 12)
	pdf.AddPage()

	pdf.Cell(0, 8, "Register Readings")
	pdf.Ln(10)
	pdf.SetFont("Arial", "", 10)
	pdf.Cell(0, 6, fmt.Sprintf("Device: %s", window.DeviceID))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("From: %s", window.From.Format(time.RFC3339)))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("To: %s", window.To.Format(time.RFC3339)))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Readings: %d", len(readings)))
	pdf.Ln(8)

	pdf.SetFont("Arial", "B", 9)
	pdf.CellFormat(42, 6, "Timestamp", "1", 0, "C", false, 0, "")
	pdf.CellFormat(50, 6, "Point", "1", 0, "C", false, 0, "")
	pdf.CellFormat(20, 6, "Unit", "1", 0, "C", false, 0, "")
	pdf.CellFormat(38, 6, "Raw", "1", 0, "C", false, 0, "")
	pdf.CellFormat(38, 6, "Derived", "1", 0, "C", false, 0, "")
	pdf.Ln(-1)
	pdf.SetFont("Arial", "", 9)
	for _, r := range readings {
		derived := ""
		if r.Derived != nil {
			derived = fmt.Sprintf("%.4f", *r.Derived)
		}
		pdf.CellFormat(42, 6, r.Timestamp.Format("2006-01-02 15:04:05"), "1", 0, "C", false, 0, "")
		pdf.CellFormat(50, 6, r.PointName, "1", 0, "L", false, 0, "")
		pdf.CellFormat(20, 6, r.Unit, "1", 0, "C", false, 0, "")
		pdf.CellFormat(38, 6, fmt.Sprintf("%.4f", r.RawValue), "1", 0, "R", false, 0, "")
		pdf.CellFormat(38, 6, derived, "1", 0, "R", false, 0, "")
		pdf.Ln(-1)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BuildReadingsXLSX renders a readings window as an XLSX workbook.
func BuildReadingsXLSX(window ExportRange, readings []telemetry.Reading) ([]byte, error) {
	f := excelize.NewFile()
	summarySheet := "summary"
	readingsSheet := "readings"
	f.SetSheetName("Sheet1", summarySheet)
	f.NewSheet(readingsSheet)

	_ = f.SetCellValue(summarySheet, "A1", "Register Readings")
	_ = f.SetCellValue(summarySheet, "A3", "Device")
	_ = f.SetCellValue(summarySheet, "B3", window.DeviceID)
	_ = f.SetCellValue(summarySheet, "A4", "From")
	_ = f.SetCellValue(summarySheet, "B4", window.From.Format(time.RFC3339))
	_ = f.SetCellValue(summarySheet, "A5", "To")
	_ = f.SetCellValue(summarySheet, "B5", window.To.Format(time.RFC3339))
	_ = f.SetCellValue(summarySheet, "A6", "Readings")
	_ = f.SetCellValue(summarySheet, "B6", len(readings))

	_ = f.SetCellValue(readingsSheet, "A1", "Timestamp")
	_ = f.SetCellValue(readingsSheet, "B1", "Point")
	_ = f.SetCellValue(readingsSheet, "C1", "Unit")
	_ = f.SetCellValue(readingsSheet, "D1", "Raw")
	_ = f.SetCellValue(readingsSheet, "E1", "Derived")
	for i, r := range readings {
		row := i + 2
		_ = f.SetCellValue(readingsSheet, fmt.Sprintf("A%d", row), r.Timestamp.Format(time.RFC3339))
		_ = f.SetCellValue(readingsSheet, fmt.Sprintf("B%d", row), r.PointName)
		_ = f.SetCellValue(readingsSheet, fmt.Sprintf("C%d", row), r.Unit)
		_ = f.SetCellValue(readingsSheet, fmt.Sprintf("D%d", row), r.RawValue)
		if r.Derived != nil {
			_ = f.SetCellValue(readingsSheet, fmt.Sprintf("E%d", row), *r.Derived)
		}
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
