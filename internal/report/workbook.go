package report

import (
	"bytes"
	"fmt"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/smukkama/implant-monitor/internal/aggregation"
	"github.com/smukkama/implant-monitor/internal/telemetry"
)

const (
	summarySheet  = "Summary"
	readingsSheet = "Readings"
	timeLayout    = "2006-01-02 15:04:05"
)

var seriesHeader = []string{"Period", "Mean"}

var readingsHeader = []string{"Timestamp", "Sensor", "a_total (m/s²)", "desp_um (μm)", "desp_std", "Severity"}

// Export is everything written to a patient workbook
type Export struct {
	Patient     telemetry.Patient
	Prosthesis  string
	Range       aggregation.Range
	Series      []aggregation.Series
	Readings    []telemetry.Reading
	GeneratedAt time.Time
}

// SheetName is the worksheet holding a measurement type's series
func SheetName(m telemetry.MeasurementType) string {
	switch m {
	case telemetry.Acceleration:
		return "Acceleration"
	case telemetry.Micromovement:
		return "Micromovement"
	}
	return string(m)
}

// Workbook renders the export as XLSX bytes: a summary sheet, one sheet per
// series and the raw readings.
func Workbook(e Export) ([]byte, error) {
	f := excelize.NewFile()
	// WriteTo needs the file open, so Close happens at the end

	index, err := f.NewSheet(summarySheet)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create sheet: %w", err)
	}
	f.DeleteSheet("Sheet1")
	f.SetActiveSheet(index)

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{
			Type:    "pattern",
			Color:   []string{"#E6F3FF"},
			Pattern: 1,
		},
		Border: []excelize.Border{
			{Type: "bottom", Color: "000000", Style: 1},
		},
	})
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create header style: %w", err)
	}

	if err := writeSummary(f, e); err != nil {
		f.Close()
		return nil, err
	}

	for _, s := range e.Series {
		if err := writeSeries(f, s, headerStyle); err != nil {
			f.Close()
			return nil, err
		}
	}

	if err := writeReadings(f, e.Readings, headerStyle); err != nil {
		f.Close()
		return nil, err
	}

	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to write to buffer: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("failed to close file: %w", err)
	}

	return buf.Bytes(), nil
}

func writeSummary(f *excelize.File, e Export) error {
	prosthesis := e.Prosthesis
	if prosthesis == "" {
		prosthesis = "All"
	}
	birthDate := ""
	if e.Patient.BirthDate != nil {
		birthDate = e.Patient.BirthDate.Format("2006-01-02")
	}

	rows := [][]interface{}{
		{"Patient", e.Patient.FullName()},
		{"Patient ID", e.Patient.ID},
		{"Birth date", birthDate},
		{"Age", e.Patient.AgeAt(e.GeneratedAt)},
		{"Prosthesis", prosthesis},
		{"Range", string(e.Range)},
		{"Readings", len(e.Readings)},
		{"Generated", e.GeneratedAt.Format(timeLayout)},
	}
	for i, row := range rows {
		if err := setRow(f, summarySheet, i+1, row); err != nil {
			return err
		}
	}
	return f.SetColWidth(summarySheet, "A", "B", 22)
}

func writeSeries(f *excelize.File, s aggregation.Series, headerStyle int) error {
	sheet := SheetName(s.Type)
	if _, err := f.NewSheet(sheet); err != nil {
		return fmt.Errorf("failed to create sheet %s: %w", sheet, err)
	}
	if err := writeHeader(f, sheet, seriesHeader, headerStyle); err != nil {
		return err
	}

	row := 2
	for _, p := range s.Points {
		if err := setRow(f, sheet, row, []interface{}{p.Key, p.Value}); err != nil {
			return err
		}
		row++
	}
	if s.Fallback {
		note := "No readings in range; showing the latest values."
		if err := setRow(f, sheet, row+1, []interface{}{note}); err != nil {
			return err
		}
	}
	return f.SetColWidth(sheet, "A", "B", 16)
}

func writeReadings(f *excelize.File, readings []telemetry.Reading, headerStyle int) error {
	if _, err := f.NewSheet(readingsSheet); err != nil {
		return fmt.Errorf("failed to create sheet %s: %w", readingsSheet, err)
	}
	if err := writeHeader(f, readingsSheet, readingsHeader, headerStyle); err != nil {
		return err
	}

	for i, r := range readings {
		row := []interface{}{
			r.Timestamp.Format(timeLayout),
			r.SensorID,
			r.ATotal,
			optional(r.DespUM),
			optional(r.DespStd),
			string(r.Severity),
		}
		if err := setRow(f, readingsSheet, i+2, row); err != nil {
			return err
		}
	}

	if err := f.SetPanes(readingsSheet, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		return fmt.Errorf("failed to freeze panes: %w", err)
	}
	return f.SetColWidth(readingsSheet, "A", "F", 18)
}

func writeHeader(f *excelize.File, sheet string, headers []string, style int) error {
	values := make([]interface{}, len(headers))
	for i, h := range headers {
		values[i] = h
	}
	if err := setRow(f, sheet, 1, values); err != nil {
		return err
	}

	last, err := excelize.CoordinatesToCellName(len(headers), 1)
	if err != nil {
		return fmt.Errorf("failed to convert coordinates: %w", err)
	}
	if err := f.SetCellStyle(sheet, "A1", last, style); err != nil {
		return fmt.Errorf("failed to set header style: %w", err)
	}
	return nil
}

func setRow(f *excelize.File, sheet string, row int, values []interface{}) error {
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return fmt.Errorf("failed to convert coordinates: %w", err)
	}
	if err := f.SetSheetRow(sheet, cell, &values); err != nil {
		return fmt.Errorf("failed to write row %d of %s: %w", row, sheet, err)
	}
	return nil
}

// optional leaves the cell blank for absent values
func optional(v *float64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}
