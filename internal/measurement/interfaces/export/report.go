package export

import (
	"bytes"
	"fmt"
	"math"
	"time"

	"github.com/jung-kurt/gofpdf"
	"github.com/xuri/excelize/v2"

	"ivlab/internal/measurement/application"
)

// BuildRunPDF renders a one-page summary of a run and its events.
func BuildRunPDF(detail *application.RunDetail) ([]byte, error) {
	if detail == nil {
		return nil, fmt.Errorf("export: nil run")
	}
	run := detail.Run
	pdf := gofpdf.New("L", "mm", "A4", "")
	pdf.SetFont("Arial", "", 12)
	pdf.AddPage()

	pdf.Cell(0, 8, "Measurement Run")
	pdf.Ln(10)
	pdf.SetFont("Arial", "", 10)
	pdf.Cell(0, 6, fmt.Sprintf("Run: %s", run.ID))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Operator: %s", run.Operator))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Setup: %s", run.SetupID))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Status: %s", run.Status))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Started: %s", run.StartedAt.Format(time.RFC3339)))
	pdf.Ln(5)
	if !run.ClosedAt.IsZero() {
		pdf.Cell(0, 6, fmt.Sprintf("Closed: %s", run.ClosedAt.Format(time.RFC3339)))
		pdf.Ln(5)
	}
	if run.Description != "" {
		pdf.Cell(0, 6, fmt.Sprintf("Description: %s", run.Description))
		pdf.Ln(5)
	}
	pdf.Ln(4)

	headers := []struct {
		title string
		width float64
	}{
		{"Event", 62}, {"Kind", 16}, {"Device", 62}, {"SMU", 26}, {"Samples", 20},
		{"Status", 22}, {"Voc (V)", 20}, {"Jsc (mA/cm2)", 26}, {"Pmax (mW/cm2)", 26},
	}
	pdf.SetFont("Arial", "B", 8)
	for _, h := range headers {
		pdf.CellFormat(h.width, 6, h.title, "1", 0, "C", false, 0, "")
	}
	pdf.Ln(-1)
	pdf.SetFont("Arial", "", 8)
	for _, item := range detail.Events {
		h := item.Event.Header
		voc, jsc, pmax := "", "", ""
		if sweep, ok := item.Event.Sweep(); ok && sweep.Summary != nil {
			voc = formatFloat(sweep.Summary.Voc, 4)
			jsc = formatFloat(density(sweep.Summary.Isc, h.Area), 3)
			pmax = formatFloat(density(sweep.Summary.Pmax, h.Area), 3)
		}
		cells := []string{h.ID, string(h.Kind), h.DeviceID, h.SMUID, fmt.Sprintf("%d", h.Count), string(h.Status), voc, jsc, pmax}
		for i, value := range cells {
			align := "L"
			if i >= 4 {
				align = "R"
			}
			pdf.CellFormat(headers[i].width, 6, value, "1", 0, align, false, 0, "")
		}
		pdf.Ln(-1)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BuildRunXLSX renders the run summary, the event table and every raw sample.
func BuildRunXLSX(detail *application.RunDetail) ([]byte, error) {
	if detail == nil {
		return nil, fmt.Errorf("export: nil run")
	}
	run := detail.Run
	f := excelize.NewFile()
	summarySheet := "summary"
	eventsSheet := "events"
	samplesSheet := "samples"
	f.SetSheetName("Sheet1", summarySheet)
	f.NewSheet(eventsSheet)
	f.NewSheet(samplesSheet)

	_ = f.SetCellValue(summarySheet, "A1", "Measurement Run")
	_ = f.SetCellValue(summarySheet, "A3", "Run")
	_ = f.SetCellValue(summarySheet, "B3", run.ID)
	_ = f.SetCellValue(summarySheet, "A4", "Operator")
	_ = f.SetCellValue(summarySheet, "B4", run.Operator)
	_ = f.SetCellValue(summarySheet, "A5", "Setup")
	_ = f.SetCellValue(summarySheet, "B5", run.SetupID)
	_ = f.SetCellValue(summarySheet, "A6", "Status")
	_ = f.SetCellValue(summarySheet, "B6", string(run.Status))
	_ = f.SetCellValue(summarySheet, "A7", "Started")
	_ = f.SetCellValue(summarySheet, "B7", run.StartedAt.Format(time.RFC3339))
	_ = f.SetCellValue(summarySheet, "A8", "Closed")
	if !run.ClosedAt.IsZero() {
		_ = f.SetCellValue(summarySheet, "B8", run.ClosedAt.Format(time.RFC3339))
	}
	_ = f.SetCellValue(summarySheet, "A9", "Description")
	_ = f.SetCellValue(summarySheet, "B9", run.Description)

	row := 11
	for _, m := range detail.Substrates {
		_ = f.SetCellValue(summarySheet, fmt.Sprintf("A%d", row), "Slot "+m.SlotID)
		_ = f.SetCellValue(summarySheet, fmt.Sprintf("B%d", row), m.SubstrateID)
		row++
	}
	for name, values := range run.Params {
		for substrateID, value := range values {
			_ = f.SetCellValue(summarySheet, fmt.Sprintf("A%d", row), name)
			_ = f.SetCellValue(summarySheet, fmt.Sprintf("B%d", row), substrateID)
			_ = f.SetCellValue(summarySheet, fmt.Sprintf("C%d", row), value)
			row++
		}
	}

	eventHeaders := []string{"Event", "Kind", "Device", "SMU", "First Seq", "Samples", "Source", "Area (cm2)", "Status", "Abort Reason", "Voc (V)", "Isc (A)", "Vmpp (V)", "Impp (A)", "Pmax (W)"}
	for i, title := range eventHeaders {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(eventsSheet, cell, title)
	}
	sampleHeaders := []string{"Event", "SMU", "Seq", "t (s)", "V (V)", "I (A)", "J (mA/cm2)", "Status", "Compliance"}
	for i, title := range sampleHeaders {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(samplesSheet, cell, title)
	}

	sampleRow := 2
	for i, item := range detail.Events {
		h := item.Event.Header
		values := []any{h.ID, string(h.Kind), h.DeviceID, h.SMUID, h.FirstSeq, h.Count, string(h.Source), h.Area, string(h.Status), h.AbortReason}
		if sweep, ok := item.Event.Sweep(); ok && sweep.Summary != nil {
			s := sweep.Summary
			values = append(values, cellFloat(s.Voc), cellFloat(s.Isc), cellFloat(s.Vmpp), cellFloat(s.Impp), cellFloat(s.Pmax))
		}
		for col, value := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, i+2)
			_ = f.SetCellValue(eventsSheet, cell, value)
		}
		for _, s := range item.Samples {
			sampleValues := []any{h.ID, s.SMUID, s.Seq, s.Time, s.Voltage, s.Current, cellFloat(density(s.Current, h.Area)), uint32(s.Status), s.Status.Compliance()}
			for col, value := range sampleValues {
				cell, _ := excelize.CoordinatesToCellName(col+1, sampleRow)
				_ = f.SetCellValue(samplesSheet, cell, value)
			}
			sampleRow++
		}
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// density converts a current or power to mA/cm² or mW/cm².
func density(value, area float64) float64 {
	if area <= 0 {
		return math.NaN()
	}
	return value * 1000 / area
}

func formatFloat(v float64, digits int) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return "n/a"
	}
	return fmt.Sprintf("%.*f", digits, v)
}

// cellFloat blanks non-finite values, which excelize cannot store.
func cellFloat(v float64) any {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return ""
	}
	return v
}
