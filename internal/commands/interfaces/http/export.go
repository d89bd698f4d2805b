package http

import (
	"bytes"
	"fmt"
	"time"

	"github.com/jung-kurt/gofpdf"
	"github.com/xuri/excelize/v2"

	commandsapp "fieldlink-cloud/internal/commands/application"
	commands "fieldlink-cloud/internal/commands/domain"
)

// BuildHistoryXLSX renders a command history page as a spreadsheet.
func BuildHistoryXLSX(deviceID string, list []commands.Command) ([]byte, error) {
	f := excelize.NewFile()
	sheet := "commands"
	f.SetSheetName("Sheet1", sheet)

	headers := []string{"Command ID", "Type", "State", "Created", "Last Attempt", "Attempts", "Ack Latency (ms)", "Last Error"}
	for i, header := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheet, cell, header)
	}
	for i, cmd := range list {
		row := i + 2
		_ = f.SetCellValue(sheet, fmt.Sprintf("A%d", row), cmd.ID)
		_ = f.SetCellValue(sheet, fmt.Sprintf("B%d", row), string(cmd.Type))
		_ = f.SetCellValue(sheet, fmt.Sprintf("C%d", row), string(cmd.State))
		_ = f.SetCellValue(sheet, fmt.Sprintf("D%d", row), cmd.CreatedAt.Format(time.RFC3339))
		if !cmd.LastAttemptAt.IsZero() {
			_ = f.SetCellValue(sheet, fmt.Sprintf("E%d", row), cmd.LastAttemptAt.Format(time.RFC3339))
		}
		_ = f.SetCellValue(sheet, fmt.Sprintf("F%d", row), cmd.AttemptCount)
		if cmd.AckLatencyMs > 0 {
			_ = f.SetCellValue(sheet, fmt.Sprintf("G%d", row), cmd.AckLatencyMs)
		}
		_ = f.SetCellValue(sheet, fmt.Sprintf("H%d", row), cmd.LastError)
	}
	_ = f.SetCellValue(sheet, "J1", "Device")
	_ = f.SetCellValue(sheet, "K1", deviceID)

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BuildAckReportPDF renders a device's acknowledgment statistics with its
// still-pending commands.
func BuildAckReportPDF(stats *commandsapp.DeviceStats, pending []commands.Command) ([]byte, error) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetFont("Arial", "", 12)
	pdf.AddPage()

	pdf.Cell(0, 8, "Device Acknowledgment Report")
	pdf.Ln(10)
	pdf.SetFont("Arial", "", 10)
	pdf.Cell(0, 6, fmt.Sprintf("Device: %s", stats.DeviceID))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Window start: %s", stats.WindowStart.Format(time.RFC3339)))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Acked in window: %d", stats.AckedInWindow))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Mean latency (ms): %.1f", stats.MeanLatencyMs))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("P95 latency (ms): %d", stats.P95LatencyMs))
	pdf.Ln(8)

	pdf.SetFont("Arial", "B", 10)
	pdf.CellFormat(60, 6, "State", "1", 0, "C", false, 0, "")
	pdf.CellFormat(40, 6, "Count", "1", 0, "C", false, 0, "")
	pdf.Ln(-1)
	pdf.SetFont("Arial", "", 10)
	for _, state := range []commands.State{
		commands.StatePending, commands.StateSent, commands.StateRetrying,
		commands.StateAcked, commands.StateSucceeded, commands.StateFailed,
	} {
		pdf.CellFormat(60, 6, string(state), "1", 0, "L", false, 0, "")
		pdf.CellFormat(40, 6, fmt.Sprintf("%d", stats.Counts[state]), "1", 0, "R", false, 0, "")
		pdf.Ln(-1)
	}

	pdf.Ln(4)
	pdf.SetFont("Arial", "B", 10)
	pdf.Cell(0, 6, fmt.Sprintf("Awaiting acknowledgment: %d", len(pending)))
	pdf.Ln(7)
	pdf.SetFont("Arial", "", 9)
	for _, cmd := range pending {
		pdf.Cell(0, 5, fmt.Sprintf("%s  %s  attempt %d/%d", cmd.ID, cmd.Type, cmd.AttemptCount, cmd.MaxAttempts))
		pdf.Ln(4)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
