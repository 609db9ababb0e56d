package accounting

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/xuri/excelize/v2"

	"hydronet/pkg/hydro"
)

// exportDisputedWeek writes the review workbook for a disputed week:
// a balance summary, the per-delivery figures and the withheld adjustment
// candidates. Returns the workbook path.
func (a *Accountant) exportDisputedWeek(lg *hydro.ReconciliationLog, figures []*deliveryFigures) (string, error) {
	if err := os.MkdirAll(a.cfg.ExportDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create export dir: %w", err)
	}

	f := excelize.NewFile()
	defer f.Close()

	headerStyle, _ := f.NewStyle(&excelize.Style{
		Font:      &excelize.Font{Bold: true, Color: "FFFFFF"},
		Fill:      excelize.Fill{Type: "pattern", Color: []string{"4472C4"}, Pattern: 1},
		Alignment: &excelize.Alignment{Horizontal: "center"},
	})

	writeSummarySheet(f, headerStyle, lg)
	writeDeliverySheet(f, headerStyle, figures)
	f.DeleteSheet("Sheet1")

	path := filepath.Join(a.cfg.ExportDir, fmt.Sprintf("disputed-%s.xlsx", lg.Week))
	if err := f.SaveAs(path); err != nil {
		return "", fmt.Errorf("failed to save workbook: %w", err)
	}
	return path, nil
}

func writeSummarySheet(f *excelize.File, headerStyle int, lg *hydro.ReconciliationLog) {
	sheet := "Summary"
	f.NewSheet(sheet)

	f.SetCellValue(sheet, "A1", fmt.Sprintf("Disputed water balance, week %s", lg.Week))
	f.MergeCell(sheet, "A1", "B1")
	f.SetCellStyle(sheet, "A1", "B1", headerStyle)

	rows := [][2]any{
		{"Outflow total, m3", lg.OutflowTotal},
		{"Inflow total, m3", lg.InflowTotal},
		{"Reported losses, m3", lg.ReportedLosses},
		{"Discrepancy, m3", lg.Discrepancy},
		{"Discrepancy, %", lg.DiscrepancyPct * 100},
		{"Status", string(lg.Status)},
	}
	for i, r := range rows {
		f.SetCellValue(sheet, cellAddr("A", i+3), r[0])
		f.SetCellValue(sheet, cellAddr("B", i+3), r[1])
	}
}

func writeDeliverySheet(f *excelize.File, headerStyle int, figures []*deliveryFigures) {
	sheet := "Deliveries"
	f.NewSheet(sheet)

	headers := []string{"Delivery", "Zone", "Gate", "Mode", "Outflow m3", "Inflow m3", "Loss m3", "Estimated"}
	for i, h := range headers {
		col := string(rune('A' + i))
		f.SetCellValue(sheet, cellAddr(col, 1), h)
		f.SetCellStyle(sheet, cellAddr(col, 1), cellAddr(col, 1), headerStyle)
	}

	for i, fig := range figures {
		row := i + 2
		f.SetCellValue(sheet, cellAddr("A", row), fig.d.ID)
		f.SetCellValue(sheet, cellAddr("B", row), fig.d.Zone)
		f.SetCellValue(sheet, cellAddr("C", row), fig.d.GateID)
		f.SetCellValue(sheet, cellAddr("D", row), string(fig.d.Mode))
		f.SetCellValue(sheet, cellAddr("E", row), fig.out)
		f.SetCellValue(sheet, cellAddr("F", row), fig.in)
		f.SetCellValue(sheet, cellAddr("G", row), fig.lossTotal)
		f.SetCellValue(sheet, cellAddr("H", row), fig.estimated)
	}
}

func cellAddr(col string, row int) string {
	return fmt.Sprintf("%s%d", col, row)
}
