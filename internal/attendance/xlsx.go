package attendance

import (
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"
)

const reportSheet = "Asistencia"

// WriteReportXLSX writes the report as a single-sheet workbook with the same
// columns as the CSV export. Rows are colored by status.
func WriteReportXLSX(w io.Writer, title string, rows []StudentReport) error {
	f := excelize.NewFile()
	defer f.Close()

	idx, err := f.NewSheet(reportSheet)
	if err != nil {
		return fmt.Errorf("new sheet: %w", err)
	}
	f.SetActiveSheet(idx)
	_ = f.DeleteSheet("Sheet1")

	last := colName(len(reportHeader) - 1)
	_ = f.SetColWidth(reportSheet, "A", "A", 14)
	_ = f.SetColWidth(reportSheet, "B", "B", 36)
	_ = f.SetColWidth(reportSheet, "C", last, 16)

	titleStyle, _ := f.NewStyle(&excelize.Style{
		Font:      &excelize.Font{Bold: true, Size: 13},
		Alignment: &excelize.Alignment{Horizontal: "center", Vertical: "center"},
	})
	headerStyle, _ := f.NewStyle(&excelize.Style{
		Font:      &excelize.Font{Bold: true, Size: 11, Color: "#FFFFFF"},
		Fill:      excelize.Fill{Type: "pattern", Color: []string{"#1F3864"}, Pattern: 1},
		Alignment: &excelize.Alignment{Horizontal: "center", Vertical: "center"},
	})
	statusStyles := map[Status]int{}
	for status, color := range map[Status]string{StatusOK: "#E2EFDA", StatusRisk: "#FFF2CC", StatusCritical: "#FCE4D6"} {
		id, _ := f.NewStyle(&excelize.Style{
			Fill: excelize.Fill{Type: "pattern", Color: []string{color}, Pattern: 1},
		})
		statusStyles[status] = id
	}

	if title == "" {
		title = "Reporte de asistencia"
	}
	_ = f.SetCellValue(reportSheet, "A1", title)
	_ = f.MergeCell(reportSheet, "A1", cell(last, 1))
	_ = f.SetCellStyle(reportSheet, "A1", "A1", titleStyle)

	for i, h := range reportHeader {
		_ = f.SetCellValue(reportSheet, cell(colName(i), 2), h)
	}
	_ = f.SetCellStyle(reportSheet, "A2", cell(last, 2), headerStyle)

	row := 3
	for _, r := range rows {
		values := []any{r.Cuenta, r.Name, r.Attended, r.Partial, r.Missed, fmt.Sprintf("%d%%", r.Percentage), r.RemainingAbsences, r.Status.Label()}
		for i, v := range values {
			_ = f.SetCellValue(reportSheet, cell(colName(i), row), v)
		}
		if style, ok := statusStyles[r.Status]; ok {
			_ = f.SetCellStyle(reportSheet, cell("A", row), cell(last, row), style)
		}
		row++
	}

	if err := f.Write(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

func colName(idx int) string {
	name, _ := excelize.ColumnNumberToName(idx + 1)
	return name
}

func cell(col string, row int) string {
	return fmt.Sprintf("%s%d", col, row)
}
