package api

import (
	"bytes"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"

	"asistencia/internal/attendance"
)

const (
	csvContentType  = "text/csv; charset=utf-8"
	xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

// FullReport GET /api/reports
func (h *Handler) FullReport(c *gin.Context) {
	report, err := h.svc.FullReport(c.Request.Context())
	if err != nil {
		h.writeError(c, err, studentNotFound)
		return
	}
	if report.Students == nil {
		report.Students = []attendance.StudentReport{}
	}
	c.JSON(http.StatusOK, report)
}

// StudentReport GET /api/reports/:cuenta
func (h *Handler) StudentReport(c *gin.Context) {
	detail, err := h.svc.StudentDetail(c.Request.Context(), c.Param("cuenta"))
	if err != nil {
		h.writeError(c, err, studentNotFound)
		return
	}
	c.JSON(http.StatusOK, detail)
}

// ExportCSV GET /api/reports/export.csv
func (h *Handler) ExportCSV(c *gin.Context) {
	report, err := h.svc.FullReport(c.Request.Context())
	if err != nil {
		h.writeError(c, err, studentNotFound)
		return
	}
	var buf bytes.Buffer
	if err := attendance.WriteReportCSV(&buf, report.Students); err != nil {
		h.writeError(c, err, studentNotFound)
		return
	}
	attachment(c, exportName(report.Course, "csv"))
	c.Data(http.StatusOK, csvContentType, buf.Bytes())
}

// ExportXLSX GET /api/reports/export.xlsx
func (h *Handler) ExportXLSX(c *gin.Context) {
	report, err := h.svc.FullReport(c.Request.Context())
	if err != nil {
		h.writeError(c, err, studentNotFound)
		return
	}
	title := "Reporte de asistencia"
	if report.Course.MateriaName != "" {
		title = report.Course.MateriaName
		if report.Course.Semestre != "" {
			title += " " + report.Course.Semestre
		}
	}
	var buf bytes.Buffer
	if err := attendance.WriteReportXLSX(&buf, title, report.Students); err != nil {
		h.writeError(c, err, studentNotFound)
		return
	}
	attachment(c, exportName(report.Course, "xlsx"))
	c.Data(http.StatusOK, xlsxContentType, buf.Bytes())
}

func attachment(c *gin.Context, filename string) {
	c.Header("Content-Description", "File Transfer")
	c.Header("Content-Disposition", "attachment; filename*=UTF-8''"+url.PathEscape(filename))
}

func exportName(course attendance.CourseConfig, ext string) string {
	base := "asistencia"
	if course.MateriaName != "" {
		base += "-" + strings.ReplaceAll(strings.ToLower(strings.TrimSpace(course.MateriaName)), " ", "-")
	}
	return fmt.Sprintf("%s.%s", base, ext)
}
