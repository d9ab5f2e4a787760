package attendance

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const utf8BOM = "\uFEFF"

var (
	cuentaAliases = []string{"cuenta", "numcuenta", "numerocuenta", "nocuenta", "num_cuenta", "numero_cuenta"}
	nameAliases   = []string{"nombre", "name", "alumno", "estudiante", "nombrecompleto", "nombre_completo"}
)

// ErrRosterColumns means the header row has no recognizable cuenta or name column.
var ErrRosterColumns = errors.New(`no se encontraron las columnas requeridas; el archivo debe tener columnas "cuenta" y "nombre"`)

// foldHeader lower-cases h, strips accents and keeps only a-z and 0-9, so
// "Número de Cuenta" and "numero_cuenta" compare equal.
func foldHeader(h string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, h)
	if err != nil {
		folded = h
	}
	var b strings.Builder
	for _, r := range strings.ToLower(folded) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func findColumn(headers []string, aliases []string) int {
	folded := make([]string, len(headers))
	for i, h := range headers {
		folded[i] = foldHeader(h)
	}
	for _, a := range aliases {
		want := foldHeader(a)
		for i, h := range folded {
			if h == want {
				return i
			}
		}
	}
	return -1
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// ParseRoster reads a roster CSV. The first row must name a cuenta and a name
// column; comma and semicolon separated files are both accepted. Rows are
// returned as found and validated on import.
func ParseRoster(r io.Reader) ([]RosterEntry, error) {
	br := bufio.NewReader(r)
	head, err := br.Peek(4096)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		return nil, fmt.Errorf("read roster: %w", err)
	}
	if bytes.HasPrefix(head, []byte(utf8BOM)) {
		_, _ = br.Discard(len(utf8BOM))
		head = head[len(utf8BOM):]
	}
	firstLine := head
	if i := bytes.IndexByte(head, '\n'); i >= 0 {
		firstLine = head[:i]
	}

	cr := csv.NewReader(br)
	if bytes.Count(firstLine, []byte(";")) > bytes.Count(firstLine, []byte(",")) {
		cr.Comma = ';'
	}
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	rows, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse roster: %w", err)
	}
	if len(rows) == 0 {
		return nil, ErrRosterColumns
	}
	ci, ni := findColumn(rows[0], cuentaAliases), findColumn(rows[0], nameAliases)
	if ci < 0 || ni < 0 {
		return nil, ErrRosterColumns
	}

	var out []RosterEntry
	for _, row := range rows[1:] {
		var cuenta, name string
		if ci < len(row) {
			cuenta = digitsOnly(row[ci])
		}
		if ni < len(row) {
			name = strings.TrimSpace(row[ni])
		}
		if cuenta == "" && name == "" {
			continue
		}
		out = append(out, RosterEntry{Cuenta: cuenta, Name: name})
	}
	return out, nil
}

var reportHeader = []string{"Cuenta", "Nombre", "Asistencias", "Parciales", "Faltas", "Porcentaje", "Faltas Restantes", "Estado"}

func reportRow(r StudentReport) []string {
	return []string{
		r.Cuenta,
		r.Name,
		strconv.Itoa(r.Attended),
		strconv.Itoa(r.Partial),
		strconv.Itoa(r.Missed),
		strconv.Itoa(r.Percentage) + "%",
		strconv.Itoa(r.RemainingAbsences),
		r.Status.Label(),
	}
}

// WriteReportCSV writes the report as UTF-8 CSV with a leading BOM so
// spreadsheet programs detect the encoding.
func WriteReportCSV(w io.Writer, rows []StudentReport) error {
	if _, err := io.WriteString(w, utf8BOM); err != nil {
		return err
	}
	cw := csv.NewWriter(w)
	if err := cw.Write(reportHeader); err != nil {
		return err
	}
	for _, r := range rows {
		if err := cw.Write(reportRow(r)); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
