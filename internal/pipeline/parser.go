package pipeline

import (
	"bytes"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	pdf "github.com/ledongthuc/pdf"
	"github.com/xuri/excelize/v2"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/transform"

	"skyplanner/internal"
	"skyplanner/internal/util"
)

var (
	ErrParse             = errors.New("could not read file")
	ErrUnsupportedFormat = errors.New("unsupported file format")
)

var rePDFCellSplit = regexp.MustCompile(`\t+|\s{2,}`)

type SheetRow struct {
	// Number is the 1-based position among the data rows of the sheet.
	Number int
	Cells  internal.Record
}

type ColumnInfo struct {
	Index        int       `json:"index"`
	Header       string    `json:"header"`
	SampleValues []string  `json:"sampleValues"`
	NonEmpty     int       `json:"nonEmpty"`
	InferredType FieldType `json:"inferredType"`
}

type ParseResult struct {
	Format            string
	Encoding          string
	Sheet             string
	Headers           []string
	Rows              []SheetRow
	ColumnFingerprint string
	FileHash          string
	FileSize          int64
	ColumnCount       int
	TotalRows         int
	ColumnInfo        []ColumnInfo
}

// Parse decodes an uploaded file into headers and rows. It never returns partial results.
func Parse(fileName string, content []byte) (*ParseResult, error) {
	if len(content) == 0 {
		return nil, fmt.Errorf("%w: file is empty", ErrParse)
	}

	var (
		table    [][]string
		format   string
		encoding = "utf-8"
		sheet    string
		err      error
	)

	switch strings.ToLower(filepath.Ext(fileName)) {
	case ".csv", ".txt":
		format = "csv"
		table, encoding, err = parseCSV(content)
	case ".xlsx", ".xlsm":
		format = "xlsx"
		table, sheet, err = parseXLSX(content)
	case ".html", ".htm":
		format = "html"
		table, err = parseHTMLTable(content)
	case ".pdf":
		format = "pdf"
		table, err = parsePDF(content)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Ext(fileName))
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}

	headerIdx := firstNonEmptyRow(table)
	if headerIdx < 0 {
		return nil, fmt.Errorf("%w: no header row found", ErrParse)
	}
	headers := sanitizeHeaders(table[headerIdx])

	rows := make([]SheetRow, 0, len(table)-headerIdx-1)
	for i, raw := range table[headerIdx+1:] {
		cells := make(internal.Record, len(headers))
		for c, h := range headers {
			value := ""
			if c < len(raw) {
				value = raw[c]
			}
			cells[h] = value
		}
		rows = append(rows, SheetRow{Number: i + 1, Cells: cells})
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: no data rows below the header", ErrParse)
	}

	hash := sha256.Sum256(content)
	return &ParseResult{
		Format:            format,
		Encoding:          encoding,
		Sheet:             sheet,
		Headers:           headers,
		Rows:              rows,
		ColumnFingerprint: Fingerprint(headers),
		FileHash:          hex.EncodeToString(hash[:]),
		FileSize:          int64(len(content)),
		ColumnCount:       len(headers),
		TotalRows:         len(rows),
		ColumnInfo:        describeColumns(headers, rows),
	}, nil
}

// Fingerprint hashes the normalized header list. Order matters.
func Fingerprint(headers []string) string {
	norm := make([]string, 0, len(headers))
	for _, h := range headers {
		norm = append(norm, util.NormalizeHeader(h))
	}
	sum := sha256.Sum256([]byte(strings.Join(norm, "|")))
	return hex.EncodeToString(sum[:])
}

func parseCSV(content []byte) ([][]string, string, error) {
	content = bytes.TrimPrefix(content, []byte{0xEF, 0xBB, 0xBF})
	encoding := "utf-8"
	if !utf8.Valid(content) {
		decoded, _, err := transform.Bytes(charmap.Windows1252.NewDecoder(), content)
		if err != nil {
			return nil, "", err
		}
		content = decoded
		encoding = "windows-1252"
	}

	reader := csv.NewReader(bytes.NewReader(content))
	reader.Comma = sniffDelimiter(content)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true

	var out [][]string
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, "", err
		}
		out = append(out, record)
	}
	return out, encoding, nil
}

// sniffDelimiter picks the separator that occurs most often on the first non-empty line.
// Norwegian Excel exports default to ';'.
func sniffDelimiter(content []byte) rune {
	firstLine := ""
	for _, line := range strings.Split(string(content), "\n") {
		if strings.TrimSpace(line) != "" {
			firstLine = line
			break
		}
	}
	best, bestCount := ';', 0
	for _, candidate := range []rune{';', ',', '\t', '|'} {
		if n := strings.Count(firstLine, string(candidate)); n > bestCount {
			best, bestCount = candidate, n
		}
	}
	return best
}

func parseXLSX(content []byte) ([][]string, string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(content))
	if err != nil {
		return nil, "", err
	}
	defer f.Close()

	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet, excelize.Options{RawCellValue: true})
		if err != nil {
			continue
		}
		if firstNonEmptyRow(rows) >= 0 {
			return rows, sheet, nil
		}
	}
	return nil, "", errors.New("workbook has no sheet with data")
}

func parseHTMLTable(content []byte) ([][]string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(content))
	if err != nil {
		return nil, err
	}

	var out [][]string
	doc.Find("table").EachWithBreak(func(_ int, table *goquery.Selection) bool {
		rows := table.Find("tr")
		if rows.Length() < 2 {
			return true
		}
		rows.Each(func(_ int, row *goquery.Selection) {
			cells := []string{}
			row.Find("th,td").Each(func(_ int, cell *goquery.Selection) {
				cells = append(cells, util.CollapseSpaces(cell.Text()))
			})
			out = append(out, cells)
		})
		return false
	})
	if len(out) == 0 {
		return nil, errors.New("no table with a header and data rows")
	}
	return out, nil
}

func parsePDF(content []byte) ([][]string, error) {
	r, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return nil, err
	}

	var out [][]string
	for i := 1; i <= r.NumPage(); i++ {
		p := r.Page(i)
		if p.V.IsNull() {
			continue
		}
		text, err := p.GetPlainText(nil)
		if err != nil {
			continue
		}
		for _, line := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n") {
			if strings.TrimSpace(line) == "" {
				continue
			}
			out = append(out, splitPDFLine(line))
		}
	}
	if len(out) == 0 {
		return nil, errors.New("pdf contains no text")
	}
	return out, nil
}

func splitPDFLine(line string) []string {
	parts := rePDFCellSplit.Split(strings.TrimSpace(line), -1)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		out = append(out, strings.TrimSpace(p))
	}
	return out
}

func firstNonEmptyRow(rows [][]string) int {
	for i, row := range rows {
		for _, cell := range row {
			if strings.TrimSpace(cell) != "" {
				return i
			}
		}
	}
	return -1
}

// sanitizeHeaders names blank headers "Kolonne N" and suffixes repeats with _2, _3, ...
func sanitizeHeaders(raw []string) []string {
	width := len(raw)
	for width > 0 && strings.TrimSpace(raw[width-1]) == "" {
		width--
	}
	out := make([]string, 0, width)
	seen := map[string]int{}
	for i := 0; i < width; i++ {
		h := util.CollapseSpaces(util.StripInvisible(raw[i]))
		if h == "" {
			h = fmt.Sprintf("Kolonne %d", i+1)
		}
		key := strings.ToLower(h)
		seen[key]++
		if n := seen[key]; n > 1 {
			h = fmt.Sprintf("%s_%d", h, n)
		}
		out = append(out, h)
	}
	return out
}

func describeColumns(headers []string, rows []SheetRow) []ColumnInfo {
	out := make([]ColumnInfo, 0, len(headers))
	for i, h := range headers {
		info := ColumnInfo{Index: i, Header: h, SampleValues: []string{}}
		var sample []string
		for _, row := range rows {
			v := strings.TrimSpace(cellString(row.Cells[h]))
			if v == "" {
				continue
			}
			info.NonEmpty++
			if len(info.SampleValues) < 3 {
				info.SampleValues = append(info.SampleValues, v)
			}
			if len(sample) < 50 {
				sample = append(sample, v)
			}
		}
		info.InferredType = inferType(sample)
		out = append(out, info)
	}
	return out
}

func inferType(values []string) FieldType {
	if len(values) == 0 {
		return TypeText
	}
	checks := []struct {
		t  FieldType
		ok func(string) bool
	}{
		{TypeEmail, func(v string) bool { return reEmail.MatchString(strings.ToLower(v)) }},
		{TypePostnummer, func(v string) bool { return rePostnummer.MatchString(v) }},
		{TypeBoolean, func(v string) bool { _, ok := ParseBoolean(v); return ok }},
		{TypeDate, func(v string) bool { return !reDigitsOnly.MatchString(v) && ParseDate(v) != nil }},
		{TypePhone, func(v string) bool { return looksLikePhone(v) }},
		{TypeNumber, func(v string) bool { _, ok := util.ParseNumber(v); return ok }},
	}
	for _, c := range checks {
		all := true
		for _, v := range values {
			if !c.ok(v) {
				all = false
				break
			}
		}
		if all {
			return c.t
		}
	}
	return TypeText
}

func cellString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		return fmt.Sprint(t)
	}
}
