package pipeline

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
	"golang.org/x/text/encoding/charmap"
)

func mkXLSX(rows [][]any) []byte {
	f := excelize.NewFile()
	sheet := f.GetSheetName(0)
	for r, row := range rows {
		for c, v := range row {
			cell, _ := excelize.CoordinatesToCellName(c+1, r+1)
			_ = f.SetCellValue(sheet, cell, v)
		}
	}
	buf := bytes.NewBuffer(nil)
	_, _ = f.WriteTo(buf)
	return buf.Bytes()
}

func TestParseXLSX(t *testing.T) {
	blob := mkXLSX([][]any{
		{"Kundenavn", "Adresse", "Postnr"},
		{"Ole AS", "Storgata 5", "0184"},
		{"Kari Bakeri", "Bakkeveien 2", 5003},
	})

	res, err := Parse("kunder.xlsx", blob)
	require.NoError(t, err)
	assert.Equal(t, "xlsx", res.Format)
	assert.Equal(t, []string{"Kundenavn", "Adresse", "Postnr"}, res.Headers)
	require.Len(t, res.Rows, 2)
	assert.Equal(t, 1, res.Rows[0].Number)
	assert.Equal(t, "Ole AS", res.Rows[0].Cells["Kundenavn"])
	assert.Equal(t, "5003", res.Rows[1].Cells["Postnr"])
	assert.Equal(t, 3, res.ColumnCount)
	assert.Equal(t, 2, res.TotalRows)
	assert.Equal(t, int64(len(blob)), res.FileSize)
	assert.Len(t, res.FileHash, 64)
}

func TestParseXLSXSkipsLeadingBlankRows(t *testing.T) {
	blob := mkXLSX([][]any{
		{"", ""},
		{"Navn", "Adresse"},
		{"Ole AS", "Storgata 5"},
	})

	res, err := Parse("kunder.xlsm", blob)
	require.NoError(t, err)
	assert.Equal(t, []string{"Navn", "Adresse"}, res.Headers)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, 1, res.Rows[0].Number)
}

func TestParseCSVSemicolonWithBOM(t *testing.T) {
	content := append([]byte{0xEF, 0xBB, 0xBF}, []byte("Navn;Adresse;Telefon\nOle AS;Storgata 5;22 33 44 55\n")...)

	res, err := Parse("kunder.csv", content)
	require.NoError(t, err)
	assert.Equal(t, "csv", res.Format)
	assert.Equal(t, "utf-8", res.Encoding)
	assert.Equal(t, []string{"Navn", "Adresse", "Telefon"}, res.Headers)
	assert.Equal(t, "22 33 44 55", res.Rows[0].Cells["Telefon"])
}

func TestParseCSVCommaDelimiter(t *testing.T) {
	res, err := Parse("kunder.csv", []byte("Navn,Adresse\n\"Ole, Dole AS\",Storgata 5\n"))
	require.NoError(t, err)
	assert.Equal(t, "Ole, Dole AS", res.Rows[0].Cells["Navn"])
}

func TestParseCSVWindows1252(t *testing.T) {
	encoded, err := charmap.Windows1252.NewEncoder().Bytes([]byte("Navn;Poststed\nBjørn Ødegård;Tromsø\n"))
	require.NoError(t, err)

	res, err := Parse("kunder.csv", encoded)
	require.NoError(t, err)
	assert.Equal(t, "windows-1252", res.Encoding)
	assert.Equal(t, "Bjørn Ødegård", res.Rows[0].Cells["Navn"])
	assert.Equal(t, "Tromsø", res.Rows[0].Cells["Poststed"])
}

func TestParseShortRowsArePadded(t *testing.T) {
	res, err := Parse("kunder.csv", []byte("Navn;Adresse;Telefon\nOle AS\n"))
	require.NoError(t, err)
	assert.Equal(t, "", res.Rows[0].Cells["Adresse"])
	assert.Equal(t, "", res.Rows[0].Cells["Telefon"])
}

func TestParseHTMLTable(t *testing.T) {
	html := `<html><body>
		<table><tr><td>layout</td></tr></table>
		<table>
			<tr><th>Navn</th><th>E-post</th></tr>
			<tr><td>Ole  AS</td><td>post@ole.no</td></tr>
		</table>
	</body></html>`

	res, err := Parse("eksport.html", []byte(html))
	require.NoError(t, err)
	assert.Equal(t, "html", res.Format)
	assert.Equal(t, []string{"Navn", "E-post"}, res.Headers)
	assert.Equal(t, "Ole AS", res.Rows[0].Cells["Navn"])
}

func TestParseErrors(t *testing.T) {
	cases := []struct {
		name    string
		file    string
		content []byte
		want    error
	}{
		{name: "unsupported extension", file: "kunder.docx", content: []byte("x"), want: ErrUnsupportedFormat},
		{name: "empty file", file: "kunder.csv", content: nil, want: ErrParse},
		{name: "header only", file: "kunder.csv", content: []byte("Navn;Adresse\n"), want: ErrParse},
		{name: "blank csv", file: "kunder.csv", content: []byte("\n\n"), want: ErrParse},
		{name: "broken workbook", file: "kunder.xlsx", content: []byte("not a zip"), want: ErrParse},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse(tc.file, tc.content)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tc.want), "got %v", err)
		})
	}
}

func TestSanitizeHeaders(t *testing.T) {
	got := sanitizeHeaders([]string{" Navn ", "", "navn", "Navn", "\u200bAdresse", "", ""})
	assert.Equal(t, []string{"Navn", "Kolonne 2", "navn_2", "Navn_3", "Adresse"}, got)
}

func TestFingerprintIgnoresCaseAndSpacing(t *testing.T) {
	a := Fingerprint([]string{"Kunde Navn", "Adresse"})
	b := Fingerprint([]string{" kunde   navn", "ADRESSE "})
	c := Fingerprint([]string{"Adresse", "Kunde Navn"})

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestParseColumnInfo(t *testing.T) {
	res, err := Parse("kunder.csv", []byte("Navn;Postnr;E-post;Neste kontroll\nOle AS;0184;a@b.no;01.03.2025\nKari AS;5003;k@b.no;15.04.2025\n"))
	require.NoError(t, err)
	require.Len(t, res.ColumnInfo, 4)

	assert.Equal(t, TypeText, res.ColumnInfo[0].InferredType)
	assert.Equal(t, TypePostnummer, res.ColumnInfo[1].InferredType)
	assert.Equal(t, TypeEmail, res.ColumnInfo[2].InferredType)
	assert.Equal(t, TypeDate, res.ColumnInfo[3].InferredType)
	assert.Equal(t, []string{"Ole AS", "Kari AS"}, res.ColumnInfo[0].SampleValues)
	assert.Equal(t, 2, res.ColumnInfo[0].NonEmpty)
}
