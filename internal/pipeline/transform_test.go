package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skyplanner/internal"
)

func TestParseDate(t *testing.T) {
	now := time.Date(2025, time.June, 1, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		in   string
		want string
	}{
		{"15.03.2024", "2024-03-15"},
		{"5/3/2024", "2024-03-05"},
		{"15-03-24", "2024-03-15"},
		{"01.02.75", "1975-02-01"},
		{"03/15/2024", "2024-03-15"},
		{"2024-03-15", "2024-03-15"},
		{"2024-03-15T10:00:00", "2024-03-15"},
		{"15. mars 2024", "2024-03-15"},
		{"15 march 2024", "2024-03-15"},
		{"mars 2024", "2024-03-01"},
		{"2024 okt", "2024-10-01"},
		{"09.sep", "2025-09-09"},
		{"Q2 2024", "2024-04-01"},
		{"2024 K3", "2024-07-01"},
		{"4. kvartal 2023", "2023-10-01"},
		{"45000", "2023-03-15"},
		{"45000,5", "2023-03-15"},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			got := parseDateAt(tc.in, now)
			require.NotNil(t, got)
			assert.Equal(t, tc.want, *got)
		})
	}
}

func TestParseDateRejects(t *testing.T) {
	now := time.Date(2025, time.June, 1, 0, 0, 0, 0, time.UTC)
	for _, in := range []string{"", "   ", "31.02.2024", "13.13.2024", "hello", "15. foo 2024", "0", "99999999", "Q5 2024", "12.25.2024", "12-25-2024"} {
		assert.Nil(t, parseDateAt(in, now), in)
	}
}

func TestExcelSerialLeapYearBug(t *testing.T) {
	d59 := excelSerialToDate(59)
	require.NotNil(t, d59)
	assert.Equal(t, "1900-02-28", *d59)

	assert.Nil(t, excelSerialToDate(60))

	d61 := excelSerialToDate(61)
	require.NotNil(t, d61)
	assert.Equal(t, "1900-03-01", *d61)

	d1 := excelSerialToDate(1)
	require.NotNil(t, d1)
	assert.Equal(t, "1900-01-01", *d1)

	assert.Nil(t, excelSerialToDate(2958466))
}

func TestParseDateIsIdempotent(t *testing.T) {
	for _, in := range []string{"15.03.2024", "Q1 2025", "45000", "mars 2024"} {
		first := ParseDate(in)
		require.NotNil(t, first, in)
		second := ParseDate(*first)
		require.NotNil(t, second, in)
		assert.Equal(t, *first, *second)
	}
}

func TestNormalizePhone(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"22334455", "22 33 44 55", true},
		{"+47 22 33 44 55", "22 33 44 55", true},
		{"0047 22334455", "22 33 44 55", true},
		{"4722334455", "22 33 44 55", true},
		{"(22) 33-44-55", "22 33 44 55", true},
		{"+46 8 123 456 78", "+46812345678", true},
		{"1234", "1234", false},
		{"", "", false},
	}
	for _, tc := range cases {
		got, ok := NormalizePhone(tc.in)
		assert.Equal(t, tc.want, got, tc.in)
		assert.Equal(t, tc.ok, ok, tc.in)
	}
}

func TestNormalizePhoneIsIdempotent(t *testing.T) {
	for _, in := range []string{"+47 22334455", "22334455", "+46812345678"} {
		first, ok := NormalizePhone(in)
		require.True(t, ok)
		second, ok := NormalizePhone(first)
		require.True(t, ok)
		assert.Equal(t, first, second)
	}
}

func TestNormalizePostnummer(t *testing.T) {
	assert.Equal(t, "0184", NormalizePostnummer("184"))
	assert.Equal(t, "0184", NormalizePostnummer(" 0184 "))
	assert.Equal(t, "5003", NormalizePostnummer("5003"))
	assert.Equal(t, "12345", NormalizePostnummer("12345"))
	assert.Equal(t, "ukjent", NormalizePostnummer("ukjent"))
}

func TestParseBoolean(t *testing.T) {
	for _, in := range []string{"Ja", "yes", "X", "1", "aktiv"} {
		v, ok := ParseBoolean(in)
		assert.True(t, ok, in)
		assert.True(t, v, in)
	}
	for _, in := range []string{"nei", "NO", "0", "inaktiv"} {
		v, ok := ParseBoolean(in)
		assert.True(t, ok, in)
		assert.False(t, v, in)
	}
	_, ok := ParseBoolean("kanskje")
	assert.False(t, ok)
}

func TestApplyTransform(t *testing.T) {
	navn, _ := LookupField(FieldNavn)
	epost, _ := LookupField(FieldEpost)
	dato, _ := LookupField(FieldNesteKontroll)
	intervall, _ := LookupField(FieldKontrollIntervall)
	aktiv, _ := LookupField(FieldAktiv)
	kategori, _ := LookupField(FieldKategori)

	assert.Equal(t, "Ole AS", ApplyTransform("  Ole   AS ", nil, navn))
	assert.Equal(t, "post@ole.no", ApplyTransform("Post@Ole.NO", nil, epost))
	assert.Equal(t, "2024-03-15", ApplyTransform("15.03.2024", nil, dato))
	assert.Equal(t, "neste uke", ApplyTransform("neste uke", nil, dato), "unreadable dates are kept for validation")
	assert.Equal(t, int64(12), ApplyTransform("12 mnd", nil, intervall))
	assert.Equal(t, "tolv", ApplyTransform("tolv", nil, intervall))
	assert.Equal(t, true, ApplyTransform("Ja", nil, aktiv))
	assert.Nil(t, ApplyTransform("kanskje", nil, aktiv))
	assert.Nil(t, ApplyTransform("   ", nil, navn))
	assert.Nil(t, ApplyTransform(nil, nil, navn))

	upper := &TransformRule{Type: TransformUppercase}
	assert.Equal(t, "OLE AS", ApplyTransform("ole as", upper, navn))

	def := "Privat"
	lookup := &TransformRule{Type: TransformLookup, Lookup: map[string]string{"B": "Bedrift"}, Default: &def}
	assert.Equal(t, "Bedrift", ApplyTransform("b", lookup, kategori))
	assert.Equal(t, "Privat", ApplyTransform("Z", lookup, kategori))
	assert.Equal(t, "Privat", ApplyTransform("", lookup, kategori))
}

func TestMapRecordSplitsCombinedAddress(t *testing.T) {
	cfg := MappingConfig{Mappings: []FieldMapping{
		{SourceColumn: "Navn", TargetField: FieldNavn},
		{SourceColumn: "Adresse", TargetField: FieldAdresse},
		{SourceColumn: "Tlf", TargetField: FieldTelefon},
	}}
	raw := internal.Record{"Navn": "Ole AS", "Adresse": "Storgata 5, 0184 Oslo", "Tlf": "+4722334455", "Ignorert": "x"}

	rec := MapRecord(raw, cfg, DefaultPostalRegistry())
	assert.Equal(t, "Ole AS", rec[FieldNavn])
	assert.Equal(t, "Storgata 5", rec[FieldAdresse])
	assert.Equal(t, "0184", rec[FieldPostnummer])
	assert.Equal(t, "Oslo", rec[FieldPoststed])
	assert.Equal(t, "22 33 44 55", rec[FieldTelefon])
	assert.NotContains(t, rec, "Ignorert")
}

func TestMapRecordWithoutEnrichment(t *testing.T) {
	cfg := MappingConfig{
		Mappings: []FieldMapping{{SourceColumn: "Adresse", TargetField: FieldAdresse}},
		Options:  MappingOptions{SkipAddressEnrichment: true},
	}
	rec := MapRecord(internal.Record{"Adresse": "Storgata 5, 0184 Oslo"}, cfg, DefaultPostalRegistry())
	assert.Equal(t, "Storgata 5, 0184 Oslo", rec[FieldAdresse])
	assert.NotContains(t, rec, FieldPostnummer)
}

func TestEnrichAddress(t *testing.T) {
	postal := DefaultPostalRegistry()

	rec := internal.Record{FieldAdresse: "Bryggen 1", FieldPostnummer: "5003"}
	EnrichAddress(rec, postal)
	assert.Equal(t, "Bergen", rec[FieldPoststed])

	rec = internal.Record{FieldAdresse: "Torget 1", FieldPoststed: "Hamar"}
	EnrichAddress(rec, postal)
	assert.Equal(t, "2317", rec[FieldPostnummer], "the P-category code is not a street address")

	rec = internal.Record{FieldAdresse: "Karl Johans gate 1", FieldPoststed: "Oslo"}
	EnrichAddress(rec, postal)
	assert.NotContains(t, rec, FieldPostnummer, "Oslo has many street codes")

	rec = internal.Record{FieldAdresse: "Storgata 5, 0184 Oslo", FieldPoststed: "Oslo"}
	EnrichAddress(rec, postal)
	assert.Equal(t, "Storgata 5, 0184 Oslo", rec[FieldAdresse], "no split when a postal field is already set")
}

func TestRecordString(t *testing.T) {
	rec := internal.Record{"a": 12.0, "b": int64(7), "c": true, "d": "  x ", "e": nil}
	assert.Equal(t, "12", recordString(rec, "a"))
	assert.Equal(t, "7", recordString(rec, "b"))
	assert.Equal(t, "true", recordString(rec, "c"))
	assert.Equal(t, "x", recordString(rec, "d"))
	assert.Equal(t, "", recordString(rec, "e"))
	assert.Equal(t, "", recordString(rec, "missing"))
}
