package pipeline

type FieldType string

const (
	TypeText       FieldType = "text"
	TypeEmail      FieldType = "email"
	TypePhone      FieldType = "phone"
	TypePostnummer FieldType = "postnummer"
	TypeDate       FieldType = "date"
	TypeNumber     FieldType = "number"
	TypeInteger    FieldType = "integer"
	TypeBoolean    FieldType = "boolean"
)

const (
	FieldNavn               = "navn"
	FieldAdresse            = "adresse"
	FieldPostnummer         = "postnummer"
	FieldPoststed           = "poststed"
	FieldTelefon            = "telefon"
	FieldEpost              = "epost"
	FieldKontaktperson      = "kontaktperson"
	FieldOrgNummer          = "org_nummer"
	FieldKategori           = "kategori"
	FieldSisteKontroll      = "siste_kontroll"
	FieldNesteKontroll      = "neste_kontroll"
	FieldSisteBrannkontroll = "siste_brannkontroll"
	FieldNesteBrannkontroll = "neste_brannkontroll"
	FieldKontrollIntervall  = "kontroll_intervall_mnd"
	FieldNotater            = "notater"
	FieldAktiv              = "aktiv"
)

type FieldDef struct {
	Name     string
	Type     FieldType
	Label    string
	Required bool
	// Weight in the completeness score; zero means the field does not count.
	Weight float64
}

// CanonicalFields is ordered; the order is used in previews, prompts and reports.
var CanonicalFields = []FieldDef{
	{Name: FieldNavn, Type: TypeText, Label: "Kundenavn", Required: true, Weight: 1.0},
	{Name: FieldAdresse, Type: TypeText, Label: "Adresse", Required: true, Weight: 1.0},
	{Name: FieldPostnummer, Type: TypePostnummer, Label: "Postnummer", Weight: 0.8},
	{Name: FieldPoststed, Type: TypeText, Label: "Poststed", Weight: 0.8},
	{Name: FieldTelefon, Type: TypePhone, Label: "Telefon", Weight: 0.7},
	{Name: FieldEpost, Type: TypeEmail, Label: "E-post", Weight: 0.7},
	{Name: FieldKontaktperson, Type: TypeText, Label: "Kontaktperson", Weight: 0.5},
	{Name: FieldOrgNummer, Type: TypeText, Label: "Organisasjonsnummer"},
	{Name: FieldKategori, Type: TypeText, Label: "Kategori", Weight: 0.5},
	{Name: FieldSisteKontroll, Type: TypeDate, Label: "Siste kontroll", Weight: 0.6},
	{Name: FieldNesteKontroll, Type: TypeDate, Label: "Neste kontroll", Weight: 0.6},
	{Name: FieldSisteBrannkontroll, Type: TypeDate, Label: "Siste brannkontroll"},
	{Name: FieldNesteBrannkontroll, Type: TypeDate, Label: "Neste brannkontroll"},
	{Name: FieldKontrollIntervall, Type: TypeInteger, Label: "Kontrollintervall (mnd)"},
	{Name: FieldNotater, Type: TypeText, Label: "Notater"},
	{Name: FieldAktiv, Type: TypeBoolean, Label: "Aktiv"},
}

var fieldIndex = func() map[string]FieldDef {
	out := make(map[string]FieldDef, len(CanonicalFields))
	for _, f := range CanonicalFields {
		out[f.Name] = f
	}
	return out
}()

// controlDatePairs lists (last, next) date fields where next must follow last.
var controlDatePairs = [][2]string{
	{FieldSisteKontroll, FieldNesteKontroll},
	{FieldSisteBrannkontroll, FieldNesteBrannkontroll},
}

func LookupField(name string) (FieldDef, bool) {
	f, ok := fieldIndex[name]
	return f, ok
}

func IsCanonicalField(name string) bool {
	_, ok := fieldIndex[name]
	return ok
}
