package internal

type BatchStatus string

const (
	BatchParsed     BatchStatus = "parsed"
	BatchMapping    BatchStatus = "mapping"
	BatchMapped     BatchStatus = "mapped"
	BatchValidating BatchStatus = "validating"
	BatchValidated  BatchStatus = "validated"
	BatchCommitting BatchStatus = "committing"
	BatchCommitted  BatchStatus = "committed"
	BatchCancelled  BatchStatus = "cancelled"
)

type BatchSource string

const (
	SourceUpload BatchSource = "upload"
	SourceEmail  BatchSource = "email"
)

type ValidationStatus string

const (
	RowPending ValidationStatus = "pending"
	RowValid   ValidationStatus = "valid"
	RowWarning ValidationStatus = "warning"
	RowInvalid ValidationStatus = "invalid"
)

type RowAction string

const (
	ActionCreated RowAction = "created"
	ActionUpdated RowAction = "updated"
	ActionSkipped RowAction = "skipped"
	ActionError   RowAction = "error"
)

type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// Record is a row keyed by column header (raw data) or by canonical field (mapped data).
// Values are string, float64, int64, bool or nil.
type Record map[string]any

type ImportBatch struct {
	ID                int64
	OrganizationID    string
	Source            BatchSource
	FileName          string
	FileHash          string
	FileSize          int64
	ColumnFingerprint string
	Headers           []string
	ColumnCount       int
	RowCount          int
	Status            BatchStatus
	ValidCount        int
	WarningCount      int
	ErrorCount        int
	FormatChanged     bool
	RequiresRemapping bool
	SuggestionsJSON   string
	MappingJSON       string
	QualityJSON       string
	CreatedBy         string
	CreatedAt         string
	UpdatedAt         string
	CommittedAt       *string
	CommittedBy       *string
}

type StagingRow struct {
	ID               int64
	BatchID          int64
	OrganizationID   string
	RowNumber        int
	RawData          Record
	MappedData       Record
	ValidationStatus ValidationStatus
	ActionTaken      *RowAction
	TargetKundeID    *int64
	ErrorMessage     *string
}

type ValidationError struct {
	ID             int64
	BatchID        int64
	StagingRowID   int64
	RowNumber      int
	Severity       Severity
	Code           string
	Field          string
	Message        string
	Suggestion     *string
	ExpectedFormat *string
	ActualValue    *string
}

type MappingTemplate struct {
	ID                int64
	OrganizationID    string
	ColumnFingerprint string
	Name              string
	SourceColumns     []string
	MappingJSON       string
	ConfirmedBy       *string
	ConfirmedAt       *string
	UseCount          int
	LastUsedAt        *string
}

type ColumnHistory struct {
	ID                int64
	OrganizationID    string
	ColumnFingerprint string
	Columns           []string
	FirstSeenAt       string
	LastSeenAt        string
	BatchCount        int
}

type AuditEntry struct {
	OrganizationID string
	BatchID        int64
	UserID         string
	Action         string
	TraceID        string
	Details        map[string]any
}

type Customer struct {
	ID                   int64
	OrganizationID       string
	Navn                 string
	Adresse              string
	Postnummer           *string
	Poststed             *string
	Telefon              *string
	Epost                *string
	Kontaktperson        *string
	OrgNummer            *string
	Kategori             *string
	SisteKontroll        *string
	NesteKontroll        *string
	SisteBrannkontroll   *string
	NesteBrannkontroll   *string
	KontrollIntervallMnd *int64
	Notater              *string
	Aktiv                *bool
	ImportBatchID        *int64
}

type InboundEmail struct {
	ID         int
	Provider   string
	MessageID  string
	Subject    string
	Sender     string
	ReceivedAt string
	Hash       string
	Status     string
	RawRef     string
	BatchIDs   []int64
}

type FetchedMailMessage struct {
	Provider   string
	MessageID  string
	Subject    string
	From       string
	ReceivedAt string
	Raw        []byte
}
