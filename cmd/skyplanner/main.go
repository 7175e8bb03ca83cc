package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"skyplanner/internal"
	"skyplanner/internal/aimapping"
	"skyplanner/internal/config"
	"skyplanner/internal/connectors"
	gmailconnector "skyplanner/internal/connectors/gmail"
	imapconnector "skyplanner/internal/connectors/imap"
	"skyplanner/internal/listener"
	"skyplanner/internal/logging"
	"skyplanner/internal/pipeline"
	"skyplanner/internal/storage"
)

func main() {
	cfg, err := config.Load()
	must(err)

	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	must(err)
	defer func() { _ = logger.Sync() }()

	db, err := storage.Open(cfg.DBPath)
	must(err)
	defer db.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	svc := newImportService(cfg, db, logger)

	cmd := os.Args[1]
	switch cmd {
	case "import:upload":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		org := fs.String("org", "", "organization id")
		user := fs.String("user", "", "user id")
		file := fs.String("file", "", "xlsx|xlsm|csv|html|pdf file")
		_ = fs.Parse(os.Args[2:])
		requireFlags(map[string]string{"--org": *org, "--file": *file})
		content, err := os.ReadFile(*file)
		must(err)
		res, err := svc.UploadAndParse(ctx, pipeline.UploadRequest{
			OrganizationID: *org,
			UserID:         *user,
			FileName:       filepath.Base(*file),
			Content:        content,
			Source:         internal.SourceUpload,
		})
		must(err)
		fmt.Printf("batch=%d status=%s rows=%d removed=%d format=%s remap=%t\n",
			res.Batch.ID, res.Batch.Status, res.Batch.RowCount, len(res.Cleaning.Removals), res.FormatChange.Reason, res.FormatChange.RequiresRemapping)
		for _, s := range res.Suggestions.Suggestions {
			fmt.Printf("  %-30s -> %-22s %.2f %s\n", s.SourceColumn, s.TargetField, s.Confidence, s.Tier)
		}
		for _, col := range res.Suggestions.Unmapped {
			fmt.Printf("  %-30s -> (unmapped)\n", col)
		}
	case "import:map":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		org := fs.String("org", "", "organization id")
		batchID := fs.Int64("batch", 0, "batch id")
		user := fs.String("user", "", "user id")
		mappingFile := fs.String("mapping", "", "mapping config json (default: stored suggestions)")
		saveTemplate := fs.Bool("save-template", true, "save the mapping as the template for this layout")
		_ = fs.Parse(os.Args[2:])
		requireBatch(*org, *batchID)
		req := pipeline.MapRequest{OrganizationID: *org, BatchID: *batchID, UserID: *user, SaveTemplate: *saveTemplate}
		if strings.TrimSpace(*mappingFile) != "" {
			blob, err := os.ReadFile(*mappingFile)
			must(err)
			mapping, err := pipeline.ParseMappingConfig(blob)
			must(err)
			req.Mapping = &mapping
		}
		res, err := svc.ApplyMapping(ctx, req)
		must(err)
		fmt.Printf("batch=%d status=%s mapped=%d fields=%d template=%t\n", res.Batch.ID, res.Batch.Status, res.MappedRows, len(res.Mapping.Mappings), res.Template != nil)
	case "import:validate":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		org := fs.String("org", "", "organization id")
		batchID := fs.Int64("batch", 0, "batch id")
		user := fs.String("user", "", "user id")
		_ = fs.Parse(os.Args[2:])
		requireBatch(*org, *batchID)
		res, err := svc.Validate(ctx, *org, *batchID, *user)
		must(err)
		fmt.Printf("batch=%d valid=%d warnings=%d invalid=%d duplicates=%d score=%.1f\n",
			res.Batch.ID, res.Valid, res.Warnings, res.Invalid, len(res.Duplicates), res.Quality.OverallScore)
		for _, e := range res.Quality.TopErrors {
			fmt.Printf("  %-20s %d\n", e.Code, e.Count)
		}
		for _, s := range res.Quality.Suggestions {
			fmt.Printf("  - %s\n", s)
		}
	case "import:commit":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		org := fs.String("org", "", "organization id")
		batchID := fs.Int64("batch", 0, "batch id")
		user := fs.String("user", "", "user id")
		exclude := fs.String("exclude", "", "comma separated row numbers to leave out")
		editsFile := fs.String("edits", "", "json object of row number -> field values")
		dryRun := fs.Bool("dry-run", false, "count outcomes without writing")
		_ = fs.Parse(os.Args[2:])
		requireBatch(*org, *batchID)
		excluded, err := parseRowList(*exclude)
		must(err)
		req := pipeline.CommitRequest{OrganizationID: *org, BatchID: *batchID, UserID: *user, ExcludedRows: excluded, DryRun: *dryRun}
		if strings.TrimSpace(*editsFile) != "" {
			blob, err := os.ReadFile(*editsFile)
			must(err)
			must(json.Unmarshal(blob, &req.FieldEdits))
		}
		res, err := svc.Commit(ctx, req)
		must(err)
		fmt.Printf("batch=%d dryRun=%t created=%d updated=%d skipped=%d failed=%d\n",
			res.BatchID, res.DryRun, res.Created, res.Updated, res.Skipped, res.Failed)
		for _, e := range res.Errors {
			fmt.Printf("  row %d: %s\n", e.RowNumber, e.Message)
		}
	case "import:rollback":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		org := fs.String("org", "", "organization id")
		batchID := fs.Int64("batch", 0, "batch id")
		user := fs.String("user", "", "user id")
		_ = fs.Parse(os.Args[2:])
		requireBatch(*org, *batchID)
		res, err := svc.Rollback(ctx, *org, *batchID, *user)
		must(err)
		fmt.Printf("batch=%d deleted=%d needsManualReview=%d failed=%d\n", res.BatchID, res.Deleted, res.NeedsManualReview, res.Failed)
	case "import:cancel":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		org := fs.String("org", "", "organization id")
		batchID := fs.Int64("batch", 0, "batch id")
		user := fs.String("user", "", "user id")
		_ = fs.Parse(os.Args[2:])
		requireBatch(*org, *batchID)
		batch, err := svc.CancelBatch(ctx, *org, *batchID, *user)
		must(err)
		fmt.Printf("batch=%d status=%s\n", batch.ID, batch.Status)
	case "import:show":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		org := fs.String("org", "", "organization id")
		batchID := fs.Int64("batch", 0, "batch id")
		offset := fs.Int("offset", 0, "first row")
		limit := fs.Int("limit", 20, "rows to show")
		_ = fs.Parse(os.Args[2:])
		requireBatch(*org, *batchID)
		batch, err := svc.GetBatch(ctx, *org, *batchID)
		must(err)
		fmt.Printf("batch=%d file=%s status=%s rows=%d valid=%d warnings=%d invalid=%d\n",
			batch.ID, batch.FileName, batch.Status, batch.RowCount, batch.ValidCount, batch.WarningCount, batch.ErrorCount)
		rows, err := svc.ListStagingRows(ctx, *org, *batchID, *offset, *limit)
		must(err)
		for _, r := range rows {
			data := r.MappedData
			if data == nil {
				data = r.RawData
			}
			blob, _ := json.Marshal(data)
			action := ""
			if r.ActionTaken != nil {
				action = string(*r.ActionTaken)
			}
			fmt.Printf("  %4d %-8s %-8s %s\n", r.RowNumber, r.ValidationStatus, action, blob)
		}
	case "import:list":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		org := fs.String("org", "", "organization id")
		limit := fs.Int("limit", 20, "batches to show")
		_ = fs.Parse(os.Args[2:])
		requireFlags(map[string]string{"--org": *org})
		batches, err := svc.ListBatches(ctx, *org, *limit)
		must(err)
		for _, b := range batches {
			fmt.Printf("%6d %-10s %-6s rows=%-5d %s %s\n", b.ID, b.Status, b.Source, b.RowCount, b.CreatedAt, b.FileName)
		}
	case "import:report":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		org := fs.String("org", "", "organization id")
		batchID := fs.Int64("batch", 0, "batch id")
		out := fs.String("out", "", "output xlsx path")
		_ = fs.Parse(os.Args[2:])
		requireBatch(*org, *batchID)
		if strings.TrimSpace(*out) == "" {
			*out = filepath.Join(cfg.OutputDir, fmt.Sprintf("batch_%d.xlsx", *batchID))
		}
		must(svc.ExportReport(ctx, *org, *batchID, *out))
		fmt.Printf("report written to %s\n", *out)
	case "mail:fetch":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		provider := fs.String("provider", "gmail", "gmail|imap")
		label := fs.String("label", "INBOX", "mailbox/label")
		max := fs.Int("max", 50, "max messages")
		_ = fs.Parse(os.Args[2:])
		conn, err := makeConnector(ctx, cfg, *provider)
		must(err)
		fetch := connectors.NewFetchService(db, cfg.RawMailDir, conn, logger)
		result, err := fetch.FetchAndStore(ctx, *label, *max)
		must(err)
		fmt.Printf("mail fetch done provider=%s fetched=%d stored=%d\n", *provider, result.Fetched, result.Stored)
	case "mail:import":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		provider := fs.String("provider", "", "only messages from gmail|imap")
		batch := fs.Int("batch", 20, "messages per run")
		_ = fs.Parse(os.Args[2:])
		importer := pipeline.NewMailImporter(db, svc, cfg.MailImportOrganizationID, cfg.MailImportUserID, logger)
		results, err := importer.ImportPending(ctx, *batch, strings.ToLower(strings.TrimSpace(*provider)))
		must(err)
		batches := 0
		for _, r := range results {
			batches += len(r.Uploads)
			fmt.Printf("  email=%d status=%s batches=%d rejected=%s\n", r.EmailID, r.Status, len(r.Uploads), strings.Join(r.Rejected, ","))
		}
		fmt.Printf("mail import done emails=%d batches=%d\n", len(results), batches)
	case "mail:listen":
		s := listener.NewService(db, cfg, svc, logger)
		must(s.Run(ctx))
	default:
		usage()
		os.Exit(1)
	}
}

func newImportService(cfg config.Config, db *storage.DB, logger *zap.Logger) *pipeline.Service {
	postal, err := pipeline.LoadPostalRegistry(cfg.PostalRegistryPath)
	must(err)

	var ai pipeline.AIMapper
	if cfg.AIMappingEnabled {
		must(cfg.Require("AI_MAPPING_API_KEY", cfg.AIMappingAPIKey))
		ai = aimapping.NewClient(cfg)
	}
	return pipeline.NewService(db, ai, postal, pipeline.OptionsFromConfig(cfg), logger)
}

func makeConnector(ctx context.Context, cfg config.Config, provider string) (connectors.MailConnector, error) {
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case "gmail":
		return gmailconnector.NewConnector(ctx, cfg)
	case "imap":
		return imapconnector.NewConnector(cfg)
	default:
		return nil, fmt.Errorf("unsupported provider: %s", provider)
	}
}

func parseRowList(input string) ([]int, error) {
	var out []int
	for _, part := range strings.Split(input, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("invalid row number %q", part)
		}
		out = append(out, n)
	}
	return out, nil
}

func requireBatch(org string, batchID int64) {
	requireFlags(map[string]string{"--org": org})
	if batchID <= 0 {
		must(fmt.Errorf("--batch is required"))
	}
}

func requireFlags(flags map[string]string) {
	for name, value := range flags {
		if strings.TrimSpace(value) == "" {
			must(fmt.Errorf("%s is required", name))
		}
	}
}

func usage() {
	fmt.Println("usage: skyplanner <command>")
	fmt.Println("commands:")
	fmt.Println("  import:upload   --org=ORG --user=USER --file=kunder.xlsx")
	fmt.Println("  import:map      --org=ORG --batch=ID --user=USER [--mapping=mapping.json] [--save-template=true]")
	fmt.Println("  import:validate --org=ORG --batch=ID [--user=USER]")
	fmt.Println("  import:commit   --org=ORG --batch=ID --user=USER [--exclude=1,2] [--edits=edits.json] [--dry-run]")
	fmt.Println("  import:rollback --org=ORG --batch=ID --user=USER")
	fmt.Println("  import:cancel   --org=ORG --batch=ID --user=USER")
	fmt.Println("  import:show     --org=ORG --batch=ID [--offset=0 --limit=20]")
	fmt.Println("  import:list     --org=ORG [--limit=20]")
	fmt.Println("  import:report   --org=ORG --batch=ID [--out=./out/report.xlsx]")
	fmt.Println("  mail:fetch      --provider=gmail|imap --label=INBOX --max=50")
	fmt.Println("  mail:import     [--provider=gmail|imap] [--batch=20]")
	fmt.Println("  mail:listen")
}

func must(err error) {
	if err == nil {
		return
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
