package backend

import (
	"context"
	"fmt"
	"log/slog"

	"ratedash/internal/adapters"
	"ratedash/internal/amqp"
	"ratedash/internal/core"
	"ratedash/internal/layout"
	"ratedash/internal/sheets"
	gsheet "ratedash/internal/sheets/google"
	"ratedash/internal/sheets/memory"
	"ratedash/internal/storage"
	"ratedash/internal/workbook"
)

// DefaultFactory implements the Factory interface
type DefaultFactory struct {
	logger *slog.Logger
}

// NewFactory creates a new backend factory
func NewFactory(logger *slog.Logger) Factory {
	if logger == nil {
		logger = slog.Default()
	}
	return &DefaultFactory{
		logger: logger,
	}
}

// CreateBackend implements Factory.CreateBackend
func (f *DefaultFactory) CreateBackend(ctx context.Context, config Config) (*BackendResult, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	switch config.Type {
	case SQLiteBackend:
		return f.createSQLiteBackend(config)
	case SheetsBackend:
		return f.createSheetsBackend(ctx, config)
	case MemoryBackend:
		return f.createMemoryBackend(config)
	default:
		return nil, fmt.Errorf("unsupported backend type: %s", config.Type)
	}
}

func (f *DefaultFactory) createSQLiteBackend(config Config) (*BackendResult, error) {
	sqliteRepo, err := storage.NewSQLiteRepository(config.SQLiteDBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize SQLite repository: %w", err)
	}

	// AMQP is optional: without it the dashboard serves the stored snapshot
	// and refresh requests fail visibly.
	var (
		amqpClient *amqp.Client
		refresher  sheets.RefreshRequester
	)
	if config.AMQPURL != "" {
		amqpClient, err = amqp.NewClient(config.AMQPURL, config.AMQPExchange, config.AMQPQueue)
		if err != nil {
			f.logger.Warn("Failed to initialize AMQP client, continuing without refresh", "error", err)
		} else {
			refresher = amqpClient
			f.logger.Info("Initialized AMQP client",
				"exchange", config.AMQPExchange,
				"queue", config.AMQPQueue)
		}
	}

	retention := config.SnapshotRetention
	if retention < 1 {
		retention = 1
	}
	adapter := adapters.NewSQLiteAdapter(sqliteRepo, refresher, retention)

	f.logger.Info("Initialized SQLite backend",
		"db_path", config.SQLiteDBPath,
		"amqp_enabled", amqpClient != nil)

	return &BackendResult{
		Backend: adapter,
		Cleanup: func() error {
			if amqpClient != nil {
				_ = amqpClient.Close()
			}
			return sqliteRepo.Close()
		},
	}, nil
}

func (f *DefaultFactory) createSheetsBackend(ctx context.Context, config Config) (*BackendResult, error) {
	cli, err := gsheet.New(ctx, gsheet.Options{
		SpreadsheetID:   config.GoogleSpreadsheetID,
		CredentialsJSON: []byte(config.GoogleServiceAccountJSON),
		CredentialsFile: config.GoogleServiceAccountFile,
		Targets:         GoogleTargets(config.Layout),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Google Sheets client: %w", err)
	}

	f.logger.Info("Initialized Google Sheets backend")

	return &BackendResult{
		Backend: ReadOnly(cli),
		Cleanup: nil, // No cleanup needed for sheets backend
	}, nil
}

func (f *DefaultFactory) createMemoryBackend(config Config) (*BackendResult, error) {
	dataDir := config.DataDirectory
	if dataDir == "" {
		dataDir = "data"
	}

	parser := workbook.NewParser(workbook.Targets(config.Layout), config.MaxUploadBytes)
	store, err := memory.NewFromDir(parser, dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load seed data from %s: %w", dataDir, err)
	}

	wb, _ := store.ReadWorkbook(context.Background())
	f.logger.Info("Initialized memory backend", "data_directory", dataDir, "tables", wb.Names())

	return &BackendResult{
		Backend: store,
		Cleanup: nil, // No cleanup needed for memory backend
	}, nil
}

// GoogleTargets maps the layout's tables to spreadsheet tabs.
func GoogleTargets(l *layout.Layout) []gsheet.Target {
	targets := make([]gsheet.Target, 0, len(l.Tables))
	for _, t := range l.Tables {
		targets = append(targets, gsheet.Target{Table: t.Name, Sheet: t.Sheet, Dates: t.DateColumns()})
	}
	return targets
}

// readOnly adapts a reader that cannot accept uploads. Refresh is a no-op:
// every read already goes to the live source.
type readOnly struct {
	sheets.WorkbookReader
}

// ReadOnly wraps r so that uploads fail with sheets.ErrReadOnly.
func ReadOnly(r sheets.WorkbookReader) Backend {
	return readOnly{WorkbookReader: r}
}

func (readOnly) ReplaceWorkbook(context.Context, core.Workbook) error {
	return sheets.ErrReadOnly
}

func (readOnly) RequestRefresh(context.Context, string) error {
	return nil
}
