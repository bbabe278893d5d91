package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/belaudiobooks/royalties_backend/config"
	"github.com/belaudiobooks/royalties_backend/models"
	"github.com/belaudiobooks/royalties_backend/parsers"
	"github.com/bsm/redislock"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const (
	syncLockKey = "lock:sync_sales_reports"
	syncLockTTL = 10 * time.Minute

	insertBatchSize = 500
)

var ErrSyncAlreadyRunning = errors.New("another sync is already running")

// DriveFile identifies one report file in the external folder.
type DriveFile struct {
	Id   string
	Name string
}

// FileSource lists and downloads report files. The production implementation
// is services.GoogleDriveFetcher; tests substitute an in-memory fake.
type FileSource interface {
	ListXLSXFiles(ctx context.Context) ([]DriveFile, error)
	DownloadFile(ctx context.Context, fileId string) ([]byte, error)
}

type SyncSummary struct {
	FilesProcessed int `json:"files_processed"`
	RowsSaved      int `json:"rows_saved"`
}

type parsedFile struct {
	file DriveFile
	rows []parsers.ParsedRow
}

// SyncSalesReports replaces the full sale-record set from the report folder.
// Every file is downloaded and parsed before anything is written, so a broken
// file aborts the run with the previous data intact; the delete and all
// inserts then run in one transaction. sampleLimit, when set, caps how many
// files are processed (manual smoke runs against production data).
//
// Zero files is not an error: the run reports an empty summary and the
// existing records are left untouched.
func SyncSalesReports(ctx context.Context, source FileSource, sampleLimit *int) (SyncSummary, error) {
	logger := config.GetLogger()

	files, err := source.ListXLSXFiles(ctx)
	if err != nil {
		config.LogError(logger, "jobs", "SyncSalesReports", "listing xlsx files", nil, err)
		return SyncSummary{}, fmt.Errorf("listing xlsx files: %w", err)
	}
	if sampleLimit != nil && len(files) > *sampleLimit {
		files = files[:*sampleLimit]
	}
	logger.WithFields(logrus.Fields{
		"module": "jobs",
		"files":  len(files),
	}).Info("sync_sales_reports: listed report files")

	if len(files) == 0 {
		return SyncSummary{}, nil
	}

	parsed := make([]parsedFile, 0, len(files))
	for _, file := range files {
		content, err := source.DownloadFile(ctx, file.Id)
		if err != nil {
			config.LogError(logger, "jobs", "SyncSalesReports", "downloading file", file.Name, err)
			return SyncSummary{}, fmt.Errorf("downloading '%s': %w", file.Name, err)
		}
		rows, err := parsers.ParseFindawayReport(content, file.Name, file.Id)
		if err != nil {
			config.LogError(logger, "jobs", "SyncSalesReports", "parsing file", file.Name, err)
			return SyncSummary{}, err
		}
		logger.WithFields(logrus.Fields{
			"module": "jobs",
			"file":   file.Name,
			"rows":   len(rows),
		}).Info("sync_sales_reports: parsed report file")
		parsed = append(parsed, parsedFile{file: file, rows: rows})
	}

	release, err := acquireSyncLock(ctx, logger)
	if err != nil {
		return SyncSummary{}, err
	}
	defer release()

	summary := SyncSummary{FilesProcessed: len(parsed)}
	db := config.GetDB()
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&models.SaleRecord{}).Error; err != nil {
			return fmt.Errorf("deleting previous sale records: %w", err)
		}
		for _, pf := range parsed {
			records, err := assignISBNs(ctx, tx, pf.rows)
			if err != nil {
				return fmt.Errorf("resolving isbns for '%s': %w", pf.file.Name, err)
			}
			if len(records) == 0 {
				continue
			}
			if err := tx.CreateInBatches(records, insertBatchSize).Error; err != nil {
				return fmt.Errorf("inserting sale records from '%s': %w", pf.file.Name, err)
			}
			summary.RowsSaved += len(records)
		}
		return nil
	})
	if err != nil {
		config.LogError(logger, "jobs", "SyncSalesReports", "replacing sale records", nil, err)
		return SyncSummary{}, err
	}

	logger.WithFields(logrus.Fields{
		"module": "jobs",
		"files":  summary.FilesProcessed,
		"rows":   summary.RowsSaved,
	}).Info("sync_sales_reports: completed")
	return summary, nil
}

// acquireSyncLock takes the Redis advisory lock guarding the replace
// transaction. A concurrent holder fails the run; an unconfigured or
// unreachable Redis does not, since the transaction itself stays correct
// without the lock.
func acquireSyncLock(ctx context.Context, logger *logrus.Logger) (func(), error) {
	locker := config.GetRedisLock()
	if locker == nil {
		logger.WithField("module", "jobs").Warn("sync_sales_reports: redis not configured, skipping advisory lock")
		return func() {}, nil
	}
	lock, err := locker.Obtain(ctx, syncLockKey, syncLockTTL, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, ErrSyncAlreadyRunning
	}
	if err != nil {
		logger.WithField("module", "jobs").Warnf("sync_sales_reports: could not obtain advisory lock: %v", err)
		return func() {}, nil
	}
	return func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
			logger.WithField("module", "jobs").Warnf("sync_sales_reports: releasing advisory lock: %v", err)
		}
	}, nil
}

// assignISBNs resolves each row's ISBN code within the sync transaction and
// returns the records ready for insert. Rows with a blank code keep a null
// isbn reference.
func assignISBNs(ctx context.Context, tx *gorm.DB, rows []parsers.ParsedRow) ([]models.SaleRecord, error) {
	codes := make([]string, 0, len(rows))
	for _, row := range rows {
		codes = append(codes, row.ISBNCode)
	}
	byCode, err := models.ResolveISBNs(ctx, tx, codes)
	if err != nil {
		return nil, err
	}

	records := make([]models.SaleRecord, 0, len(rows))
	for _, row := range rows {
		record := row.Record
		if isbn, ok := byCode[row.ISBNCode]; ok {
			record.IsbnId = &isbn.ID
		}
		records = append(records, record)
	}
	return records, nil
}
