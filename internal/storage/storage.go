// Package storage is the durable Store for the acquisition engine: batch
// jobs, their sites, the datasets each site produces, and the granules
// that make up a dataset. Writes are serialised through a single
// *gorm.DB; every multi-row operation runs inside a transaction so it
// commits fully or not at all.
package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// ErrConflict wraps a unique-constraint violation so callers can
// recognise a duplicate row without inspecting driver-specific text.
var ErrConflict = errors.New("storage: conflicting row")

// ErrNotFound is returned when a lookup by id matches no row.
var ErrNotFound = errors.New("storage: not found")

type Storage struct {
	DB *gorm.DB
}

// NewStorage opens (creating if absent) the SQLite database file under
// dataDir and migrates the schema forward. Migration is additive only:
// AutoMigrate adds missing tables/columns and never drops or narrows one.
func NewStorage(dataDir string) (*Storage, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	dbPath := filepath.Join(dataDir, "bae.db")

	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.Exec("PRAGMA journal_mode=WAL;")
	db.Exec("PRAGMA foreign_keys=ON;")

	if err := db.AutoMigrate(&BatchJob{}, &BatchSite{}, &Dataset{}, &Granule{}, &AppSetting{}); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	return &Storage{DB: db}, nil
}

func (s *Storage) Close() error {
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func nowISO() string {
	return time.Now().UTC().Format("2006-01-02 15:04:05")
}

func wrapConflict(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "constraint failed") {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return err
}

// CreateJob assigns an id if absent, stamps CreatedAt/Status, and persists
// the row.
func (s *Storage) CreateJob(job *BatchJob) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.CreatedAt == "" {
		job.CreatedAt = nowISO()
	}
	if job.Status == "" {
		job.Status = "PENDING"
	}
	return wrapConflict(s.DB.Create(job).Error)
}

func (s *Storage) UpdateJob(job *BatchJob) error {
	return s.DB.Save(job).Error
}

func (s *Storage) GetJob(id string) (*BatchJob, error) {
	var job BatchJob
	if err := s.DB.First(&job, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &job, nil
}

// GetRunningJobs returns every job left in RUNNING — the set Recovery
// must pause and reset at process start.
func (s *Storage) GetRunningJobs() ([]*BatchJob, error) {
	var jobs []*BatchJob
	err := s.DB.Where("status = ?", "RUNNING").Find(&jobs).Error
	return jobs, err
}

// IncrementJobSiteCounter bumps completed_sites or failed_sites by one in
// a single UPDATE (completed_sites = completed_sites + 1), so concurrent
// sites finishing at the same time each land their own increment instead
// of racing on a read-modify-write of the whole row. Returns the row as
// it stands after the increment.
func (s *Storage) IncrementJobSiteCounter(jobID string, completed bool) (*BatchJob, error) {
	column := "failed_sites"
	if completed {
		column = "completed_sites"
	}
	err := s.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&BatchJob{}).Where("id = ?", jobID).
			Update(column, gorm.Expr(column+" + 1")).Error; err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetJob(jobID)
}

// CreateSitesBatch inserts all rows atomically: all rows commit, or none do.
func (s *Storage) CreateSitesBatch(sites []*BatchSite) error {
	if len(sites) == 0 {
		return nil
	}
	return s.DB.Transaction(func(tx *gorm.DB) error {
		for _, site := range sites {
			if site.ID == "" {
				site.ID = uuid.New().String()
			}
			if site.Status == "" {
				site.Status = "PENDING"
			}
		}
		return wrapConflict(tx.Create(&sites).Error)
	})
}

// GetPendingSites returns sites in {PENDING, QUEUED} ordered by sequence
// number, the order the Scheduler must dispatch them in.
func (s *Storage) GetPendingSites(jobID string) ([]*BatchSite, error) {
	var sites []*BatchSite
	err := s.DB.Where("batch_job_id = ? AND status IN ?", jobID, []string{"PENDING", "QUEUED"}).
		Order("sequence_number ASC").
		Find(&sites).Error
	return sites, err
}

// GetSitesForJob returns every site belonging to jobID, regardless of
// status, ordered for display.
func (s *Storage) GetSitesForJob(jobID string) ([]*BatchSite, error) {
	var sites []*BatchSite
	err := s.DB.Where("batch_job_id = ?", jobID).Order("sequence_number ASC").Find(&sites).Error
	return sites, err
}

func (s *Storage) UpdateSite(site *BatchSite) error {
	return s.DB.Save(site).Error
}

func (s *Storage) GetSite(id string) (*BatchSite, error) {
	var site BatchSite
	if err := s.DB.First(&site, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &site, nil
}

// ResetInterruptedSites resets every site of jobID left in a transient
// state back to PENDING. The prior error message is overwritten with
// "Interrupted by app restart" — see SPEC_FULL.md §9 for why this repo
// resolves the spec's open question that way. Returns the number of rows touched.
func (s *Storage) ResetInterruptedSites(jobID string) (int64, error) {
	tx := s.DB.Model(&BatchSite{}).
		Where("batch_job_id = ? AND status IN ?", jobID, []string{"QUEUED", "DOWNLOADING", "PROCESSING"}).
		Updates(map[string]any{
			"status":        "PENDING",
			"error_message": "Interrupted by app restart",
		})
	return tx.RowsAffected, tx.Error
}

func (s *Storage) CreateDataset(ds *Dataset) error {
	if ds.ID == "" {
		ds.ID = uuid.New().String()
	}
	if ds.CreatedAt == "" {
		ds.CreatedAt = nowISO()
	}
	if ds.Status == "" {
		ds.Status = "PENDING"
	}
	return wrapConflict(s.DB.Create(ds).Error)
}

func (s *Storage) UpdateDataset(ds *Dataset) error {
	return s.DB.Save(ds).Error
}

func (s *Storage) GetDataset(id string) (*Dataset, error) {
	var ds Dataset
	if err := s.DB.First(&ds, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &ds, nil
}

// CreateGranulesBatch inserts rows, silently ignoring duplicates on the
// (dataset_id, date, hour) unique key — a re-plan of an already-seeded
// dataset must not fail.
func (s *Storage) CreateGranulesBatch(granules []*Granule) error {
	if len(granules) == 0 {
		return nil
	}
	for _, g := range granules {
		if g.ID == "" {
			g.ID = uuid.New().String()
		}
	}
	return s.DB.Clauses(clause.OnConflict{DoNothing: true}).Create(&granules).Error
}

func (s *Storage) UpdateGranule(g *Granule) error {
	return s.DB.Save(g).Error
}

func (s *Storage) GetGranulesForDataset(datasetID string) ([]*Granule, error) {
	var granules []*Granule
	err := s.DB.Where("dataset_id = ?", datasetID).Order("date ASC, hour ASC").Find(&granules).Error
	return granules, err
}

// FindGranuleByHash returns the first downloaded granule sharing a content
// hash, the dedup key two requests with identical parameters collapse to.
func (s *Storage) FindGranuleByHash(hash string) (*Granule, error) {
	var g Granule
	err := s.DB.Where("content_hash = ? AND downloaded = ?", hash, true).First(&g).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &g, nil
}

// DeleteJobFull cascades a job through its sites, their datasets, and
// their granules, then removes the job's on-disk directory tree. Foreign
// keys are suspended for the duration of the unwind since the delete
// order (granules, then datasets, then sites, then job) would otherwise
// trip the dataset_id/batch_job_id references mid-transaction.
func (s *Storage) DeleteJobFull(jobID string, jobDir string) error {
	err := s.DB.Transaction(func(tx *gorm.DB) error {
		tx.Exec("PRAGMA foreign_keys=OFF;")
		defer tx.Exec("PRAGMA foreign_keys=ON;")

		var sites []*BatchSite
		if err := tx.Where("batch_job_id = ?", jobID).Find(&sites).Error; err != nil {
			return err
		}

		var datasetIDs []string
		for _, site := range sites {
			if site.DatasetID != nil {
				datasetIDs = append(datasetIDs, *site.DatasetID)
			}
		}
		if len(datasetIDs) > 0 {
			if err := tx.Where("dataset_id IN ?", datasetIDs).Delete(&Granule{}).Error; err != nil {
				return err
			}
			if err := tx.Where("id IN ?", datasetIDs).Delete(&Dataset{}).Error; err != nil {
				return err
			}
		}
		if err := tx.Where("batch_job_id = ?", jobID).Delete(&BatchSite{}).Error; err != nil {
			return err
		}
		if err := tx.Where("id = ?", jobID).Delete(&BatchJob{}).Error; err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return err
	}
	if jobDir != "" {
		if err := os.RemoveAll(jobDir); err != nil {
			return fmt.Errorf("remove job directory: %w", err)
		}
	}
	return nil
}

// GetString and SetString back the config package's key/value settings,
// mirroring the teacher's AppSetting-backed ConfigManager.
func (s *Storage) GetString(key string) (string, error) {
	var setting AppSetting
	err := s.DB.First(&setting, "key = ?", key).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", nil
		}
		return "", err
	}
	return setting.Value, nil
}

func (s *Storage) SetString(key, value string) error {
	return s.DB.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value"}),
	}).Create(&AppSetting{Key: key, Value: value}).Error
}
