package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/loadrudder/pkg/log"
	"github.com/raterudder/loadrudder/pkg/types"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// SQLiteArchive stores daily records in a SQLite database. Summary columns
// are kept next to the full record so the file can be queried directly.
type SQLiteArchive struct {
	path string
	db   *gorm.DB
}

// dailyRow is one archived day of one device.
type dailyRow struct {
	Device               string    `gorm:"primaryKey"`
	Date                 string    `gorm:"primaryKey"`
	Day                  time.Time `gorm:"index"`
	RequiredDailyRuntime float64
	PriorShortfall       float64
	TargetRuntime        float64
	RuntimeToday         float64
	EnergyUsed           float64
	TotalCost            float64
	AveragePrice         *float64
	Runs                 int
	JSON                 string
	UpdatedAt            time.Time
}

func (dailyRow) TableName() string {
	return "daily_records"
}

func configuredSQLite() *SQLiteArchive {
	path := lflag.String("archive-sqlite-path", "loadrudder-archive.db", "Path of the SQLite archive of daily records")
	s := &SQLiteArchive{}
	lflag.Do(func() {
		s.path = *path
	})
	return s
}

// NewSQLiteArchive opens the archive at path.
func NewSQLiteArchive(ctx context.Context, path string) (*SQLiteArchive, error) {
	s := &SQLiteArchive{path: path}
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Init opens the database and migrates the schema.
func (s *SQLiteArchive) Init(ctx context.Context) error {
	if s.path == "" {
		return fmt.Errorf("archive-sqlite-path is required")
	}
	db, err := gorm.Open(sqlite.Open(s.path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return fmt.Errorf("failed to open archive (%s): %w", s.path, err)
	}
	if err := db.WithContext(ctx).AutoMigrate(&dailyRow{}); err != nil {
		return fmt.Errorf("failed to migrate archive: %w", err)
	}
	s.db = db
	return nil
}

// Close closes the database.
func (s *SQLiteArchive) Close() error {
	if s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// UpsertDay implements Archive.
func (s *SQLiteArchive) UpsertDay(ctx context.Context, device string, day types.DailyRecord) error {
	if day.Date == "" {
		return fmt.Errorf("daily record missing date")
	}
	date, err := time.Parse(time.DateOnly, day.Date)
	if err != nil {
		return fmt.Errorf("invalid daily record date %q: %w", day.Date, err)
	}
	b, err := json.Marshal(day)
	if err != nil {
		return fmt.Errorf("failed to marshal daily record: %w", err)
	}
	row := dailyRow{
		Device:               device,
		Date:                 day.Date,
		Day:                  date,
		RequiredDailyRuntime: day.RequiredDailyRuntime,
		PriorShortfall:       day.PriorShortfall,
		TargetRuntime:        day.TargetRuntime,
		RuntimeToday:         day.RuntimeToday,
		EnergyUsed:           day.EnergyUsed,
		TotalCost:            day.TotalCost,
		AveragePrice:         day.AveragePrice,
		Runs:                 len(day.DeviceRuns),
		JSON:                 string(b),
	}
	err = s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&row).Error
	if err != nil {
		return fmt.Errorf("failed to upsert daily record: %w", err)
	}
	return nil
}

// Days implements Archive.
func (s *SQLiteArchive) Days(ctx context.Context, device string, start, end time.Time) ([]types.DailyRecord, error) {
	var rows []dailyRow
	err := s.db.WithContext(ctx).
		Where("device = ? AND date >= ? AND date < ?", device, start.Format(time.DateOnly), end.Format(time.DateOnly)).
		Order("date asc").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query daily records: %w", err)
	}

	days := make([]types.DailyRecord, 0, len(rows))
	for _, row := range rows {
		var d types.DailyRecord
		if err := json.Unmarshal([]byte(row.JSON), &d); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to unmarshal daily record", slog.String("device", device), slog.String("date", row.Date), slog.Any("err", err))
			return nil, fmt.Errorf("failed to unmarshal daily record (date=%s): %w", row.Date, err)
		}
		days = append(days, d)
	}
	return days, nil
}

// Prune implements Archive.
func (s *SQLiteArchive) Prune(ctx context.Context, before time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("date < ?", before.Format(time.DateOnly)).
		Delete(&dailyRow{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to prune daily records: %w", res.Error)
	}
	return res.RowsAffected, nil
}
