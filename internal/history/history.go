// Package history persists completed results in SQLite.
package history

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"echo-forge-go/internal/aggregator"
	"echo-forge-go/internal/keylock"
	"echo-forge-go/internal/types"
)

type Store struct {
	db    *gorm.DB
	locks *keylock.Map
	log   *logrus.Entry
}

// Open creates the database file and its directory if needed and migrates
// the schema.
func Open(path string, log *logrus.Entry) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"), &gorm.Config{
		Logger:  gormlogger.Default.LogMode(gormlogger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&types.HistoryEntry{}, &types.Activity{}); err != nil {
		return nil, fmt.Errorf("migrate history: %w", err)
	}
	return &Store{db: db, locks: keylock.New(), log: log.WithField("component", "history")}, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Append records a successful result. Results are written once per job.
func (s *Store) Append(ctx context.Context, res *types.Result) (*types.HistoryEntry, error) {
	return s.append(ctx, res, types.ActivityCreate, res.FileName)
}

// AppendTranslation records res, a translation of the entry sourceID, as a
// new entry of its own.
func (s *Store) AppendTranslation(ctx context.Context, sourceID, language string, res *types.Result) (*types.HistoryEntry, error) {
	return s.append(ctx, res, types.ActivityTranslate, fmt.Sprintf("%s from %s", language, sourceID))
}

func (s *Store) append(ctx context.Context, res *types.Result, action, details string) (*types.HistoryEntry, error) {
	if res == nil || res.JobID == "" {
		return nil, errors.New("append: result without job id")
	}
	unlock := s.locks.Lock(res.JobID)
	defer unlock()

	e := types.NewHistoryEntry(res)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(e).Error; err != nil {
			return err
		}
		return logActivity(tx, action, res.JobID, details)
	})
	if err != nil {
		return nil, fmt.Errorf("append %s: %w", res.JobID, err)
	}
	s.log.WithFields(logrus.Fields{"job_id": res.JobID, "action": action}).Debug("history entry stored")
	return e, nil
}

func logActivity(tx *gorm.DB, action, jobID, details string) error {
	return tx.Create(&types.Activity{Action: action, JobID: jobID, Details: details}).Error
}

func (s *Store) Get(ctx context.Context, jobID string) (*types.HistoryEntry, error) {
	var e types.HistoryEntry
	err := s.db.WithContext(ctx).Where("job_id = ?", jobID).First(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("history %s: %w", jobID, types.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", jobID, err)
	}
	return &e, nil
}

// FindByFingerprint returns the newest entry produced for fingerprint.
func (s *Store) FindByFingerprint(ctx context.Context, fingerprint string) (*types.HistoryEntry, error) {
	if fingerprint == "" {
		return nil, types.ErrNotFound
	}
	var e types.HistoryEntry
	err := s.db.WithContext(ctx).
		Where("fingerprint = ?", fingerprint).
		Order("created_at DESC").
		First(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find fingerprint: %w", err)
	}
	return &e, nil
}

// Delete hides the entry from every read. The row stays on disk until the
// retention sweep purges it.
func (s *Store) Delete(ctx context.Context, jobID string) error {
	unlock := s.locks.Lock(jobID)
	defer unlock()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("job_id = ?", jobID).Delete(&types.HistoryEntry{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return types.ErrNotFound
		}
		return logActivity(tx, types.ActivityDelete, jobID, "")
	})
	if errors.Is(err, types.ErrNotFound) {
		return fmt.Errorf("history %s: %w", jobID, types.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("delete %s: %w", jobID, err)
	}
	return nil
}

// ToggleFavorite flips the favorite flag and returns the updated entry.
func (s *Store) ToggleFavorite(ctx context.Context, jobID string) (*types.HistoryEntry, error) {
	return s.update(ctx, jobID, types.ActivityFavorite, func(e *types.HistoryEntry) string {
		e.Favorite = !e.Favorite
		return strconv.FormatBool(e.Favorite)
	})
}

// SetTags replaces the entry's tags. Blank and repeated tags are dropped.
func (s *Store) SetTags(ctx context.Context, jobID string, tags []string) (*types.HistoryEntry, error) {
	clean := make([]string, 0, len(tags))
	seen := map[string]bool{}
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" || seen[strings.ToLower(t)] {
			continue
		}
		seen[strings.ToLower(t)] = true
		clean = append(clean, t)
	}
	return s.update(ctx, jobID, types.ActivityTags, func(e *types.HistoryEntry) string {
		e.Tags = clean
		return strings.Join(clean, ",")
	})
}

// update applies mutate and logs action with the details mutate returns.
func (s *Store) update(ctx context.Context, jobID, action string, mutate func(*types.HistoryEntry) string) (*types.HistoryEntry, error) {
	unlock := s.locks.Lock(jobID)
	defer unlock()

	e, err := s.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	details := mutate(e)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Save(e).Error; err != nil {
			return err
		}
		return logActivity(tx, action, jobID, details)
	})
	if err != nil {
		return nil, fmt.Errorf("update %s: %w", jobID, err)
	}
	return e, nil
}

type Filter struct {
	Language      string
	From          time.Time
	To            time.Time
	FavoritesOnly bool
	// Text matches the transcript, summary or file name, case-insensitively.
	Text   string
	Limit  int
	Offset int
}

const defaultLimit = 50

// Query returns matching entries newest first and the total match count.
func (s *Store) Query(ctx context.Context, f Filter) ([]types.HistoryEntry, int64, error) {
	q := s.db.WithContext(ctx).Model(&types.HistoryEntry{})
	if f.Language != "" {
		q = q.Where("language = ?", f.Language)
	}
	if !f.From.IsZero() {
		q = q.Where("created_at >= ?", f.From.UTC())
	}
	if !f.To.IsZero() {
		q = q.Where("created_at <= ?", f.To.UTC())
	}
	if f.FavoritesOnly {
		q = q.Where("favorite = ?", true)
	}
	if text := strings.TrimSpace(f.Text); text != "" {
		like := "%" + escapeLike(strings.ToLower(text)) + "%"
		q = q.Where(`LOWER(transcript) LIKE ? ESCAPE '\' OR LOWER(summary) LIKE ? ESCAPE '\' OR LOWER(file_name) LIKE ? ESCAPE '\'`, like, like, like)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count history: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	var entries []types.HistoryEntry
	if err := q.Order("created_at DESC").Limit(limit).Offset(f.Offset).Find(&entries).Error; err != nil {
		return nil, 0, fmt.Errorf("query history: %w", err)
	}
	return entries, total, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// escapeLike makes LIKE wildcards in user text match literally.
func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

// Recent returns the newest entries.
func (s *Store) Recent(ctx context.Context, limit int) ([]types.HistoryEntry, error) {
	var entries []types.HistoryEntry
	if err := s.db.WithContext(ctx).Order("created_at DESC").Limit(limit).Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("recent history: %w", err)
	}
	return entries, nil
}

// All returns every entry newest first; used by exports.
func (s *Store) All(ctx context.Context) ([]types.HistoryEntry, error) {
	return s.Recent(ctx, -1)
}

// Sweep purges entries created before now minus retention, deleted ones
// included.
func (s *Store) Sweep(ctx context.Context, now time.Time, retention time.Duration) (int64, error) {
	cutoff := now.Add(-retention).UTC()
	var purged int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Unscoped().
			Where("created_at < ?", cutoff).
			Delete(&types.HistoryEntry{})
		if res.Error != nil {
			return res.Error
		}
		purged = res.RowsAffected
		if purged == 0 {
			return nil
		}
		return logActivity(tx, types.ActivitySweep, "", fmt.Sprintf("%d entries before %s", purged, cutoff.Format(time.RFC3339)))
	})
	if err != nil {
		return 0, fmt.Errorf("sweep history: %w", err)
	}
	if purged > 0 {
		s.log.WithFields(logrus.Fields{"deleted": purged, "cutoff": cutoff.Format(time.RFC3339)}).Info("retention sweep removed entries")
	}
	return purged, nil
}

// Activity returns the newest audit-log rows; limit <= 0 means all.
func (s *Store) Activity(ctx context.Context, limit int) ([]types.Activity, error) {
	if limit <= 0 {
		limit = -1
	}
	var rows []types.Activity
	if err := s.db.WithContext(ctx).Order("id DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("activity log: %w", err)
	}
	return rows, nil
}

func (s *Store) Stats(ctx context.Context) (aggregator.Stats, error) {
	entries, err := s.All(ctx)
	if err != nil {
		return aggregator.Stats{}, err
	}
	return aggregator.Aggregate(entries), nil
}
