package journal

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"lukechampine.com/blake3"

	"rewardpool/core/events"
	"rewardpool/observability"
)

// Supported database drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

const defaultListLimit = 100

// ErrChecksumMismatch is returned when a stored entry no longer matches its
// checksum.
var ErrChecksumMismatch = errors.New("journal: checksum mismatch")

// Entry is the persisted form of a ledger event.
type Entry struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	Type       string    `gorm:"index"`
	Account    string    `gorm:"index"`
	Token      string    `gorm:"index"`
	Amount     string
	Attributes string
	Checksum   string    `gorm:"size:64"`
	OccurredAt time.Time `gorm:"index"`
	CreatedAt  time.Time
}

// TableName pins the table name independent of the struct name.
func (Entry) TableName() string { return "reward_journal" }

// Filter narrows List and ExportParquet results. Zero values match everything.
type Filter struct {
	Type    string
	Account string
	Token   string
	Since   time.Time
	Until   time.Time
	Limit   int
}

// Journal records paid, deferred, skimmed and swept events for audit.
type Journal struct {
	db     *gorm.DB
	logger *slog.Logger
	now    func() time.Time
}

// Open connects to the configured database and migrates the journal table.
func Open(driver, dsn string, logger *slog.Logger) (*Journal, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case DriverPostgres:
		dialector = postgres.Open(dsn)
	case DriverSQLite, "":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("journal: unsupported driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("journal: open: %w", err)
	}
	return New(db, logger)
}

// New wraps an existing gorm handle.
func New(db *gorm.DB, logger *slog.Logger) (*Journal, error) {
	if db == nil {
		return nil, fmt.Errorf("journal: database required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := db.AutoMigrate(&Entry{}); err != nil {
		return nil, fmt.Errorf("journal: migrate: %w", err)
	}
	return &Journal{db: db, logger: logger, now: time.Now}, nil
}

// Close releases the underlying connection pool.
func (j *Journal) Close() error {
	sqlDB, err := j.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Emit implements events.Emitter. Failures are logged, never propagated to
// the ledger.
func (j *Journal) Emit(evt events.Event) {
	observability.Events().RecordEvent(evt.EventType())
	if _, err := j.Record(context.Background(), evt); err != nil {
		observability.Events().RecordJournalWrite(false)
		j.logger.Error("journal write failed",
			slog.String("type", evt.EventType()),
			slog.String("error", err.Error()))
		return
	}
	observability.Events().RecordJournalWrite(true)
}

// Record persists evt when it renders a record. Non-recordable events are
// skipped and return a nil entry.
func (j *Journal) Record(ctx context.Context, evt events.Event) (*Entry, error) {
	rec, ok := evt.(events.Recordable)
	if !ok {
		return nil, nil
	}
	entry, err := j.entryFor(rec.Record())
	if err != nil {
		return nil, err
	}
	if err := j.db.WithContext(ctx).Create(entry).Error; err != nil {
		return nil, fmt.Errorf("journal: insert: %w", err)
	}
	return entry, nil
}

func (j *Journal) entryFor(rec events.Record) (*Entry, error) {
	attrs, err := json.Marshal(rec.Attributes)
	if err != nil {
		return nil, fmt.Errorf("journal: encode attributes: %w", err)
	}
	occurred := j.now().UTC()
	if raw, ok := rec.Attributes["timestamp"]; ok {
		if unix, err := strconv.ParseInt(raw, 10, 64); err == nil {
			occurred = time.Unix(unix, 0).UTC()
		}
	}
	account := rec.Attributes["account"]
	if account == "" {
		account = rec.Attributes["destination"]
	}
	amount := rec.Attributes["amount"]
	if amount == "" {
		amount = rec.Attributes["fee"]
	}
	entry := &Entry{
		ID:         uuid.New(),
		Type:       rec.Type,
		Account:    account,
		Token:      rec.Attributes["token"],
		Amount:     amount,
		Attributes: string(attrs),
		OccurredAt: occurred,
	}
	entry.Checksum = checksum(rec)
	return entry, nil
}

// checksum hashes the event type and its attributes in key order.
func checksum(rec events.Record) string {
	keys := make([]string, 0, len(rec.Attributes))
	for key := range rec.Attributes {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	h := blake3.New(32, nil)
	_, _ = h.Write([]byte(rec.Type))
	for _, key := range keys {
		_, _ = h.Write([]byte{0})
		_, _ = h.Write([]byte(key))
		_, _ = h.Write([]byte{'='})
		_, _ = h.Write([]byte(rec.Attributes[key]))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Verify recomputes the checksum of a stored entry.
func Verify(entry Entry) error {
	attrs := map[string]string{}
	if entry.Attributes != "" {
		if err := json.Unmarshal([]byte(entry.Attributes), &attrs); err != nil {
			return fmt.Errorf("journal: decode attributes: %w", err)
		}
	}
	if checksum(events.Record{Type: entry.Type, Attributes: attrs}) != entry.Checksum {
		return fmt.Errorf("%w: entry %s", ErrChecksumMismatch, entry.ID)
	}
	return nil
}

func (j *Journal) query(ctx context.Context, filter Filter) *gorm.DB {
	q := j.db.WithContext(ctx).Model(&Entry{})
	if filter.Type != "" {
		q = q.Where("type = ?", filter.Type)
	}
	if filter.Account != "" {
		q = q.Where("account = ?", filter.Account)
	}
	if filter.Token != "" {
		q = q.Where("token = ?", strings.ToUpper(strings.TrimSpace(filter.Token)))
	}
	if !filter.Since.IsZero() {
		q = q.Where("occurred_at >= ?", filter.Since.UTC())
	}
	if !filter.Until.IsZero() {
		q = q.Where("occurred_at < ?", filter.Until.UTC())
	}
	return q.Order("occurred_at ASC").Order("created_at ASC")
}

// List returns entries matching filter, oldest first.
func (j *Journal) List(ctx context.Context, filter Filter) ([]Entry, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	var entries []Entry
	if err := j.query(ctx, filter).Limit(limit).Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("journal: list: %w", err)
	}
	return entries, nil
}
