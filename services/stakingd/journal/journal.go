package journal

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"lukechampine.com/blake3"

	"stakepool/core/events"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
	verifyBatchSize     = 500

	defaultFilePragmas = "mode=rwc&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
)

var (
	// ErrDriverUnsupported is returned when Open receives an unknown driver name.
	ErrDriverUnsupported = errors.New("journal: unsupported driver")
	// ErrChainBroken is returned by Verify when an entry's digest does not
	// match its contents and predecessor.
	ErrChainBroken = errors.New("journal: digest chain broken")
)

// Entry is a committed ledger event persisted for history queries. Entries
// are chained: each digest commits to the previous one.
type Entry struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Seq        uint64    `gorm:"uniqueIndex" json:"seq"`
	Type       string    `gorm:"size:64;index" json:"type"`
	Address    string    `gorm:"size:96;index" json:"address"`
	Attributes string    `gorm:"type:text" json:"-"`
	OccurredAt time.Time `gorm:"index" json:"occurredAt"`
	Digest     string    `gorm:"size:64" json:"digest"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Attrs decodes the stored attribute set.
func (e Entry) Attrs() (map[string]string, error) {
	out := map[string]string{}
	if strings.TrimSpace(e.Attributes) == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(e.Attributes), &out); err != nil {
		return nil, fmt.Errorf("journal: decode attributes of entry %d: %w", e.Seq, err)
	}
	return out, nil
}

// Journal records ledger events into a relational database.
type Journal struct {
	db       *gorm.DB
	logger   *slog.Logger
	now      func() time.Time
	recorded metric.Int64Counter

	mu     sync.Mutex
	seq    uint64
	head   [32]byte
	sealed error
}

// FileDSN converts a filesystem path into an on-disk SQLite DSN. Values that
// already carry the file: scheme are returned unchanged.
func FileDSN(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" || strings.HasPrefix(trimmed, "file:") {
		return trimmed, nil
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return "", fmt.Errorf("resolve journal path: %w", err)
	}
	return fmt.Sprintf("file:%s?%s", abs, defaultFilePragmas), nil
}

// Open connects to the configured journal database and migrates the schema.
// An empty sqlite DSN selects a private in-memory database.
func Open(driver, dsn string, log *slog.Logger) (*Journal, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case DriverSQLite, "":
		if strings.TrimSpace(dsn) == "" {
			dsn = fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
		} else {
			resolved, err := FileDSN(dsn)
			if err != nil {
				return nil, err
			}
			dsn = resolved
		}
		dialector = sqlite.Open(dsn)
	case DriverPostgres:
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("%w: %q", ErrDriverUnsupported, driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	return New(db, log)
}

// New wraps an existing gorm handle and migrates the schema.
func New(db *gorm.DB, log *slog.Logger) (*Journal, error) {
	if db == nil {
		return nil, fmt.Errorf("journal: database required")
	}
	if err := db.AutoMigrate(&Entry{}); err != nil {
		return nil, fmt.Errorf("migrate journal: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	recorded, err := otel.Meter("stakepool/journal").Int64Counter("stakingd.journal.entries",
		metric.WithDescription("Ledger events persisted to the journal."))
	if err != nil {
		return nil, fmt.Errorf("journal meter: %w", err)
	}
	j := &Journal{db: db, logger: log, now: time.Now, recorded: recorded}
	var last Entry
	err = db.Order("seq DESC").Limit(1).Find(&last).Error
	if err != nil {
		return nil, fmt.Errorf("load journal head: %w", err)
	}
	if last.Seq > 0 {
		head, err := decodeDigest(last.Digest)
		if err != nil {
			return nil, fmt.Errorf("journal head %d: %w", last.Seq, err)
		}
		j.seq, j.head = last.Seq, head
	}
	return j, nil
}

// Emit implements events.Emitter. Persistence failures are logged because
// events are only emitted after the ledger has committed.
func (j *Journal) Emit(evt events.Event) {
	if j == nil || evt == nil {
		return
	}
	if err := j.Record(context.Background(), evt); err != nil {
		j.logger.Error("journal event", slog.String("event", evt.EventType()), slog.Any("error", err))
	}
}

// Record persists evt.
func (j *Journal) Record(ctx context.Context, evt events.Event) error {
	payload := evt.Event()
	if payload == nil {
		return nil
	}
	attrs, err := json.Marshal(payload.Attributes)
	if err != nil {
		return fmt.Errorf("encode attributes: %w", err)
	}
	occurred := j.now().UTC()
	if payload.Timestamp > 0 {
		occurred = time.Unix(payload.Timestamp, 0).UTC()
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.sealed != nil {
		return fmt.Errorf("journal sealed: %w", j.sealed)
	}
	entry := Entry{
		ID:         uuid.New(),
		Seq:        j.seq + 1,
		Type:       payload.Type,
		Address:    payload.Attributes["addr"],
		Attributes: string(attrs),
		OccurredAt: occurred,
	}
	digest := entryDigest(j.head, &entry)
	entry.Digest = hex.EncodeToString(digest[:])
	if err := j.db.WithContext(ctx).Create(&entry).Error; err != nil {
		return err
	}
	j.seq, j.head = entry.Seq, digest
	j.recorded.Add(ctx, 1, metric.WithAttributes(attribute.String("type", entry.Type)))
	return nil
}

// Verify recomputes the digest chain over every entry in sequence order and
// returns how many entries were checked. A broken chain seals the journal so
// later writes are refused instead of extending a corrupt history.
func (j *Journal) Verify(ctx context.Context) (int, error) {
	checked, err := j.verifyChain(ctx)
	if errors.Is(err, ErrChainBroken) {
		j.mu.Lock()
		j.sealed = err
		j.mu.Unlock()
	}
	return checked, err
}

func (j *Journal) verifyChain(ctx context.Context) (int, error) {
	var (
		prev    [32]byte
		lastSeq uint64
	)
	for {
		var batch []Entry
		err := j.db.WithContext(ctx).Where("seq > ?", lastSeq).Order("seq ASC").Limit(verifyBatchSize).Find(&batch).Error
		if err != nil {
			return int(lastSeq), err
		}
		for i := range batch {
			entry := &batch[i]
			if entry.Seq != lastSeq+1 {
				return int(lastSeq), fmt.Errorf("%w: expected seq %d, found %d", ErrChainBroken, lastSeq+1, entry.Seq)
			}
			want := entryDigest(prev, entry)
			if hex.EncodeToString(want[:]) != entry.Digest {
				return int(lastSeq), fmt.Errorf("%w: seq %d", ErrChainBroken, entry.Seq)
			}
			prev, lastSeq = want, entry.Seq
		}
		if len(batch) < verifyBatchSize {
			return int(lastSeq), nil
		}
	}
}

func entryDigest(prev [32]byte, e *Entry) [32]byte {
	buf := make([]byte, 0, 32+8+len(e.Type)+len(e.Address)+len(e.Attributes)+10)
	buf = append(buf, prev[:]...)
	buf = binary.BigEndian.AppendUint64(buf, e.Seq)
	buf = append(buf, e.Type...)
	buf = append(buf, 0)
	buf = append(buf, e.Address...)
	buf = append(buf, 0)
	buf = append(buf, e.Attributes...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(e.OccurredAt.Unix()))
	return blake3.Sum256(buf)
}

func decodeDigest(raw string) ([32]byte, error) {
	var out [32]byte
	decoded, err := hex.DecodeString(raw)
	if err != nil {
		return out, err
	}
	if len(decoded) != len(out) {
		return out, fmt.Errorf("digest must be %d bytes", len(out))
	}
	copy(out[:], decoded)
	return out, nil
}

// History returns the most recent entries touching addr, newest first. An
// empty address lists every entry.
func (j *Journal) History(ctx context.Context, addr string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	query := j.db.WithContext(ctx).Model(&Entry{})
	if addr = strings.TrimSpace(addr); addr != "" {
		query = query.Where("address = ?", addr)
	}
	var entries []Entry
	if err := query.Order("seq DESC").Limit(limit).Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

// Close releases the underlying connection pool.
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	sqlDB, err := j.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
