// Package store is the durable event queue. Events are staged in a
// byte-bounded in-memory queue and drained by a single worker into
// batched SQLite transactions; the uploader reads rows back in
// insertion order and reconciles them against PUBACKs via DeleteByMID.
// The store also persists runtime settings (dotted-path overrides)
// read at bootstrap before any component starts.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/openfleet/telemetryd/internal/config"
	"github.com/openfleet/telemetryd/internal/events"
)

// Table names used by the MID bookkeeping.
const (
	TableEvents = "event_store"
	TableAlerts = "alert_store"
)

// Sentinel errors surfaced to callers.
var (
	// ErrAwaitActivation is returned when an event may not be persisted
	// until the device activates.
	ErrAwaitActivation = errors.New("store: waiting for device activation")
	// ErrShutdown is returned once shutdown has begun.
	ErrShutdown = errors.New("store: shutting down")
	// ErrQueueFull is returned when the staging queue is at its byte cap.
	ErrQueueFull = errors.New("store: staging queue full")
)

// Row is one persisted event.
type Row struct {
	RowID         int64
	EventID       string
	Payload       string
	Timestamp     int64
	MID           int64
	StreamSupport bool
	BatchSupport  bool
	Topic         string
}

// Store owns the database connection. All writes flow through the
// worker goroutine or through methods that serialize on the write lock;
// reads may run from any goroutine but must not span a transaction.
type Store struct {
	db     *sql.DB
	cfg    config.StoreConfig
	logger *slog.Logger
	bus    *events.Bus

	queue      *insertQueue
	activation *activationGate
	writeMu    chMutex
	done       chan struct{}
}

// Open opens (creating if needed) the database and runs migrations.
// Settings are readable immediately; Start launches the insert worker.
func Open(cfg config.StoreConfig, bus *events.Bus, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite3", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection: SQLite serializes writers anyway, and a single
	// conn keeps transactions and the VACUUM from interleaving.
	db.SetMaxOpenConns(1)

	s := &Store{
		db:         db,
		cfg:        cfg,
		logger:     logger.With("component", "store"),
		bus:        bus,
		queue:      newInsertQueue(cfg.QueueBytes),
		activation: newActivationGate(cfg.UploadAfterActivation, cfg.ActivationExceptions),
		writeMu:    newChMutex(),
		done:       make(chan struct{}),
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS event_store (
		row_id         INTEGER PRIMARY KEY AUTOINCREMENT,
		event_id       TEXT NOT NULL,
		payload        TEXT NOT NULL,
		timestamp      INTEGER NOT NULL,
		mid            INTEGER NOT NULL DEFAULT 0,
		stream_support INTEGER NOT NULL DEFAULT 1,
		batch_support  INTEGER NOT NULL DEFAULT 0,
		topic          TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS alert_store (
		row_id         INTEGER PRIMARY KEY AUTOINCREMENT,
		event_id       TEXT NOT NULL,
		payload        TEXT NOT NULL,
		timestamp      INTEGER NOT NULL,
		mid            INTEGER NOT NULL DEFAULT 0,
		stream_support INTEGER NOT NULL DEFAULT 1,
		batch_support  INTEGER NOT NULL DEFAULT 0,
		topic          TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS settings (
		key        TEXT PRIMARY KEY,
		value      TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_event_store_mid ON event_store(mid);
	CREATE INDEX IF NOT EXISTS idx_event_store_event_id ON event_store(event_id);
	CREATE INDEX IF NOT EXISTS idx_alert_store_mid ON alert_store(mid);
	`
	_, err := s.db.Exec(schema)
	return err
}

// --- Settings ---

// Setting returns the stored override for a dotted config key, or ""
// when absent.
func (s *Store) Setting(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("setting %s: %w", key, err)
	}
	return value, nil
}

// SetSetting upserts a runtime config override.
func (s *Store) SetSetting(key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (key) DO UPDATE
		 SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("set setting %s: %w", key, err)
	}
	return nil
}

// Settings returns all persisted overrides. Returns an empty (non-nil)
// map when there are none.
func (s *Store) Settings() (map[string]string, error) {
	rows, err := s.db.Query(`SELECT key, value FROM settings ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("list settings: %w", err)
	}
	defer rows.Close()

	result := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan settings: %w", err)
		}
		result[k] = v
	}
	return result, rows.Err()
}

// --- Row reads ---

// FetchStreamBatch returns up to limit rows eligible for stream upload
// (stream_support set, not in flight), in insertion order. Rows of
// every topic are returned; there is no topic filter.
func (s *Store) FetchStreamBatch(table string, limit int) ([]Row, error) {
	rows, err := s.db.Query(fmt.Sprintf(
		`SELECT row_id, event_id, payload, timestamp, mid, stream_support, batch_support, topic
		 FROM %s WHERE stream_support = 1 AND mid = 0
		 ORDER BY row_id ASC LIMIT ?`, table), limit)
	if err != nil {
		return nil, fmt.Errorf("fetch from %s: %w", table, err)
	}
	defer rows.Close()
	return scanRows(rows)
}

// ClaimMIDs stamps mid on the given rows, locking them against another
// publish until DeleteByMID or a reconnect InitMID clears them.
func (s *Store) ClaimMIDs(table string, mid int64, rowIDs []int64) error {
	if len(rowIDs) == 0 {
		return nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("claim mids: %w", err)
	}
	stmt, err := tx.Prepare(fmt.Sprintf(`UPDATE %s SET mid = ? WHERE row_id = ?`, table))
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("claim mids: %w", err)
	}
	for _, id := range rowIDs {
		if _, err := stmt.Exec(mid, id); err != nil {
			stmt.Close()
			tx.Rollback()
			return fmt.Errorf("claim mid %d row %d: %w", mid, id, err)
		}
	}
	stmt.Close()
	return tx.Commit()
}

// CountInFlight returns the number of rows currently claimed by a mid.
func (s *Store) CountInFlight(table string) (int, error) {
	var n int
	err := s.db.QueryRow(fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE mid != 0`, table)).Scan(&n)
	return n, err
}

// --- MID reconciliation ---

// DeleteByMID removes rows claimed by mid after their PUBACK. In batch
// mode (events table only) rows with batch_support=0 are deleted while
// batch-supported rows are marked uploaded by clearing stream_support
// in the same transaction, leaving them for the batch path.
func (s *Store) DeleteByMID(table string, mid int64) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if table == TableEvents && s.cfg.BatchModeSupported {
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("delete mid %d: %w", mid, err)
		}
		if _, err := tx.Exec(
			`DELETE FROM event_store WHERE mid = ? AND batch_support = 0`, mid); err != nil {
			tx.Rollback()
			return fmt.Errorf("delete mid %d: %w", mid, err)
		}
		if _, err := tx.Exec(
			`UPDATE event_store SET stream_support = 0, mid = 0 WHERE mid = ?`, mid); err != nil {
			tx.Rollback()
			return fmt.Errorf("mark uploaded mid %d: %w", mid, err)
		}
		return tx.Commit()
	}

	_, err := s.db.Exec(fmt.Sprintf(`DELETE FROM %s WHERE mid = ?`, table), mid)
	if err != nil {
		return fmt.Errorf("delete mid %d from %s: %w", mid, table, err)
	}
	return nil
}

// ClearAllMIDs resets mid to 0 on every row in both tables. Run on
// every (re)connect so rows stranded by a dropped connection become
// eligible for re-publish.
func (s *Store) ClearAllMIDs() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.db.Exec(`UPDATE event_store SET mid = 0 WHERE mid != 0`); err != nil {
		return fmt.Errorf("clear event mids: %w", err)
	}
	if _, err := s.db.Exec(`UPDATE alert_store SET mid = 0 WHERE mid != 0`); err != nil {
		return fmt.Errorf("clear alert mids: %w", err)
	}
	return nil
}

// --- Activation ---

// SetActivated flips the activation gate. Once true, all events are
// eligible for persistence.
func (s *Store) SetActivated(active bool) {
	s.activation.set(active)
	s.bus.Publish(events.Notice{
		Source: events.SourceStore,
		Kind:   events.KindActivation,
		Data:   map[string]any{"activated": active},
	})
}

// Activated reports the activation gate state.
func (s *Store) Activated() bool { return s.activation.active() }

// SizeBytes returns the database file size.
func (s *Store) SizeBytes() int64 {
	info, err := os.Stat(s.cfg.Path)
	if err != nil {
		return 0
	}
	return info.Size()
}

func scanRows(rows *sql.Rows) ([]Row, error) {
	var out []Row
	for rows.Next() {
		var r Row
		var stream, batch int
		if err := rows.Scan(&r.RowID, &r.EventID, &r.Payload, &r.Timestamp,
			&r.MID, &stream, &batch, &r.Topic); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		r.StreamSupport = stream == 1
		r.BatchSupport = batch == 1
		out = append(out, r)
	}
	return out, rows.Err()
}

// chMutex is a channel-based mutex so lock acquisition can be
// abandoned on shutdown paths if ever needed.
type chMutex chan struct{}

func newChMutex() chMutex { return make(chMutex, 1) }

func (m chMutex) Lock()   { m <- struct{}{} }
func (m chMutex) Unlock() { <-m }
