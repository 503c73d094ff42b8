package profile

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Stage is the recorded lifecycle position of a voice.
type Stage string

const (
	StageUploaded      Stage = "uploaded"
	StagePreprocessing Stage = "preprocessing"
	StagePreprocessed  Stage = "preprocessed"
	StageTraining      Stage = "training"
	StageTrained       Stage = "trained"
	StageFailed        Stage = "failed"
	StageDeleting      Stage = "deleting"
)

// Record is the stored state of one voice.
type Record struct {
	VoiceID   string
	Stage     Stage
	Detail    string
	UpdatedAt time.Time
}

// Store persists profile records in SQLite.
type Store struct {
	db    *sql.DB
	clock func() time.Time
}

// OpenStore opens or creates the record database at path.
func OpenStore(ctx context.Context, path string) (*Store, error) {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		err := os.MkdirAll(dir, 0o750)
		if err != nil {
			return nil, fmt.Errorf("failed to create profile db dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open profile db: %w", err)
	}

	// One writer at a time avoids SQLITE_BUSY between the API and worker goroutines.
	db.SetMaxOpenConns(1)

	err = db.PingContext(ctx)
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to ping profile db: %w", err)
	}

	store := &Store{db: db, clock: time.Now}

	err = store.initSchema(ctx)
	if err != nil {
		_ = db.Close()

		return nil, err
	}

	return store, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS profiles (
    voice_id TEXT PRIMARY KEY,
    status TEXT NOT NULL,
    detail TEXT NOT NULL DEFAULT '',
    updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_profiles_status ON profiles(status);
`

	_, err := s.db.ExecContext(ctx, ddl)
	if err != nil {
		return fmt.Errorf("failed to init profile schema: %w", err)
	}

	return nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Create inserts the record of a freshly uploaded voice.
func (s *Store) Create(ctx context.Context, voiceID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO profiles(voice_id, status, detail, updated_at) VALUES(?, ?, '', ?)`,
		voiceID, StageUploaded, s.now())
	if err != nil {
		return fmt.Errorf("failed to create profile record '%s': %w", voiceID, err)
	}

	return nil
}

// Advance moves an existing record to stage. Records being deleted and
// voices without a record are left alone; the result reports whether a row
// changed.
func (s *Store) Advance(ctx context.Context, voiceID string, stage Stage, detail string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE profiles SET status = ?, detail = ?, updated_at = ?
		 WHERE voice_id = ? AND status != ?`,
		stage, detail, s.now(), voiceID, StageDeleting)
	if err != nil {
		return false, fmt.Errorf("failed to move profile '%s' to %s: %w", voiceID, stage, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read update count: %w", err)
	}

	return affected > 0, nil
}

// MarkDeleting moves the record to deleting, creating it when the voice
// predates record keeping.
func (s *Store) MarkDeleting(ctx context.Context, voiceID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO profiles(voice_id, status, detail, updated_at) VALUES(?, ?, '', ?)
		 ON CONFLICT(voice_id) DO UPDATE SET status = excluded.status, updated_at = excluded.updated_at`,
		voiceID, StageDeleting, s.now())
	if err != nil {
		return fmt.Errorf("failed to mark profile '%s' for deletion: %w", voiceID, err)
	}

	return nil
}

// Get returns the record of voiceID and whether one exists.
func (s *Store) Get(ctx context.Context, voiceID string) (Record, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT voice_id, status, detail, updated_at FROM profiles WHERE voice_id = ?`, voiceID)

	record, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}

	if err != nil {
		return Record{}, false, fmt.Errorf("failed to read profile record '%s': %w", voiceID, err)
	}

	return record, true, nil
}

// All returns every record keyed by voice id.
func (s *Store) All(ctx context.Context) (map[string]Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT voice_id, status, detail, updated_at FROM profiles`)
	if err != nil {
		return nil, fmt.Errorf("failed to list profile records: %w", err)
	}
	defer rows.Close()

	records := make(map[string]Record)

	for rows.Next() {
		record, scanErr := scanRecord(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("failed to scan profile record: %w", scanErr)
		}

		records[record.VoiceID] = record
	}

	return records, rows.Err()
}

// WithStage returns the voice ids whose record is at stage.
func (s *Store) WithStage(ctx context.Context, stage Stage) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT voice_id FROM profiles WHERE status = ? ORDER BY voice_id`, stage)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s profiles: %w", stage, err)
	}
	defer rows.Close()

	var voiceIDs []string

	for rows.Next() {
		var voiceID string

		err = rows.Scan(&voiceID)
		if err != nil {
			return nil, fmt.Errorf("failed to scan voice id: %w", err)
		}

		voiceIDs = append(voiceIDs, voiceID)
	}

	return voiceIDs, rows.Err()
}

// Remove drops the record of voiceID.
func (s *Store) Remove(ctx context.Context, voiceID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM profiles WHERE voice_id = ?`, voiceID)
	if err != nil {
		return fmt.Errorf("failed to remove profile record '%s': %w", voiceID, err)
	}

	return nil
}

func (s *Store) now() string {
	return s.clock().UTC().Format(time.RFC3339Nano)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (Record, error) {
	var (
		record  Record
		stage   string
		updated string
	)

	err := row.Scan(&record.VoiceID, &stage, &record.Detail, &updated)
	if err != nil {
		return Record{}, err
	}

	record.Stage = Stage(stage)

	ts, err := time.Parse(time.RFC3339Nano, updated)
	if err == nil {
		record.UpdatedAt = ts
	}

	return record, nil
}
