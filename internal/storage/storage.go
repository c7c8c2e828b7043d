package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"astromeas/internal/shape"
	"astromeas/internal/source"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// Driver names accepted by Open.
const (
	DriverSQLite  = "sqlite"  // modernc.org/sqlite, pure Go
	DriverSQLite3 = "sqlite3" // github.com/mattn/go-sqlite3, cgo
)

// Store wraps SQLite-backed persistence for jobs and their measurements.
type Store struct {
	DB *sql.DB // Export for direct database access
}

// New opens (or creates) the database at path with the pure Go driver.
func New(path string) (*Store, error) {
	return Open(DriverSQLite, path)
}

// Open opens the database at path with the named driver and ensures schema.
func Open(driver, path string) (*Store, error) {
	switch driver {
	case "":
		driver = DriverSQLite
	case DriverSQLite, DriverSQLite3:
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", driver)
	}
	db, err := sql.Open(driver, path)
	if err != nil {
		return nil, err
	}
	// one writer at a time; sqlite serialises anyway
	db.SetMaxOpenConns(1)
	s := &Store{DB: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS measurement_jobs (
            id TEXT PRIMARY KEY,
            job_type TEXT NOT NULL,
            status TEXT NOT NULL,
            image_path TEXT,
            footprints_path TEXT,
            algorithm TEXT,
            options_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            started_at TIMESTAMP,
            completed_at TIMESTAMP,
            error_message TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS job_results (
            job_id TEXT,
            meta_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS source_measurements (
            job_id TEXT NOT NULL,
            source_id INTEGER NOT NULL,
            psf_flux REAL,
            x REAL,
            y REAL,
            flags TEXT,
            mxx REAL,
            mxy REAL,
            myy REAL,
            e1 REAL,
            e2 REAL,
            rms REAL,
            e1_err REAL,
            e2_err REAL,
            rms_err REAL,
            shape_flags TEXT,
            PRIMARY KEY (job_id, source_id)
        );`,
		`CREATE INDEX IF NOT EXISTS idx_job_results_job_id ON job_results(job_id);`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// JobRecord captures persisted job info.
type JobRecord struct {
	ID             string     `json:"id"`
	JobType        string     `json:"job_type"`
	Status         string     `json:"status"`
	ImagePath      string     `json:"image_path,omitempty"`
	FootprintsPath string     `json:"footprints_path,omitempty"`
	Algorithm      string     `json:"algorithm,omitempty"`
	OptionsJSON    string     `json:"options,omitempty"`
	Error          string     `json:"error,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// RecordJobQueued inserts a pending job.
func (s *Store) RecordJobQueued(rec JobRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO measurement_jobs (id, job_type, status, image_path, footprints_path, algorithm, options_json) VALUES (?, ?, ?, ?, ?, ?, ?);`,
		rec.ID, rec.JobType, rec.Status, rec.ImagePath, rec.FootprintsPath, rec.Algorithm, rec.OptionsJSON)
	return err
}

// RecordJobStart marks a job as running.
func (s *Store) RecordJobStart(id string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE measurement_jobs SET status='running', started_at=CURRENT_TIMESTAMP WHERE id=?;`, id)
	return err
}

// RecordJobResult finalizes a job with status and meta.
func (s *Store) RecordJobResult(id string, status string, meta map[string]any, errMsg string) error {
	if s == nil {
		return nil
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal meta: %w", err)
	}
	_, err = s.DB.Exec(`UPDATE measurement_jobs SET status=?, completed_at=CURRENT_TIMESTAMP, error_message=? WHERE id=?;`, status, errMsg, id)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(`INSERT INTO job_results (job_id, meta_json) VALUES (?, ?);`, id, string(metaJSON))
	return err
}

// RecentJobs returns the latest jobs up to limit.
func (s *Store) RecentJobs(limit int) ([]JobRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT id, job_type, status, image_path, footprints_path, algorithm, options_json, created_at, started_at, completed_at, error_message FROM measurement_jobs ORDER BY created_at DESC, rowid DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []JobRecord
	for rows.Next() {
		var rec JobRecord
		var image, footprints, algorithm, options, errorMsg sql.NullString
		var started, completed sql.NullTime
		if err := rows.Scan(&rec.ID, &rec.JobType, &rec.Status, &image, &footprints, &algorithm, &options, &rec.CreatedAt, &started, &completed, &errorMsg); err != nil {
			return nil, err
		}
		rec.ImagePath = image.String
		rec.FootprintsPath = footprints.String
		rec.Algorithm = algorithm.String
		rec.OptionsJSON = options.String
		rec.Error = errorMsg.String
		if started.Valid {
			rec.StartedAt = &started.Time
		}
		if completed.Valid {
			rec.CompletedAt = &completed.Time
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// JobMeta fetches the last meta blob for a job.
func (s *Store) JobMeta(id string) (map[string]any, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	var metaJSON string
	err := s.DB.QueryRow(`SELECT meta_json FROM job_results WHERE job_id=? ORDER BY created_at DESC, rowid DESC LIMIT 1;`, id).Scan(&metaJSON)
	if err != nil {
		return nil, err
	}
	var meta map[string]any
	if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
		return nil, fmt.Errorf("unmarshal meta: %w", err)
	}
	return meta, nil
}

func nullable(v shape.Value) sql.NullFloat64 {
	return sql.NullFloat64{Float64: v.V, Valid: v.Valid}
}

func value(n sql.NullFloat64) shape.Value {
	return shape.Value{V: n.Float64, Valid: n.Valid}
}

// RecordSources stores the per-source results of a job, replacing any
// earlier rows for the same sources.
func (s *Store) RecordSources(jobID string, sums []source.Summary) error {
	if s == nil {
		return nil
	}
	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT OR REPLACE INTO source_measurements
        (job_id, source_id, psf_flux, x, y, flags, mxx, mxy, myy, e1, e2, rms, e1_err, e2_err, rms_err, shape_flags)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, sum := range sums {
		var sh shape.Summary
		if sum.Shape != nil {
			sh = *sum.Shape
		}
		_, err := stmt.Exec(jobID, sum.ID, nullable(sum.PsfFlux), nullable(sum.X), nullable(sum.Y),
			strings.Join(sum.Flags, ","),
			nullable(sh.Mxx), nullable(sh.Mxy), nullable(sh.Myy),
			nullable(sh.E1), nullable(sh.E2), nullable(sh.Rms),
			nullable(sh.E1Err), nullable(sh.E2Err), nullable(sh.RmsErr),
			strings.Join(sh.Flags, ","))
		if err != nil {
			return fmt.Errorf("source %d: %w", sum.ID, err)
		}
	}
	return tx.Commit()
}

func splitFlags(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

// SourcesForJob returns the stored sources of a job ordered by id.
func (s *Store) SourcesForJob(jobID string) ([]source.Summary, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT source_id, psf_flux, x, y, flags, mxx, mxy, myy, e1, e2, rms, e1_err, e2_err, rms_err, shape_flags
        FROM source_measurements WHERE job_id=? ORDER BY source_id;`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []source.Summary
	for rows.Next() {
		var sum source.Summary
		var flux, x, y, mxx, mxy, myy, e1, e2, rms, e1Err, e2Err, rmsErr sql.NullFloat64
		var flags, shapeFlags sql.NullString
		if err := rows.Scan(&sum.ID, &flux, &x, &y, &flags, &mxx, &mxy, &myy, &e1, &e2, &rms, &e1Err, &e2Err, &rmsErr, &shapeFlags); err != nil {
			return nil, err
		}
		sum.PsfFlux, sum.X, sum.Y = value(flux), value(x), value(y)
		sum.Flags = splitFlags(flags.String)
		sum.Shape = &shape.Summary{
			Mxx:    value(mxx),
			Mxy:    value(mxy),
			Myy:    value(myy),
			E1:     value(e1),
			E2:     value(e2),
			Rms:    value(rms),
			E1Err:  value(e1Err),
			E2Err:  value(e2Err),
			RmsErr: value(rmsErr),
			Flags:  splitFlags(shapeFlags.String),
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}
