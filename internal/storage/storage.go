package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"

	"polaralign/internal/polar"
)

// ErrNotFound is returned when a session or job id is unknown.
var ErrNotFound = errors.New("not found")

// Store wraps SQLite-backed persistence for jobs and solve sessions.
type Store struct {
	DB *sql.DB // Export for direct database access
}

// New opens (or creates) the database at path with the pure Go driver.
func New(path string) (*Store, error) {
	return Open("sqlite", path)
}

// Open uses driver, either "sqlite" (modernc) or "sqlite3" (cgo).
func Open(driver, path string) (*Store, error) {
	switch driver {
	case "sqlite", "sqlite3":
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", driver)
	}
	db, err := sql.Open(driver, path)
	if err != nil {
		return nil, err
	}
	// single writer; sqlite serializes anyway
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
		`CREATE TABLE IF NOT EXISTS jobs (
            id TEXT PRIMARY KEY,
            job_type TEXT NOT NULL,
            status TEXT NOT NULL,
            frame_a TEXT,
            frame_b TEXT,
            options_json TEXT,
            created_at INTEGER NOT NULL,
            started_at INTEGER,
            completed_at INTEGER,
            error_message TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS job_results (
            job_id TEXT,
            meta_json TEXT,
            created_at INTEGER NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS solve_sessions (
            id TEXT PRIMARY KEY,
            frame_a TEXT,
            frame_b TEXT,
            profile TEXT,
            status TEXT NOT NULL,
            ok BOOLEAN NOT NULL DEFAULT FALSE,
            angle REAL,
            center_x REAL,
            center_y REAL,
            offset_x REAL,
            offset_y REAL,
            matches INTEGER,
            stars_a INTEGER,
            stars_b INTEGER,
            mean_error REAL,
            total_error REAL,
            az_arcsec REAL,
            alt_arcsec REAL,
            total_arcsec REAL,
            message TEXT,
            elapsed_ms INTEGER,
            created_at INTEGER NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS idx_solve_sessions_created ON solve_sessions(created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_job_results_job ON job_results(job_id);`,
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
	ID          string
	JobType     string
	Status      string
	FrameA      string
	FrameB      string
	OptionsJSON string
	Error       string
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// RecordJobQueued inserts a pending job.
func (s *Store) RecordJobQueued(rec JobRecord) error {
	if s == nil {
		return nil
	}
	created := rec.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO jobs (id, job_type, status, frame_a, frame_b, options_json, created_at) VALUES (?, ?, ?, ?, ?, ?, ?);`,
		rec.ID, rec.JobType, rec.Status, rec.FrameA, rec.FrameB, rec.OptionsJSON, created.UnixNano())
	return err
}

// RecordJobStart marks a job as running.
func (s *Store) RecordJobStart(id string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE jobs SET status='running', started_at=? WHERE id=?;`, time.Now().UnixNano(), id)
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
	now := time.Now().UnixNano()
	if _, err := s.DB.Exec(`UPDATE jobs SET status=?, completed_at=?, error_message=? WHERE id=?;`, status, now, errMsg, id); err != nil {
		return err
	}
	_, err = s.DB.Exec(`INSERT INTO job_results (job_id, meta_json, created_at) VALUES (?, ?, ?);`, id, string(metaJSON), now)
	return err
}

// RecentJobs returns the latest jobs up to limit.
func (s *Store) RecentJobs(limit int) ([]JobRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT id, job_type, status, frame_a, frame_b, options_json, created_at, started_at, completed_at, error_message FROM jobs ORDER BY created_at DESC, rowid DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []JobRecord
	for rows.Next() {
		var rec JobRecord
		var created int64
		var frameA, frameB, options, errorMsg sql.NullString
		var started, completed sql.NullInt64
		if err := rows.Scan(&rec.ID, &rec.JobType, &rec.Status, &frameA, &frameB, &options, &created, &started, &completed, &errorMsg); err != nil {
			return nil, err
		}
		rec.FrameA, rec.FrameB = frameA.String, frameB.String
		rec.OptionsJSON = options.String
		rec.Error = errorMsg.String
		rec.CreatedAt = time.Unix(0, created)
		rec.StartedAt = nullTime(started)
		rec.CompletedAt = nullTime(completed)
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func nullTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64)
	return &t
}

// JobMeta fetches the last meta blob for a job.
func (s *Store) JobMeta(id string) (map[string]any, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	var metaJSON string
	err := s.DB.QueryRow(`SELECT meta_json FROM job_results WHERE job_id=? ORDER BY created_at DESC, rowid DESC LIMIT 1;`, id).Scan(&metaJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var meta map[string]any
	if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
		return nil, fmt.Errorf("unmarshal meta: %w", err)
	}
	return meta, nil
}

// SessionRecord is one stored two-frame solve.
type SessionRecord struct {
	ID             string        `json:"id"`
	FrameA         string        `json:"frame_a"`
	FrameB         string        `json:"frame_b"`
	Profile        string        `json:"profile,omitempty"`
	Status         string        `json:"status"`
	OK             bool          `json:"ok"`
	Angle          float64       `json:"angle"`
	CenterX        float64       `json:"center_x"`
	CenterY        float64       `json:"center_y"`
	OffsetX        float64       `json:"offset_x"`
	OffsetY        float64       `json:"offset_y"`
	Matches        int           `json:"matches"`
	StarsA         int           `json:"stars_a"`
	StarsB         int           `json:"stars_b"`
	MeanError      *float64      `json:"mean_error"`
	TotalError     float64       `json:"total_error"`
	AzimuthArcsec  *float64      `json:"azimuth_arcsec"`
	AltitudeArcsec *float64      `json:"altitude_arcsec"`
	TotalArcsec    *float64      `json:"total_arcsec"`
	Message        string        `json:"message"`
	Elapsed        time.Duration `json:"elapsed"`
	CreatedAt      time.Time     `json:"created_at"`
}

// SessionFromReport flattens a report. Angular fields stay nil when the
// optics were unusable; the mean error stays nil when nothing matched.
func SessionFromReport(id, frameA, frameB, profile string, rep polar.Report) SessionRecord {
	res := rep.Result
	rec := SessionRecord{
		ID:         id,
		FrameA:     frameA,
		FrameB:     frameB,
		Profile:    profile,
		Status:     string(rep.Status()),
		OK:         rep.OK(),
		Angle:      res.Angle,
		CenterX:    res.Center.X,
		CenterY:    res.Center.Y,
		OffsetX:    res.Offset.X,
		OffsetY:    res.Offset.Y,
		Matches:    res.Matches,
		StarsA:     res.StarsA,
		StarsB:     res.StarsB,
		TotalError: res.TotalError,
		Message:    rep.Message(),
		Elapsed:    res.Elapsed,
		CreatedAt:  time.Now(),
	}
	if !math.IsInf(res.MeanError, 0) && !math.IsNaN(res.MeanError) {
		v := res.MeanError
		rec.MeanError = &v
	}
	if rep.Error.OK {
		az, alt, total := rep.Error.AzimuthArcsec, rep.Error.AltitudeArcsec, rep.Error.TotalArcsec
		rec.AzimuthArcsec, rec.AltitudeArcsec, rec.TotalArcsec = &az, &alt, &total
	}
	return rec
}

// RecordSession stores rec, replacing any session with the same id.
func (s *Store) RecordSession(rec SessionRecord) error {
	if s == nil {
		return nil
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO solve_sessions (
            id, frame_a, frame_b, profile, status, ok, angle, center_x, center_y, offset_x, offset_y,
            matches, stars_a, stars_b, mean_error, total_error, az_arcsec, alt_arcsec, total_arcsec,
            message, elapsed_ms, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		rec.ID, rec.FrameA, rec.FrameB, rec.Profile, rec.Status, rec.OK, rec.Angle,
		rec.CenterX, rec.CenterY, rec.OffsetX, rec.OffsetY,
		rec.Matches, rec.StarsA, rec.StarsB, nullFloat(rec.MeanError), rec.TotalError,
		nullFloat(rec.AzimuthArcsec), nullFloat(rec.AltitudeArcsec), nullFloat(rec.TotalArcsec),
		rec.Message, rec.Elapsed.Milliseconds(), rec.CreatedAt.UnixNano())
	return err
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

const sessionColumns = `id, frame_a, frame_b, profile, status, ok, angle, center_x, center_y, offset_x, offset_y,
    matches, stars_a, stars_b, mean_error, total_error, az_arcsec, alt_arcsec, total_arcsec,
    message, elapsed_ms, created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (SessionRecord, error) {
	var (
		rec                     SessionRecord
		frameA, frameB, profile sql.NullString
		message                 sql.NullString
		mean, az, alt, total    sql.NullFloat64
		elapsedMS, created      int64
	)
	err := row.Scan(&rec.ID, &frameA, &frameB, &profile, &rec.Status, &rec.OK, &rec.Angle,
		&rec.CenterX, &rec.CenterY, &rec.OffsetX, &rec.OffsetY,
		&rec.Matches, &rec.StarsA, &rec.StarsB, &mean, &rec.TotalError, &az, &alt, &total,
		&message, &elapsedMS, &created)
	if err != nil {
		return rec, err
	}
	rec.FrameA, rec.FrameB, rec.Profile = frameA.String, frameB.String, profile.String
	rec.Message = message.String
	rec.MeanError = floatPtr(mean)
	rec.AzimuthArcsec = floatPtr(az)
	rec.AltitudeArcsec = floatPtr(alt)
	rec.TotalArcsec = floatPtr(total)
	rec.Elapsed = time.Duration(elapsedMS) * time.Millisecond
	rec.CreatedAt = time.Unix(0, created)
	return rec, nil
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

// RecentSessions returns the newest sessions first, at most limit.
func (s *Store) RecentSessions(limit int) ([]SessionRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT `+sessionColumns+` FROM solve_sessions ORDER BY created_at DESC, rowid DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// Session fetches one session by id.
func (s *Store) Session(id string) (SessionRecord, error) {
	if s == nil {
		return SessionRecord{}, errors.New("store not initialized")
	}
	rec, err := scanSession(s.DB.QueryRow(`SELECT `+sessionColumns+` FROM solve_sessions WHERE id=?;`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return rec, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return rec, err
}
