package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gpsrecorder/go-location-agent/internal/model"

	_ "modernc.org/sqlite"
)

// ErrMissingField is returned when a reading lacks a column the queue requires.
var ErrMissingField = errors.New("missing required field")

// PersistenceError reports a failed queue store operation.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

func persistErr(op string, err error) error {
	return &PersistenceError{Op: op, Err: err}
}

// Store is the durable queue of readings awaiting confirmed delivery.
type Store struct {
	db *sql.DB
}

// Open initializes the database connection, creating directories as needed.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, persistErr("create db directory", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, persistErr("open sqlite", err)
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(5 * time.Minute)

	return &Store{db: db}, nil
}

// New wraps an existing handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// conn acquires a dedicated connection for the duration of one operation.
func (s *Store) conn(ctx context.Context, op string) (*sql.Conn, error) {
	if s == nil || s.db == nil {
		return nil, persistErr(op, errors.New("store not initialized"))
	}
	c, err := s.db.Conn(ctx)
	if err != nil {
		return nil, persistErr(op, err)
	}
	return c, nil
}

// InitSchema ensures the queue and config tables exist. It is safe to call on every start.
func (s *Store) InitSchema(ctx context.Context) error {
	c, err := s.conn(ctx, "init schema")
	if err != nil {
		return err
	}
	defer c.Close()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS location_data (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			latitude REAL NOT NULL,
			longitude REAL NOT NULL,
			reading_datetime TEXT NOT NULL,
			device_type TEXT NOT NULL DEFAULT 'mobile',
			device_uuid TEXT NOT NULL,
			upload_type TEXT NOT NULL DEFAULT 'synchronised',
			accuracy REAL,
			speed REAL,
			speed_unit TEXT NOT NULL DEFAULT 'mps',
			upload_datetime TEXT
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_location_data_reading_datetime ON location_data(reading_datetime);`,
		`CREATE TABLE IF NOT EXISTS app_config (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		);`,
	}

	for _, stmt := range stmts {
		if _, err := c.ExecContext(ctx, stmt); err != nil {
			return persistErr("init schema", err)
		}
	}

	return nil
}

// Enqueue inserts a reading that still needs to be delivered.
// Rows are stored tagged synchronised since any later send is a resend.
func (s *Store) Enqueue(ctx context.Context, r model.Reading) error {
	if err := validate(r); err != nil {
		return persistErr("enqueue reading", err)
	}

	c, err := s.conn(ctx, "enqueue reading")
	if err != nil {
		return err
	}
	defer c.Close()

	deviceType := r.DeviceType
	if deviceType == "" {
		deviceType = model.DefaultDeviceType
	}
	speedUnit := r.SpeedUnit
	if speedUnit == "" {
		speedUnit = model.SpeedUnitMPS
	}

	_, err = c.ExecContext(
		ctx,
		`INSERT INTO location_data (latitude, longitude, reading_datetime, device_type, device_uuid, upload_type, accuracy, speed, speed_unit, upload_datetime)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		*r.Latitude,
		*r.Longitude,
		r.ReadingDatetime,
		deviceType,
		r.DeviceUUID,
		string(model.UploadSynchronised),
		nullFloat(r.Accuracy),
		nullFloat(r.Speed),
		speedUnit,
		nullString(r.UploadDatetime),
	)
	if err != nil {
		return persistErr("enqueue reading", err)
	}

	return nil
}

// ListAll returns every queued reading in insertion order. The slice is never nil.
func (s *Store) ListAll(ctx context.Context) ([]model.Reading, error) {
	c, err := s.conn(ctx, "list readings")
	if err != nil {
		return nil, err
	}
	defer c.Close()

	rows, err := c.QueryContext(
		ctx,
		`SELECT latitude, longitude, reading_datetime, device_type, device_uuid, upload_type, accuracy, speed, speed_unit, upload_datetime
		 FROM location_data
		 ORDER BY id ASC;`)
	if err != nil {
		return nil, persistErr("list readings", err)
	}
	defer rows.Close()

	readings := make([]model.Reading, 0)
	for rows.Next() {
		var (
			lat, lon        float64
			readingDatetime string
			deviceType      string
			deviceUUID      string
			uploadType      string
			accuracy        sql.NullFloat64
			speed           sql.NullFloat64
			speedUnit       string
			uploadDatetime  sql.NullString
		)
		if err := rows.Scan(&lat, &lon, &readingDatetime, &deviceType, &deviceUUID, &uploadType, &accuracy, &speed, &speedUnit, &uploadDatetime); err != nil {
			return nil, persistErr("scan reading", err)
		}

		r := model.Reading{
			Latitude:        model.Float(lat),
			Longitude:       model.Float(lon),
			ReadingDatetime: readingDatetime,
			DeviceType:      deviceType,
			DeviceUUID:      deviceUUID,
			UploadType:      model.UploadType(uploadType),
			SpeedUnit:       speedUnit,
			UploadDatetime:  uploadDatetime.String,
		}
		if accuracy.Valid {
			r.Accuracy = model.Float(accuracy.Float64)
		}
		if speed.Valid {
			r.Speed = model.Float(speed.Float64)
		}
		readings = append(readings, r)
	}

	if err := rows.Err(); err != nil {
		return nil, persistErr("iterate readings", err)
	}

	return readings, nil
}

// Remove deletes the rows keyed by readingDatetime and reports how many went away.
// Removing a key that is not queued is not an error.
func (s *Store) Remove(ctx context.Context, readingDatetime string) (int64, error) {
	c, err := s.conn(ctx, "remove reading")
	if err != nil {
		return 0, err
	}
	defer c.Close()

	res, err := c.ExecContext(ctx, `DELETE FROM location_data WHERE reading_datetime = ?;`, readingDatetime)
	if err != nil {
		return 0, persistErr("remove reading", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, persistErr("remove reading", err)
	}
	return n, nil
}

// Count returns the number of queued readings.
func (s *Store) Count(ctx context.Context) (int, error) {
	c, err := s.conn(ctx, "count readings")
	if err != nil {
		return 0, err
	}
	defer c.Close()

	var n int
	if err := c.QueryRowContext(ctx, `SELECT COUNT(*) FROM location_data;`).Scan(&n); err != nil {
		return 0, persistErr("count readings", err)
	}
	return n, nil
}

// UpsertAppConfig stores or updates a configuration key/value pair.
func (s *Store) UpsertAppConfig(ctx context.Context, key, value string) error {
	c, err := s.conn(ctx, "upsert app config")
	if err != nil {
		return err
	}
	defer c.Close()

	_, err = c.ExecContext(
		ctx,
		`INSERT INTO app_config (key, value, updated_at) VALUES (?, ?, strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at;`,
		key,
		value,
	)
	if err != nil {
		return persistErr("upsert app config", err)
	}
	return nil
}

// AppConfigValue returns the stored value for key, or "" when absent.
func (s *Store) AppConfigValue(ctx context.Context, key string) (string, error) {
	c, err := s.conn(ctx, "get app config")
	if err != nil {
		return "", err
	}
	defer c.Close()

	var value string
	err = c.QueryRowContext(ctx, `SELECT value FROM app_config WHERE key = ?;`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", persistErr("get app config", err)
	}
	return value, nil
}

func validate(r model.Reading) error {
	switch {
	case r.Latitude == nil:
		return fmt.Errorf("%w: latitude", ErrMissingField)
	case r.Longitude == nil:
		return fmt.Errorf("%w: longitude", ErrMissingField)
	case r.ReadingDatetime == "":
		return fmt.Errorf("%w: reading_datetime", ErrMissingField)
	case r.DeviceUUID == "":
		return fmt.Errorf("%w: device_uuid", ErrMissingField)
	}
	return nil
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func nullString(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}
