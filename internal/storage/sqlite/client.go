// Package sqlite persists assessment history, drift reference
// distributions, and fitted calibration parameters.
package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/closurewatch/backend/internal/storage/models"
	"github.com/closurewatch/backend/pkg/logger"
)

type Client struct {
	db *sql.DB
}

func NewClient(dbPath string) (*Client, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	_, err = db.Exec("PRAGMA foreign_keys = ON")
	if err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	_, err = db.Exec("PRAGMA journal_mode = WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	logger.Info("SQLite client initialized", zap.String("path", dbPath))

	return &Client{db: db}, nil
}

func (c *Client) Ping() error {
	return c.db.Ping()
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS assessments (
		case_id TEXT PRIMARY KEY,
		query TEXT NOT NULL,
		entity_id TEXT,
		business_name TEXT,
		risk_score REAL NOT NULL,
		risk_band TEXT NOT NULL,
		qa_status TEXT,
		payload TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_assessments_entity ON assessments(entity_id);
	CREATE INDEX IF NOT EXISTS idx_assessments_created ON assessments(created_at);

	CREATE TABLE IF NOT EXISTS reference_distributions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		feature_name TEXT NOT NULL,
		values_json TEXT NOT NULL,
		period TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_refdist_feature ON reference_distributions(feature_name);

	CREATE TABLE IF NOT EXISTS calibration_params (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		method TEXT NOT NULL,
		a REAL,
		b REAL,
		mapping TEXT,
		sample_n INTEGER,
		fitted_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_calibration_method ON calibration_params(method);
	`

	_, err := c.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("SQLite schema initialized")
	return nil
}

func (c *Client) InsertAssessment(rec *models.AssessmentRecord) error {
	query := `
		INSERT INTO assessments (case_id, query, entity_id, business_name, risk_score, risk_band, qa_status, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(case_id) DO UPDATE SET
			risk_score = excluded.risk_score,
			risk_band = excluded.risk_band,
			qa_status = excluded.qa_status,
			payload = excluded.payload
	`

	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err := c.db.Exec(
		query,
		rec.CaseID,
		rec.Query,
		rec.EntityID,
		rec.BusinessName,
		rec.RiskScore,
		rec.RiskBand,
		rec.QAStatus,
		rec.Payload,
		createdAt.Unix(),
	)

	if err != nil {
		return fmt.Errorf("failed to insert assessment: %w", err)
	}

	logger.Debug("Assessment stored", zap.String("case_id", rec.CaseID))
	return nil
}

// GetAssessment returns nil without error when the case is unknown.
func (c *Client) GetAssessment(caseID string) (*models.AssessmentRecord, error) {
	query := `
		SELECT case_id, query, entity_id, business_name, risk_score, risk_band, qa_status, payload, created_at
		FROM assessments WHERE case_id = ?
	`

	var rec models.AssessmentRecord
	var createdAt int64

	err := c.db.QueryRow(query, caseID).Scan(
		&rec.CaseID,
		&rec.Query,
		&rec.EntityID,
		&rec.BusinessName,
		&rec.RiskScore,
		&rec.RiskBand,
		&rec.QAStatus,
		&rec.Payload,
		&createdAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get assessment: %w", err)
	}

	rec.CreatedAt = time.Unix(createdAt, 0)
	return &rec, nil
}

func (c *Client) History(limit int) ([]models.AssessmentRecord, error) {
	if limit <= 0 {
		limit = 20
	}

	query := `
		SELECT case_id, query, entity_id, business_name, risk_score, risk_band, qa_status, payload, created_at
		FROM assessments ORDER BY created_at DESC LIMIT ?
	`

	rows, err := c.db.Query(query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var records []models.AssessmentRecord
	for rows.Next() {
		var rec models.AssessmentRecord
		var createdAt int64

		err := rows.Scan(
			&rec.CaseID,
			&rec.Query,
			&rec.EntityID,
			&rec.BusinessName,
			&rec.RiskScore,
			&rec.RiskBand,
			&rec.QAStatus,
			&rec.Payload,
			&createdAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan assessment row: %w", err)
		}

		rec.CreatedAt = time.Unix(createdAt, 0)
		records = append(records, rec)
	}

	return records, rows.Err()
}

// SaveReferenceDistribution replaces the stored baseline for a feature.
func (c *Client) SaveReferenceDistribution(featureName string, values []float64, period string) error {
	data, err := json.Marshal(values)
	if err != nil {
		return fmt.Errorf("failed to marshal distribution: %w", err)
	}

	tx, err := c.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM reference_distributions WHERE feature_name = ?", featureName); err != nil {
		return fmt.Errorf("failed to clear old distribution: %w", err)
	}

	_, err = tx.Exec(
		"INSERT INTO reference_distributions (feature_name, values_json, period, created_at) VALUES (?, ?, ?, ?)",
		featureName, string(data), period, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert distribution: %w", err)
	}

	return tx.Commit()
}

// ReferenceDistributions loads every stored baseline, keyed by feature.
func (c *Client) ReferenceDistributions() (map[string][]float64, error) {
	rows, err := c.db.Query("SELECT feature_name, values_json FROM reference_distributions")
	if err != nil {
		return nil, fmt.Errorf("failed to query distributions: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]float64)
	for rows.Next() {
		var name, valuesJSON string
		if err := rows.Scan(&name, &valuesJSON); err != nil {
			return nil, fmt.Errorf("failed to scan distribution row: %w", err)
		}

		var values []float64
		if err := json.Unmarshal([]byte(valuesJSON), &values); err != nil {
			logger.Warn("Skipping corrupt reference distribution", zap.String("feature", name), zap.Error(err))
			continue
		}
		out[name] = values
	}

	return out, rows.Err()
}

func (c *Client) SaveCalibration(rec *models.CalibrationRecord) error {
	fittedAt := rec.FittedAt
	if fittedAt.IsZero() {
		fittedAt = time.Now()
	}

	_, err := c.db.Exec(
		"INSERT INTO calibration_params (method, a, b, mapping, sample_n, fitted_at) VALUES (?, ?, ?, ?, ?, ?)",
		rec.Method, rec.A, rec.B, rec.Mapping, rec.SampleN, fittedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to save calibration: %w", err)
	}

	logger.Info("Calibration parameters stored", zap.String("method", rec.Method), zap.Int("sample_n", rec.SampleN))
	return nil
}

// LatestCalibration returns nil without error when nothing is fitted.
func (c *Client) LatestCalibration(method string) (*models.CalibrationRecord, error) {
	query := `
		SELECT id, method, a, b, mapping, sample_n, fitted_at
		FROM calibration_params WHERE method = ? ORDER BY fitted_at DESC LIMIT 1
	`

	var rec models.CalibrationRecord
	var fittedAt int64

	err := c.db.QueryRow(query, method).Scan(&rec.ID, &rec.Method, &rec.A, &rec.B, &rec.Mapping, &rec.SampleN, &fittedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get calibration: %w", err)
	}

	rec.FittedAt = time.Unix(fittedAt, 0)
	return &rec, nil
}
