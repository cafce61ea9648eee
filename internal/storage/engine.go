// Package storage persists fetched market data in an embedded DuckDB file.
// Four tables, each upserted by natural key; the security master alone is
// overwritten per run. Dates are stored as YYYYMMDD strings, so MAX over a
// date column is both lexicographic and chronological.
package storage

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/marcboeker/go-duckdb"

	"stocksync/internal/models"
)

// Engine is the single-writer store. The connection opens lazily on first
// use; readers share it, writers serialize on the mutex.
type Engine struct {
	mu   sync.Mutex
	db   *sql.DB
	path string
}

// NewEngine creates an engine for the database file at path. No connection
// is opened until the first operation needs one.
func NewEngine(path string) *Engine {
	return &Engine{path: path}
}

// conn opens the database on first use and applies the schema.
func (e *Engine) conn() (*sql.DB, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connLocked()
}

func (e *Engine) connLocked() (*sql.DB, error) {
	if e.db != nil {
		return e.db, nil
	}
	if dir := filepath.Dir(e.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}
	db, err := sql.Open("duckdb", e.path)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", e.path, err)
	}
	for _, ddl := range schemaDDL {
		if _, err := db.Exec(ddl); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply schema: %w", err)
		}
	}
	e.db = db
	log.Printf("[Storage] Opened database at %s", e.path)
	return e.db, nil
}

// Close releases the database connection.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.db == nil {
		return nil
	}
	err := e.db.Close()
	e.db = nil
	return err
}

// Save routes a frame to its table by data type. financials_* variants all
// land in financial_data; their rows merge by primary key, so the three
// statement types fill complementary columns of the same row set.
func (e *Engine) Save(frame *models.Frame, dataType string) error {
	spec, err := specForDataType(dataType)
	if err != nil {
		return err
	}
	if spec.overwrite {
		return e.overwriteAll(spec, frame)
	}
	return e.upsert(spec, frame)
}

// SaveStockList replaces the security master wholesale. The master is
// mutable truth (delistings, renames), so stale rows must not survive.
func (e *Engine) SaveStockList(frame *models.Frame) error {
	return e.Save(frame, string(models.TaskStockList))
}

func (e *Engine) SaveDailyData(frame *models.Frame) error {
	return e.Save(frame, string(models.TaskDaily))
}

func (e *Engine) SaveFundamentalData(frame *models.Frame) error {
	return e.Save(frame, string(models.TaskDailyBasic))
}

func (e *Engine) SaveFinancialData(frame *models.Frame) error {
	return e.Save(frame, string(models.TaskFinancials))
}

// upsert inserts the intersection of the frame's columns and the table's
// columns, merging on primary-key conflict. Unknown frame columns are
// dropped; absent table columns stay NULL. created_at survives conflicts,
// updated_at always advances.
func (e *Engine) upsert(spec tableSpec, frame *models.Frame) error {
	if frame.IsEmpty() {
		return nil
	}
	cols, idxs, err := spec.intersect(frame)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	db, err := e.connLocked()
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	stmt := spec.upsertSQL(cols)
	for start := 0; start < len(frame.Rows); start += insertChunk {
		end := start + insertChunk
		if end > len(frame.Rows) {
			end = len(frame.Rows)
		}
		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin %s upsert: %w", spec.name, err)
		}
		prepared, err := tx.Prepare(stmt)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("prepare %s upsert: %w", spec.name, err)
		}
		for _, row := range frame.Rows[start:end] {
			args := make([]any, 0, len(idxs)+2)
			for _, i := range idxs {
				if i < len(row) {
					args = append(args, row[i])
				} else {
					args = append(args, nil)
				}
			}
			args = append(args, now, now)
			if _, err := prepared.Exec(args...); err != nil {
				prepared.Close()
				tx.Rollback()
				return fmt.Errorf("upsert into %s: %w", spec.name, err)
			}
		}
		prepared.Close()
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit %s upsert: %w", spec.name, err)
		}
	}
	return nil
}

// overwriteAll is the delete-then-insert path for the security master.
// Both steps share one transaction so a failed insert leaves the previous
// master intact.
func (e *Engine) overwriteAll(spec tableSpec, frame *models.Frame) error {
	cols, idxs, err := spec.intersect(frame)
	if err != nil && !frame.IsEmpty() {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	db, err := e.connLocked()
	if err != nil {
		return err
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin %s overwrite: %w", spec.name, err)
	}
	if _, err := tx.Exec("DELETE FROM " + spec.name); err != nil {
		tx.Rollback()
		return fmt.Errorf("clear %s: %w", spec.name, err)
	}
	if !frame.IsEmpty() {
		now := time.Now().UTC()
		prepared, err := tx.Prepare(spec.insertSQL(cols))
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("prepare %s insert: %w", spec.name, err)
		}
		for _, row := range frame.Rows {
			args := make([]any, 0, len(idxs)+2)
			for _, i := range idxs {
				if i < len(row) {
					args = append(args, row[i])
				} else {
					args = append(args, nil)
				}
			}
			args = append(args, now, now)
			if _, err := prepared.Exec(args...); err != nil {
				prepared.Close()
				tx.Rollback()
				return fmt.Errorf("insert into %s: %w", spec.name, err)
			}
		}
		prepared.Close()
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %s overwrite: %w", spec.name, err)
	}
	return nil
}

// GetLatestDate returns the watermark for one (data type, symbol), or false
// when no rows exist.
func (e *Engine) GetLatestDate(dataType, symbol string) (string, bool, error) {
	spec, err := specForDataType(dataType)
	if err != nil {
		return "", false, err
	}
	db, err := e.conn()
	if err != nil {
		return "", false, err
	}

	var latest sql.NullString
	query := fmt.Sprintf("SELECT MAX(%s) FROM %s WHERE ts_code = ?", spec.dateCol, spec.name)
	if err := db.QueryRow(query, symbol).Scan(&latest); err != nil {
		return "", false, fmt.Errorf("watermark query on %s: %w", spec.name, err)
	}
	if !latest.Valid || latest.String == "" {
		return "", false, nil
	}
	return latest.String, true, nil
}

// BatchGetLatestDates fetches watermarks for many symbols in one grouped
// query per chunk. Symbols with no rows are omitted from the result.
func (e *Engine) BatchGetLatestDates(dataType string, symbols []string) (map[string]string, error) {
	spec, err := specForDataType(dataType)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(symbols))
	if len(symbols) == 0 {
		return out, nil
	}
	db, err := e.conn()
	if err != nil {
		return nil, err
	}

	for start := 0; start < len(symbols); start += queryChunk {
		end := start + queryChunk
		if end > len(symbols) {
			end = len(symbols)
		}
		chunk := symbols[start:end]
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(chunk)), ",")
		query := fmt.Sprintf(
			"SELECT ts_code, MAX(%s) FROM %s WHERE ts_code IN (%s) GROUP BY ts_code",
			spec.dateCol, spec.name, placeholders)
		args := make([]any, len(chunk))
		for i, s := range chunk {
			args[i] = s
		}
		rows, err := db.Query(query, args...)
		if err != nil {
			return nil, fmt.Errorf("batch watermark query on %s: %w", spec.name, err)
		}
		for rows.Next() {
			var code string
			var latest sql.NullString
			if err := rows.Scan(&code, &latest); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan watermark row: %w", err)
			}
			if latest.Valid && latest.String != "" {
				out[code] = latest.String
			}
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, fmt.Errorf("batch watermark rows: %w", err)
		}
		rows.Close()
	}
	return out, nil
}

// GetAllStockCodes reads every ts_code in the security master.
func (e *Engine) GetAllStockCodes() ([]string, error) {
	db, err := e.conn()
	if err != nil {
		return nil, err
	}
	rows, err := db.Query("SELECT ts_code FROM sys_stock_list ORDER BY ts_code")
	if err != nil {
		return nil, fmt.Errorf("read security master: %w", err)
	}
	defer rows.Close()

	var codes []string
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, fmt.Errorf("scan ts_code: %w", err)
		}
		codes = append(codes, code)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("security master rows: %w", err)
	}
	return codes, nil
}

// TablePair is one (data type, symbol) presence fact for reconciliation.
type TablePair struct {
	DataType string
	Symbol   string
}

// ListBusinessTables enumerates every (data type, symbol) pair with at
// least one stored row, across all business tables.
func (e *Engine) ListBusinessTables() ([]TablePair, error) {
	db, err := e.conn()
	if err != nil {
		return nil, err
	}

	var pairs []TablePair
	for _, spec := range businessSpecs {
		rows, err := db.Query("SELECT DISTINCT ts_code FROM " + spec.name)
		if err != nil {
			return nil, fmt.Errorf("enumerate %s: %w", spec.name, err)
		}
		for rows.Next() {
			var code string
			if err := rows.Scan(&code); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan %s ts_code: %w", spec.name, err)
			}
			pairs = append(pairs, TablePair{DataType: spec.dataType, Symbol: code})
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, fmt.Errorf("%s rows: %w", spec.name, err)
		}
		rows.Close()
	}
	return pairs, nil
}

const (
	insertChunk = 500
	queryChunk  = 1000
)
