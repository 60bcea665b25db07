package main

import (
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Printer is a persisted printer record. Live state lives in the
// StateStore; this is the connection configuration.
type Printer struct {
	Serial      string `json:"serial"`
	Name        string `json:"name"`
	Model       string `json:"model"`
	IPAddress   string `json:"ip_address"`
	AccessCode  string `json:"access_code,omitempty"`
	AutoConnect bool   `json:"auto_connect"`
}

// Spool is a persisted filament spool record.
type Spool struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Brand       string `json:"brand"`
	Material    string `json:"material"`
	Variant     string `json:"variant"`
	Color       string `json:"color"` // 8 hex digits, RGBA
	TagUID      string `json:"tag_uid,omitempty"`
	LabelWeight int    `json:"label_weight"` // grams of filament on the label
	CoreWeight  int    `json:"core_weight"`  // grams of empty spool
	Consumed    int    `json:"consumed"`     // grams used so far
}

// SlotAssignment links a physical (printer, unit, slot) to a spool.
type SlotAssignment struct {
	Serial     string    `json:"serial"`
	AmsID      int       `json:"ams_id"`
	TrayID     int       `json:"tray_id"`
	SpoolID    int64     `json:"spool_id"`
	AssignedAt time.Time `json:"assigned_at"`
}

// UsageRecord is one logged print's consumption against a spool.
type UsageRecord struct {
	ID         int64     `json:"id"`
	SpoolID    int64     `json:"spool_id"`
	Serial     string    `json:"serial"`
	PrintName  string    `json:"print_name"`
	WeightUsed float64   `json:"weight_used"`
	LoggedAt   time.Time `json:"logged_at"`
}

// Store is the SQLite persistence layer for spools, printers, slot
// assignments, the calibration-profile cache and usage history. The
// engine reads calibration profiles and writes resolved assignments; it
// does not own any live printer state.
type Store struct {
	db *sql.DB
}

// NewStore opens (and if needed bootstraps) the database.
func NewStore(dbFile string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbFile)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	s := &Store{db: db}
	if err := s.initTables(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initTables() error {
	createTables := []string{
		`CREATE TABLE IF NOT EXISTS configuration (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS printers (
			serial TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			model TEXT,
			ip_address TEXT NOT NULL,
			access_code TEXT,
			auto_connect INTEGER DEFAULT 0,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS spools (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT,
			brand TEXT,
			material TEXT,
			variant TEXT,
			color TEXT,
			tag_uid TEXT,
			label_weight INTEGER DEFAULT 1000,
			core_weight INTEGER DEFAULT 250,
			consumed INTEGER DEFAULT 0,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS slot_assignments (
			serial TEXT,
			ams_id INTEGER,
			tray_id INTEGER,
			spool_id INTEGER,
			assigned_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (serial, ams_id, tray_id)
		)`,
		`CREATE TABLE IF NOT EXISTS calibration_cache (
			serial TEXT,
			cali_idx INTEGER,
			filament_id TEXT,
			name TEXT,
			k_value REAL,
			nozzle_diameter TEXT,
			extruder INTEGER DEFAULT -1,
			cached_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (serial, cali_idx, nozzle_diameter)
		)`,
		`CREATE TABLE IF NOT EXISTS usage_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			spool_id INTEGER,
			serial TEXT,
			print_name TEXT,
			weight_used REAL,
			logged_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
	}

	for _, query := range createTables {
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	return s.initializeDefaultConfig()
}

// initializeDefaultConfig seeds configuration values on a fresh install.
func (s *Store) initializeDefaultConfig() error {
	defaults := map[string]string{
		ConfigKeyWebPort:        DefaultWebPort,
		ConfigKeyCommandTimeout: fmt.Sprintf("%d", DefaultCommandTimeout),
		ConfigKeyReconnectMax:   fmt.Sprintf("%d", ReconnectMaxSeconds),
		ConfigKeyDeviceTimeout:  fmt.Sprintf("%d", DefaultDeviceTimeout),
		ConfigKeyDefaultNozzle:  DefaultNozzleDiameter,
	}

	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM configuration").Scan(&count); err != nil {
		return fmt.Errorf("failed to check config existence: %w", err)
	}
	if count > 0 {
		return nil
	}
	for key, value := range defaults {
		if _, err := s.db.Exec(
			"INSERT INTO configuration (key, value) VALUES (?, ?)", key, value,
		); err != nil {
			return fmt.Errorf("failed to insert default config %s: %w", key, err)
		}
	}
	return nil
}

// GetConfigValue gets a configuration value.
func (s *Store) GetConfigValue(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM configuration WHERE key = ?", key).Scan(&value)
	if err != nil {
		return "", fmt.Errorf("failed to get config value for %s: %w", key, err)
	}
	return value, nil
}

// SetConfigValue sets a configuration value.
func (s *Store) SetConfigValue(key, value string) error {
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO configuration (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)",
		key, value,
	)
	if err != nil {
		return fmt.Errorf("failed to set config value for %s: %w", key, err)
	}
	return nil
}

// GetAllConfig gets all configuration values.
func (s *Store) GetAllConfig() (map[string]string, error) {
	rows, err := s.db.Query("SELECT key, value FROM configuration")
	if err != nil {
		return nil, fmt.Errorf("failed to get all config: %w", err)
	}
	defer rows.Close()

	config := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("failed to scan config row: %w", err)
		}
		config[key] = value
	}
	return config, rows.Err()
}

// GetPrinters returns all persisted printers.
func (s *Store) GetPrinters() ([]Printer, error) {
	rows, err := s.db.Query("SELECT serial, name, model, ip_address, access_code, auto_connect FROM printers ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("failed to get printers: %w", err)
	}
	defer rows.Close()

	var printers []Printer
	for rows.Next() {
		var p Printer
		if err := rows.Scan(&p.Serial, &p.Name, &p.Model, &p.IPAddress, &p.AccessCode, &p.AutoConnect); err != nil {
			return nil, fmt.Errorf("failed to scan printer row: %w", err)
		}
		printers = append(printers, p)
	}
	return printers, rows.Err()
}

// GetPrinter returns one printer, or nil when unknown.
func (s *Store) GetPrinter(serial string) (*Printer, error) {
	var p Printer
	err := s.db.QueryRow(
		"SELECT serial, name, model, ip_address, access_code, auto_connect FROM printers WHERE serial = ?",
		serial,
	).Scan(&p.Serial, &p.Name, &p.Model, &p.IPAddress, &p.AccessCode, &p.AutoConnect)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get printer %s: %w", serial, err)
	}
	return &p, nil
}

// SavePrinter creates or replaces a printer record.
func (s *Store) SavePrinter(p Printer) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO printers (serial, name, model, ip_address, access_code, auto_connect)
		VALUES (?, ?, ?, ?, ?, ?)
	`, p.Serial, p.Name, p.Model, p.IPAddress, p.AccessCode, p.AutoConnect)
	if err != nil {
		return fmt.Errorf("failed to save printer: %w", err)
	}
	return nil
}

// DeletePrinter removes a printer and its slot assignments.
func (s *Store) DeletePrinter(serial string) error {
	if _, err := s.db.Exec("DELETE FROM slot_assignments WHERE serial = ?", serial); err != nil {
		return fmt.Errorf("failed to delete printer assignments: %w", err)
	}
	if _, err := s.db.Exec("DELETE FROM printers WHERE serial = ?", serial); err != nil {
		return fmt.Errorf("failed to delete printer: %w", err)
	}
	return nil
}

// GetAutoConnectPrinters returns printers flagged for connection at boot.
func (s *Store) GetAutoConnectPrinters() ([]Printer, error) {
	printers, err := s.GetPrinters()
	if err != nil {
		return nil, err
	}
	var out []Printer
	for _, p := range printers {
		if p.AutoConnect && p.IPAddress != "" && p.AccessCode != "" {
			out = append(out, p)
		}
	}
	return out, nil
}

// GetSpools returns all spools.
func (s *Store) GetSpools() ([]Spool, error) {
	rows, err := s.db.Query(
		"SELECT id, name, brand, material, variant, color, tag_uid, label_weight, core_weight, consumed FROM spools ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to get spools: %w", err)
	}
	defer rows.Close()

	var spools []Spool
	for rows.Next() {
		var sp Spool
		if err := rows.Scan(&sp.ID, &sp.Name, &sp.Brand, &sp.Material, &sp.Variant, &sp.Color,
			&sp.TagUID, &sp.LabelWeight, &sp.CoreWeight, &sp.Consumed); err != nil {
			return nil, fmt.Errorf("failed to scan spool row: %w", err)
		}
		spools = append(spools, sp)
	}
	return spools, rows.Err()
}

// GetSpool returns one spool, or nil when unknown.
func (s *Store) GetSpool(id int64) (*Spool, error) {
	var sp Spool
	err := s.db.QueryRow(
		"SELECT id, name, brand, material, variant, color, tag_uid, label_weight, core_weight, consumed FROM spools WHERE id = ?",
		id,
	).Scan(&sp.ID, &sp.Name, &sp.Brand, &sp.Material, &sp.Variant, &sp.Color,
		&sp.TagUID, &sp.LabelWeight, &sp.CoreWeight, &sp.Consumed)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get spool %d: %w", id, err)
	}
	return &sp, nil
}

// GetSpoolByTag looks a spool up by its NFC tag UID.
func (s *Store) GetSpoolByTag(tagUID string) (*Spool, error) {
	var id int64
	err := s.db.QueryRow("SELECT id FROM spools WHERE tag_uid = ?", tagUID).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up tag %s: %w", tagUID, err)
	}
	return s.GetSpool(id)
}

// CreateSpool inserts a spool and returns it with its id.
func (s *Store) CreateSpool(sp Spool) (Spool, error) {
	if sp.LabelWeight == 0 {
		sp.LabelWeight = 1000
	}
	if sp.CoreWeight == 0 {
		sp.CoreWeight = 250
	}
	res, err := s.db.Exec(`
		INSERT INTO spools (name, brand, material, variant, color, tag_uid, label_weight, core_weight, consumed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, sp.Name, sp.Brand, sp.Material, sp.Variant, sp.Color, sp.TagUID, sp.LabelWeight, sp.CoreWeight, sp.Consumed)
	if err != nil {
		return Spool{}, fmt.Errorf("failed to create spool: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Spool{}, fmt.Errorf("failed to read new spool id: %w", err)
	}
	sp.ID = id
	return sp, nil
}

// UpdateSpool replaces a spool's fields.
func (s *Store) UpdateSpool(sp Spool) error {
	_, err := s.db.Exec(`
		UPDATE spools SET name = ?, brand = ?, material = ?, variant = ?, color = ?,
			tag_uid = ?, label_weight = ?, core_weight = ?, consumed = ?
		WHERE id = ?
	`, sp.Name, sp.Brand, sp.Material, sp.Variant, sp.Color, sp.TagUID,
		sp.LabelWeight, sp.CoreWeight, sp.Consumed, sp.ID)
	if err != nil {
		return fmt.Errorf("failed to update spool %d: %w", sp.ID, err)
	}
	return nil
}

// DeleteSpool removes a spool and any slot assignments pointing at it.
func (s *Store) DeleteSpool(id int64) error {
	if _, err := s.db.Exec("DELETE FROM slot_assignments WHERE spool_id = ?", id); err != nil {
		return fmt.Errorf("failed to delete spool assignments: %w", err)
	}
	if _, err := s.db.Exec("DELETE FROM spools WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete spool %d: %w", id, err)
	}
	return nil
}

// SetSpoolWeight records a fresh scale measurement: the consumed counter
// is rebased so remaining weight matches the measurement.
func (s *Store) SetSpoolWeight(id int64, filamentWeight int) error {
	sp, err := s.GetSpool(id)
	if err != nil {
		return err
	}
	if sp == nil {
		return fmt.Errorf("spool %d not found", id)
	}
	consumed := sp.LabelWeight - filamentWeight
	if consumed < 0 {
		consumed = 0
	}
	_, err = s.db.Exec("UPDATE spools SET consumed = ? WHERE id = ?", consumed, id)
	if err != nil {
		return fmt.Errorf("failed to set spool weight: %w", err)
	}
	return nil
}

// AddSpoolConsumption adds grams to a spool's consumed counter.
func (s *Store) AddSpoolConsumption(id int64, grams float64) error {
	_, err := s.db.Exec("UPDATE spools SET consumed = consumed + ? WHERE id = ?", int(grams+0.5), id)
	if err != nil {
		return fmt.Errorf("failed to update spool consumption: %w", err)
	}
	return nil
}

// AssignSlot links a spool to a physical slot. Conflicting concurrent
// writes are last-write-wins; an overwritten assignment is logged as a
// warning, not rejected.
func (s *Store) AssignSlot(serial string, amsID, trayID int, spoolID int64) error {
	var prev int64
	err := s.db.QueryRow(
		"SELECT spool_id FROM slot_assignments WHERE serial = ? AND ams_id = ? AND tray_id = ?",
		serial, amsID, trayID,
	).Scan(&prev)
	if err == nil && prev != spoolID {
		log.Printf("Warning: overwriting assignment of slot (%s,%d,%d): spool %d -> %d",
			serial, amsID, trayID, prev, spoolID)
	}

	_, err = s.db.Exec(`
		INSERT OR REPLACE INTO slot_assignments (serial, ams_id, tray_id, spool_id, assigned_at)
		VALUES (?, ?, ?, ?, ?)
	`, serial, amsID, trayID, spoolID, time.Now())
	if err != nil {
		return fmt.Errorf("failed to assign slot: %w", err)
	}
	return nil
}

// UnassignSlot removes the spool link from a slot.
func (s *Store) UnassignSlot(serial string, amsID, trayID int) error {
	_, err := s.db.Exec(
		"DELETE FROM slot_assignments WHERE serial = ? AND ams_id = ? AND tray_id = ?",
		serial, amsID, trayID,
	)
	if err != nil {
		return fmt.Errorf("failed to unassign slot: %w", err)
	}
	return nil
}

// GetSlotSpool returns the spool assigned to a slot, or nil.
func (s *Store) GetSlotSpool(serial string, amsID, trayID int) (*Spool, error) {
	var spoolID int64
	err := s.db.QueryRow(
		"SELECT spool_id FROM slot_assignments WHERE serial = ? AND ams_id = ? AND tray_id = ?",
		serial, amsID, trayID,
	).Scan(&spoolID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get slot assignment: %w", err)
	}
	return s.GetSpool(spoolID)
}

// GetAssignments returns all slot assignments for a printer.
func (s *Store) GetAssignments(serial string) ([]SlotAssignment, error) {
	rows, err := s.db.Query(
		"SELECT serial, ams_id, tray_id, spool_id, assigned_at FROM slot_assignments WHERE serial = ?",
		serial,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get assignments: %w", err)
	}
	defer rows.Close()

	var out []SlotAssignment
	for rows.Next() {
		var a SlotAssignment
		if err := rows.Scan(&a.Serial, &a.AmsID, &a.TrayID, &a.SpoolID, &a.AssignedAt); err != nil {
			return nil, fmt.Errorf("failed to scan assignment row: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// SaveCalibrations replaces the cached K-profiles for a printer.
func (s *Store) SaveCalibrations(serial string, profiles []CalibrationProfile) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin calibration save: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM calibration_cache WHERE serial = ?", serial); err != nil {
		return fmt.Errorf("failed to clear calibration cache: %w", err)
	}
	for _, p := range profiles {
		if _, err := tx.Exec(`
			INSERT OR REPLACE INTO calibration_cache (serial, cali_idx, filament_id, name, k_value, nozzle_diameter, extruder)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, serial, p.CaliIdx, p.FilamentID, p.Name, p.KValue, p.NozzleDiameter, p.Extruder); err != nil {
			return fmt.Errorf("failed to cache calibration %d: %w", p.CaliIdx, err)
		}
	}
	return tx.Commit()
}

// GetCalibrations returns the cached K-profiles for a printer.
func (s *Store) GetCalibrations(serial string) ([]CalibrationProfile, error) {
	rows, err := s.db.Query(
		"SELECT cali_idx, filament_id, name, k_value, nozzle_diameter, extruder FROM calibration_cache WHERE serial = ? ORDER BY cali_idx",
		serial,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get calibrations: %w", err)
	}
	defer rows.Close()

	var out []CalibrationProfile
	for rows.Next() {
		var p CalibrationProfile
		if err := rows.Scan(&p.CaliIdx, &p.FilamentID, &p.Name, &p.KValue, &p.NozzleDiameter, &p.Extruder); err != nil {
			return nil, fmt.Errorf("failed to scan calibration row: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// LogUsage records one print's consumption against a spool.
func (s *Store) LogUsage(spoolID int64, serial, printName string, weightUsed float64) error {
	_, err := s.db.Exec(
		"INSERT INTO usage_history (spool_id, serial, print_name, weight_used, logged_at) VALUES (?, ?, ?, ?, ?)",
		spoolID, serial, printName, weightUsed, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to log usage: %w", err)
	}
	return nil
}

// GetUsageHistory returns recent usage records, newest first. A zero
// spoolID returns history across all spools.
func (s *Store) GetUsageHistory(spoolID int64, limit int) ([]UsageRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := "SELECT id, spool_id, serial, print_name, weight_used, logged_at FROM usage_history"
	args := []any{}
	if spoolID != 0 {
		query += " WHERE spool_id = ?"
		args = append(args, spoolID)
	}
	query += " ORDER BY logged_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get usage history: %w", err)
	}
	defer rows.Close()

	var out []UsageRecord
	for rows.Next() {
		var r UsageRecord
		if err := rows.Scan(&r.ID, &r.SpoolID, &r.Serial, &r.PrintName, &r.WeightUsed, &r.LoggedAt); err != nil {
			return nil, fmt.Errorf("failed to scan usage row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
