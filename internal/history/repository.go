package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/nerrad567/dorfbus/internal/livestate"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// CoilEntry is one recorded coil state change.
type CoilEntry struct {
	ID        int64               `json:"id"`
	Coil      string              `json:"coil"`
	Device    string              `json:"device"`
	Status    livestate.CoilValue `json:"status"`
	Previous  livestate.CoilValue `json:"previous"`
	Source    string              `json:"source"`
	Error     string              `json:"error,omitempty"`
	CreatedAt time.Time           `json:"created_at"`
}

// DeviceEntry is one recorded probe outcome or reset.
type DeviceEntry struct {
	ID        int64     `json:"id"`
	Device    string    `json:"device"`
	Address   uint8     `json:"modbus-address"`
	Seen      bool      `json:"seen"`
	WasSeen   bool      `json:"was_seen"`
	Version   *uint16   `json:"version,omitempty"`
	Source    string    `json:"source"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Repository stores history rows. It is safe for concurrent use.
type Repository struct {
	db *sql.DB
}

// NewRepository wraps an open database whose schema has been migrated.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// RecordCoil appends a coil entry. A zero CreatedAt is stamped with now.
func (r *Repository) RecordCoil(ctx context.Context, e CoilEntry) error {
	if e.Coil == "" {
		return fmt.Errorf("coil name is required")
	}
	if e.Source == "" {
		e.Source = "internal"
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO coil_history (coil, device, status, previous, source, error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.Coil, e.Device, string(e.Status), string(e.Previous), e.Source,
		nullString(e.Error), e.CreatedAt.UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("inserting coil history: %w", err)
	}
	return nil
}

// RecordDevice appends a device entry. A zero CreatedAt is stamped with now.
func (r *Repository) RecordDevice(ctx context.Context, e DeviceEntry) error {
	if e.Device == "" {
		return fmt.Errorf("device name is required")
	}
	if e.Source == "" {
		e.Source = "internal"
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}

	var version sql.NullInt64
	if e.Version != nil {
		version = sql.NullInt64{Int64: int64(*e.Version), Valid: true}
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO device_history (device, address, seen, was_seen, version, source, error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Device, int(e.Address), e.Seen, e.WasSeen, version, e.Source,
		nullString(e.Error), e.CreatedAt.UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("inserting device history: %w", err)
	}
	return nil
}

// CoilHistory returns the newest entries for a coil, newest first.
// limit defaults to 50 and is capped at 200.
func (r *Repository) CoilHistory(ctx context.Context, coil string, limit int) ([]CoilEntry, error) {
	if coil == "" {
		return nil, fmt.Errorf("coil name is required")
	}
	limit = clampLimit(limit)

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, coil, device, status, previous, source, error, created_at
		 FROM coil_history
		 WHERE coil = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`,
		coil, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying coil history: %w", err)
	}
	defer rows.Close()

	entries := make([]CoilEntry, 0, limit)
	for rows.Next() {
		var e CoilEntry
		var status, previous string
		var errText sql.NullString
		var createdAt int64
		if err := rows.Scan(&e.ID, &e.Coil, &e.Device, &status, &previous, &e.Source, &errText, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning coil history: %w", err)
		}
		e.Status = livestate.CoilValue(status)
		e.Previous = livestate.CoilValue(previous)
		e.Error = errText.String
		e.CreatedAt = time.UnixMilli(createdAt).UTC()
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating coil history: %w", err)
	}
	return entries, nil
}

// DeviceHistory returns the newest entries for a device, newest first.
func (r *Repository) DeviceHistory(ctx context.Context, device string, limit int) ([]DeviceEntry, error) {
	if device == "" {
		return nil, fmt.Errorf("device name is required")
	}
	limit = clampLimit(limit)

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, device, address, seen, was_seen, version, source, error, created_at
		 FROM device_history
		 WHERE device = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`,
		device, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying device history: %w", err)
	}
	defer rows.Close()

	entries := make([]DeviceEntry, 0, limit)
	for rows.Next() {
		var e DeviceEntry
		var address int
		var version sql.NullInt64
		var errText sql.NullString
		var createdAt int64
		if err := rows.Scan(&e.ID, &e.Device, &address, &e.Seen, &e.WasSeen, &version, &e.Source, &errText, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning device history: %w", err)
		}
		e.Address = uint8(address)
		if version.Valid {
			v := uint16(version.Int64)
			e.Version = &v
		}
		e.Error = errText.String
		e.CreatedAt = time.UnixMilli(createdAt).UTC()
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating device history: %w", err)
	}
	return entries, nil
}

// PruneHistory deletes coil and device entries older than olderThan and
// returns the number of rows removed.
func (r *Repository) PruneHistory(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("olderThan must be positive")
	}
	cutoff := time.Now().UTC().Add(-olderThan).UnixMilli()

	var total int64
	for _, table := range []string{"coil_history", "device_history"} {
		result, err := r.db.ExecContext(ctx, "DELETE FROM "+table+" WHERE created_at < ?", cutoff)
		if err != nil {
			return total, fmt.Errorf("deleting from %s: %w", table, err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("checking rows affected: %w", err)
		}
		total += n
	}
	return total, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultHistoryLimit
	}
	return min(limit, maxHistoryLimit)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
