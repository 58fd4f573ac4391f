// Package database provides the SQLite connection used for coil and device
// history.
//
// The connection runs with a single writer, WAL journaling when enabled, and
// a busy timeout. Schema changes are plain SQL files supplied as an fs.FS
// (normally the embedded migrations package) and applied in version order:
//
//	db, err := database.Open(database.Config{Path: cfg.Database.Path, WALMode: true, BusyTimeout: 5})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx, migrations.FS); err != nil {
//	    return err
//	}
//
// Migrations are additive. New columns must be nullable or carry a default.
package database
