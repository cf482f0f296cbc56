// Package backup writes scheduled snapshots of every agent memory bank, and
// optionally of the SQLite database, with tiered retention.
//
// Bank snapshots are export documents, so any of them can be fed straight
// back into an import:
//
//	<dir>/<agentId>/bank-20240603-140000.000000.json
//	<dir>/_database/convmem-20240603-140000.000000.db
package backup

import (
	"time"
)

// Config holds backup service configuration.
type Config struct {
	// Dir is the directory where backups will be stored
	Dir string

	// DBPath, when set, is a SQLite database file snapshotted alongside the banks
	DBPath string

	// Retention defines how many backups to keep at different ages
	Retention RetentionPolicy

	// Interval is the expected time between scheduled runs, used by HealthCheck (default: 24h)
	Interval time.Duration
}

// RetentionPolicy defines how many backups to keep at each tier.
// Backups are categorized by age:
// - Hourly: backups less than 24 hours old
// - Daily: backups between 1-7 days old
// - Weekly: backups between 7-30 days old
// - Monthly: backups between 30-365 days old
type RetentionPolicy struct {
	Hourly  int // default: 24
	Daily   int // default: 7
	Weekly  int // default: 4
	Monthly int // default: 12
}

// BackupInfo contains metadata about a backup file.
type BackupInfo struct {
	Path      string
	Timestamp time.Time
	Size      int64
}

// Result describes one file written by a backup run.
type Result struct {
	// AgentID is empty for the database snapshot
	AgentID  string
	Path     string
	Size     int64
	Verified bool
}

// HealthStatus represents the health of the backup service.
type HealthStatus struct {
	// Status is "healthy" or "warning"
	Status        string    `json:"status"`
	Message       string    `json:"message"`
	LastBackup    time.Time `json:"lastBackup"`
	TotalBackups  int       `json:"totalBackups"`
	BackupDir     string    `json:"backupDir"`
	DiskSpaceUsed int64     `json:"diskSpaceUsed"`
}
