package backup

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// writeBackupAt creates a backup file whose modification time is ts.
func writeBackupAt(t *testing.T, dir, name string, ts time.Time) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(`{}`), 0o644); err != nil {
		t.Fatalf("failed to create test file: %v", err)
	}
	if err := os.Chtimes(path, ts, ts); err != nil {
		t.Fatalf("failed to set file time: %v", err)
	}
	return path
}

func countFiles(t *testing.T, dir, ext string) int {
	t.Helper()
	backups, err := listBackups(dir, ext)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return len(backups)
}

func TestListBackupsEmpty(t *testing.T) {
	if n := countFiles(t, t.TempDir(), bankExt); n != 0 {
		t.Errorf("expected 0 backups, got %d", n)
	}
}

func TestListBackupsNonexistentDirectory(t *testing.T) {
	if _, err := listBackups("/nonexistent/backup/dir", bankExt); err == nil {
		t.Fatal("expected error for non-existent directory")
	}
}

func TestListBackupsFiltersAndSorts(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()

	older := writeBackupAt(t, dir, "bank-a.json", now.Add(-2*time.Hour))
	newer := writeBackupAt(t, dir, "bank-b.json", now.Add(-time.Hour))
	writeBackupAt(t, dir, "notes.txt", now)
	writeBackupAt(t, dir, ".bank-123.tmp", now)
	if err := os.Mkdir(filepath.Join(dir, "nested.json"), 0o755); err != nil {
		t.Fatalf("failed to create directory: %v", err)
	}

	backups, err := listBackups(dir, bankExt)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(backups) != 2 {
		t.Fatalf("expected 2 backups, got %d", len(backups))
	}
	if backups[0].Path != newer || backups[1].Path != older {
		t.Errorf("expected newest first, got %s then %s", backups[0].Path, backups[1].Path)
	}
	if backups[0].Size != 2 {
		t.Errorf("expected size 2, got %d", backups[0].Size)
	}
}

func TestApplyRetentionEmptyDir(t *testing.T) {
	deleted, err := applyRetention(t.TempDir(), bankExt, RetentionPolicy{Hourly: 1}, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if deleted != 0 {
		t.Errorf("expected nothing deleted, got %d", deleted)
	}
}

func TestApplyRetentionNonexistentDirectory(t *testing.T) {
	if _, err := applyRetention("/nonexistent/backup/dir", bankExt, RetentionPolicy{}, time.Now()); err == nil {
		t.Fatal("expected error for non-existent directory")
	}
}

func TestApplyRetentionTiers(t *testing.T) {
	now := time.Now()
	policy := RetentionPolicy{Hourly: 2, Daily: 2, Weekly: 1, Monthly: 1}

	tests := []struct {
		name   string
		ages   []time.Duration
		expect int
	}{
		{"hourly", []time.Duration{time.Hour, 2 * time.Hour, 3 * time.Hour, 4 * time.Hour}, 2},
		{"daily", []time.Duration{30 * time.Hour, 50 * time.Hour, 80 * time.Hour}, 2},
		{"weekly", []time.Duration{8 * 24 * time.Hour, 9 * 24 * time.Hour}, 1},
		{"monthly", []time.Duration{40 * 24 * time.Hour, 60 * 24 * time.Hour, 90 * 24 * time.Hour}, 1},
		{"older than a year", []time.Duration{400 * 24 * time.Hour}, 0},
		{"exactly enough", []time.Duration{time.Hour, 2 * time.Hour}, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			for i, age := range tt.ages {
				writeBackupAt(t, dir, fmt.Sprintf("bank-%d.json", i), now.Add(-age))
			}

			deleted, err := applyRetention(dir, bankExt, policy, now)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got := countFiles(t, dir, bankExt); got != tt.expect {
				t.Errorf("expected %d backups kept, got %d", tt.expect, got)
			}
			if deleted != len(tt.ages)-tt.expect {
				t.Errorf("expected %d deleted, got %d", len(tt.ages)-tt.expect, deleted)
			}
		})
	}
}

func TestApplyRetentionKeepsNewestInTier(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()

	newest := writeBackupAt(t, dir, "bank-new.json", now.Add(-time.Hour))
	writeBackupAt(t, dir, "bank-old.json", now.Add(-5*time.Hour))

	if _, err := applyRetention(dir, bankExt, RetentionPolicy{Hourly: 1}, now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := os.Stat(newest); err != nil {
		t.Errorf("newest backup should be kept: %v", err)
	}
}

func TestApplyRetentionMixedTiers(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	policy := RetentionPolicy{Hourly: 1, Daily: 1, Weekly: 1, Monthly: 1}

	for i, age := range []time.Duration{
		time.Hour, 2 * time.Hour,
		2 * 24 * time.Hour, 3 * 24 * time.Hour,
		10 * 24 * time.Hour, 11 * 24 * time.Hour,
		50 * 24 * time.Hour, 51 * 24 * time.Hour,
		500 * 24 * time.Hour,
	} {
		writeBackupAt(t, dir, fmt.Sprintf("bank-%d.json", i), now.Add(-age))
	}

	if _, err := applyRetention(dir, bankExt, policy, now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := countFiles(t, dir, bankExt); got != 4 {
		t.Errorf("expected one backup per tier (4), got %d", got)
	}
}

func TestDiskUsage(t *testing.T) {
	root := t.TempDir()
	agentDir := filepath.Join(root, "agent-1")
	if err := os.Mkdir(agentDir, 0o755); err != nil {
		t.Fatalf("failed to create directory: %v", err)
	}
	writeBackupAt(t, agentDir, "bank-1.json", time.Now())
	writeBackupAt(t, agentDir, "bank-2.json", time.Now())
	writeBackupAt(t, root, "ignored.txt", time.Now())

	files, size, err := diskUsage(root)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if files != 2 || size != 4 {
		t.Errorf("expected 2 files / 4 bytes, got %d / %d", files, size)
	}
}
