package backup

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// listBackups lists backup files with the given extension in dir, newest first.
func listBackups(dir, ext string) ([]BackupInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read backup directory: %w", err)
	}

	var backups []BackupInfo
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ext) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue // Skip files we can't stat
		}
		backups = append(backups, BackupInfo{
			Path:      filepath.Join(dir, entry.Name()),
			Timestamp: info.ModTime(),
			Size:      info.Size(),
		})
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].Timestamp.After(backups[j].Timestamp)
	})
	return backups, nil
}

// applyRetention removes backups in dir according to policy and returns how
// many were deleted. Backups older than a year are always deleted.
func applyRetention(dir, ext string, policy RetentionPolicy, now time.Time) (int, error) {
	backups, err := listBackups(dir, ext)
	if err != nil {
		return 0, err
	}

	var (
		tiers    [4][]BackupInfo
		toDelete []string
	)
	for _, b := range backups {
		age := now.Sub(b.Timestamp)
		switch {
		case age < 24*time.Hour:
			tiers[0] = append(tiers[0], b)
		case age < 7*24*time.Hour:
			tiers[1] = append(tiers[1], b)
		case age < 30*24*time.Hour:
			tiers[2] = append(tiers[2], b)
		case age < 365*24*time.Hour:
			tiers[3] = append(tiers[3], b)
		default:
			toDelete = append(toDelete, b.Path)
		}
	}

	keep := [4]int{policy.Hourly, policy.Daily, policy.Weekly, policy.Monthly}
	for i, tier := range tiers {
		if len(tier) > keep[i] {
			for _, b := range tier[keep[i]:] {
				toDelete = append(toDelete, b.Path)
			}
		}
	}

	// Keep deleting when one file fails.
	var errs []error
	deleted := 0
	for _, path := range toDelete {
		if err := os.Remove(path); err != nil {
			errs = append(errs, err)
			continue
		}
		deleted++
	}
	if len(errs) > 0 {
		return deleted, fmt.Errorf("failed to delete some backups: %w", errors.Join(errs...))
	}
	return deleted, nil
}

// diskUsage sums the sizes of every backup file under root.
func diskUsage(root string) (files int, bytes int64, err error) {
	err = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !(strings.HasSuffix(path, bankExt) || strings.HasSuffix(path, dbExt)) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		files++
		bytes += info.Size()
		return nil
	})
	return files, bytes, err
}
