// Package notify relays engine events between convmem processes through a
// spool directory. One-shot commands and the MCP server write events there;
// the serving process watches the directory and forwards them to its
// WebSocket subscribers.
package notify

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/haulwise/convmem/internal/engine"
)

// eventExt marks a complete event file. Files are written under a temporary
// name and renamed, so watchers never read a partial payload.
const eventExt = ".event"

// Dir returns the spool directory under dataPath.
func Dir(dataPath string) string {
	return filepath.Join(dataPath, "events")
}

// Writer writes event files to the spool directory.
type Writer struct {
	dir    string
	seq    atomic.Uint64
	logger zerolog.Logger
}

// NewWriter creates a writer that emits events to {dataPath}/events/.
func NewWriter(dataPath string, logger zerolog.Logger) *Writer {
	return &Writer{
		dir:    Dir(dataPath),
		logger: logger.With().Str("component", "notify").Logger(),
	}
}

// Write stores one event. Safe to call concurrently.
func (w *Writer) Write(e engine.Event) error {
	if err := os.MkdirAll(w.dir, 0o700); err != nil {
		return fmt.Errorf("notify: mkdir %s: %w", w.dir, err)
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("notify: marshal event: %w", err)
	}

	name := fmt.Sprintf("%d-%d-%s-%s", e.Timestamp.UnixNano(), w.seq.Add(1), e.Type, sanitizeID(e.AgentID))
	tmp := filepath.Join(w.dir, name+".tmp")
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("notify: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, filepath.Join(w.dir, name+eventExt)); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("notify: publish %s: %w", name, err)
	}
	return nil
}

// Publish writes e and logs failures. It has the signature of an engine
// event callback; a full disk must not fail the operation that emitted e.
func (w *Writer) Publish(e engine.Event) {
	if err := w.Write(e); err != nil {
		w.logger.Warn().Err(err).Str("type", string(e.Type)).Msg("failed to spool event")
	}
}

// sanitizeID replaces characters unsafe for filenames.
func sanitizeID(id string) string {
	if id == "" {
		return "none"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '.', ' ':
			return '_'
		}
		return r
	}, id)
}
