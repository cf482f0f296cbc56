package notify

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/haulwise/convmem/internal/engine"
)

// Watcher watches the spool directory and dispatches each event once.
// Event files are removed as they are consumed.
type Watcher struct {
	dir      string
	callback func(engine.Event)
	watcher  *fsnotify.Watcher
	done     chan struct{}
	logger   zerolog.Logger
}

// NewWatcher creates a watcher for {dataPath}/events/.
func NewWatcher(dataPath string, callback func(engine.Event), logger zerolog.Logger) *Watcher {
	return &Watcher{
		dir:      Dir(dataPath),
		callback: callback,
		done:     make(chan struct{}),
		logger:   logger.With().Str("component", "notify").Logger(),
	}
}

// Start drains events written while nobody was watching, then watches for
// new ones. Call Stop to clean up.
func (ew *Watcher) Start() error {
	if err := os.MkdirAll(ew.dir, 0o700); err != nil {
		return err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(ew.dir); err != nil {
		_ = w.Close()
		return err
	}
	ew.watcher = w

	// Drain after Add so a file written in between is seen by one path or
	// the other; processFile tolerates the race.
	ew.drainExisting()

	go ew.loop()
	ew.logger.Info().Str("dir", ew.dir).Msg("watching for events from other processes")
	return nil
}

// Stop shuts down the watcher. It is a no-op if Start failed or was never
// called.
func (ew *Watcher) Stop() {
	if ew.watcher == nil {
		return
	}
	_ = ew.watcher.Close()
	<-ew.done
}

func (ew *Watcher) loop() {
	defer close(ew.done)
	for {
		select {
		case evt, ok := <-ew.watcher.Events:
			if !ok {
				return
			}
			if evt.Op.Has(fsnotify.Create) && strings.HasSuffix(evt.Name, eventExt) {
				ew.processFile(evt.Name)
			}
		case err, ok := <-ew.watcher.Errors:
			if !ok {
				return
			}
			ew.logger.Warn().Err(err).Msg("watcher error")
		}
	}
}

func (ew *Watcher) drainExisting() {
	entries, err := os.ReadDir(ew.dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), eventExt) {
			ew.processFile(filepath.Join(ew.dir, entry.Name()))
		}
	}
}

func (ew *Watcher) processFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return // already consumed
	}
	if err := os.Remove(path); err != nil {
		return // another watcher claimed it
	}

	var event engine.Event
	if err := json.Unmarshal(data, &event); err != nil {
		ew.logger.Warn().Err(err).Str("file", filepath.Base(path)).Msg("invalid event file")
		return
	}

	if event.Type != "" && ew.callback != nil {
		ew.callback(event)
	}
}
