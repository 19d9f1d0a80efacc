package memory

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DropWatcher watches a drop directory and ingests text files placed there.
// Each file becomes a document ingestion tagged with its filename.
type DropWatcher struct {
	watcher  *fsnotify.Watcher
	ingest   func(ctx context.Context, document string, tags []string, metadata map[string]interface{}) (*IngestResult, error)
	logger   zerolog.Logger
	debounce time.Duration

	mu     sync.Mutex
	timers map[string]*time.Timer

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewDropWatcher starts watching dir for dropped documents.
func NewDropWatcher(dir string, svc *Service, logger zerolog.Logger) (*DropWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, err
	}

	dw := &DropWatcher{
		watcher:  watcher,
		ingest:   svc.IngestDocument,
		logger:   logger,
		debounce: 500 * time.Millisecond,
		timers:   make(map[string]*time.Timer),
		stopCh:   make(chan struct{}),
	}

	go dw.run()

	logger.Info().Str("dir", dir).Msg("Watching drop directory")
	return dw, nil
}

// Stop stops the watcher.
func (dw *DropWatcher) Stop() error {
	var err error
	dw.stopOnce.Do(func() {
		close(dw.stopCh)
		err = dw.watcher.Close()
	})
	return err
}

func (dw *DropWatcher) run() {
	for {
		select {
		case event, ok := <-dw.watcher.Events:
			if !ok {
				return
			}

			if !ingestableFile(event.Name) {
				continue
			}

			// Writers emit a Create followed by Write bursts; debounce per
			// file so partially written documents are not ingested.
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				dw.logger.Debug().
					Str("file", filepath.Base(event.Name)).
					Str("op", event.Op.String()).
					Msg("Drop file change detected")
				dw.schedule(event.Name)
			}

		case err, ok := <-dw.watcher.Errors:
			if !ok {
				return
			}
			dw.logger.Error().Err(err).Msg("Drop watcher error")

		case <-dw.stopCh:
			return
		}
	}
}

func (dw *DropWatcher) schedule(path string) {
	dw.mu.Lock()
	defer dw.mu.Unlock()

	if timer, ok := dw.timers[path]; ok {
		timer.Stop()
	}
	dw.timers[path] = time.AfterFunc(dw.debounce, func() {
		dw.mu.Lock()
		delete(dw.timers, path)
		dw.mu.Unlock()

		select {
		case <-dw.stopCh:
			return
		default:
		}

		dw.ingestFile(path)
	})
}

func (dw *DropWatcher) ingestFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		dw.logger.Warn().Err(err).Str("file", path).Msg("Failed to read dropped file")
		return
	}

	name := filepath.Base(path)
	result, err := dw.ingest(context.Background(), string(data),
		[]string{"ingested", "file:" + name},
		map[string]interface{}{"source_file": name})
	if err != nil {
		dw.logger.Error().Err(err).Str("file", name).Msg("Failed to ingest dropped file")
		return
	}

	dw.logger.Info().
		Str("file", name).
		Str("document_hash", result.DocumentHash).
		Int("chunks", len(result.ChunkHashes)).
		Msg("Dropped file ingested")
}

func ingestableFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".md", ".txt":
		return true
	}
	return false
}
