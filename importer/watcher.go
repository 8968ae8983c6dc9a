package importer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/Temirlaaan/DICOM-viewer/audit"
	"github.com/Temirlaaan/DICOM-viewer/internal/config"
	"github.com/Temirlaaan/DICOM-viewer/internal/metrics"
)

// Default configuration values.
const (
	checkInterval        = 5 * time.Second
	defaultMaxConcurrent = 3
)

// Watcher observes the inbox tree and hands study folders past their
// cooldown to the processor. Folder layout is
// {inbox}/{clinic_id}/{study_folder}/...
type Watcher struct {
	mu sync.Mutex

	fsw       *fsnotify.Watcher
	processor *Processor
	log       *audit.Logger
	metrics   *metrics.Metrics
	cfg       config.ImporterConfig

	// pending maps a study folder to its last observed activity.
	pending map[string]time.Time
	sem     chan struct{}
	wg      sync.WaitGroup
	now     func() time.Time
}

// NewWatcher creates a watcher over the configured inbox.
func NewWatcher(processor *Processor, log *audit.Logger, m *metrics.Metrics, cfg config.ImporterConfig) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMaxConcurrent
	}

	w := &Watcher{
		fsw:       fsw,
		processor: processor,
		log:       log,
		metrics:   m,
		cfg:       cfg,
		pending:   make(map[string]time.Time),
		sem:       make(chan struct{}, maxConcurrent),
		now:       time.Now,
	}

	if err := fsw.Add(cfg.InboxPath); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watching inbox: %w", err)
	}
	return w, nil
}

// Scan marks every study folder already present in the inbox as
// pending, so files left over from a restart are still imported.
func (w *Watcher) Scan() error {
	clinics, err := os.ReadDir(w.cfg.InboxPath)
	if err != nil {
		return fmt.Errorf("scanning inbox: %w", err)
	}
	for _, clinic := range clinics {
		if !clinic.IsDir() {
			continue
		}
		clinicDir := filepath.Join(w.cfg.InboxPath, clinic.Name())
		w.watchDir(clinicDir)

		studies, err := os.ReadDir(clinicDir)
		if err != nil {
			w.log.Warn("scanning clinic folder failed", audit.Fields{
				"folder": clinicDir, "error": err.Error(),
			})
			continue
		}
		for _, study := range studies {
			if study.IsDir() {
				w.markPending(filepath.Join(clinicDir, study.Name()))
			}
		}
	}
	return nil
}

// Run processes file events and dispatches cooled-down folders until
// the context is cancelled. It blocks until in-flight imports finish.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.wg.Wait()
			return w.fsw.Close()

		case ev, ok := <-w.fsw.Events:
			if !ok {
				w.wg.Wait()
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				w.observe(ev.Name)
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				w.wg.Wait()
				return nil
			}
			w.log.Warn("file watcher error", audit.Fields{"error": err.Error()})

		case <-ticker.C:
			w.dispatch(ctx)
		}
	}
}

// observe resolves a raw event path to its study folder and refreshes
// the cooldown timer. New directories are added to the watch so events
// below them are seen.
func (w *Watcher) observe(path string) {
	rel, err := filepath.Rel(w.cfg.InboxPath, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return
	}
	parts := strings.Split(rel, string(filepath.Separator))

	if info, err := os.Stat(path); err == nil && info.IsDir() {
		w.watchDir(path)
	}

	// Anything below {clinic}/{study} refreshes that study's timer; a
	// bare clinic directory is not a study yet.
	if len(parts) < 2 {
		return
	}
	w.markPending(filepath.Join(w.cfg.InboxPath, parts[0], parts[1]))
}

func (w *Watcher) watchDir(path string) {
	if err := w.fsw.Add(path); err != nil {
		w.log.Warn("adding watch failed", audit.Fields{"folder": path, "error": err.Error()})
	}
}

func (w *Watcher) markPending(studyFolder string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending[studyFolder] = w.now()
	w.gaugePendingLocked()
}

// duePending removes and returns the folders whose cooldown has passed.
func (w *Watcher) duePending() []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	var due []string
	cutoff := w.now().Add(-w.cfg.Cooldown)
	for folder, last := range w.pending {
		if !last.After(cutoff) {
			due = append(due, folder)
			delete(w.pending, folder)
		}
	}
	w.gaugePendingLocked()
	return due
}

func (w *Watcher) gaugePendingLocked() {
	if w.metrics != nil {
		w.metrics.PendingImports.Set(float64(len(w.pending)))
	}
}

func (w *Watcher) dispatch(ctx context.Context) {
	for _, folder := range w.duePending() {
		if _, err := os.Stat(folder); err != nil {
			continue
		}

		rel, err := filepath.Rel(w.cfg.InboxPath, folder)
		if err != nil {
			continue
		}
		clinicID := strings.Split(rel, string(filepath.Separator))[0]

		w.log.Info("processing study folder", audit.Fields{
			"study_folder": folder, "clinic_id": clinicID,
		})

		w.wg.Add(1)
		go func(folder, clinicID string) {
			defer w.wg.Done()
			w.sem <- struct{}{}
			defer func() { <-w.sem }()

			if err := w.processor.ProcessStudyFolder(ctx, folder, clinicID); err != nil {
				w.log.Warn("study import failed", audit.Fields{
					"study_folder": folder, "clinic_id": clinicID, "error": err.Error(),
				})
			}
		}(folder, clinicID)
	}
}
