// Package filewatch implements the file integrity connector: an fsnotify
// watch over configured directories that classifies create/change/delete
// activity, hashes content to tell real modifications from touch events,
// and grades severity by what was touched (critical system paths,
// executable droppers, operator-defined high-priority patterns).
package filewatch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/vigiasec/ingest/internal/connector"
	"github.com/vigiasec/ingest/internal/model"
	"github.com/vigiasec/ingest/internal/monitoring"
)

// maxHashBytes caps content hashing; bigger files are reported unhashed.
const maxHashBytes = 32 << 20

// defaultCriticalPaths are the system locations whose changes always
// matter. Config can extend or replace them.
var defaultCriticalPaths = []string{
	"/etc/",
	"/bin/",
	"/sbin/",
	"/usr/bin/",
	"/usr/sbin/",
	"/boot/",
	`C:\Windows\System32\`,
	`C:\Windows\SysWOW64\`,
}

// executableExts flag files that can run when dropped or swapped.
var executableExts = map[string]bool{
	".exe": true, ".dll": true, ".so": true, ".bat": true, ".cmd": true,
	".ps1": true, ".sh": true, ".bin": true, ".scr": true, ".msi": true,
	".com": true, ".jar": true,
}

// Config is the file watcher's typed configuration.
type Config struct {
	Paths           []string `json:"paths"`
	Recursive       bool     `json:"recursive,omitempty"`
	IncludePatterns []string `json:"includePatterns,omitempty"` // globs on the base name
	ExcludePatterns []string `json:"excludePatterns,omitempty"`
	HashContents    bool     `json:"hashContents,omitempty"`
	CriticalPaths   []string `json:"criticalPaths,omitempty"`
	HighPriority    []string `json:"highPriorityPatterns,omitempty"` // regexes over the full path
}

// ParseConfig decodes and validates the opaque configuration JSON.
func ParseConfig(raw []byte, strict bool, log zerolog.Logger) (Config, error) {
	cfg := Config{}
	if err := connector.DecodeConfig(raw, &cfg, strict, log); err != nil {
		return cfg, err
	}
	if len(cfg.Paths) == 0 {
		return cfg, errors.New("filewatch: at least one path is required")
	}
	if len(cfg.CriticalPaths) == 0 {
		cfg.CriticalPaths = defaultCriticalPaths
	}
	for _, pattern := range cfg.IncludePatterns {
		if _, err := filepath.Match(pattern, "probe"); err != nil {
			return cfg, fmt.Errorf("filewatch: bad include pattern %q: %w", pattern, err)
		}
	}
	for _, pattern := range cfg.ExcludePatterns {
		if _, err := filepath.Match(pattern, "probe"); err != nil {
			return cfg, fmt.Errorf("filewatch: bad exclude pattern %q: %w", pattern, err)
		}
	}
	for _, expr := range cfg.HighPriority {
		if _, err := regexp.Compile(expr); err != nil {
			return cfg, fmt.Errorf("filewatch: bad high-priority pattern %q: %w", expr, err)
		}
	}
	return cfg, nil
}

// FileWatch is the file integrity connector.
type FileWatch struct {
	connector.Base

	metrics  *monitoring.Metrics
	hostname string

	cfgMu    sync.RWMutex
	cfg      Config
	highPrio []*regexp.Regexp

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	hashMu sync.Mutex
	hashes map[string]string
}

// New builds the connector from its record.
func New(rec *model.ConnectorRecord, sink *connector.Sink, metrics *monitoring.Metrics) (*FileWatch, error) {
	base := connector.NewBase(rec, sink)
	cfg, err := ParseConfig(rec.Configuration, false, base.Log)
	if err != nil {
		return nil, err
	}
	hostname, _ := os.Hostname()
	f := &FileWatch{
		Base:     base,
		metrics:  metrics,
		hostname: hostname,
		cfg:      cfg,
		hashes:   make(map[string]string),
	}
	f.compilePatterns(cfg)
	return f, nil
}

func (f *FileWatch) compilePatterns(cfg Config) {
	compiled := make([]*regexp.Regexp, 0, len(cfg.HighPriority))
	for _, expr := range cfg.HighPriority {
		if re, err := regexp.Compile(expr); err == nil {
			compiled = append(compiled, re)
		}
	}
	f.cfgMu.Lock()
	f.highPrio = compiled
	f.cfgMu.Unlock()
}

// Start opens the watcher, registers every configured path (walking
// subdirectories when recursive) and launches the event loop.
func (f *FileWatch) Start(ctx context.Context) error {
	f.mu.Lock()
	if f.watcher != nil {
		f.mu.Unlock()
		return errors.New("filewatch: already running")
	}
	f.mu.Unlock()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		f.SetStatus(model.StatusError, err.Error())
		return fmt.Errorf("filewatch: create watcher: %w", err)
	}

	cfg := f.config()
	var watched int
	for _, root := range cfg.Paths {
		n, err := f.addPath(watcher, root, cfg.Recursive)
		if err != nil {
			watcher.Close()
			f.SetStatus(model.StatusError, err.Error())
			return err
		}
		watched += n
	}

	ctx, cancel := context.WithCancel(ctx)
	f.mu.Lock()
	f.watcher = watcher
	f.cancel = cancel
	f.mu.Unlock()

	f.MarkStarted()
	f.wg.Add(1)
	go f.run(ctx, watcher)

	f.Log.Info().
		Int("paths", len(cfg.Paths)).
		Int("watched", watched).
		Bool("recursive", cfg.Recursive).
		Msg("file watcher started")
	return nil
}

// addPath registers one root, walking into subdirectories when recursive.
func (f *FileWatch) addPath(watcher *fsnotify.Watcher, root string, recursive bool) (int, error) {
	info, err := os.Stat(root)
	if err != nil {
		return 0, fmt.Errorf("filewatch: stat %s: %w", root, err)
	}
	if !info.IsDir() || !recursive {
		if err := watcher.Add(root); err != nil {
			return 0, fmt.Errorf("filewatch: watch %s: %w", root, err)
		}
		return 1, nil
	}

	count := 0
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Unreadable subtree: log and keep walking.
			f.Log.Warn().Err(err).Str("path", path).Msg("skipping unreadable path")
			return fs.SkipDir
		}
		if !d.IsDir() {
			return nil
		}
		if err := watcher.Add(path); err != nil {
			return fmt.Errorf("filewatch: watch %s: %w", path, err)
		}
		count++
		return nil
	})
	return count, err
}

func (f *FileWatch) run(ctx context.Context, watcher *fsnotify.Watcher) {
	defer f.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			f.handle(watcher, ev)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			f.EmitError("read", err)
			f.metrics.RecordConnectorError(f.Name(), "read")
		}
	}
}

func (f *FileWatch) handle(watcher *fsnotify.Watcher, ev fsnotify.Event) {
	// Pure permission changes are noise at this layer.
	if ev.Op == fsnotify.Chmod {
		return
	}

	op := opString(ev.Op)
	if op == "" {
		return
	}

	cfg := f.config()

	// A directory appearing under a recursive watch joins it; files
	// created inside afterwards produce their own events.
	if ev.Op.Has(fsnotify.Create) && cfg.Recursive {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := watcher.Add(ev.Name); err != nil {
				f.EmitError("read", fmt.Errorf("filewatch: watch new dir %s: %w", ev.Name, err))
			}
			return
		}
	}

	if !f.matches(cfg, ev.Name) {
		return
	}

	var (
		hash           string
		contentChanged bool
		size           int64
	)
	switch op {
	case "delete":
		f.hashMu.Lock()
		delete(f.hashes, ev.Name)
		f.hashMu.Unlock()
	default:
		if info, err := os.Stat(ev.Name); err == nil {
			if info.IsDir() {
				return
			}
			size = info.Size()
		}
		if cfg.HashContents {
			hash, contentChanged = f.rehash(ev.Name)
		}
	}

	severity := f.classify(cfg, op, ev.Name)
	delivered := f.EmitEvent(model.RawEvent{
		Source:   f.hostname,
		Message:  fmt.Sprintf("%s %s", op, ev.Name),
		Severity: severity,
		RawData: map[string]any{
			"path":           ev.Name,
			"operation":      op,
			"sizeBytes":      size,
			"sha256":         hash,
			"contentChanged": contentChanged,
		},
	})
	if delivered {
		f.metrics.RecordEvent(f.Name(), string(f.Type()))
	}
}

// rehash computes the file's SHA-256 and reports whether it differs from
// the last value seen at this path.
func (f *FileWatch) rehash(path string) (string, bool) {
	file, err := os.Open(path)
	if err != nil {
		return "", false
	}
	defer file.Close()

	h := sha256.New()
	if _, err := io.Copy(h, io.LimitReader(file, maxHashBytes)); err != nil {
		return "", false
	}
	sum := hex.EncodeToString(h.Sum(nil))

	f.hashMu.Lock()
	prev, seen := f.hashes[path]
	f.hashes[path] = sum
	f.hashMu.Unlock()
	return sum, seen && prev != sum
}

// matches applies exclude-then-include filtering on the base name.
func (f *FileWatch) matches(cfg Config, path string) bool {
	base := filepath.Base(path)
	for _, pattern := range cfg.ExcludePatterns {
		if ok, _ := filepath.Match(pattern, base); ok {
			return false
		}
	}
	if len(cfg.IncludePatterns) == 0 {
		return true
	}
	for _, pattern := range cfg.IncludePatterns {
		if ok, _ := filepath.Match(pattern, base); ok {
			return true
		}
	}
	return false
}

// classify grades an operation. The checks run in fixed order; the first
// hit wins.
func (f *FileWatch) classify(cfg Config, op, path string) model.EventSeverity {
	critical := isUnder(cfg.CriticalPaths, path)

	if op == "delete" && critical {
		return model.EventCritical
	}
	if op != "delete" && executableExts[strings.ToLower(filepath.Ext(path))] {
		return model.EventWarn
	}
	if op == "change" && critical {
		return model.EventError
	}
	if f.highPriority(path) {
		if op == "delete" {
			return model.EventError
		}
		return model.EventWarn
	}
	return model.EventInfo
}

func (f *FileWatch) highPriority(path string) bool {
	f.cfgMu.RLock()
	patterns := f.highPrio
	f.cfgMu.RUnlock()
	for _, re := range patterns {
		if re.MatchString(path) {
			return true
		}
	}
	return false
}

func isUnder(roots []string, path string) bool {
	for _, root := range roots {
		if strings.HasPrefix(path, root) {
			return true
		}
	}
	return false
}

func opString(op fsnotify.Op) string {
	switch {
	case op.Has(fsnotify.Create):
		return "create"
	case op.Has(fsnotify.Write):
		return "change"
	case op.Has(fsnotify.Remove), op.Has(fsnotify.Rename):
		return "delete"
	default:
		return ""
	}
}

// Stop closes the watcher and waits for the event loop.
func (f *FileWatch) Stop() error {
	f.mu.Lock()
	watcher := f.watcher
	cancel := f.cancel
	f.watcher = nil
	f.cancel = nil
	f.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if watcher != nil {
		watcher.Close()
	}
	f.wg.Wait()

	f.SetStatus(model.StatusDisabled, "")
	f.Log.Info().Msg("file watcher stopped")
	return nil
}

// HealthCheck reports whether the watcher is live and what it covers.
func (f *FileWatch) HealthCheck(ctx context.Context) connector.Health {
	h := connector.Health{LastChecked: time.Now()}
	f.mu.Lock()
	watcher := f.watcher
	f.mu.Unlock()

	if watcher == nil {
		h.Message = "watcher not running"
		return h
	}
	h.Healthy = true
	h.Message = fmt.Sprintf("watching %d paths", len(watcher.WatchList()))
	return h
}

// TestConnection checks every configured root exists and is readable.
func (f *FileWatch) TestConnection(ctx context.Context) connector.TestResult {
	cfg := f.config()
	for _, root := range cfg.Paths {
		info, err := os.Stat(root)
		if err != nil {
			return connector.TestResult{Success: false, Message: err.Error()}
		}
		if info.IsDir() {
			if _, err := os.ReadDir(root); err != nil {
				return connector.TestResult{Success: false, Message: err.Error()}
			}
		}
	}
	return connector.TestResult{Success: true, Message: fmt.Sprintf("%d paths readable", len(cfg.Paths))}
}

// UpdateConfig overlays a sparse patch. Pattern and severity knobs swap
// live; changing the watched path set requires a restart.
func (f *FileWatch) UpdateConfig(patch map[string]any) error {
	raw, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("filewatch: encode patch: %w", err)
	}
	cur := f.config()
	next := cur
	if err := connector.DecodeConfig(raw, &next, false, f.Log); err != nil {
		return err
	}
	for _, expr := range next.HighPriority {
		if _, err := regexp.Compile(expr); err != nil {
			return fmt.Errorf("filewatch: bad high-priority pattern %q: %w", expr, err)
		}
	}

	f.mu.Lock()
	running := f.watcher != nil
	f.mu.Unlock()
	if running && (!equalPaths(next.Paths, cur.Paths) || next.Recursive != cur.Recursive) {
		return errors.New("filewatch: path changes require restart")
	}

	f.cfgMu.Lock()
	f.cfg = next
	f.cfgMu.Unlock()
	f.compilePatterns(next)
	return nil
}

func (f *FileWatch) config() Config {
	f.cfgMu.RLock()
	defer f.cfgMu.RUnlock()
	return f.cfg
}

func equalPaths(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
