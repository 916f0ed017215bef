package config

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Loader reads a YAML config file and watches it for changes.
type Loader struct {
	path     string
	mu       sync.RWMutex
	current  *PipelineConfig
	onChange []func(*PipelineConfig)
	watcher  *fsnotify.Watcher
	logger   *slog.Logger
}

// NewLoader creates a Loader and performs the initial load.
func NewLoader(path string) (*Loader, error) {
	l := &Loader{path: path, logger: slog.Default()}
	cfg, err := l.load()
	if err != nil {
		return nil, err
	}
	l.current = cfg
	return l, nil
}

// Path returns the watched file path.
func (l *Loader) Path() string { return l.path }

// Config returns the current (latest) configuration.
func (l *Loader) Config() *PipelineConfig {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// OnChange registers a callback invoked whenever the config reloads.
func (l *Loader) OnChange(fn func(*PipelineConfig)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onChange = append(l.onChange, fn)
}

// Watch starts a background goroutine that hot-reloads the config on file changes.
// Call the returned stop function to clean up.
func (l *Loader) Watch() (stop func(), err error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config watcher: %w", err)
	}
	if err := w.Add(l.path); err != nil {
		w.Close()
		return nil, fmt.Errorf("config watcher add %s: %w", l.path, err)
	}
	l.watcher = w

	done := make(chan struct{})
	go func() {
		defer w.Close()
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
					if _, err := l.Reload(); err != nil {
						l.logger.Warn("config reload failed, keeping previous config", "path", l.path, "err", err)
					}
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				l.logger.Warn("config watcher error", "err", err)
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	return func() { once.Do(func() { close(done) }) }, nil
}

// Reload forces an immediate re-read of the config file. Invalid files are
// rejected and the previous config stays current.
func (l *Loader) Reload() (*PipelineConfig, error) {
	cfg, err := l.load()
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.current = cfg
	callbacks := make([]func(*PipelineConfig), len(l.onChange))
	copy(callbacks, l.onChange)
	l.mu.Unlock()
	for _, fn := range callbacks {
		fn(cfg)
	}
	return cfg, nil
}

func (l *Loader) load() (*PipelineConfig, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", l.path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", l.path, err)
	}
	return cfg, nil
}

// Parse decodes YAML and applies defaults.
func Parse(data []byte) (*PipelineConfig, error) {
	var cfg PipelineConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	ApplyDefaults(&cfg)
	return &cfg, nil
}

// ApplyDefaults fills zero-valued knobs.
func ApplyDefaults(cfg *PipelineConfig) {
	if cfg.Mode == "" {
		cfg.Mode = "test"
	}
	if cfg.Regime.Preset == "" && cfg.Regime.Custom == nil {
		cfg.Regime.Preset = "moderate"
	}
	lim := &cfg.Limits
	if lim.DailyCap.IsZero() {
		lim.DailyCap = decimal.NewFromInt(1000)
	}
	if lim.PerTxCap.IsZero() {
		lim.PerTxCap = decimal.NewFromInt(100)
	}
	if lim.ConcentrationPct.IsZero() {
		lim.ConcentrationPct = decimal.NewFromInt(50)
	}
	if lim.DivergenceMultiple.IsZero() {
		lim.DivergenceMultiple = decimal.NewFromInt(10)
	}
	if lim.DivergenceMinSamples == 0 {
		lim.DivergenceMinSamples = 5
	}
	if lim.RejectionStreak == 0 {
		lim.RejectionStreak = 5
	}
	if lim.RejectionWindow == 0 {
		lim.RejectionWindow = time.Hour
	}
	if cfg.Batching.Size == 0 {
		cfg.Batching.Size = 10
	}
	if cfg.Batching.FlushInterval == 0 {
		cfg.Batching.FlushInterval = 30 * time.Second
	}
	if cfg.Ledger.FMVTTL == 0 {
		cfg.Ledger.FMVTTL = time.Minute
	}
	if cfg.Ledger.Cache == "" {
		cfg.Ledger.Cache = "memory"
	}
	if cfg.Events.SubjectPrefix == "" {
		cfg.Events.SubjectPrefix = "paycore.events"
	}
	if cfg.Events.AnchorSubject == "" {
		cfg.Events.AnchorSubject = "paycore.anchors"
	}
	if cfg.Engine.Workers == 0 {
		cfg.Engine.Workers = 4
	}
	if cfg.Engine.QueueDepth == 0 {
		cfg.Engine.QueueDepth = 1000
	}
	if cfg.Engine.Timeout == 0 {
		cfg.Engine.Timeout = 30 * time.Second
	}
	if cfg.Signer.Identity == "" {
		cfg.Signer.Identity = "paycore-local"
	}
}
