package config

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/hostdeck/hostdeck/internal/utils"
)

// RuntimeSettings are the fields that can change without a restart.
type RuntimeSettings struct {
	LogLevel    string
	SudoTimeout time.Duration
}

// ConfigWatcher monitors the .env file for changes and updates runtime config
type ConfigWatcher struct {
	config      *Config
	envPath     string
	watcher     *fsnotify.Watcher
	stopChan    chan struct{}
	stopOnce    sync.Once
	lastModTime time.Time
	debounce    time.Duration
	mu          sync.Mutex
	onChange    func(RuntimeSettings)
}

// NewConfigWatcher creates a new config watcher
func NewConfigWatcher(config *Config) (*ConfigWatcher, error) {
	envPath := filepath.Join(config.DataDir, ".env")
	if config.DataDir == "" {
		envPath = filepath.Join(DefaultDataDir, ".env")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	cw := &ConfigWatcher{
		config:   config,
		envPath:  envPath,
		watcher:  watcher,
		stopChan: make(chan struct{}),
		debounce: 100 * time.Millisecond,
	}
	if stat, err := os.Stat(envPath); err == nil {
		cw.lastModTime = stat.ModTime()
	}
	return cw, nil
}

// OnChange registers the callback invoked after runtime settings change.
func (cw *ConfigWatcher) OnChange(callback func(RuntimeSettings)) {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cw.onChange = callback
}

// Start begins watching the config file
func (cw *ConfigWatcher) Start() error {
	dir := filepath.Dir(cw.envPath)
	if err := cw.watcher.Add(dir); err != nil {
		log.Warn().Err(err).Str("path", dir).Msg("Failed to watch config directory, falling back to polling")
		go cw.pollForChanges(5 * time.Second)
		return nil
	}

	go cw.watchForChanges()
	log.Info().Str("env_path", cw.envPath).Msg("Started watching config file for changes")
	return nil
}

// Stop stops the config watcher
func (cw *ConfigWatcher) Stop() {
	cw.stopOnce.Do(func() {
		close(cw.stopChan)
		cw.watcher.Close()
	})
}

// ReloadConfig manually triggers a config reload (e.g., from SIGHUP)
func (cw *ConfigWatcher) ReloadConfig() {
	cw.reloadConfig()
}

func (cw *ConfigWatcher) watchForChanges() {
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != ".env" && event.Name != cw.envPath {
				continue
			}
			// Debounce - wait a bit for write to complete
			time.Sleep(cw.debounce)
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				log.Info().Str("event", event.Op.String()).Msg("Detected .env file change")
				cw.reloadConfig()
			}

		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Config watcher error")

		case <-cw.stopChan:
			return
		}
	}
}

func (cw *ConfigWatcher) pollForChanges(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if stat, err := os.Stat(cw.envPath); err == nil && stat.ModTime().After(cw.lastModTime) {
				log.Info().Msg("Detected .env file change via polling")
				cw.lastModTime = stat.ModTime()
				cw.reloadConfig()
			}
		case <-cw.stopChan:
			return
		}
	}
}

// reloadConfig applies the runtime-safe settings from the .env file. Listen
// addresses, credentials and the token secret need a restart.
func (cw *ConfigWatcher) reloadConfig() {
	envMap, err := godotenv.Read(cw.envPath)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Error().Err(err).Msg("Failed to read .env file")
			return
		}
		envMap = make(map[string]string)
	}

	cfg := cw.config
	var changes []string

	cfg.mu.Lock()
	if level := strings.ToLower(trimQuotes(strings.TrimSpace(envMap["LOG_LEVEL"]))); level != "" && level != cfg.LogLevel {
		cfg.LogLevel = level
		changes = append(changes, "log level")
	}
	if raw := trimQuotes(strings.TrimSpace(envMap["HOSTDECK_SUDO_TIMEOUT"])); raw != "" {
		d, err := utils.ParseDuration(raw)
		switch {
		case err != nil || d < time.Second:
			log.Warn().Str("value", raw).Msg("Ignoring invalid HOSTDECK_SUDO_TIMEOUT")
		case d != cfg.SudoTimeout:
			cfg.SudoTimeout = d
			changes = append(changes, "sudo timeout")
		}
	}
	settings := RuntimeSettings{LogLevel: cfg.LogLevel, SudoTimeout: cfg.SudoTimeout}
	cfg.mu.Unlock()

	if len(changes) == 0 {
		log.Debug().Msg("No relevant changes detected in .env file")
		return
	}

	log.Info().
		Strs("changes", changes).
		Str("log_level", settings.LogLevel).
		Dur("sudo_timeout", settings.SudoTimeout).
		Msg("Applied .env file changes to runtime config")

	cw.mu.Lock()
	callback := cw.onChange
	cw.mu.Unlock()
	if callback != nil {
		callback(settings)
	}
}
