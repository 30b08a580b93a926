// Package artifact captures diagnostics of failed attempts to disk.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/backtest-automator/internal/driver"
	"github.com/t77yq/backtest-automator/internal/model"
)

// Artifact names used as keys of TaskResult.Artifacts
const (
	Screenshot    = "screenshot"
	DOM           = "dom"
	Console       = "console"
	ContainerLogs = "container_logs"
)

// Config defines where and how long artifacts are kept
type Config struct {
	Dir    string        `mapstructure:"dir"`
	MaxAge time.Duration `mapstructure:"max_age"`
	// Timeout bounds a whole capture
	Timeout time.Duration `mapstructure:"timeout"`
}

// Collector writes per-attempt diagnostics under Dir/<run>/<task>-<attempt>
type Collector struct {
	logger *zap.Logger
	config Config
	logs   LogSource

	mu sync.Mutex
}

// NewCollector creates a collector. logs may be nil when browser containers
// are not in use.
func NewCollector(config Config, logs LogSource, logger *zap.Logger) (*Collector, error) {
	if config.Dir == "" {
		return nil, errors.New("artifact dir is required")
	}
	if config.Timeout <= 0 {
		config.Timeout = 15 * time.Second
	}
	if err := os.MkdirAll(config.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create artifact directory: %w", err)
	}
	return &Collector{
		logger: logger.Named("artifacts"),
		config: config,
		logs:   logs,
	}, nil
}

// Capture saves whatever the session can still provide. It returns the
// paths written keyed by artifact name; partial captures are not an error.
func (c *Collector) Capture(ctx context.Context, sess driver.Session, task *model.Task) map[string]string {
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	dir := filepath.Join(c.config.Dir, safe(task.RunID), fmt.Sprintf("%s-%d", safe(task.ID), task.Attempts))
	if err := os.MkdirAll(dir, 0755); err != nil {
		c.logger.Error("Failed to create artifact directory", zap.String("dir", dir), zap.Error(err))
		return nil
	}

	paths := make(map[string]string)
	save := func(name, file string, data []byte) {
		path := filepath.Join(dir, file)
		if err := os.WriteFile(path, data, 0644); err != nil {
			c.logger.Error("Failed to write artifact",
				zap.String("task_id", task.ID),
				zap.String("artifact", name),
				zap.Error(err))
			return
		}
		paths[name] = path
	}

	if png, err := sess.Screenshot(ctx); err == nil {
		save(Screenshot, "screenshot.png", png)
	} else {
		c.logger.Debug("Screenshot unavailable", zap.String("task_id", task.ID), zap.Error(err))
	}
	if html, err := sess.Snapshot(ctx); err == nil {
		save(DOM, "page.html", []byte(html))
	} else {
		c.logger.Debug("DOM snapshot unavailable", zap.String("task_id", task.ID), zap.Error(err))
	}
	if lines := sess.ConsoleLog(); len(lines) > 0 {
		save(Console, "console.log", []byte(strings.Join(lines, "\n")+"\n"))
	}

	if bound, ok := sess.(driver.ContainerBound); ok && c.logs != nil && bound.ContainerID() != "" {
		data, err := FetchContainerLogs(ctx, c.logs, bound.ContainerID())
		if err != nil {
			c.logger.Warn("Failed to collect container logs",
				zap.String("container_id", bound.ContainerID()),
				zap.Error(err))
		} else {
			save(ContainerLogs, "container.log", data)
		}
	}

	c.logger.Info("Captured diagnostics",
		zap.String("task_id", task.ID),
		zap.Int("attempt", task.Attempts),
		zap.Int("artifacts", len(paths)))
	return paths
}

// Prune removes artifact files older than MaxAge and returns how many were removed
func (c *Collector) Prune() (int, error) {
	if c.config.MaxAge <= 0 {
		return 0, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := time.Now().Add(-c.config.MaxAge)
	removed := 0
	err := filepath.Walk(c.config.Dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(path); err != nil {
				c.logger.Error("Failed to remove old artifact", zap.String("path", path), zap.Error(err))
				return nil
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return removed, fmt.Errorf("failed to prune artifacts: %w", err)
	}
	return removed, nil
}

func safe(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == ':' {
			return '_'
		}
		return r
	}, s)
}
