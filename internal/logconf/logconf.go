// Package logconf wires the optional YAML log-rotation config file
// into the stdlib logger via lumberjack, in the same shape as the
// teacher's GlobalLogConfig. Supplying --log-config is optional; with
// no file, logs go to stderr untouched.
package logconf

import (
	"fmt"
	"log"
	"os"

	lumberjack "gopkg.in/natefinch/lumberjack.v2"
	"gopkg.in/yaml.v3"
)

// FileConfig mirrors the teacher's GlobalLogConfig fields.
type FileConfig struct {
	Filename   string `yaml:"Filename,omitempty"`
	MaxSize    int    `yaml:"MaxSize,omitempty"` // megabytes
	MaxBackups int    `yaml:"MaxBackups,omitempty"`
	MaxAge     int    `yaml:"MaxAge,omitempty"` // days
	Compress   bool   `yaml:"Compress,omitempty"`
}

func (c *FileConfig) setDefaults() {
	if c.MaxSize == 0 {
		c.MaxSize = 20
	}
	if c.MaxBackups == 0 {
		c.MaxBackups = 5
	}
	if c.MaxAge == 0 {
		c.MaxAge = 28
	}
}

// Load reads path (if non-empty) and redirects the stdlib logger's
// output to a rotating file. With an empty path this is a no-op and
// logging continues to stderr.
func Load(path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("logconf: read %s: %w", path, err)
	}
	var cfg FileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("logconf: parse %s: %w", path, err)
	}
	cfg.setDefaults()
	if cfg.Filename == "" {
		return nil
	}

	log.SetOutput(&lumberjack.Logger{
		Filename:   cfg.Filename,
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
		Compress:   cfg.Compress,
	})
	return nil
}
