package xlog

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// NewConfig returns the default logging config: text output to stdout at
// LevelInfo with source annotations, no file output.
func NewConfig() Config {
	return Config{
		Level:     slog.LevelInfo,
		AddSource: true,
		Format:    "text",
		Writer:    os.Stdout,
		MaxSize:   30,
	}
}

// Config configures the handler backing a Logger.
type Config struct {
	// Level is the minimum level emitted.
	Level slog.Level
	// AddSource annotates records with the file and line they were logged at.
	AddSource bool
	// Format selects the console output format, one of "text" or "json".
	Format string
	// Writer is the console output destination, os.Stdout when unset.
	Writer io.Writer

	// Path enables additional JSON output to a rotated log file when set.
	Path string
	// MaxSize is the maximum size in MB of the log file before rotation.
	MaxSize int
	// MaxAge is the maximum number of days to retain rotated files.
	MaxAge int
	// MaxBackups is the maximum number of rotated files to retain.
	MaxBackups int
	// Compress enables gzip compression of rotated files.
	Compress bool
}

// BuildHandler creates a slog.Handler from the config.
func (c Config) BuildHandler() slog.Handler {
	writer := c.Writer
	if writer == nil {
		writer = os.Stdout
	}
	opts := &slog.HandlerOptions{
		AddSource: c.AddSource,
		Level:     c.Level,
		ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
			// shorten source paths to their basename
			if attr.Key == slog.SourceKey {
				if source, ok := attr.Value.Any().(*slog.Source); ok {
					source.File = filepath.Base(source.File)
				}
			}
			return attr
		},
	}
	if c.Path != "" {
		writer = io.MultiWriter(writer, &lumberjack.Logger{
			Filename:   c.Path,
			MaxSize:    c.MaxSize,
			MaxAge:     c.MaxAge,
			MaxBackups: c.MaxBackups,
			Compress:   c.Compress,
		})
	}
	if c.Format == "json" {
		return slog.NewJSONHandler(writer, opts)
	}
	return slog.NewTextHandler(writer, opts)
}
