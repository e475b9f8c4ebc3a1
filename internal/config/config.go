package config

import (
	"os"
	"path/filepath"
	"time"
)

const (
	DefaultHistoryMaxLen = 100
	DefaultWriterBuffer  = 256
	DefaultMaxAgeDays    = 14
)

// Config holds process-level settings. Engine behaviour lives in FsmConfig.
type Config struct {
	SocketPath   string
	DBPath       string
	LogDir       string
	LogLevel     string
	WriterBuffer int
	CloseTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		SocketPath:   defaultSocketPath(),
		DBPath:       defaultDBPath(),
		LogDir:       defaultLogDir(),
		LogLevel:     "info",
		WriterBuffer: DefaultWriterBuffer,
		CloseTimeout: 5 * time.Second,
	}
}

func defaultSocketPath() string {
	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir != "" {
		return filepath.Join(runtimeDir, "labelfsm", "labelfsmd.sock")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".labelfsmd.sock"
	}
	return filepath.Join(home, ".local", "state", "labelfsm", "labelfsmd.sock")
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "labelfsm.db"
	}
	return filepath.Join(home, ".local", "state", "labelfsm", "history.db")
}

func defaultLogDir() string {
	wd, err := os.Getwd()
	if err != nil {
		return "fsm_logs"
	}
	return filepath.Join(wd, "fsm_logs")
}
