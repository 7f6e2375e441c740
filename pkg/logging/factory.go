package logging

import (
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
)

// Factory hands out component-scoped loggers with consistent field naming.
// Per-component levels can be overridden through LOG_LEVEL_<COMPONENT> env
// variables without touching the base logger.
type Factory struct {
	baseLogger *log.Logger

	mu     sync.Mutex
	levels map[string]log.Level
}

func NewFactory(baseLogger *log.Logger) *Factory {
	return &Factory{
		baseLogger: baseLogger,
		levels:     make(map[string]log.Level),
	}
}

func (lf *Factory) forComponent(id, componentType string) *log.Logger {
	logger := lf.baseLogger.With("component", id, "type", componentType)

	lf.mu.Lock()
	level, ok := lf.levels[id]
	lf.mu.Unlock()
	if !ok {
		level, ok = levelFromEnv(id)
	}
	if ok {
		logger.SetLevel(level)
	}
	return logger
}

// ForService creates a logger for service components.
func (lf *Factory) ForService(id string) *log.Logger { return lf.forComponent(id, "service") }

// ForServer creates a logger for server components.
func (lf *Factory) ForServer(id string) *log.Logger { return lf.forComponent(id, "server") }

// ForWorker creates a logger for background worker components.
func (lf *Factory) ForWorker(id string) *log.Logger { return lf.forComponent(id, "worker") }

// ForClient creates a logger for outbound client components.
func (lf *Factory) ForClient(id string) *log.Logger { return lf.forComponent(id, "client") }

// ForHandler creates a logger for connection handler components.
func (lf *Factory) ForHandler(id string) *log.Logger { return lf.forComponent(id, "handler") }

// ForDatabase creates a logger for storage components.
func (lf *Factory) ForDatabase(id string) *log.Logger { return lf.forComponent(id, "database") }

// ForMemory creates a logger for memory pipeline components.
func (lf *Factory) ForMemory(id string) *log.Logger { return lf.forComponent(id, "memory") }

// ForAI creates a logger for LLM-facing components.
func (lf *Factory) ForAI(id string) *log.Logger { return lf.forComponent(id, "ai") }

// SetComponentLogLevel overrides the level for one component id.
func (lf *Factory) SetComponentLogLevel(id string, level log.Level) {
	lf.mu.Lock()
	defer lf.mu.Unlock()
	lf.levels[id] = level
}

func levelFromEnv(id string) (log.Level, bool) {
	key := "LOG_LEVEL_" + strings.ToUpper(strings.ReplaceAll(id, "-", "_"))
	value := os.Getenv(key)
	if value == "" {
		return log.InfoLevel, false
	}
	level, err := log.ParseLevel(value)
	if err != nil {
		return log.InfoLevel, false
	}
	return level, true
}
