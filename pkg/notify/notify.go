// Package notify fans bot events out to every configured sink: the console
// log, the dashboard's in-memory log (and its SSE subscribers), a Discord
// webhook and an MQTT topic. Sinks are best effort, a broken webhook never
// stalls packet handling.
package notify

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/osmogr/meshtastic-pingbot/pkg/models"
)

// Sink receives every event entry. Implementations must not block.
type Sink interface {
	Notify(entry models.LogEntry)
}

type Fanout struct {
	sinks []Sink
	now   func() time.Time
}

func NewFanout(sinks ...Sink) *Fanout {
	return &Fanout{
		sinks: sinks,
		now:   time.Now,
	}
}

// Add registers more sinks. Only safe during startup wiring, before the
// first Notify.
func (f *Fanout) Add(sinks ...Sink) {
	f.sinks = append(f.sinks, sinks...)
}

func (f *Fanout) Notify(level models.LogLevel, format string, args ...any) {
	entry := models.LogEntry{
		Time:    f.now(),
		Level:   level,
		Message: fmt.Sprintf(format, args...),
	}
	for _, s := range f.sinks {
		s.Notify(entry)
	}
}

func (f *Fanout) Info(format string, args ...any)    { f.Notify(models.LogInfo, format, args...) }
func (f *Fanout) Success(format string, args ...any) { f.Notify(models.LogSuccess, format, args...) }
func (f *Fanout) Warn(format string, args ...any)    { f.Notify(models.LogWarn, format, args...) }
func (f *Fanout) Error(format string, args ...any)   { f.Notify(models.LogError, format, args...) }

// Console writes entries to the process logger.
type Console struct {
	log *slog.Logger
}

func NewConsole() *Console {
	return &Console{log: slog.Default()}
}

func (c *Console) Notify(entry models.LogEntry) {
	switch entry.Level {
	case models.LogError:
		c.log.Error(entry.Message)
	case models.LogWarn:
		c.log.Warn(entry.Message)
	default:
		c.log.Info(entry.Message)
	}
}
