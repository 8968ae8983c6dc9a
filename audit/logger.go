// Package audit emits structured audit records as newline-delimited JSON.
package audit

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level is the severity of an audit record.
type Level int8

// Audit levels, lowest first.
const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
)

// Common errors.
var (
	ErrUnknownLevel = errors.New("unknown log level")
)

// String returns the level name as it appears in audit records.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	default:
		return fmt.Sprintf("level(%d)", int8(l))
	}
}

// ParseLevel parses a level name from configuration.
func ParseLevel(s string) (Level, error) {
	switch s {
	case "debug":
		return LevelDebug, nil
	case "info", "":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	default:
		return LevelInfo, fmt.Errorf("%w: %q", ErrUnknownLevel, s)
	}
}

// Fields carries the free-form key/value pairs of one record. Callers may
// shadow any base field except "component".
type Fields map[string]any

// Base field names present on every record.
const (
	fieldTimestamp = "timestamp"
	fieldLevel     = "level"
	fieldComponent = "component"
	fieldMessage   = "message"
	fieldEventID   = "event_id"
)

var baseFieldOrder = []string{fieldTimestamp, fieldLevel, fieldComponent, fieldMessage, fieldEventID}

// Logger writes one flat JSON object per record. Records below the
// configured minimum level are dropped silently; emitting a record never
// returns an error to the caller.
type Logger struct {
	zl        *zap.Logger
	component string
	min       Level
	now       func() time.Time
}

// NewLogger creates a logger writing to w (stdout when nil).
func NewLogger(component string, min Level, w io.Writer) *Logger {
	if w == nil {
		w = os.Stdout
	}

	// The record layout is owned by this package, so the encoder's own
	// time/level/message keys are disabled and every field is explicit.
	enc := zapcore.NewJSONEncoder(zapcore.EncoderConfig{
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeDuration: zapcore.StringDurationEncoder,
	})
	core := zapcore.NewCore(enc, zapcore.AddSync(w), zapcore.DebugLevel)

	return &Logger{
		zl:        zap.New(core),
		component: component,
		min:       min,
		now:       time.Now,
	}
}

// Component returns a logger emitting records under a different component
// name, sharing the same output and minimum level.
func (l *Logger) Component(name string) *Logger {
	cp := *l
	cp.component = name
	return &cp
}

// Debug emits a debug record, dropped unless the minimum level is debug.
func (l *Logger) Debug(msg string, fields Fields) { l.log(LevelDebug, msg, fields) }

// Info emits an info record.
func (l *Logger) Info(msg string, fields Fields) { l.log(LevelInfo, msg, fields) }

// Warn emits a warn record.
func (l *Logger) Warn(msg string, fields Fields) { l.log(LevelWarn, msg, fields) }

func (l *Logger) log(lvl Level, msg string, fields Fields) {
	if lvl < l.min {
		return
	}

	base := map[string]any{
		fieldTimestamp: l.now().UTC().Truncate(time.Second).Format(time.RFC3339),
		fieldLevel:     lvl.String(),
		fieldComponent: l.component,
		fieldMessage:   msg,
		fieldEventID:   uuid.NewString(),
	}

	zf := make([]zap.Field, 0, len(baseFieldOrder)+len(fields))
	for _, k := range baseFieldOrder {
		v := base[k]
		if ov, ok := fields[k]; ok && k != fieldComponent {
			v = ov
		}
		zf = append(zf, zap.Any(k, v))
	}

	extra := make([]string, 0, len(fields))
	for k := range fields {
		if _, isBase := base[k]; isBase {
			continue
		}
		extra = append(extra, k)
	}
	sort.Strings(extra)
	for _, k := range extra {
		zf = append(zf, zap.Any(k, fields[k]))
	}

	l.zl.Info("", zf...)
}
