package log

import (
	"context"
	"time"

	"github.com/forgeline/director/pkg/requestid"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// StructuredLogger produces operation tracers: one logger per component, one tracer per
// call, one log line per step/outcome. Tracer lines are emitted at debug level except
// errors, which always go out at error level.
type StructuredLogger struct {
	name  string
	level zapcore.Level
}

func NewDebugLogger(name string) *StructuredLogger {
	return &StructuredLogger{name: name, level: zapcore.DebugLevel}
}

func NewInfoLogger(name string) *StructuredLogger {
	return &StructuredLogger{name: name, level: zapcore.InfoLevel}
}

func (l *StructuredLogger) WithContext(ctx context.Context) *TracerBuilder {
	return &TracerBuilder{logger: l, ctx: ctx}
}

type TracerBuilder struct {
	logger    *StructuredLogger
	ctx       context.Context
	operation string
	fields    []zap.Field
}

func (b *TracerBuilder) Operation(op string) *TracerBuilder {
	b.operation = op
	return b
}

func (b *TracerBuilder) WithParam(key string, value any) *TracerBuilder {
	b.fields = append(b.fields, zap.Any(key, value))
	return b
}

func (b *TracerBuilder) WithString(key, value string) *TracerBuilder {
	b.fields = append(b.fields, zap.String(key, value))
	return b
}

func (b *TracerBuilder) WithInt(key string, value int) *TracerBuilder {
	b.fields = append(b.fields, zap.Int(key, value))
	return b
}

func (b *TracerBuilder) WithUUID(key string, value uuid.UUID) *TracerBuilder {
	b.fields = append(b.fields, zap.String(key, value.String()))
	return b
}

func (b *TracerBuilder) Build() *Tracer {
	fields := append([]zap.Field{}, b.fields...)
	if b.ctx != nil {
		if id := requestid.FromContext(b.ctx); id != "" {
			fields = append(fields, zap.String("request_id", id))
		}
	}
	if b.operation != "" {
		fields = append(fields, zap.String("operation", b.operation))
	}
	return &Tracer{
		logger: zap.L().Named(b.logger.name).WithOptions(zap.AddCallerSkip(1)).With(fields...),
		level:  b.logger.level,
		start:  time.Now(),
	}
}

// Tracer carries the operation context; each Step/Success/Error call starts a new entry.
type Tracer struct {
	logger *zap.Logger
	level  zapcore.Level
	start  time.Time
}

func (t *Tracer) Step(name string) *Entry {
	return t.entry(t.level, "step", zap.String("step", name))
}

func (t *Tracer) Success() *Entry {
	return t.entry(t.level, "success", zap.Duration("duration", time.Since(t.start)))
}

func (t *Tracer) Error(err error) *Entry {
	return t.entry(zapcore.ErrorLevel, "error", zap.Error(err), zap.Duration("duration", time.Since(t.start)))
}

// Warn is used for conditions the caller recovers from, such as a stale stage report.
func (t *Tracer) Warn(msg string) *Entry {
	return t.entry(zapcore.WarnLevel, msg)
}

func (t *Tracer) entry(level zapcore.Level, msg string, fields ...zap.Field) *Entry {
	return &Entry{logger: t.logger, level: level, msg: msg, fields: fields}
}

type Entry struct {
	logger *zap.Logger
	level  zapcore.Level
	msg    string
	fields []zap.Field
}

func (e *Entry) WithParam(key string, value any) *Entry {
	e.fields = append(e.fields, zap.Any(key, value))
	return e
}

func (e *Entry) WithString(key, value string) *Entry {
	e.fields = append(e.fields, zap.String(key, value))
	return e
}

func (e *Entry) WithInt(key string, value int) *Entry {
	e.fields = append(e.fields, zap.Int(key, value))
	return e
}

func (e *Entry) WithUUID(key string, value uuid.UUID) *Entry {
	e.fields = append(e.fields, zap.String(key, value.String()))
	return e
}

func (e *Entry) Log() {
	if ce := e.logger.Check(e.level, e.msg); ce != nil {
		ce.Write(e.fields...)
	}
}
