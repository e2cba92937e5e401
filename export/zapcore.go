package export

import (
	"go.uber.org/zap/zapcore"
)

// exportCore is a zapcore.Core that buffers entries for remote export
type exportCore struct {
	zapcore.LevelEnabler
	exporter *Exporter
	fields   []zapcore.Field
}

// NewZapCore returns a core feeding the exporter. Tee it with the console core
// so entries at or above level are shipped remotely.
func NewZapCore(exporter *Exporter, level zapcore.LevelEnabler) zapcore.Core {
	return &exportCore{LevelEnabler: level, exporter: exporter}
}

func (c *exportCore) With(fields []zapcore.Field) zapcore.Core {
	clone := *c
	clone.fields = append(append([]zapcore.Field(nil), c.fields...), fields...)
	return &clone
}

func (c *exportCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *exportCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	enc := zapcore.NewMapObjectEncoder()
	for _, f := range c.fields {
		f.AddTo(enc)
	}
	for _, f := range fields {
		f.AddTo(enc)
	}

	entry := LogEntry{
		Timestamp: ent.Time.UTC(),
		Level:     ent.Level.String(),
		Message:   ent.Message,
		Logger:    ent.LoggerName,
	}
	if ent.Caller.Defined {
		entry.Caller = ent.Caller.TrimmedPath()
	}
	if len(enc.Fields) > 0 {
		entry.Fields = enc.Fields
	}
	c.exporter.Enqueue(entry)
	return nil
}

func (c *exportCore) Sync() error {
	return nil
}
