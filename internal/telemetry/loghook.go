package telemetry

import (
	"context"
	"fmt"

	"github.com/szibis/trace-governor/internal/logging"
	otellog "go.opentelemetry.io/otel/log"
)

// NewLogHook bridges the internal logger to the OTEL log pipeline. Every log
// entry is re-emitted as an OTEL log record with its level and fields mapped
// onto severity and attributes. Returns nil when telemetry is disabled so the
// logger skips the hook entirely.
func (t *Telemetry) NewLogHook() logging.LogHook {
	if t == nil || t.logger == nil {
		return nil
	}

	sink := t.logger

	return func(level logging.Level, msg string, attrs map[string]interface{}) {
		var rec otellog.Record
		rec.SetBody(otellog.StringValue(msg))
		rec.SetSeverity(hookSeverity(level))
		rec.SetSeverityText(string(level))
		if kvs := hookAttributes(attrs); len(kvs) > 0 {
			rec.AddAttributes(kvs...)
		}
		sink.Emit(context.Background(), rec)
	}
}

func hookAttributes(attrs map[string]interface{}) []otellog.KeyValue {
	if len(attrs) == 0 {
		return nil
	}
	kvs := make([]otellog.KeyValue, 0, len(attrs))
	for k, v := range attrs {
		kvs = append(kvs, otellog.KeyValue{Key: k, Value: hookValue(v)})
	}
	return kvs
}

func hookSeverity(level logging.Level) otellog.Severity {
	switch level {
	case logging.LevelDebug:
		return otellog.SeverityDebug
	case logging.LevelWarn:
		return otellog.SeverityWarn
	case logging.LevelError:
		return otellog.SeverityError
	case logging.LevelFatal:
		return otellog.SeverityFatal
	default:
		return otellog.SeverityInfo
	}
}

// hookValue maps a log field onto a typed OTEL value, with fmt.Sprint as the
// catch-all for anything the log API has no native type for.
func hookValue(v interface{}) otellog.Value {
	switch val := v.(type) {
	case nil:
		return otellog.StringValue("<nil>")
	case string:
		return otellog.StringValue(val)
	case int:
		return otellog.IntValue(val)
	case int64:
		return otellog.Int64Value(val)
	case float64:
		return otellog.Float64Value(val)
	case bool:
		return otellog.BoolValue(val)
	default:
		return otellog.StringValue(fmt.Sprint(val))
	}
}
