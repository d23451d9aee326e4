package logx

import "fmt"

// CronLogger adapts Logger to robfig/cron's Logger interface (used by cron.Recover
// and the cron runtime itself). Cron's Info chatter is demoted to trace.
type CronLogger struct{ L Logger }

func (c CronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.L.Trace("cron: "+msg, kvFields(keysAndValues)...)
}

func (c CronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	fields := append([]Field{Err(err)}, kvFields(keysAndValues)...)
	c.L.Error("cron: "+msg, fields...)
}

func kvFields(kv []interface{}) []Field {
	out := make([]Field, 0, len(kv)/2+1)
	for i := 0; i < len(kv); i += 2 {
		k := fmt.Sprint(kv[i])
		if i+1 >= len(kv) {
			out = append(out, Any(k, nil))
			break
		}
		out = append(out, Any(k, kv[i+1]))
	}
	return out
}
