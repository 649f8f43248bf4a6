// Package monitors provides flows.FlowMonitor implementations for logging,
// metrics, tracing and tests.
package monitors

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"flowcore/flows"
)

// LogMonitor writes every lifecycle event to a zap logger. Step events go out
// at debug level, flow boundaries at info, retries and warnings at warn and
// failures at error.
type LogMonitor struct {
	logger *zap.Logger
}

func NewLogMonitor(logger *zap.Logger) *LogMonitor {
	if logger == nil {
		logger = flows.Logger()
	}
	return &LogMonitor{logger: logger.With(zap.String("component", "monitor"))}
}

func (m *LogMonitor) Notify(_ context.Context, ev flows.FlowEvent) {
	level := zapcore.DebugLevel
	switch ev.Type {
	case flows.FlowEventTypeFlowStart, flows.FlowEventTypeFlowComplete:
		level = zapcore.InfoLevel
	case flows.FlowEventTypeNodeRetry, flows.FlowEventTypeWarning:
		level = zapcore.WarnLevel
	case flows.FlowEventTypeNodeError:
		level = zapcore.ErrorLevel
	}
	if ev.Type == flows.FlowEventTypeFlowComplete && ev.Err != nil {
		level = zapcore.ErrorLevel
	}
	ce := m.logger.Check(level, string(ev.Type))
	if ce == nil {
		return
	}
	ce.Write(eventFields(ev)...)
}

func eventFields(ev flows.FlowEvent) []zap.Field {
	fields := []zap.Field{
		zap.String("run_id", ev.RunID),
		zap.String("node", ev.Node),
		zap.Int("depth", ev.Depth),
	}
	if ev.Iteration > 0 {
		fields = append(fields, zap.Int("iteration", ev.Iteration))
	}
	switch ev.Type {
	case flows.FlowEventTypeNodeStart:
		fields = append(fields, zap.Int("step", ev.Step))
	case flows.FlowEventTypeNodeEnd:
		fields = append(fields, zap.Int("step", ev.Step), zap.String("action", string(ev.Action)), zap.String("next", ev.Next))
	case flows.FlowEventTypeNodeRetry:
		fields = append(fields, zap.Int("attempt", ev.Attempt), zap.Duration("wait", ev.Wait))
	case flows.FlowEventTypeWarning:
		fields = append(fields, zap.String("message", ev.Message))
	case flows.FlowEventTypeFlowComplete:
		fields = append(fields, zap.String("action", string(ev.Action)))
	}
	if ev.Err != nil {
		fields = append(fields, zap.Error(ev.Err))
	}
	return fields
}
