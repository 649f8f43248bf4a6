package monitors

import (
	"context"
	"io"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"flowcore/flows"
)

const tracerName = "flowcore/flows"

// TracingMonitor opens a span for every flow walk and every node visit. Node
// spans are children of their walk's span and a nested walk's span is a child
// of the visit that started it.
type TracingMonitor struct {
	tracer trace.Tracer

	mu    sync.Mutex
	spans map[string]trace.Span
}

// NewTracingMonitor traces through tp, or the global provider when tp is nil.
func NewTracingMonitor(tp trace.TracerProvider) *TracingMonitor {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &TracingMonitor{
		tracer: tp.Tracer(tracerName),
		spans:  make(map[string]trace.Span),
	}
}

func (m *TracingMonitor) Notify(ctx context.Context, ev flows.FlowEvent) {
	switch ev.Type {
	case flows.FlowEventTypeFlowStart:
		m.start(ctx, ev.ParentID, ev.FlowID, "flow "+ev.Node, ev,
			attribute.String("flowcore.run_id", ev.RunID),
			attribute.Int("flowcore.depth", ev.Depth),
		)
	case flows.FlowEventTypeNodeStart:
		m.start(ctx, ev.FlowID, ev.StepID, ev.Node, ev,
			attribute.String("flowcore.run_id", ev.RunID),
			attribute.Int("flowcore.step", ev.Step),
		)
	case flows.FlowEventTypeNodeRetry:
		if span := m.lookup(ev.StepID); span != nil {
			span.AddEvent("retry", trace.WithAttributes(
				attribute.Int("attempt", ev.Attempt),
				attribute.String("wait", ev.Wait.String()),
				attribute.String("error", errString(ev.Err)),
			))
		}
	case flows.FlowEventTypeWarning:
		id := ev.StepID
		if id == "" {
			id = ev.FlowID
		}
		if span := m.lookup(id); span != nil {
			span.AddEvent("warning", trace.WithAttributes(attribute.String("message", ev.Message)))
		}
	case flows.FlowEventTypeNodeEnd:
		if span := m.finish(ev.StepID); span != nil {
			span.SetAttributes(
				attribute.String("flowcore.action", string(ev.Action)),
				attribute.String("flowcore.next", ev.Next),
			)
			span.End(trace.WithTimestamp(ev.Timestamp))
		}
	case flows.FlowEventTypeNodeError:
		if span := m.finish(ev.StepID); span != nil {
			fail(span, ev.Err)
			span.End(trace.WithTimestamp(ev.Timestamp))
		}
	case flows.FlowEventTypeFlowComplete:
		if span := m.finish(ev.FlowID); span != nil {
			span.SetAttributes(attribute.String("flowcore.action", string(ev.Action)))
			if ev.Err != nil {
				fail(span, ev.Err)
			}
			span.End(trace.WithTimestamp(ev.Timestamp))
		}
	}
}

func (m *TracingMonitor) start(ctx context.Context, parentID, id, name string, ev flows.FlowEvent, attrs ...attribute.KeyValue) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if parent, ok := m.spans[parentID]; ok && parentID != "" {
		ctx = trace.ContextWithSpan(ctx, parent)
	}
	_, span := m.tracer.Start(ctx, name,
		trace.WithTimestamp(ev.Timestamp),
		trace.WithAttributes(attrs...),
	)
	m.spans[id] = span
}

func (m *TracingMonitor) lookup(id string) trace.Span {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.spans[id]
}

func (m *TracingMonitor) finish(id string) trace.Span {
	m.mu.Lock()
	defer m.mu.Unlock()
	span := m.spans[id]
	delete(m.spans, id)
	return span
}

func fail(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// NewStdoutTracerProvider builds an SDK provider that pretty-prints finished
// spans to w and installs it as the global provider.
func NewStdoutTracerProvider(w io.Writer, serviceName string) (*sdktrace.TracerProvider, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}
	res, err := resource.New(context.Background(),
		resource.WithAttributes(attribute.String("service.name", serviceName)),
	)
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(sdktrace.NewSimpleSpanProcessor(exporter)),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp, nil
}
