// Package tracing wraps OpenTelemetry so fit sessions and the batch driver
// can open spans without importing the SDK. Until Init is called the global
// provider is a no-op and spans cost nothing.
package tracing

import (
	"context"
	"io"
	"os"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/kwv/batchfit"

var (
	mu       sync.Mutex
	provider *sdktrace.TracerProvider
	output   *os.File
)

// Init installs a stdout exporter writing to outputFile, or to os.Stdout when
// outputFile is empty. Only the first call has an effect; later calls do not
// touch outputFile.
func Init(serviceName, serviceVersion, outputFile string) error {
	mu.Lock()
	defer mu.Unlock()
	if provider != nil {
		return nil
	}
	var w io.Writer = os.Stdout
	if outputFile != "" {
		f, err := os.Create(outputFile)
		if err != nil {
			return err
		}
		output = f
		w = f
	}
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err == nil {
		err = install(serviceName, serviceVersion, exporter)
	}
	if err != nil {
		closeOutput()
		return err
	}
	return nil
}

// InitWithExporter installs the given exporter as the global provider.
func InitWithExporter(serviceName, serviceVersion string, exporter sdktrace.SpanExporter) error {
	mu.Lock()
	defer mu.Unlock()
	if exporter == nil || provider != nil {
		return nil
	}
	return install(serviceName, serviceVersion, exporter)
}

// install must be called with mu held.
func install(serviceName, serviceVersion string, exporter sdktrace.SpanExporter) error {
	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			attribute.String("service.name", serviceName),
			attribute.String("service.version", serviceVersion),
		),
	)
	if err != nil {
		return err
	}
	provider = sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(sdktrace.NewSimpleSpanProcessor(exporter)),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)
	return nil
}

func closeOutput() error {
	if output == nil {
		return nil
	}
	err := output.Close()
	output = nil
	return err
}

// Shutdown flushes and stops the provider installed by Init, if any, then
// closes the trace file.
func Shutdown(ctx context.Context) error {
	mu.Lock()
	defer mu.Unlock()
	var err error
	if provider != nil {
		err = provider.Shutdown(ctx)
	}
	if cerr := closeOutput(); err == nil {
		err = cerr
	}
	return err
}

// Span is a started span.
type Span struct {
	span trace.Span
}

// StartSpan starts an internal span named name with string attributes.
func StartSpan(ctx context.Context, name string, attrs map[string]string) (context.Context, *Span) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, name, trace.WithSpanKind(trace.SpanKindInternal))
	if len(attrs) > 0 {
		kv := make([]attribute.KeyValue, 0, len(attrs))
		for k, v := range attrs {
			kv = append(kv, attribute.String(k, v))
		}
		span.SetAttributes(kv...)
	}
	return ctx, &Span{span: span}
}

// SetFloat records a numeric attribute.
func (s *Span) SetFloat(key string, v float64) {
	if s == nil {
		return
	}
	s.span.SetAttributes(attribute.Float64(key, v))
}

// End records err (or OK) and ends the span.
func End(s *Span, err error) {
	if s == nil {
		return
	}
	if err != nil {
		s.span.RecordError(err)
		s.span.SetStatus(codes.Error, err.Error())
	} else {
		s.span.SetStatus(codes.Ok, "")
	}
	s.span.End()
}
