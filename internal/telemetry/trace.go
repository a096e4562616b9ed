package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// StartSpan creates a new span for a service operation.
//
//	ctx, span := telemetry.StartSpan(ctx, "apiox/services/token", "token.Issue",
//	    attribute.String(telemetry.AttrClientID, client.ID),
//	)
//	defer span.End()
func StartSpan(ctx context.Context, tracerName, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	tracer := otel.Tracer(tracerName)
	return tracer.Start(ctx, spanName, trace.WithAttributes(attrs...))
}

// RecordError records err on the span and marks the span as failed.
func RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// AddEvent adds a named event to the span.
func AddEvent(span trace.Span, name string, attrs ...attribute.KeyValue) {
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// Common attribute keys
const (
	AttrTokenID     = "token.id"
	AttrClientID    = "token.client_id"
	AttrAccountID   = "token.account_id"
	AttrGrantType   = "oauth2.grant_type"
	AttrAuthScheme  = "auth.scheme"
	AttrPrincipal   = "principal.name"
	AttrAPIID       = "api.id"
	AttrUpstreamURL = "proxy.upstream_url"
)
