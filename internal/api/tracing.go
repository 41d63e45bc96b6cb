package api

import (
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

func (s *Server) withTracing(next http.Handler) http.Handler {
	if s.tracer == nil {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := routeLabel(r.URL.Path)
		ctx, span := s.tracer.Start(r.Context(), r.Method+" "+route, trace.WithSpanKind(trace.SpanKindServer))

		attrs := []attribute.KeyValue{
			attribute.String("http.method", r.Method),
			attribute.String("http.route", route),
			attribute.String("http.target", r.URL.Path),
		}
		if projectID := strings.TrimSpace(r.Header.Get(headerProjectID)); projectID != "" {
			attrs = append(attrs, attribute.String("project.id", projectID))
		}
		span.SetAttributes(attrs...)
		defer span.End()

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
