package errors

import (
	"net/http/httptest"
	"testing"
)

func BenchmarkWriteJSON_Base(b *testing.B) {
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		w := httptest.NewRecorder()
		ErrNoRouteFound.WriteJSON(w)
	}
}

func BenchmarkWriteJSON_WithDetails(b *testing.B) {
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		w := httptest.NewRecorder()
		ErrUpstreamTimeout.WithDetails("upstream orders-svc").WriteJSON(w)
	}
}
