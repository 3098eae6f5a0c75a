package obs

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	l, err := NewLogger("debug", "console")
	require.NoError(t, err)
	assert.True(t, l.Core().Enabled(-1))

	_, err = NewLogger("loud", "json")
	assert.Error(t, err)
	_, err = NewLogger("info", "xml")
	assert.Error(t, err)
	assert.NotNil(t, OrNop(nil))
}

func TestInstrumentExposesMetrics(t *testing.T) {
	Init()
	Init()
	h := Instrument(func(*http.Request) string { return "/v0/documents/{id}" })(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v0/documents/abc", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
	ObserveTransition("approve_technical", "ok")

	out := httptest.NewRecorder()
	Handler().ServeHTTP(out, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := out.Body.String()
	assert.True(t, strings.Contains(body, `tbos_http_requests_total{method="GET",route="/v0/documents/{id}",status="418"}`), body)
	assert.True(t, strings.Contains(body, `tbos_document_transitions_total{operation="approve_technical",outcome="ok"}`))
}
