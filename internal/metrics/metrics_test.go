package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestShareCounters(t *testing.T) {
	before := testutil.ToFloat64(shareRedeemsTotal.WithLabelValues("expired"))
	RecordShareRedeem("expired")
	assert.Equal(t, before+1, testutil.ToFloat64(shareRedeemsTotal.WithLabelValues("expired")))

	SetSharesLive(3)
	assert.Equal(t, float64(3), testutil.ToFloat64(sharesLive))

	reaped := testutil.ToFloat64(sharesReapedTotal)
	RecordSharesReaped(2)
	assert.Equal(t, reaped+2, testutil.ToFloat64(sharesReapedTotal))

	served := testutil.ToFloat64(bytesServed.WithLabelValues("share"))
	RecordBytesServed("share", 0)
	RecordBytesServed("share", 10)
	assert.Equal(t, served+10, testutil.ToFloat64(bytesServed.WithLabelValues("share")))
}

func TestMiddlewareAndHandler(t *testing.T) {
	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "404"))
	h := Middleware(http.NotFoundHandler())
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, before+1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "404")))

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "fastpan_shares_live"))
}
