package metrics

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leonletto/sigrecv/internal/types"
)

func TestRecorder(t *testing.T) {
	r := NewRecorder()

	r.EnvelopeProcessed("+1", types.KindData)
	r.EnvelopeProcessed("+1", types.KindData)
	r.EnvelopeProcessed("+1", types.KindReceipt)
	r.EnvelopeMalformed("+1")
	r.MessagesExpired("+1", 3)
	r.BuffersChanged("+1", 4, 2)
	r.SendFinished("+1", "send", nil)
	r.SendFinished("+1", "send", errors.New("boom"))

	assert.Equal(t, 2.0, testutil.ToFloat64(r.envelopes.WithLabelValues("+1", "data")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.envelopes.WithLabelValues("+1", "receipt")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.malformed.WithLabelValues("+1")))
	assert.Equal(t, 3.0, testutil.ToFloat64(r.expired.WithLabelValues("+1")))
	assert.Equal(t, 4.0, testutil.ToFloat64(r.unmatched.WithLabelValues("+1")))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.pending.WithLabelValues("+1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.sends.WithLabelValues("+1", "send", "error")))

	r.BuffersChanged("+1", 0, 0)
	assert.Equal(t, 0.0, testutil.ToFloat64(r.unmatched.WithLabelValues("+1")))
}

func TestHandler(t *testing.T) {
	r := NewRecorder()
	r.EnvelopeProcessed("+1", types.KindTyping)

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `sigrecv_envelopes_total{account="+1",category="typing"} 1`), body)
	assert.Contains(t, body, "go_goroutines")
}
