package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCollectorsRecord(t *testing.T) {
	c := New()
	c.TxAccepted("deposit")
	c.TxAccepted("deposit")
	c.TxRejected("transfer", "DoubleSpend")
	c.SetPoolState(3, 1, 250)
	c.RoundFinished("approved")
	c.ObserveVerify("transfer", 3*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.accepted.WithLabelValues("deposit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.rejected.WithLabelValues("transfer", "DoubleSpend")))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.treeSize))
	assert.Equal(t, 250.0, testutil.ToFloat64(c.shielded))

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.True(t, strings.Contains(rec.Body.String(), "shieldpool_transactions_accepted_total"))
}

func TestNilCollectorsAreNoops(t *testing.T) {
	var c *Collectors
	c.TxAccepted("deposit")
	c.TxRejected("deposit", "StructuralError")
	c.SetPoolState(1, 1, 1)
	c.ObserveVerify("withdraw", time.Second)
	c.RoundFinished("rejected")
	c.SetMempoolPending(4)
}
