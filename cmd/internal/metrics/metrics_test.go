package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsAreNoops(t *testing.T) {
	t.Parallel()

	var m *Metrics
	m.ObserveRefresh(RefreshOK, time.Second)
	m.WorkerRestarted()
	m.SetAccessExpiry(time.Now())
	m.ObserveHandshake("hello", HandshakeOK, time.Second)
}

func TestObserve_CountsByLabel(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveRefresh(RefreshOK, 10*time.Millisecond)
	m.ObserveRefresh(RefreshOK, 10*time.Millisecond)
	m.ObserveRefresh(RefreshTransport, 0)
	m.ObserveHandshake("register", HandshakeDesync, time.Millisecond)
	m.WorkerRestarted()

	if got := testutil.ToFloat64(m.refreshTotal.WithLabelValues(RefreshOK)); got != 2 {
		t.Fatalf("refresh ok=%v want 2", got)
	}
	if got := testutil.ToFloat64(m.refreshTotal.WithLabelValues(RefreshTransport)); got != 1 {
		t.Fatalf("refresh transport=%v want 1", got)
	}
	if got := testutil.ToFloat64(m.handshakeTotal.WithLabelValues("register", HandshakeDesync)); got != 1 {
		t.Fatalf("handshake desync=%v want 1", got)
	}
	if got := testutil.ToFloat64(m.workerRestarts); got != 1 {
		t.Fatalf("restarts=%v want 1", got)
	}
}

func TestSetAccessExpiry(t *testing.T) {
	t.Parallel()

	m := New(nil)
	exp := time.Unix(1_900_000_000, 0)
	m.SetAccessExpiry(exp)
	if got := testutil.ToFloat64(m.accessExpiry); got != float64(exp.Unix()) {
		t.Fatalf("expiry=%v want %v", got, exp.Unix())
	}
	m.SetAccessExpiry(time.Time{})
	if got := testutil.ToFloat64(m.accessExpiry); got != 0 {
		t.Fatalf("expiry=%v want 0", got)
	}
}
