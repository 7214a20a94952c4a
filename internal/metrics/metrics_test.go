package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetricsWithRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	if m == nil {
		t.Fatal("NewMetricsWithRegistry returned nil")
	}
	if m.HandshakesTotal == nil {
		t.Error("HandshakesTotal is nil")
	}
	if m.FramesSent == nil {
		t.Error("FramesSent is nil")
	}
}

func TestRecordHandshake(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordHandshake()
	m.RecordHandshake()

	if got := testutil.ToFloat64(m.HandshakesTotal); got != 2 {
		t.Errorf("HandshakesTotal = %v, want 2", got)
	}
}

func TestRecordFrameSentAccumulatesBytes(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordFrameSent("get-databasehash", 10)
	m.RecordFrameSent("get-databasehash", 5)

	if got := testutil.ToFloat64(m.FramesSent.WithLabelValues("get-databasehash")); got != 2 {
		t.Errorf("FramesSent = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.BytesSent); got != 15 {
		t.Errorf("BytesSent = %v, want 15", got)
	}
}

func TestSetAssociationActive(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.SetAssociationActive(true)
	if got := testutil.ToFloat64(m.AssociationsActive); got != 1 {
		t.Errorf("AssociationsActive = %v, want 1", got)
	}
	m.SetAssociationActive(false)
	if got := testutil.ToFloat64(m.AssociationsActive); got != 0 {
		t.Errorf("AssociationsActive = %v, want 0", got)
	}
}

func TestNilMetricsIsNoOp(t *testing.T) {
	var m *Metrics
	m.RecordHandshake()
	m.RecordHandshakeError("Timeout")
	m.RecordNonceReject()
	m.RecordFrameSent("associate", 128)
	m.RecordFrameReceived("associate", 64)
	m.SetAssociationActive(true)
	m.RecordDatabaseOpen()
	m.RecordDisconnect("kill")
	m.RecordActionError("NoLoginsFound")
}
