package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestSnapshotCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.FrameReceived()
	m.FrameReceived()
	m.FrameDropped()
	m.FrameProcessed(0.01, false, 0)
	m.FrameProcessed(0.01, true, 1.5)
	m.Published("zmq", nil)
	m.Published("mqtt", errors.New("down"))

	snap := m.Snapshot()
	if snap["frames_received_total"].(uint64) != 2 {
		t.Fatalf("frames_received_total = %v", snap["frames_received_total"])
	}
	if snap["no_fix_total"].(uint64) != 1 {
		t.Fatalf("no_fix_total = %v", snap["no_fix_total"])
	}
	if snap["publish_errors_total"].(uint64) != 1 || snap["points_published_total"].(uint64) != 1 {
		t.Fatalf("publish counters = %v", snap)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	found := false
	for _, f := range families {
		if f.GetName() == "stereo_frames_received_total" {
			found = true
			if v := f.GetMetric()[0].GetCounter().GetValue(); v != 2 {
				t.Fatalf("prometheus counter = %v", v)
			}
		}
	}
	if !found {
		t.Fatalf("stereo_frames_received_total not registered")
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.FrameReceived()
	m.OutboundSent("image")
	m.TransportConnected(true)
	if len(m.Snapshot()) != 0 {
		t.Fatalf("expected empty snapshot")
	}
}
