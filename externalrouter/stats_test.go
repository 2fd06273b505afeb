package externalrouter

import "testing"

func TestStatsTrackerIntervalResetsOnRead(t *testing.T) {
	s := NewStatsTracker()
	s.RecordReceived("dtn://a/", "dtn://b/", "link-1", 100)
	s.RecordTransmitted("dtn://a/", "dtn://b/", "link-1", 50)

	cumulative, interval := s.SourceDestinationStats("dtn://a/", "dtn://b/")
	if cumulative.Received != 1 || cumulative.BytesReceived != 100 {
		t.Fatalf("unexpected cumulative received: %+v", cumulative)
	}
	if interval.Received != 1 || interval.BytesReceived != 100 {
		t.Fatalf("unexpected interval received: %+v", interval)
	}

	_, interval2 := s.SourceDestinationStats("dtn://a/", "dtn://b/")
	if interval2.Received != 0 || interval2.Transmitted != 0 {
		t.Fatalf("expected interval counters to reset after read, got %+v", interval2)
	}

	cumulative2, _ := s.SourceDestinationStats("dtn://a/", "dtn://b/")
	if cumulative2.Received != 1 {
		t.Fatalf("expected cumulative counters to persist across reads, got %+v", cumulative2)
	}
}

func TestStatsTrackerPerLinkIndependentOfSourceDestination(t *testing.T) {
	s := NewStatsTracker()
	s.RecordReceived("dtn://a/", "dtn://b/", "link-1", 10)
	s.RecordReceived("dtn://c/", "dtn://d/", "link-1", 20)

	cumulative, _ := s.LinkStats("link-1")
	if cumulative.Received != 2 || cumulative.BytesReceived != 30 {
		t.Fatalf("expected link stats to aggregate across source-destination pairs, got %+v", cumulative)
	}
}
