package externalrouter

import "sync"

// counterPair tracks a cumulative counter alongside an interval counter
// that resets whenever it is read, per spec.md §4.7's statistics interval.
type counterPair struct {
	cumulative TrafficCounters
	interval   TrafficCounters
}

func (p *counterPair) recordReceived(bytes int) {
	p.cumulative.Received++
	p.cumulative.BytesReceived += uint64(bytes)
	p.interval.Received++
	p.interval.BytesReceived += uint64(bytes)
}

func (p *counterPair) recordTransmitted(bytes int) {
	p.cumulative.Transmitted++
	p.cumulative.BytesTransmitted += uint64(bytes)
	p.interval.Transmitted++
	p.interval.BytesTransmitted += uint64(bytes)
}

// readAndReset returns the cumulative-so-far and since-last-read counters,
// resetting the interval half.
func (p *counterPair) readAndReset() (cumulative, interval TrafficCounters) {
	cumulative, interval = p.cumulative, p.interval
	p.interval = TrafficCounters{}
	return
}

// StatsTracker maintains per source-destination and per-link traffic
// counters for the channel's operational queries.
type StatsTracker struct {
	mu      sync.Mutex
	bySrcDst map[[2]string]*counterPair
	byLink   map[string]*counterPair
}

// NewStatsTracker creates an empty StatsTracker.
func NewStatsTracker() *StatsTracker {
	return &StatsTracker{
		bySrcDst: make(map[[2]string]*counterPair),
		byLink:   make(map[string]*counterPair),
	}
}

func (s *StatsTracker) srcDstPair(src, dst string) *counterPair {
	key := [2]string{src, dst}
	p, ok := s.bySrcDst[key]
	if !ok {
		p = &counterPair{}
		s.bySrcDst[key] = p
	}
	return p
}

func (s *StatsTracker) linkPair(linkID string) *counterPair {
	p, ok := s.byLink[linkID]
	if !ok {
		p = &counterPair{}
		s.byLink[linkID] = p
	}
	return p
}

// RecordReceived accounts a bundle of the given size received from src
// addressed to dst, over linkID.
func (s *StatsTracker) RecordReceived(src, dst, linkID string, size int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.srcDstPair(src, dst).recordReceived(size)
	s.linkPair(linkID).recordReceived(size)
}

// RecordTransmitted accounts a bundle of the given size transmitted from
// src to dst, over linkID.
func (s *StatsTracker) RecordTransmitted(src, dst, linkID string, size int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.srcDstPair(src, dst).recordTransmitted(size)
	s.linkPair(linkID).recordTransmitted(size)
}

// SourceDestinationStats reads and resets the interval counters for one
// source-destination pair.
func (s *StatsTracker) SourceDestinationStats(src, dst string) (cumulative, interval TrafficCounters) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.srcDstPair(src, dst).readAndReset()
}

// LinkStats reads and resets the interval counters for one link.
func (s *StatsTracker) LinkStats(linkID string) (cumulative, interval TrafficCounters) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.linkPair(linkID).readAndReset()
}
