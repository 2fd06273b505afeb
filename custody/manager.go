package custody

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/dtn7/bpcore/bundle"
	"github.com/dtn7/bpcore/core"
)

// Entry is a Custody Entry (spec.md §3): the bookkeeping this node keeps
// for a bundle it has accepted custody of.
type Entry struct {
	BundleID          uint64
	LocalCustodyID    uint64
	PreviousCustodian bundle.EndpointID
	// PreviousCustodyID is the custody-id the previous custodian assigned
	// to this same transfer on its own side, read off the bundle's
	// CustodyTransferBlock on acceptance (zero if the bundle arrived with
	// no such block, e.g. its first custodian). The ACS this node sends
	// back to PreviousCustodian must reference this id, not LocalCustodyID
	// — the previous custodian has never heard of the id this node just
	// minted for itself.
	PreviousCustodyID uint64
	GBoF              bundle.GBoFId
	Lifetime          time.Duration
	acceptedAt        time.Time

	retryTimer *time.Timer
	backoff    time.Duration
}

// pendingKey groups outgoing acknowledgments by (previous-custodian,
// reason-code) pair, per §4.5's batching rule.
type pendingKey struct {
	custodian bundle.EndpointID
	reason    bundle.StatusReportReason
	success   bool
}

// pendingACS is the accumulator for one pendingKey's not-yet-flushed batch.
type pendingACS struct {
	ids         []uint64
	expiresAt   time.Time
}

// Sender transmits an encoded administrative record to a custodian
// endpoint, adapting whatever delivery path the Core uses for locally
// originated bundles (SendBundle).
type Sender interface {
	SendBundle(b bundle.Bundle)
}

// RetryRequester asks the Forwarding Engine to re-forward a bundle still
// awaiting custody acknowledgment.
type RetryRequester interface {
	Retry(id bundle.GBoFId)
}

// CustodyNotifier tells Core that custody of a bundle has been discharged,
// so it can drop the CustodyAccepted constraint and let the bundle leave
// the Pending Index once no other constraint holds it there. core.Core
// satisfies this; it is set once after both Core and the Manager exist
// (cmd/bpagentd wires it, since NewCore requires an already-built
// Custodian).
type CustodyNotifier interface {
	DischargeCustody(gbof bundle.GBoFId)
}

// Config bounds the Custody Manager's batching and retry behaviour.
type Config struct {
	// SoftCapBytes is the encoded-size threshold past which a pending ACS
	// batch is flushed immediately (§4.5 condition (a)).
	SoftCapBytes int
	// AccumulationWindow is how long a batch may accumulate before being
	// flushed regardless of size (§4.5 condition (b)).
	AccumulationWindow time.Duration
	// InitialRetry and MaxRetry bound the exponential backoff applied to
	// unacknowledged custody entries (§4.5's "Retry" paragraph).
	InitialRetry time.Duration
	MaxRetry     time.Duration
}

// DefaultConfig mirrors the accumulation-expiry value used in the
// end-to-end scenario of spec.md §8 ("configured 1s").
func DefaultConfig() Config {
	return Config{
		SoftCapBytes:       4096,
		AccumulationWindow: time.Second,
		InitialRetry:       5 * time.Second,
		MaxRetry:           5 * time.Minute,
	}
}

// Manager is the Custody Manager of §4.5. It satisfies core.Custodian.
type Manager struct {
	mu       sync.Mutex
	entries  map[uint64]*Entry // keyed by LocalCustodyID
	byGBoF   map[bundle.GBoFId]*Entry
	pending  map[pendingKey]*pendingACS

	nextCustodyID uint64

	cfg      Config
	sender   Sender
	retry    RetryRequester
	notifier CustodyNotifier
	log      *logrus.Logger
}

// NewManager creates a Custody Manager. sender is used to transmit flushed
// ACS frames and retry is used to re-forward bundles on timeout; both may
// be nil in tests that only exercise the codec/accounting paths.
func NewManager(cfg Config, sender Sender, retry RetryRequester, log *logrus.Logger) *Manager {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Manager{
		entries: make(map[uint64]*Entry),
		byGBoF:  make(map[bundle.GBoFId]*Entry),
		pending: make(map[pendingKey]*pendingACS),
		cfg:     cfg,
		sender:  sender,
		retry:   retry,
		log:     log,
	}
}

// SetNotifier wires the CustodyNotifier a discharge should report to. It is
// a separate call rather than a NewManager argument because the notifier
// (core.Core) cannot exist before the Manager does: NewCore takes an
// already-built Custodian.
func (m *Manager) SetNotifier(notifier CustodyNotifier) {
	m.mu.Lock()
	m.notifier = notifier
	m.mu.Unlock()
}

// SetSender wires the Sender used to transmit flushed ACS batches. Like
// SetNotifier, this exists as a post-construction setter because the
// natural Sender (core.Core.SendBundle) cannot exist before the Manager
// does.
func (m *Manager) SetSender(sender Sender) {
	m.mu.Lock()
	m.sender = sender
	m.mu.Unlock()
}

// Accept assigns a local custody-id to bp's bundle, records the entry in
// the Manager's in-memory tables (custody entries are not persisted),
// schedules its retry timer, stamps the bundle with this node's own
// custody-id for the next custodian to read, and enqueues an
// acknowledgment batch entry for the previous custodian, per §4.5.
func (m *Manager) Accept(bp *core.BundlePack) {
	var previousCustodyID uint64
	if cb, err := bp.Bundle.ExtensionBlock(bundle.CustodyTransferBlock); err == nil {
		if id, ok := cb.Data.(uint64); ok {
			previousCustodyID = id
		}
	}

	m.mu.Lock()
	custodyID := atomic.AddUint64(&m.nextCustodyID, 1)

	entry := &Entry{
		LocalCustodyID:    custodyID,
		PreviousCustodian: bp.Bundle.PrimaryBlock.Custodian,
		PreviousCustodyID: previousCustodyID,
		GBoF:              bp.ID(),
		Lifetime:          bundle.DtnTimeNow().Time().Sub(bp.Bundle.PrimaryBlock.CreationTimestamp.DtnTime().Time()),
		acceptedAt:        time.Now(),
		backoff:           m.cfg.InitialRetry,
	}
	m.entries[custodyID] = entry
	m.byGBoF[entry.GBoF] = entry
	m.scheduleRetryLocked(entry)
	m.mu.Unlock()

	m.stampCustodyTransferBlock(bp, custodyID)

	m.log.WithFields(logrus.Fields{"bundle": entry.GBoF, "custody_id": custodyID, "previous_custody_id": previousCustodyID}).
		Debug("custody accepted")

	m.enqueueAck(entry.PreviousCustodian, bundle.NoInformation, true, entry.PreviousCustodyID)
}

// stampCustodyTransferBlock records this node's own custodyID on bp's
// bundle so the next custodian down the path can read it off the wire and
// reference it in its own ACS back to this node, mirroring the teacher's
// in-place ExtensionBlock mutation idiom for HopCountBlock (core/processing.go
// forward()). bp is mutated before core.receive hands it to the Forwarding
// Engine, so the stamp is included in the outgoing transmission.
func (m *Manager) stampCustodyTransferBlock(bp *core.BundlePack, custodyID uint64) {
	if cb, err := bp.Bundle.ExtensionBlock(bundle.CustodyTransferBlock); err == nil {
		cb.Data = custodyID
		return
	}
	bp.Bundle.AddExtensionBlock(bundle.NewCanonicalBlock(bundle.CustodyTransferBlock, 0, 0, custodyID))
}

// scheduleRetryLocked arms (or re-arms) entry's retry timer. Callers must
// hold m.mu.
func (m *Manager) scheduleRetryLocked(entry *Entry) {
	if entry.retryTimer != nil {
		entry.retryTimer.Stop()
	}
	entry.retryTimer = time.AfterFunc(entry.backoff, func() { m.onRetryTimeout(entry.LocalCustodyID) })
}

// onRetryTimeout asks the Forwarding Engine to re-forward an unacknowledged
// bundle and doubles the backoff up to MaxRetry, per §4.5.
func (m *Manager) onRetryTimeout(custodyID uint64) {
	m.mu.Lock()
	entry, ok := m.entries[custodyID]
	if !ok {
		m.mu.Unlock()
		return
	}
	entry.backoff *= 2
	if entry.backoff > m.cfg.MaxRetry {
		entry.backoff = m.cfg.MaxRetry
	}
	gbof := entry.GBoF
	m.scheduleRetryLocked(entry)
	m.mu.Unlock()

	if m.retry != nil {
		m.retry.Retry(gbof)
	}
}

// enqueueAck adds one custody-id to the pending ACS batch for (custodian,
// reason, success), flushing immediately if the soft cap would be
// exceeded.
func (m *Manager) enqueueAck(custodian bundle.EndpointID, reason bundle.StatusReportReason, success bool, custodyID uint64) {
	key := pendingKey{custodian: custodian, reason: reason, success: success}

	m.mu.Lock()
	batch, ok := m.pending[key]
	if !ok {
		batch = &pendingACS{expiresAt: time.Now().Add(m.cfg.AccumulationWindow)}
		m.pending[key] = batch
	}
	batch.ids = append(batch.ids, custodyID)
	shouldFlush := estimatedSize(batch.ids) >= m.cfg.SoftCapBytes
	m.mu.Unlock()

	if shouldFlush {
		m.flushKey(key)
	}
}

func estimatedSize(ids []uint64) int {
	// Each run costs roughly two varints; worst case (no runs merge) is
	// about 10 bytes/id. A cheap over-estimate is fine since this only
	// gates an early flush, not wire-accuracy.
	return len(ids) * 10
}

// FlushACS flushes every pending batch unconditionally, used for shutdown
// or an operator-forced flush (§4.5 condition (c), and SIGHUP in
// cmd/bpagentd).
func (m *Manager) FlushACS() {
	m.mu.Lock()
	keys := make([]pendingKey, 0, len(m.pending))
	for k := range m.pending {
		keys = append(keys, k)
	}
	m.mu.Unlock()

	var errs *multierror.Error
	for _, k := range keys {
		if err := m.flushKeyErr(k); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	if errs != nil {
		m.log.WithError(errs.ErrorOrNil()).Warn("errors flushing pending ACS batches")
	}
}

// FlushExpired flushes every batch whose accumulation window has elapsed,
// implementing §4.5 condition (b). cmd/bpagentd registers this on a cron
// tick shorter than AccumulationWindow, the same way FlushACS is reached
// from SIGHUP.
func (m *Manager) FlushExpired() {
	now := time.Now()

	m.mu.Lock()
	var due []pendingKey
	for k, batch := range m.pending {
		if !now.Before(batch.expiresAt) {
			due = append(due, k)
		}
	}
	m.mu.Unlock()

	for _, k := range due {
		m.flushKey(k)
	}
}

func (m *Manager) flushKey(key pendingKey) {
	_ = m.flushKeyErr(key)
}

func (m *Manager) flushKeyErr(key pendingKey) error {
	m.mu.Lock()
	batch, ok := m.pending[key]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.pending, key)
	m.mu.Unlock()

	as := AggregateSignal{
		Success: key.success,
		Reason:  key.reason,
		Runs:    EncodeIDs(batch.ids),
		At:      bundle.DtnTimeNow(),
	}

	payload, err := MarshalAggregateSignal(as)
	if err != nil {
		return err
	}

	if m.sender == nil || key.custodian.IsDtnNone() {
		return nil
	}

	b, err := bundle.Builder().
		Destination(key.custodian).
		Source(bundle.DtnNone()).
		CreationTimestampNow().
		Lifetime("1h").
		BundleCtrlFlags(bundle.BndlCFAdministrativeRecordPayload).
		PayloadBlock(payload).
		Build()
	if err != nil {
		return err
	}

	m.sender.SendBundle(b)
	return nil
}

// HandleSignal receives a decoded administrative record that is not a
// status report (core.Core handles status reports itself) and only logs
// it. Aggregate
// Custody Signals never reach this method: they use their own wire marker
// (arMarker in signal.go) rather than bundle.ARTypeCode, so they never
// decode as a bundle.AdministrativeRecord in the first place and arrive
// through HandleRawRecord instead. This is kept for whatever non-ACS,
// non-status-report record types a future ARTypeCode adds.
func (m *Manager) HandleSignal(ar bundle.AdministrativeRecord) {
	m.log.WithField("record", ar).Debug("received non-status administrative record")
}

// HandleRawRecord is the Aggregate Custody Signal receive path: it attempts
// to decode data as an AggregateSignal and, on success, discharges every
// custody entry it names. It satisfies core.Custodian's fallback for
// administrative record payloads bundle.NewAdministrativeRecordFromCbor
// could not decode, and reports whether it recognized the payload.
func (m *Manager) HandleRawRecord(data []byte) bool {
	as, err := UnmarshalAggregateSignal(data)
	if err != nil {
		return false
	}

	ids := DecodeIDs(as.Runs)
	m.log.WithFields(logrus.Fields{"count": len(ids), "success": as.Success, "reason": as.Reason}).
		Debug("received aggregate custody signal")
	m.DischargeIDs(ids)
	return true
}

// DischargeIDs discharges every custody entry named by ids, per the ACS
// receive path of §4.5. HandleRawRecord is its only caller, reached once an
// AggregateSignal has been decoded from a received bundle's payload.
func (m *Manager) DischargeIDs(ids []uint64) {
	for _, id := range ids {
		m.mu.Lock()
		entry, ok := m.entries[id]
		if !ok {
			m.mu.Unlock()
			m.log.WithField("custody_id", id).Debug("ACS referenced unknown custody entry, dropping")
			continue
		}
		if entry.retryTimer != nil {
			entry.retryTimer.Stop()
		}
		delete(m.entries, id)
		delete(m.byGBoF, entry.GBoF)
		notifier := m.notifier
		m.mu.Unlock()

		m.log.WithFields(logrus.Fields{"custody_id": id, "bundle": entry.GBoF}).Debug("custody entry discharged")
		if notifier != nil {
			notifier.DischargeCustody(entry.GBoF)
		}
	}
}

// DischargeForExpiry discharges the custody entry (if any) for a bundle
// that expired, per §4.5's retry paragraph. No reason code is recorded or
// sent; the discharge only notifies Core.
func (m *Manager) DischargeForExpiry(gbof bundle.GBoFId) {
	m.mu.Lock()
	entry, ok := m.byGBoF[gbof]
	if !ok {
		m.mu.Unlock()
		return
	}
	if entry.retryTimer != nil {
		entry.retryTimer.Stop()
	}
	delete(m.entries, entry.LocalCustodyID)
	delete(m.byGBoF, gbof)
	notifier := m.notifier
	m.mu.Unlock()

	if notifier != nil {
		notifier.DischargeCustody(gbof)
	}
}

// DischargeForDelivery discharges the custody entry (if any) for a bundle
// delivered to its local final destination, per the Custody Entry
// lifecycle in spec.md §3.
func (m *Manager) DischargeForDelivery(gbof bundle.GBoFId) {
	m.DischargeForExpiry(gbof)
}

var _ core.Custodian = (*Manager)(nil)
