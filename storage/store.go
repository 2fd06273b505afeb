// Package storage implements the Bundle Store of spec.md §4.2: a durable
// mapping from bundle-id to bundle metadata and payload, with the process-
// wide monotonic counters of §4.9 / §6 held alongside it so id allocation
// and the record using that id persist inside the same transaction.
//
// The on-disk layout mirrors the teacher's preference for a flat,
// inspectable directory (dtn7-gold's BundleItem store) over an embedded
// database: one file per bundle record under <dir>/bundles, one counters
// file under <dir>/counters, and a payload directory for spilled payloads
// too large to keep inline, per spec.md §6's persistent-state list.
package storage

import (
	"bytes"
	"errors"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/ugorji/go/codec"
	"golang.org/x/sys/unix"

	"github.com/dtn7/bpcore/bundle"
	"github.com/dtn7/bpcore/core"
)

// recordVersion is the one-byte format version prefixing every persistent
// record, per SPEC_FULL.md §6 ("Persistent record versioning").
const recordVersion byte = 1

// ErrVersionMismatch is returned when a persistent record's version byte
// does not match recordVersion; per spec.md §6 the store aborts startup
// rather than attempt a migration.
var ErrVersionMismatch = errors.New("storage: persistent record version mismatch")

// ErrNoSpace is returned by Push when the configured payload
// directory has no more room, surfaced to IPC callers as the
// resource-exhaustion "no storage space" error code (§7).
var ErrNoSpace = errors.New("storage: no space")

// Config bounds the Bundle Store's behaviour.
type Config struct {
	// Dir is the store's root directory; "bundles" and "payloads"
	// subdirectories are created under it.
	Dir string
	// InlinePayloadLimit is the largest payload kept inside the bundle
	// metadata record itself; larger payloads spill to a file in Dir's
	// payload directory, per spec.md §3 ("payload ... either in-memory up
	// to a bounded size, or a spilled file").
	InlinePayloadLimit int
	// MaxBytes bounds total payload bytes on disk; zero means unbounded.
	MaxBytes int64
}

// DefaultConfig mirrors the 100 MiB in-memory limit used in spec.md §8's
// IPC payload spill scenario.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:                dir,
		InlinePayloadLimit: 100 << 20,
	}
}

// record is one bundle's persistent metadata, as stored under
// <dir>/bundles/<bundle-id>.
type record struct {
	BundleID    uint64
	Bundle      bundle.Bundle
	PayloadFile string // empty when the payload is inline in Bundle's payload block
}

// counters is the process-wide monotonic sequence set of spec.md §6 /
// §9 ("Global mutable counters"), persisted as one record so a crash
// between increment and use never loses or reuses an id.
type counters struct {
	NextBundleID  uint64
	NextRegID     uint64
	NextCustodyID uint64
	NextACSID     uint64
}

// Store is the Bundle Store of §4.2. It satisfies core.Store.
type Store struct {
	mu  sync.Mutex
	cfg Config
	log *logrus.Logger

	lockFile *os.File
	byGBoF   map[bundle.GBoFId]uint64
	totalBytes int64

	counters counters
}

// Open creates or reloads a Store rooted at cfg.Dir. It takes an exclusive
// flock on the directory for the lifetime of the process (§5's "single-
// instance lock", SPEC_FULL.md's golang.org/x/sys/unix wiring) so two
// daemons never share a store directory, then reloads every surviving
// bundle record and the counters record, per §4.2's crash-recovery
// invariant: "the set of surviving bundles equals the set for which admit
// returned success and no explicit delete had been acknowledged."
func Open(cfg Config, log *logrus.Logger) (*Store, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if cfg.InlinePayloadLimit <= 0 {
		cfg.InlinePayloadLimit = DefaultConfig(cfg.Dir).InlinePayloadLimit
	}

	for _, sub := range []string{"", "bundles", "payloads"} {
		if err := os.MkdirAll(filepath.Join(cfg.Dir, sub), 0o750); err != nil {
			return nil, fmt.Errorf("storage: creating %s: %w", sub, err)
		}
	}

	lockFile, err := os.OpenFile(filepath.Join(cfg.Dir, ".lock"), os.O_CREATE|os.O_RDWR, 0o640)
	if err != nil {
		return nil, fmt.Errorf("storage: opening lock file: %w", err)
	}
	if err := unix.Flock(int(lockFile.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		lockFile.Close()
		return nil, fmt.Errorf("storage: store directory %s is locked by another process: %w", cfg.Dir, err)
	}

	s := &Store{
		cfg:      cfg,
		log:      log,
		lockFile: lockFile,
		byGBoF:   make(map[bundle.GBoFId]uint64),
	}

	if err := s.loadCounters(); err != nil {
		unix.Flock(int(lockFile.Fd()), unix.LOCK_UN)
		lockFile.Close()
		return nil, err
	}

	if err := s.reloadIndex(); err != nil {
		unix.Flock(int(lockFile.Fd()), unix.LOCK_UN)
		lockFile.Close()
		return nil, err
	}

	s.gcOrphanPayloads()

	return s, nil
}

// Close releases the store's directory lock.
func (s *Store) Close() error {
	unix.Flock(int(s.lockFile.Fd()), unix.LOCK_UN)
	return s.lockFile.Close()
}

func (s *Store) bundlePath(id uint64) string {
	return filepath.Join(s.cfg.Dir, "bundles", fmt.Sprintf("%020d", id))
}

func (s *Store) countersPath() string {
	return filepath.Join(s.cfg.Dir, "counters")
}

func (s *Store) payloadPath(id uint64) string {
	return filepath.Join(s.cfg.Dir, "payloads", fmt.Sprintf("%020d.bin", id))
}

// loadCounters reads the counters record, starting from zero values if it
// does not yet exist (fresh store).
func (s *Store) loadCounters() error {
	data, err := ioutil.ReadFile(s.countersPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("storage: reading counters: %w", err)
	}
	if len(data) == 0 {
		return nil
	}
	if data[0] != recordVersion {
		return fmt.Errorf("%w: counters record", ErrVersionMismatch)
	}

	c, err := decodeCounters(data[1:])
	if err != nil {
		return fmt.Errorf("storage: decoding counters: %w", err)
	}
	s.counters = c
	return nil
}

// persistCountersLocked writes the counters record atomically (write to a
// temp file, then rename), the same idiom §4.2 requires of `put`: "a
// crashed put is detectable on restart and the partial record is dropped."
// Callers must hold s.mu.
func (s *Store) persistCountersLocked() error {
	data := encodeCounters(s.counters)
	return atomicWriteFile(s.countersPath(), append([]byte{recordVersion}, data...))
}

// encodeCounters/decodeCounters encode the counters record as a flat CBOR
// array, the same array-of-fields idiom as bundle.PrimaryBlock's own
// CodecEncodeSelf.
func encodeCounters(c counters) []byte {
	var buf bytes.Buffer
	enc := codec.NewEncoder(&buf, new(codec.CborHandle))
	enc.MustEncode([]interface{}{c.NextBundleID, c.NextRegID, c.NextCustodyID, c.NextACSID})
	return buf.Bytes()
}

func decodeCounters(data []byte) (counters, error) {
	dec := codec.NewDecoder(bytes.NewReader(data), new(codec.CborHandle))
	var arr []interface{}
	if err := dec.Decode(&arr); err != nil {
		return counters{}, err
	}
	if len(arr) != 4 {
		return counters{}, fmt.Errorf("counters record has wrong field count: %d", len(arr))
	}
	return counters{
		NextBundleID:  arr[0].(uint64),
		NextRegID:     arr[1].(uint64),
		NextCustodyID: arr[2].(uint64),
		NextACSID:     arr[3].(uint64),
	}, nil
}

// NextBundleID allocates and persists the next bundle-id, under the single
// lock spec.md §5 requires ("updated under a single lock held only across
// their increment-and-persist pair").
func (s *Store) NextBundleID() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.counters.NextBundleID++
	id := s.counters.NextBundleID
	if err := s.persistCountersLocked(); err != nil {
		s.counters.NextBundleID--
		return 0, err
	}
	return id, nil
}

// NextRegistrationID allocates and persists the next registration-id.
func (s *Store) NextRegistrationID() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters.NextRegID++
	id := s.counters.NextRegID
	if err := s.persistCountersLocked(); err != nil {
		s.counters.NextRegID--
		return 0, err
	}
	return id, nil
}

// NextCustodyID allocates and persists the next local custody-id.
func (s *Store) NextCustodyID() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters.NextCustodyID++
	id := s.counters.NextCustodyID
	if err := s.persistCountersLocked(); err != nil {
		s.counters.NextCustodyID--
		return 0, err
	}
	return id, nil
}

// reloadIndex walks the bundles directory on startup. A record whose
// version byte does not match aborts the reload with ErrVersionMismatch
// (§6). Any other unreadable record, and any record whose payload file is
// missing, is logged and dropped (§4.2: "Payload files without a matching
// metadata record are garbage collected on startup"; the converse — a
// record with a missing payload — is a consistency error logged and
// dropped per §7), whether or not the bundle carried a custody obligation.
func (s *Store) reloadIndex() error {
	dir := filepath.Join(s.cfg.Dir, "bundles")
	entries, err := ioutil.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("storage: listing bundle records: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		rec, err := s.readRecord(path)
		if errors.Is(err, ErrVersionMismatch) {
			return fmt.Errorf("%w: bundle record %s", err, entry.Name())
		}
		if err != nil {
			s.log.WithError(err).WithField("file", entry.Name()).Warn("dropping unreadable bundle record on reload")
			os.Remove(path)
			continue
		}

		if rec.PayloadFile != "" {
			if _, statErr := os.Stat(rec.PayloadFile); statErr != nil {
				s.log.WithField("bundle_id", rec.BundleID).
					Warn("bundle record's payload file is missing; this is a data-loss event if custody was outstanding")
				os.Remove(path)
				continue
			}
		}

		s.byGBoF[rec.Bundle.ID()] = rec.BundleID
	}

	return nil
}

// gcOrphanPayloads removes payload files with no matching bundle record,
// per §4.2's garbage-collection rule.
func (s *Store) gcOrphanPayloads() {
	dir := filepath.Join(s.cfg.Dir, "payloads")
	entries, err := ioutil.ReadDir(dir)
	if err != nil {
		return
	}

	known := make(map[string]bool, len(s.byGBoF))
	for _, id := range s.byGBoF {
		known[filepath.Base(s.payloadPath(id))] = true
	}

	for _, entry := range entries {
		if !known[entry.Name()] {
			os.Remove(filepath.Join(dir, entry.Name()))
		}
	}
}

func (s *Store) readRecord(path string) (record, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return record{}, err
	}
	if len(data) == 0 {
		return record{}, fmt.Errorf("empty record")
	}
	if data[0] != recordVersion {
		return record{}, ErrVersionMismatch
	}

	return decodeBundleRecord(data[1:])
}

// Push admits or re-persists bp's bundle, assigning it a bundle-id on
// first admission, spilling its payload to disk when it exceeds
// InlinePayloadLimit, and writing the metadata record atomically — the
// `admit`/`put` operation of §4.2.
func (s *Store) Push(bp *core.BundlePack) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	gbof := bp.ID()
	id, existing := s.byGBoF[gbof]
	if !existing {
		s.counters.NextBundleID++
		id = s.counters.NextBundleID
		if err := s.persistCountersLocked(); err != nil {
			s.counters.NextBundleID--
			return err
		}
	}

	b := bp.Bundle
	b.CanonicalBlocks = append([]bundle.CanonicalBlock(nil), b.CanonicalBlocks...)
	payloadFile := ""

	if payload, err := b.PayloadBlock(); err == nil {
		if data, ok := payload.Data.([]byte); ok && len(data) > s.cfg.InlinePayloadLimit {
			if s.cfg.MaxBytes > 0 && s.totalBytes+int64(len(data)) > s.cfg.MaxBytes {
				return ErrNoSpace
			}
			payloadFile = s.payloadPath(id)
			if err := atomicWriteFile(payloadFile, data); err != nil {
				return fmt.Errorf("storage: spilling payload: %w", err)
			}
			payload.Data = []byte(nil) // dropped from the inline record; refetched from PayloadFile on load
			s.totalBytes += int64(len(data))
		}
	}

	rec := record{BundleID: id, Bundle: b, PayloadFile: payloadFile}
	data, err := encodeBundleRecord(rec)
	if err != nil {
		return fmt.Errorf("storage: encoding record: %w", err)
	}
	if err := atomicWriteFile(s.bundlePath(id), append([]byte{recordVersion}, data...)); err != nil {
		return fmt.Errorf("storage: writing record: %w", err)
	}

	s.byGBoF[gbof] = id
	return nil
}

// Contains reports whether a bundle with the given GBoF-id is currently
// persisted, satisfying core.Store and the duplicate-admission check of
// §4.3's invariant I4.
func (s *Store) Contains(id bundle.GBoFId) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.byGBoF[id]
	return ok
}

// BundleID returns the locally-assigned, persistent bundle-id for a
// GBoF-id, satisfying invariant I1 ("once admitted, bundle-id never
// changes"). IPC's `send` uses this to report the id back to the caller
// immediately after admitting the bundle via Push.
func (s *Store) BundleID(id bundle.GBoFId) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bundleID, ok := s.byGBoF[id]
	return bundleID, ok
}

// QuotaStats reports the configured payload byte quota (0 meaning
// unbounded) and the bytes currently spent, for the external router's
// BARD storage quota query (§4.7(d)).
func (s *Store) QuotaStats() (quotaBytes, usedBytes uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	quota := uint64(0)
	if s.cfg.MaxBytes > 0 {
		quota = uint64(s.cfg.MaxBytes)
	}
	return quota, uint64(s.totalBytes)
}

// Remove unlinks a bundle's metadata record and, if any, its spilled
// payload file — the Bundle Store is their exclusive owner per invariant
// I3, so this is the only code path that ever calls os.Remove on a
// payload file outside of startup garbage collection.
func (s *Store) Remove(id bundle.GBoFId) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	bundleID, ok := s.byGBoF[id]
	if !ok {
		return nil
	}

	path := s.bundlePath(bundleID)
	if rec, err := s.readRecord(path); err == nil && rec.PayloadFile != "" {
		if fi, statErr := os.Stat(rec.PayloadFile); statErr == nil {
			s.totalBytes -= fi.Size()
		}
		os.Remove(rec.PayloadFile)
	}

	os.Remove(path)
	delete(s.byGBoF, id)
	return nil
}

// Fetch loads a bundle record by bundle-id, rehydrating a spilled payload
// from disk into the bundle's payload block.
func (s *Store) Fetch(bundleID uint64) (bundle.Bundle, error) {
	rec, err := s.readRecord(s.bundlePath(bundleID))
	if err != nil {
		return bundle.Bundle{}, err
	}

	if rec.PayloadFile != "" {
		data, err := ioutil.ReadFile(rec.PayloadFile)
		if err != nil {
			return bundle.Bundle{}, fmt.Errorf("storage: rehydrating payload: %w", err)
		}
		if payload, err := rec.Bundle.PayloadBlock(); err == nil {
			payload.Data = data
		}
	}

	return rec.Bundle, nil
}

// Enumerate returns every currently persisted bundle, for reload on
// startup (§4.2's `enumerate()`). It returns a plain slice rather than a
// lazy iterator since it only runs at startup, against sizes the store's
// directory scan has already paid the cost of listing.
func (s *Store) Enumerate() ([]bundle.Bundle, error) {
	s.mu.Lock()
	ids := make([]uint64, 0, len(s.byGBoF))
	for _, id := range s.byGBoF {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	out := make([]bundle.Bundle, 0, len(ids))
	for _, id := range ids {
		b, err := s.Fetch(id)
		if err != nil {
			s.log.WithError(err).WithField("bundle_id", id).Warn("dropping unreadable bundle on enumerate")
			continue
		}
		out = append(out, b)
	}
	return out, nil
}

// ScanByDestination returns every persisted bundle whose destination
// matches pattern, for registration-load and routing recompute (§4.2's
// `scan_by_destination`).
func (s *Store) ScanByDestination(pattern bundle.EndpointIDPattern) ([]bundle.Bundle, error) {
	all, err := s.Enumerate()
	if err != nil {
		return nil, err
	}

	out := all[:0]
	for _, b := range all {
		if pattern.Match(b.PrimaryBlock.Destination) {
			out = append(out, b)
		}
	}
	return out, nil
}

// encodeBundleRecord/decodeBundleRecord encode a record as the bundle-id,
// the PayloadFile path, and the bundle itself (via Bundle.MarshalCbor),
// keeping the interface{}-typed canonical-block data out of reflection's
// reach the way administrative_record.go's manual array encoding does.
func encodeBundleRecord(rec record) ([]byte, error) {
	var bundleBuf bytes.Buffer
	if err := rec.Bundle.MarshalCbor(&bundleBuf); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	enc := codec.NewEncoder(&buf, new(codec.CborHandle))
	enc.MustEncode([]interface{}{rec.BundleID, rec.PayloadFile, bundleBuf.Bytes()})
	return buf.Bytes(), nil
}

func decodeBundleRecord(data []byte) (record, error) {
	dec := codec.NewDecoder(bytes.NewReader(data), new(codec.CborHandle))
	var arr []interface{}
	if err := dec.Decode(&arr); err != nil {
		return record{}, err
	}
	if len(arr) != 3 {
		return record{}, fmt.Errorf("bundle record has wrong field count: %d", len(arr))
	}

	b, err := bundle.UnmarshalBundleCbor(bytes.NewReader(arr[2].([]byte)))
	if err != nil {
		return record{}, fmt.Errorf("decoding bundle: %w", err)
	}

	return record{
		BundleID:    arr[0].(uint64),
		PayloadFile: arr[1].(string),
		Bundle:      b,
	}, nil
}

// atomicWriteFile writes data to a temp file in the same directory as path
// and renames it into place, so a crash mid-write never leaves a partial
// record at path — the "put is atomic at the granularity of a single
// bundle" requirement of §4.2.
func atomicWriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := ioutil.TempFile(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}

	return os.Rename(tmpName, path)
}

var _ core.Store = (*Store)(nil)
