package ipc

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dtn7/bpcore/bpcore"
	"github.com/dtn7/bpcore/bundle"
	"github.com/dtn7/bpcore/core"
	"github.com/dtn7/bpcore/registration"
	"github.com/dtn7/bpcore/storage"
)

// Backend is the set of operations a session needs from the agent core,
// adapted from core.Core, registration.Table and storage.Store so this
// package never has to know how they are wired together.
type Backend interface {
	LocalEID() bundle.EndpointID
	Register(pattern bundle.EndpointIDPattern, kind registration.Kind, failure registration.FailureAction, replay registration.ReplayAction, ackRequired bool) (regID, token uint64)
	Unregister(regID, token uint64) error
	FindRegistration(eid bundle.EndpointID) (regID uint64, ok bool)
	Bind(regID, token uint64) error
	Unbind(regID, token uint64) error
	Send(regID uint64, dest bundle.EndpointID, lifetimeUs uint, custody bool, priority bundle.PriorityClass, payload []byte) (bundleID uint64, err error)
	Recv(regID, token uint64, timeout time.Duration, consume bool) (bundleID uint64, source bundle.EndpointID, payload []byte, ok bool, err error)
	Ack(regID, token uint64) error
	Cancel(regID, token uint64)
	CancelBundle(bundleID uint64) error
	BeginPoll(regID, token uint64) (pollID uint64, ready bool, err error)
	CancelPoll(regID, token, pollID uint64) error
	SessionUpdate(regID, token uint64) error
}

// pollState tracks one outstanding begin-poll/cancel-poll handshake for a
// registration. §4.8 asks the two calls to disambiguate their race via two
// sequential status codes: once fired, a cancel arrives too late and is
// refused with StatusIllegalAfterPoll instead of silently succeeding.
type pollState struct {
	id    uint64
	fired bool
	stop  chan struct{}
}

// Adapter is the concrete Backend wired to a running core.Core, its
// Registration Table and its Bundle Store. cmd/bpagentd constructs one of
// these per agent and hands it to Server.
type Adapter struct {
	Core  *core.Core
	Regs  *registration.Table
	Store *storage.Store
	Log   logrus.FieldLogger

	mu      sync.Mutex
	nextPID uint64
	polls   map[uint64]*pollState      // regID -> outstanding poll
	cancels map[uint64]chan struct{} // regID -> Cancel wakeup for a blocked Recv
}

// NewAdapter creates an Adapter over an already-running core.
func NewAdapter(c *core.Core, regs *registration.Table, store *storage.Store, log logrus.FieldLogger) *Adapter {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Adapter{Core: c, Regs: regs, Store: store, Log: log, polls: make(map[uint64]*pollState)}
}

var _ Backend = (*Adapter)(nil)

func (a *Adapter) LocalEID() bundle.EndpointID { return a.Core.NodeID }

func (a *Adapter) Register(pattern bundle.EndpointIDPattern, kind registration.Kind, failure registration.FailureAction, replay registration.ReplayAction, ackRequired bool) (uint64, uint64) {
	regID := a.Regs.Add(pattern, kind, failure, replay, ackRequired)
	reg, _ := a.Regs.Get(regID)
	token := rand.Uint64()
	reg.Token = token
	return regID, token
}

func (a *Adapter) checkToken(regID, token uint64) (*registration.Registration, error) {
	reg, ok := a.Regs.Get(regID)
	if !ok {
		return nil, bpcore.New(bpcore.CategoryInput, bpcore.StatusNotFound, bpcore.ErrNotFound)
	}
	if reg.Token != token {
		return nil, bpcore.New(bpcore.CategoryInput, bpcore.StatusInvalidArgument, bpcore.ErrInvalidArgument)
	}
	return reg, nil
}

func (a *Adapter) Unregister(regID, token uint64) error {
	if _, err := a.checkToken(regID, token); err != nil {
		return err
	}
	a.Regs.Remove(regID)
	a.mu.Lock()
	delete(a.polls, regID)
	a.mu.Unlock()
	return nil
}

func (a *Adapter) FindRegistration(eid bundle.EndpointID) (uint64, bool) {
	return a.Regs.FindMatching(eid)
}

// Bind and Unbind exist for symmetry with §4.8's request set; this core
// keeps no extra per-connection state beyond the token check itself, so
// both reduce to validating the registration is still live.
func (a *Adapter) Bind(regID, token uint64) error {
	_, err := a.checkToken(regID, token)
	return err
}

func (a *Adapter) Unbind(regID, token uint64) error {
	_, err := a.checkToken(regID, token)
	return err
}

func (a *Adapter) Send(regID uint64, dest bundle.EndpointID, lifetimeUs uint, custody bool, priority bundle.PriorityClass, payload []byte) (uint64, error) {
	b, err := bundle.Builder().
		Source(a.Core.NodeID).
		Destination(dest).
		CreationTimestampNow().
		Lifetime(lifetimeUs).
		CustodyRequested(custody).
		Priority(priority).
		PayloadBlock(payload).
		Build()
	if err != nil {
		return 0, bpcore.New(bpcore.CategoryInput, bpcore.StatusInvalidArgument, err)
	}

	a.Core.SendBundle(b)

	bundleID, ok := a.Store.BundleID(b.ID())
	if !ok {
		return 0, bpcore.New(bpcore.CategoryConsistency, bpcore.StatusInternalError, fmt.Errorf("bundle admitted but not found in store"))
	}
	return bundleID, nil
}

// Recv polls the registration's delivery queue at a short interval until a
// pending entry arrives, timeout elapses, or Cancel wakes it. consume
// false implements peek (leave the entry queued); true implements recv
// (pop it). A real deployment would have the Registration Table push a
// wakeup instead of this core polling, the same simplification
// Dequeue/enqueue already make (see registration/registration.go).
func (a *Adapter) Recv(regID, token uint64, timeout time.Duration, consume bool) (uint64, bundle.EndpointID, []byte, bool, error) {
	reg, err := a.checkToken(regID, token)
	if err != nil {
		return 0, bundle.EndpointID{}, nil, false, err
	}

	cancel := a.cancelChanFor(regID)
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		if pd, ok := a.peekOrDequeue(reg, consume); ok {
			var data []byte
			if payload, perr := pd.Bundle.PayloadBlock(); perr == nil {
				data, _ = payload.Data.([]byte)
			}
			bundleID, _ := a.Store.BundleID(pd.Bundle.ID())
			return bundleID, pd.Bundle.PrimaryBlock.SourceNode, data, true, nil
		}

		if timeout <= 0 {
			return 0, bundle.EndpointID{}, nil, false, nil
		}
		select {
		case <-cancel:
			return 0, bundle.EndpointID{}, nil, false, bpcore.New(bpcore.CategoryInput, bpcore.StatusTimedOut, bpcore.ErrTimedOut)
		case <-ticker.C:
			if time.Now().After(deadline) {
				return 0, bundle.EndpointID{}, nil, false, nil
			}
		}
	}
}

// peekOrDequeue reads the registration's oldest delivery: consume pops it
// (recv), otherwise it only inspects the head (peek).
func (a *Adapter) peekOrDequeue(reg *registration.Registration, consume bool) (registration.PendingDelivery, bool) {
	if consume {
		return reg.Dequeue()
	}
	return reg.Peek()
}

func (a *Adapter) Ack(regID, token uint64) error {
	reg, err := a.checkToken(regID, token)
	if err != nil {
		return err
	}
	if !reg.Ack() {
		return bpcore.New(bpcore.CategoryConsistency, bpcore.StatusNotFound, bpcore.ErrNotFound)
	}
	return nil
}

func (a *Adapter) Cancel(regID, token uint64) {
	if _, err := a.checkToken(regID, token); err != nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if ch, ok := a.cancels[regID]; ok {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// CancelBundle is the §4.8 cancel(bundle-id) request's entry point into
// core.Core.CancelBundle: it resolves the Bundle Store's numeric bundle-id
// to the pending GBoF-id through Core.CancelBundleByID, unlike Cancel above
// which only interrupts this registration's own blocked Recv/Peek.
func (a *Adapter) CancelBundle(bundleID uint64) error {
	if !a.Core.CancelBundleByID(bundleID) {
		return bpcore.New(bpcore.CategoryInput, bpcore.StatusNotFound, bpcore.ErrNotFound)
	}
	return nil
}

func (a *Adapter) cancelChanFor(regID uint64) chan struct{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancels == nil {
		a.cancels = make(map[uint64]chan struct{})
	}
	ch, ok := a.cancels[regID]
	if !ok {
		ch = make(chan struct{}, 1)
		a.cancels[regID] = ch
	}
	return ch
}

func (a *Adapter) BeginPoll(regID, token uint64) (uint64, bool, error) {
	reg, err := a.checkToken(regID, token)
	if err != nil {
		return 0, false, err
	}

	a.mu.Lock()
	if old, ok := a.polls[regID]; ok {
		close(old.stop)
	}
	a.nextPID++
	pid := a.nextPID
	ps := &pollState{id: pid, stop: make(chan struct{})}
	a.polls[regID] = ps
	a.mu.Unlock()

	if reg.QueueLen() > 0 {
		a.mu.Lock()
		ps.fired = true
		a.mu.Unlock()
		return pid, true, nil
	}

	go a.watchPoll(regID, reg, ps)
	return pid, false, nil
}

// watchPoll marks ps fired the first time reg's queue becomes non-empty,
// or exits quietly once ps.stop closes (CancelPoll or a newer BeginPoll
// superseding it).
func (a *Adapter) watchPoll(regID uint64, reg *registration.Registration, ps *pollState) {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ps.stop:
			return
		case <-ticker.C:
			if reg.QueueLen() == 0 {
				continue
			}
			a.mu.Lock()
			if a.polls[regID] == ps {
				ps.fired = true
			}
			a.mu.Unlock()
			return
		}
	}
}

func (a *Adapter) CancelPoll(regID, token, pollID uint64) error {
	if _, err := a.checkToken(regID, token); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	ps, ok := a.polls[regID]
	if !ok || ps.id != pollID {
		return bpcore.New(bpcore.CategoryInput, bpcore.StatusNotFound, bpcore.ErrNotFound)
	}
	if ps.fired {
		return bpcore.New(bpcore.CategoryProtocol, bpcore.StatusIllegalAfterPoll, bpcore.ErrIllegalAfterPoll)
	}
	close(ps.stop)
	delete(a.polls, regID)
	return nil
}

func (a *Adapter) SessionUpdate(regID, token uint64) error {
	reg, err := a.checkToken(regID, token)
	if err != nil {
		return err
	}
	reg.Expiration = time.Now().Add(5 * time.Minute)
	return nil
}
