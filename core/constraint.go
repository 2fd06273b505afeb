package core

// Constraint is one reason a BundlePack's refcount-equivalent is non-zero,
// i.e. one of the four counters spec.md §3's invariant I2/§8's P4 names:
// registration-pending, link-reservation, custody-entry, and
// external-router-reference. DispatchPending/ForwardPending/Contraindicated/
// LocalEndpoint additionally record *why* a bundle is still being acted on,
// mirroring the teacher's own Constraint set.
type Constraint uint

const (
	// DispatchPending: the bundle has been admitted but dispatching has not
	// yet decided between local delivery and forwarding.
	DispatchPending Constraint = iota
	// ForwardPending: the bundle is queued for, or has been handed to, the
	// Forwarding Engine.
	ForwardPending
	// ReassemblyPending: the bundle is a fragment awaiting its siblings.
	ReassemblyPending
	// Contraindicated: forwarding was attempted and failed; the bundle is
	// held pending a routing re-decision or expiry.
	Contraindicated
	// LocalEndpoint: the bundle was (or is being) delivered to a local
	// registration.
	LocalEndpoint
	// CustodyAccepted: this node holds a custody entry for the bundle.
	CustodyAccepted
	// RegistrationPending: at least one registration has this bundle queued
	// for, or awaiting an ack of, delivery.
	RegistrationPending
	// LinkReserved: at least one link has a reservation for this bundle.
	LinkReserved
	// ExternalRouterRef: the external router holds a reference to this
	// bundle's state (e.g. it appeared in an unanswered full report).
	ExternalRouterRef
)

func (c Constraint) String() string {
	switch c {
	case DispatchPending:
		return "dispatch_pending"
	case ForwardPending:
		return "forward_pending"
	case ReassemblyPending:
		return "reassembly_pending"
	case Contraindicated:
		return "contraindicated"
	case LocalEndpoint:
		return "local_endpoint"
	case CustodyAccepted:
		return "custody_accepted"
	case RegistrationPending:
		return "registration_pending"
	case LinkReserved:
		return "link_reserved"
	case ExternalRouterRef:
		return "external_router_ref"
	default:
		return "unknown"
	}
}
