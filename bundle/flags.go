package bundle

import "strings"

// BundleControlFlags are the bundle processing control flags carried in the
// primary block, as defined in BPv7 §4.2.3.
type BundleControlFlags uint64

const (
	BndlCFBundleIsAFragment      BundleControlFlags = 1 << 0
	BndlCFAdministrativeRecordPayload BundleControlFlags = 1 << 1
	BndlCFMustNotBeFragmented    BundleControlFlags = 1 << 2
	BndlCFUserAppAckRequested    BundleControlFlags = 1 << 5
	BndlCFStatusRequestReception BundleControlFlags = 1 << 14
	BndlCFStatusRequestForward   BundleControlFlags = 1 << 16
	BndlCFStatusRequestDelivery  BundleControlFlags = 1 << 17
	BndlCFStatusRequestDeletion  BundleControlFlags = 1 << 18

	// bpcore addition, not in the BPv7 wire flags: requests custody transfer
	// from the next hop, consumed purely by this core's Custody Manager.
	BndlCFCustodyRequested BundleControlFlags = 1 << 30
	// bpcore addition: the destination is a singleton endpoint, relevant to
	// fragmentation and delivery-policy decisions.
	BndlCFSingletonDestination BundleControlFlags = 1 << 31
)

// Has reports whether all bits of other are set in f.
func (f BundleControlFlags) Has(other BundleControlFlags) bool {
	return f&other == other
}

func (f BundleControlFlags) String() string {
	names := []struct {
		flag BundleControlFlags
		name string
	}{
		{BndlCFBundleIsAFragment, "FRAGMENT"},
		{BndlCFAdministrativeRecordPayload, "ADMIN_RECORD"},
		{BndlCFMustNotBeFragmented, "NO_FRAGMENT"},
		{BndlCFUserAppAckRequested, "APP_ACK"},
		{BndlCFStatusRequestReception, "STATUS_RECEPTION"},
		{BndlCFStatusRequestForward, "STATUS_FORWARD"},
		{BndlCFStatusRequestDelivery, "STATUS_DELIVERY"},
		{BndlCFStatusRequestDeletion, "STATUS_DELETION"},
		{BndlCFCustodyRequested, "CUSTODY_REQUESTED"},
		{BndlCFSingletonDestination, "SINGLETON_DEST"},
	}

	var set []string
	for _, n := range names {
		if f.Has(n.flag) {
			set = append(set, n.name)
		}
	}
	return strings.Join(set, "|")
}

// BlockControlFlags are the per-canonical-block processing control flags.
type BlockControlFlags uint64

const (
	ReplicateBlock    BlockControlFlags = 1 << 0
	StatusReportBlock BlockControlFlags = 1 << 1
	DeleteBundle      BlockControlFlags = 1 << 2
	RemoveBlock       BlockControlFlags = 1 << 4
)

// Has reports whether all bits of other are set in f.
func (f BlockControlFlags) Has(other BlockControlFlags) bool {
	return f&other == other
}

// CRCType selects the integrity check carried by a block.
type CRCType uint

const (
	CRCNo CRCType = iota
	CRC16
	CRC32
)

func (t CRCType) String() string {
	switch t {
	case CRCNo:
		return "none"
	case CRC16:
		return "CRC-16"
	case CRC32:
		return "CRC-32"
	default:
		return "unknown"
	}
}

// PriorityClass is the bundle's coarse priority class (§3).
type PriorityClass uint

const (
	PriorityBulk PriorityClass = iota
	PriorityNormal
	PriorityExpedited
	PriorityReserved
)

func (p PriorityClass) String() string {
	switch p {
	case PriorityBulk:
		return "bulk"
	case PriorityNormal:
		return "normal"
	case PriorityExpedited:
		return "expedited"
	case PriorityReserved:
		return "reserved"
	default:
		return "unknown"
	}
}

// criticalECOSOrdinal is the fixed sub-priority ordinal a "critical" ECOS
// flag is promoted to, per spec.md §9's resolved ambiguity: "critical
// overrides, mapping to expedited/ordinal-254".
const criticalECOSOrdinal uint = 254

// ExtendedClassOfService carries an optional finer-grained priority ordinal
// and flow label alongside the coarse PriorityClass.
type ExtendedClassOfService struct {
	Critical   bool
	Ordinal    uint
	FlowLabel  uint
}

// EffectivePriority resolves the (PriorityClass, ExtendedClassOfService)
// pair into the class and ordinal actually used for queue ordering,
// applying the critical-flag override.
func EffectivePriority(class PriorityClass, ecos *ExtendedClassOfService) (PriorityClass, uint) {
	if ecos != nil && ecos.Critical {
		return PriorityExpedited, criticalECOSOrdinal
	}
	if ecos != nil {
		return class, ecos.Ordinal
	}
	return class, 0
}
