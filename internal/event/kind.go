package event

// Kind identifies the handler of an event. The set is closed.
type Kind string

const (
	KindCircleCreate  Kind = "circle.create"
	KindCircleUpdate  Kind = "circle.update"
	KindCircleDestroy Kind = "circle.destroy"
	KindCircleStatus  Kind = "circle.status"
	KindMemberAdd     Kind = "member.add"
	KindMemberJoin    Kind = "member.join"
	KindMemberLevel   Kind = "member.level"
	KindMemberLeave   Kind = "member.leave"
	KindMemberRemove  Kind = "member.remove"
	KindUserDeleted   Kind = "user.deleted"
	KindGlobalSync    Kind = "global.sync"
	KindFileShare     Kind = "file.share"
	KindFileUnshare   Kind = "file.unshare"
)

// Kinds lists every kind in a stable order.
var Kinds = []Kind{
	KindCircleCreate,
	KindCircleUpdate,
	KindCircleDestroy,
	KindCircleStatus,
	KindMemberAdd,
	KindMemberJoin,
	KindMemberLevel,
	KindMemberLeave,
	KindMemberRemove,
	KindUserDeleted,
	KindGlobalSync,
	KindFileShare,
	KindFileUnshare,
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// System reports whether k is started by the node itself rather than by a
// member. Only system kinds may run without an initiator when forwarded.
func (k Kind) System() bool {
	return k == KindUserDeleted || k == KindGlobalSync
}

// Severity selects how strongly the sender must be authenticated.
type Severity int

const (
	SeverityLow  Severity = 1
	SeverityHigh Severity = 3
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityHigh:
		return "high"
	}
	return "unknown"
}

// Bypass is a bitmask of verification steps an event may skip.
type Bypass int

const (
	BypassCircleCheck         Bypass = 1
	BypassLocalMemberCheck    Bypass = 2
	BypassInitiatorCheck      Bypass = 4
	BypassInitiatorMembership Bypass = 8
)

// With returns b with flag set. Setting a flag twice has no further effect.
func (b Bypass) With(flag Bypass) Bypass {
	return b | flag
}

// Has reports whether flag is set.
func (b Bypass) Has(flag Bypass) bool {
	return b&flag == flag
}
