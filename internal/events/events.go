// Package events defines the observed filesystem operation kinds, the
// requested-access and status codes that travel on the report wire, and the
// coalescing of raw kinds into cache buckets.
package events

// Kind identifies one observed operation. The numeric value is the operation
// code written on the wire and must stay stable.
type Kind int

// Filesystem operation kinds.
const (
	KindRead     Kind = 1
	KindWrite    Kind = 2
	KindCreate   Kind = 3
	KindDelete   Kind = 4
	KindReadlink Kind = 5
	KindStat     Kind = 6
	KindOpen     Kind = 7

	// Two-path operations.
	KindRename Kind = 8
	KindLink   Kind = 9

	// Metadata-mutating variants, coalesced into the write bucket.
	KindTruncate  Kind = 10
	KindChmod     Kind = 11
	KindChown     Kind = 12
	KindUtimes    Kind = 13
	KindSetXattr  Kind = 14
	KindDelXattr  Kind = 15
	KindSetFlags  Kind = 16
	KindSetACL    Kind = 17

	// Metadata-reading variants, coalesced into the stat bucket.
	KindGetAttr   Kind = 18
	KindGetXattr  Kind = 19
	KindListXattr Kind = 20
	KindAccess    Kind = 21

	// Process lifecycle.
	KindFork Kind = 22
	KindExec Kind = 23
	KindExit Kind = 24

	KindEnumerate Kind = 25
)

// Control and diagnostic kinds. These never pass through the duplicate cache.
const (
	KindDebugMessage         Kind = 40
	KindProcessCommandLine   Kind = 41
	KindStaticallyLinked     Kind = 42
	KindFirstAllowWriteCheck Kind = 43
	KindProcessTreeCompleted Kind = 44
)

var kindNames = map[Kind]string{
	KindRead:                 "read",
	KindWrite:                "write",
	KindCreate:               "create",
	KindDelete:               "delete",
	KindReadlink:             "readlink",
	KindStat:                 "stat",
	KindOpen:                 "open",
	KindRename:               "rename",
	KindLink:                 "link",
	KindTruncate:             "truncate",
	KindChmod:                "chmod",
	KindChown:                "chown",
	KindUtimes:               "utimes",
	KindSetXattr:             "setxattr",
	KindDelXattr:             "delxattr",
	KindSetFlags:             "setflags",
	KindSetACL:               "setacl",
	KindGetAttr:              "getattr",
	KindGetXattr:             "getxattr",
	KindListXattr:            "listxattr",
	KindAccess:               "access",
	KindFork:                 "fork",
	KindExec:                 "exec",
	KindExit:                 "exit",
	KindEnumerate:            "enumerate",
	KindDebugMessage:         "debug_message",
	KindProcessCommandLine:   "process_command_line",
	KindStaticallyLinked:     "statically_linked",
	KindFirstAllowWriteCheck: "first_allow_write_check",
	KindProcessTreeCompleted: "process_tree_completed",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// Coalesce maps a raw kind onto its cache bucket. Siblings within a bucket
// receive identical policy treatment for a given path, so one cached report
// covers them all. Write-variants collapse onto KindWrite, stat-variants onto
// KindStat, everything else is its own bucket.
func Coalesce(k Kind) Kind {
	switch k {
	case KindTruncate, KindChmod, KindChown, KindUtimes,
		KindSetXattr, KindDelXattr, KindSetFlags, KindSetACL, KindWrite:
		return KindWrite
	case KindGetAttr, KindGetXattr, KindListXattr, KindAccess, KindStat:
		return KindStat
	default:
		return k
	}
}

// Cacheable reports whether an event of this kind with the given second path
// may be served from the duplicate cache. Process lifecycle events and
// two-path operations depend on full context each time and always bypass it.
func Cacheable(k Kind, secondPath string) bool {
	if secondPath != "" {
		return false
	}
	switch k {
	case KindFork, KindExec, KindExit:
		return false
	}
	return true
}

// Access is the requested-access bitmask carried on the wire.
type Access int

const (
	AccessNone      Access = 0
	AccessRead      Access = 1
	AccessWrite     Access = 2
	AccessProbe     Access = 4
	AccessEnumerate Access = 8
)

// Status is the policy outcome code carried on the wire.
type Status int

const (
	StatusNone    Status = 0
	StatusAllowed Status = 1
	StatusDenied  Status = 2
)

// ReportLevel controls whether a decision is reported explicitly.
type ReportLevel int

const (
	ReportIgnore ReportLevel = 0
	ReportAlways ReportLevel = 1
)

// AccessEvent is one observed filesystem-affecting operation, constructed at
// interception time and consumed once to produce a report.
type AccessEvent struct {
	Kind       Kind
	Path       string
	SecondPath string
	Pid        int
	ParentPid  int
	ExecPath   string
	Mode       uint32
	Errno      int
}
