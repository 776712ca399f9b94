package geosched

import "strings"

// WatchedKeys is the exhaustive, immutable set of stat keys the engine subscribes to per
// fs, per spec.md §4.2 "Change notifications". Modeled as a static list the way the
// teacher treats its module-level singletons (spec.md §9): a value, not a package-level
// mutable global.
var WatchedKeys = []string{
	"id", "host", "stat.geotag", "stat.boot", "stat.active",
	"configstatus", "stat.drain", "stat.drainer", "stat.balancing.running",
	"stat.balancer.running", "stat.balance.threshold", "stat.nominal.filled",
	"stat.statfs.bavail", "stat.statfs.filled", "stat.disk.writeratemb",
	"stat.disk.readratemb", "stat.disk.load", "stat.net.ethratemib", "stat.net.inratemib",
	"stat.net.outratemib", "stat.errc", "stat.publishtimestamp",
}

// netSpeedClasses is the number of net-speed buckets the per-fs penalty vectors are
// indexed by (spec.md §4.2 "plctDlScorePenalty ... 8-element vectors indexed by
// net-speed class").
const netSpeedClasses = 8

// OpType distinguishes the six operation classes placement/access penalties and
// disabled-branch rules are scoped by.
type OpType int

const (
	OpPlacement OpType = iota
	OpAccess
	OpDrainAccess
	OpBalanceAccess
	OpDrainPlacement
	OpBalancePlacement
)

// Health is the mutable per-fs snapshot replayed from change notifications; field names
// mirror the watched stat keys.
type Health struct {
	Boot             bool
	Active           bool
	ConfigStatus     int
	Drain            bool
	Drainer          bool
	BalancingRunning bool
	BalancerRunning  bool
	BalanceThreshold int
	NominalFilled    int // 0..100
	StatfsBavail     uint64
	StatfsFilled     int // 0..100
	DiskWriteRateMB  float64
	DiskReadRateMB   float64
	DiskLoad         float64
	NetEthRateMiB    float64
	NetInRateMiB     float64
	NetOutRateMiB    float64
	Errc             int
	PublishTimestamp int64
}

// NetSpeedClass buckets NetEthRateMiB into one of netSpeedClasses classes, fastest links
// getting the highest class index so per-class penalty vectors can treat "class 0" as
// the slowest, most penalty-sensitive tier.
func (h Health) NetSpeedClass() int {
	switch {
	case h.NetEthRateMiB >= 10000:
		return 7
	case h.NetEthRateMiB >= 5000:
		return 6
	case h.NetEthRateMiB >= 2500:
		return 5
	case h.NetEthRateMiB >= 1000:
		return 4
	case h.NetEthRateMiB >= 500:
		return 3
	case h.NetEthRateMiB >= 100:
		return 2
	case h.NetEthRateMiB >= 10:
		return 1
	default:
		return 0
	}
}

// Fs is a file system leaf registered inside a scheduling group: an id, its geotag, host,
// a publishing queue path used as the change-notification subject prefix, and the
// mutable Health snapshot replayed from notifications.
type Fs struct {
	ID        string
	Geotag    string
	Host      string
	QueuePath string
	Health    Health
}

// geotagSegments splits a "::"-delimited geotag into its path components.
func geotagSegments(geotag string) []string {
	if geotag == "" {
		return nil
	}
	return strings.Split(geotag, "::")
}

// commonPrefixLen returns the number of leading "::"-delimited segments a and b share.
func commonPrefixLen(a, b string) int {
	as, bs := geotagSegments(a), geotagSegments(b)
	n := 0
	for n < len(as) && n < len(bs) && as[n] == bs[n] {
		n++
	}
	return n
}

// isEligibleForOp reports whether a fs in health state h may be selected for op, per
// spec.md §3's seven scheduling trees: ordinary placement and access, and the
// drain/balance placement trees, never target a fs that's down, inactive, or already
// undergoing a drain or balance; the drain/balance access trees are the exception, since
// reading a replica off a fs while it's being drained or balanced is exactly their point.
func isEligibleForOp(h Health, op OpType) bool {
	if !h.Boot || !h.Active {
		return false
	}
	if op == OpDrainAccess || op == OpBalanceAccess {
		return true
	}
	return !h.Drain && !h.Drainer && !h.BalancingRunning && !h.BalancerRunning
}

// DisabledBranch masks a (group, op-type, geotag-subtree) triple from selection, per
// spec.md §4.2 "Disabled branches".
type DisabledBranch struct {
	Group  string
	Op     OpType
	Geotag string
}
