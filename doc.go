// Package geodisk defines the shared types, error taxonomy, and helpers used across the
// geodisk subsystems: the changelog metadata store (package changelog), the geo-aware
// placement scheduler (package geosched), and the RAID-DP striped storage layer
// (package raiddp). It is a foundational package the subsystems build on; none of the
// three subsystems is implemented here.
package geodisk

// Timeout model
//
// Every blocking call in the three subsystems accepts a context.Context. Changelog reads
// and writes, GeoTree updater waits, and RAID-DP stripe I/O all honor ctx cancellation on
// top of any operation-specific timeout (e.g. the RAID-DP per-call timeout in seconds, or
// the scheduler's timeFrameDurationMs). The effective wait is the earlier of the two.
