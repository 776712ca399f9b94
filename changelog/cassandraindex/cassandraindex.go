// Package cassandraindex is an optional listener that mirrors changelog UPDATE/REMOVE
// records into a Cassandra secondary index, for query offload (listing a container's
// children by owner or by modification-time range) that the append-only log itself cannot
// serve without a full replay. The changelog store works without it; it is purely additive.
package cassandraindex

import (
	"context"
	"log/slog"
	"time"

	"github.com/geodisk/geodisk/changelog"
	"github.com/gocql/gocql"
)

// Writer implements changelog.IndexListener by upserting/deleting rows in a Cassandra table
// keyed by metadata id.
type Writer struct {
	session *gocql.Session
	table   string
	timeout time.Duration
}

// NewWriter wraps an already-connected gocql.Session. table must already exist with a schema
// compatible with the columns Writer writes (id, parent_id, name, owner_uid, owner_gid,
// mode, size, mtime_sec, layout_id).
func NewWriter(session *gocql.Session, table string) *Writer {
	return &Writer{session: session, table: table, timeout: 5 * time.Second}
}

// OnUpdate mirrors md into the index. Errors are logged, not returned: a secondary index
// falling behind must never block or fail the primary changelog write path.
func (w *Writer) OnUpdate(md *changelog.Metadata) {
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()

	stmt := "INSERT INTO " + w.table + " (id, parent_id, name, owner_uid, owner_gid, mode, size, mtime_sec, layout_id) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)"
	err := w.session.Query(stmt, md.ID, md.ParentID, md.Name, md.OwnerUID, md.OwnerGID, md.Mode, md.Size, md.MTimeSec, md.LayoutID).WithContext(ctx).Exec()
	if err != nil {
		slog.Error("cassandraindex: upsert failed", "id", md.ID, "error", err)
	}
}

// OnRemove deletes id's row from the index.
func (w *Writer) OnRemove(id uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()

	stmt := "DELETE FROM " + w.table + " WHERE id = ?"
	if err := w.session.Query(stmt, id).WithContext(ctx).Exec(); err != nil {
		slog.Error("cassandraindex: delete failed", "id", id, "error", err)
	}
}
