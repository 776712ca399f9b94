package changelog

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/geodisk/geodisk"
)

// IndexListener is notified after MetadataIndex applies a replayed or freshly-stored record,
// so a secondary index (see cassandraindex.Writer) can be kept in sync without the index
// itself depending on any particular backing store.
type IndexListener interface {
	OnUpdate(md *Metadata)
	OnRemove(id uint64)
}

// MetadataIndex is the in-memory arena described by the "cyclic ownership" design note:
// entities are kept in a single map keyed by id, and a container's children are looked up by
// (parentID, name) rather than held as a parent-to-child pointer graph.
type MetadataIndex struct {
	mu       sync.RWMutex
	byID     map[uint64]*Metadata
	byParent map[uint64]map[string]uint64 // parentID -> name -> id, enforces name uniqueness

	nextID    uint64
	listeners []IndexListener
}

// NewMetadataIndex returns an empty arena. Call ScanAllRecords or Follow with it as the
// Scanner to replay an existing log into it before serving lookups.
func NewMetadataIndex() *MetadataIndex {
	return &MetadataIndex{
		byID:     make(map[uint64]*Metadata),
		byParent: make(map[uint64]map[string]uint64),
	}
}

// AddListener registers a listener notified of every applied UPDATE/REMOVE, whether from a
// live CreateFile/UpdateStore/RemoveFile call or from replaying the log.
func (idx *MetadataIndex) AddListener(l IndexListener) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.listeners = append(idx.listeners, l)
}

// GetByID returns the entity for id, or NotFound if absent.
func (idx *MetadataIndex) GetByID(id uint64) (*Metadata, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	md, ok := idx.byID[id]
	if !ok {
		return nil, geodisk.NewError(geodisk.NotFound, nil, id)
	}
	return md, nil
}

// CreateFile allocates a fresh id, checks name uniqueness within parentID, and persists an
// UPDATE record for the new entity.
func (idx *MetadataIndex) CreateFile(ctx context.Context, store *Store, parentID uint64, name string, uid, gid, mode uint32) (*Metadata, error) {
	idx.mu.RLock()
	if children, ok := idx.byParent[parentID]; ok {
		if _, exists := children[name]; exists {
			idx.mu.RUnlock()
			return nil, geodisk.NewError(geodisk.AlreadyExists, fmt.Errorf("name %q already exists under parent %d", name, parentID), name)
		}
	}
	idx.mu.RUnlock()

	now := time.Now()
	md := &Metadata{
		ID:        atomic.AddUint64(&idx.nextID, 1),
		ParentID:  parentID,
		Name:      name,
		OwnerUID:  uid,
		OwnerGID:  gid,
		Mode:      mode,
		CTimeSec:  now.Unix(),
		CTimeNsec: int64(now.Nanosecond()),
		MTimeSec:  now.Unix(),
		MTimeNsec: int64(now.Nanosecond()),
	}
	if err := idx.UpdateStore(ctx, store, md); err != nil {
		return nil, err
	}
	return md, nil
}

// UpdateStore appends an UPDATE record for md and refreshes the in-memory index. Re-using it
// for an existing id (a modification) is how callers update size, locations or timestamps.
func (idx *MetadataIndex) UpdateStore(ctx context.Context, store *Store, md *Metadata) error {
	idx.mu.Lock()
	if children, ok := idx.byParent[md.ParentID]; ok {
		if existingID, exists := children[md.Name]; exists && existingID != md.ID {
			idx.mu.Unlock()
			return geodisk.NewError(geodisk.AlreadyExists, fmt.Errorf("name %q already exists under parent %d", md.Name, md.ParentID), md.Name)
		}
	}
	idx.mu.Unlock()

	payload, err := encodeMetadata(md)
	if err != nil {
		return geodisk.NewError(geodisk.Internal, err, md.ID)
	}
	if _, err := store.StoreRecord(ctx, UpdateRecord, payload); err != nil {
		return err
	}

	idx.applyUpdate(md)
	return nil
}

// RemoveFile appends a REMOVE record for id and evicts it from the index.
func (idx *MetadataIndex) RemoveFile(ctx context.Context, store *Store, id uint64) error {
	if _, err := idx.GetByID(id); err != nil {
		return err
	}
	if _, err := store.StoreRecord(ctx, RemoveRecord, encodeRemoval(id)); err != nil {
		return err
	}
	idx.applyRemove(id)
	return nil
}

// ProcessRecord implements Scanner, replaying a changelog's records into the index in
// ascending offset order.
func (idx *MetadataIndex) ProcessRecord(offset int64, typ RecordType, payload []byte) error {
	switch typ {
	case UpdateRecord:
		md, err := decodeMetadata(payload)
		if err != nil {
			return geodisk.NewError(geodisk.CorruptRecord, err, offset)
		}
		idx.applyUpdate(md)
	case RemoveRecord:
		id, err := decodeRemoval(payload)
		if err != nil {
			return geodisk.NewError(geodisk.CorruptRecord, err, offset)
		}
		idx.applyRemove(id)
	default:
		return geodisk.NewError(geodisk.CorruptRecord, fmt.Errorf("unknown record type %d at offset %d", typ, offset), offset)
	}
	return nil
}

func (idx *MetadataIndex) applyUpdate(md *Metadata) {
	idx.mu.Lock()
	if md.ID >= idx.nextID {
		idx.nextID = md.ID
	}
	if prev, ok := idx.byID[md.ID]; ok && prev.ParentID != md.ParentID {
		idx.removeFromParentIndexLocked(prev.ParentID, prev.Name)
	}
	idx.byID[md.ID] = md
	children, ok := idx.byParent[md.ParentID]
	if !ok {
		children = make(map[string]uint64)
		idx.byParent[md.ParentID] = children
	}
	children[md.Name] = md.ID
	listeners := idx.listeners
	idx.mu.Unlock()

	for _, l := range listeners {
		l.OnUpdate(md)
	}
}

func (idx *MetadataIndex) applyRemove(id uint64) {
	idx.mu.Lock()
	md, ok := idx.byID[id]
	if ok {
		delete(idx.byID, id)
		idx.removeFromParentIndexLocked(md.ParentID, md.Name)
	}
	listeners := idx.listeners
	idx.mu.Unlock()

	for _, l := range listeners {
		l.OnRemove(id)
	}
}

func (idx *MetadataIndex) removeFromParentIndexLocked(parentID uint64, name string) {
	if children, ok := idx.byParent[parentID]; ok {
		delete(children, name)
		if len(children) == 0 {
			delete(idx.byParent, parentID)
		}
	}
}
