package changelog

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/geodisk/geodisk"
)

func TestCreateFileRejectsDuplicateNameInParent(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "changelog.dat")
	s := mustOpen(t, path)
	defer s.Close()

	idx := NewMetadataIndex()
	if _, err := idx.CreateFile(ctx, s, 1, "dup", 0, 0, 0o644); err != nil {
		t.Fatalf("first CreateFile: %v", err)
	}
	_, err := idx.CreateFile(ctx, s, 1, "dup", 0, 0, 0o644)
	var de geodisk.Error
	if !errors.As(err, &de) || de.Code != geodisk.AlreadyExists {
		t.Fatalf("second CreateFile = %v, want AlreadyExists", err)
	}

	// The same name under a different parent is fine.
	if _, err := idx.CreateFile(ctx, s, 2, "dup", 0, 0, 0o644); err != nil {
		t.Errorf("CreateFile under a different parent: %v", err)
	}
}

func TestGetByIDUnknownIsNotFound(t *testing.T) {
	idx := NewMetadataIndex()
	_, err := idx.GetByID(999)
	var de geodisk.Error
	if !errors.As(err, &de) || de.Code != geodisk.NotFound {
		t.Fatalf("GetByID(unknown) = %v, want NotFound", err)
	}
}

func TestUpdateStoreRefreshesExistingEntity(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "changelog.dat")
	s := mustOpen(t, path)
	defer s.Close()

	idx := NewMetadataIndex()
	md, err := idx.CreateFile(ctx, s, 0, "f", 0, 0, 0o644)
	if err != nil {
		t.Fatalf("CreateFile: %v", err)
	}

	md.Size = 4096
	if err := idx.UpdateStore(ctx, s, md); err != nil {
		t.Fatalf("UpdateStore: %v", err)
	}

	got, err := idx.GetByID(md.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Size != 4096 {
		t.Errorf("Size = %d, want 4096", got.Size)
	}
}

type recordingListener struct {
	updates []uint64
	removes []uint64
}

func (l *recordingListener) OnUpdate(md *Metadata) { l.updates = append(l.updates, md.ID) }
func (l *recordingListener) OnRemove(id uint64)    { l.removes = append(l.removes, id) }

func TestIndexListenerNotifiedOfUpdatesAndRemoves(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "changelog.dat")
	s := mustOpen(t, path)
	defer s.Close()

	idx := NewMetadataIndex()
	l := &recordingListener{}
	idx.AddListener(l)

	md, err := idx.CreateFile(ctx, s, 0, "f", 0, 0, 0o644)
	if err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	if err := idx.RemoveFile(ctx, s, md.ID); err != nil {
		t.Fatalf("RemoveFile: %v", err)
	}

	if len(l.updates) != 1 || l.updates[0] != md.ID {
		t.Errorf("updates = %v, want [%d]", l.updates, md.ID)
	}
	if len(l.removes) != 1 || l.removes[0] != md.ID {
		t.Errorf("removes = %v, want [%d]", l.removes, md.ID)
	}
}
