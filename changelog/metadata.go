package changelog

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Metadata is the payload semantics of a changelog record: a file or container entity.
// Parent/child links are id references into a MetadataIndex, never shared pointers, per the
// "cyclic ownership" design note: the parent holds children by id, the child references its
// parent by id, and nothing holds a back-pointer.
type Metadata struct {
	ID       uint64
	ParentID uint64
	Name     string

	OwnerUID uint32
	OwnerGID uint32
	Mode     uint32

	CTimeSec  int64
	CTimeNsec int64
	MTimeSec  int64
	MTimeNsec int64

	Size     uint64
	Checksum []byte
	LayoutID uint32

	Locations         []uint64
	UnlinkedLocations []uint64
}

// encodeMetadata serializes md into the opaque payload an UPDATE record carries.
func encodeMetadata(md *Metadata) ([]byte, error) {
	var buf bytes.Buffer
	fields := []any{
		md.ID, md.ParentID,
		uint16(len(md.Name)),
	}
	for _, f := range fields {
		if err := binary.Write(&buf, binary.LittleEndian, f); err != nil {
			return nil, err
		}
	}
	buf.WriteString(md.Name)

	rest := []any{
		md.OwnerUID, md.OwnerGID, md.Mode,
		md.CTimeSec, md.CTimeNsec, md.MTimeSec, md.MTimeNsec,
		md.Size,
		uint16(len(md.Checksum)),
	}
	for _, f := range rest {
		if err := binary.Write(&buf, binary.LittleEndian, f); err != nil {
			return nil, err
		}
	}
	buf.Write(md.Checksum)

	if err := binary.Write(&buf, binary.LittleEndian, md.LayoutID); err != nil {
		return nil, err
	}
	if err := writeUint64Slice(&buf, md.Locations); err != nil {
		return nil, err
	}
	if err := writeUint64Slice(&buf, md.UnlinkedLocations); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeUint64Slice(buf *bytes.Buffer, s []uint64) error {
	if err := binary.Write(buf, binary.LittleEndian, uint16(len(s))); err != nil {
		return err
	}
	for _, v := range s {
		if err := binary.Write(buf, binary.LittleEndian, v); err != nil {
			return err
		}
	}
	return nil
}

func readUint64Slice(r *bytes.Reader) ([]uint64, error) {
	var n uint16
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, err
	}
	out := make([]uint64, n)
	for i := range out {
		if err := binary.Read(r, binary.LittleEndian, &out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// decodeMetadata is the inverse of encodeMetadata.
func decodeMetadata(payload []byte) (*Metadata, error) {
	r := bytes.NewReader(payload)
	md := &Metadata{}

	var nameLen uint16
	for _, f := range []any{&md.ID, &md.ParentID, &nameLen} {
		if err := binary.Read(r, binary.LittleEndian, f); err != nil {
			return nil, fmt.Errorf("changelog: decoding metadata header: %w", err)
		}
	}
	name := make([]byte, nameLen)
	if _, err := r.Read(name); err != nil {
		return nil, fmt.Errorf("changelog: decoding metadata name: %w", err)
	}
	md.Name = string(name)

	var checksumLen uint16
	for _, f := range []any{
		&md.OwnerUID, &md.OwnerGID, &md.Mode,
		&md.CTimeSec, &md.CTimeNsec, &md.MTimeSec, &md.MTimeNsec,
		&md.Size, &checksumLen,
	} {
		if err := binary.Read(r, binary.LittleEndian, f); err != nil {
			return nil, fmt.Errorf("changelog: decoding metadata fields: %w", err)
		}
	}
	md.Checksum = make([]byte, checksumLen)
	if _, err := r.Read(md.Checksum); err != nil {
		return nil, fmt.Errorf("changelog: decoding metadata checksum: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &md.LayoutID); err != nil {
		return nil, fmt.Errorf("changelog: decoding metadata layout id: %w", err)
	}

	locs, err := readUint64Slice(r)
	if err != nil {
		return nil, fmt.Errorf("changelog: decoding locations: %w", err)
	}
	md.Locations = locs

	unlinked, err := readUint64Slice(r)
	if err != nil {
		return nil, fmt.Errorf("changelog: decoding unlinked locations: %w", err)
	}
	md.UnlinkedLocations = unlinked

	return md, nil
}

// encodeRemoval serializes the payload of a REMOVE record: just the id being removed.
func encodeRemoval(id uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, id)
	return buf
}

func decodeRemoval(payload []byte) (uint64, error) {
	if len(payload) != 8 {
		return 0, fmt.Errorf("changelog: remove payload must be 8 bytes, got %d", len(payload))
	}
	return binary.LittleEndian.Uint64(payload), nil
}
