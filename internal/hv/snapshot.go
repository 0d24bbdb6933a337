package hv

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
	"os"
	"sort"

	"golang.org/x/mod/semver"
)

// Snapshot file format constants
const (
	SnapshotMagic uint32 = 0x534e4150 // "SNAP"

	// SnapshotFormat is the semantic version of the on-disk layout. Files
	// with a different major version are rejected.
	SnapshotFormat = "v1.1.0"
)

// DeviceSnapshot is an opaque, gob-encodable copy of a device's state.
// Concrete types must be registered with gob by the owning package.
type DeviceSnapshot interface{}

// DeviceSnapshotter is implemented by devices whose state can be saved.
type DeviceSnapshotter interface {
	DeviceId() string
	CaptureSnapshot() (DeviceSnapshot, error)
	RestoreSnapshot(snap DeviceSnapshot) error
}

// Snapshot holds the saved state of every snapshotting device in a machine.
type Snapshot struct {
	Format  string
	Tick    uint64
	Devices map[string]DeviceSnapshot
}

// SaveSnapshot writes snap to path.
func SaveSnapshot(path string, snap *Snapshot) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	defer f.Close()

	if err := WriteSnapshot(f, snap); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot reads a snapshot previously written by SaveSnapshot.
func LoadSnapshot(path string) (*Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	defer f.Close()

	snap, err := ReadSnapshot(f)
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	return snap, nil
}

// WriteSnapshot encodes snap to w.
func WriteSnapshot(w io.Writer, snap *Snapshot) error {
	if err := binary.Write(w, binary.LittleEndian, SnapshotMagic); err != nil {
		return fmt.Errorf("write magic: %w", err)
	}
	if err := writeString(w, SnapshotFormat); err != nil {
		return fmt.Errorf("write format: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, snap.Tick); err != nil {
		return fmt.Errorf("write tick: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(snap.Devices))); err != nil {
		return fmt.Errorf("write device count: %w", err)
	}

	// Write in sorted order for determinism
	ids := make([]string, 0, len(snap.Devices))
	for id := range snap.Devices {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		if err := writeString(w, id); err != nil {
			return fmt.Errorf("write device id: %w", err)
		}

		var buf bytes.Buffer
		dev := snap.Devices[id]
		if err := gob.NewEncoder(&buf).Encode(&dev); err != nil {
			return fmt.Errorf("gob encode device %s: %w", id, err)
		}
		if err := binary.Write(w, binary.LittleEndian, uint32(buf.Len())); err != nil {
			return fmt.Errorf("write device data length: %w", err)
		}
		if _, err := w.Write(buf.Bytes()); err != nil {
			return fmt.Errorf("write device data: %w", err)
		}
	}
	return nil
}

// ReadSnapshot decodes a snapshot from r.
func ReadSnapshot(r io.Reader) (*Snapshot, error) {
	var magic uint32
	if err := binary.Read(r, binary.LittleEndian, &magic); err != nil {
		return nil, fmt.Errorf("read magic: %w", err)
	}
	if magic != SnapshotMagic {
		return nil, fmt.Errorf("invalid snapshot magic 0x%08x", magic)
	}
	format, err := readString(r)
	if err != nil {
		return nil, fmt.Errorf("read format: %w", err)
	}
	if !semver.IsValid(format) {
		return nil, fmt.Errorf("invalid snapshot format version %q", format)
	}
	if semver.Major(format) != semver.Major(SnapshotFormat) {
		return nil, fmt.Errorf("unsupported snapshot format %s (want %s.x)", format, semver.Major(SnapshotFormat))
	}

	snap := &Snapshot{Format: format}
	if err := binary.Read(r, binary.LittleEndian, &snap.Tick); err != nil {
		return nil, fmt.Errorf("read tick: %w", err)
	}
	var count uint32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, fmt.Errorf("read device count: %w", err)
	}

	snap.Devices = make(map[string]DeviceSnapshot, count)
	for i := uint32(0); i < count; i++ {
		id, err := readString(r)
		if err != nil {
			return nil, fmt.Errorf("read device id: %w", err)
		}
		var dataLen uint32
		if err := binary.Read(r, binary.LittleEndian, &dataLen); err != nil {
			return nil, fmt.Errorf("read device data length: %w", err)
		}
		data := make([]byte, dataLen)
		if _, err := io.ReadFull(r, data); err != nil {
			return nil, fmt.Errorf("read device data: %w", err)
		}

		var dev DeviceSnapshot
		if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&dev); err != nil {
			return nil, fmt.Errorf("gob decode device %s: %w", id, err)
		}
		snap.Devices[id] = dev
	}
	return snap, nil
}

func writeString(w io.Writer, s string) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func readString(r io.Reader) (string, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", err
	}
	if n > 1<<16 {
		return "", fmt.Errorf("string length %d too large", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}
