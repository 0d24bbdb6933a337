package chipset

import "encoding/gob"

func init() {
	// Register snapshot types for gob encoding/decoding.
	gob.Register(&ioapicSnapshot{})
	gob.Register(&ioapicEntrySnapshot{})
	gob.Register(&i8259Snapshot{})
}
