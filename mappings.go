package lethe

import (
	"bytes"
	"encoding/gob"
	"fmt"
)

// MapEntry is the pair of internal ids allocated for one external
// object id: where its ciphertext lives (MapID) and where its object
// KHF's serialized blob lives, which doubles as its leaf position in
// the master KHF (KhfID).
type MapEntry struct {
	MapID uint64
	KhfID uint64
}

// mappings is the external-object-id to MapEntry table (spec's
// "Mappings table"), gob-serialized as the fourth reserved blob
// (reserved id 3).
type mappings map[uint64]MapEntry

func (m mappings) marshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(map[uint64]MapEntry(m)); err != nil {
		return nil, fmt.Errorf("lethe: encode mappings: %w", err)
	}
	return buf.Bytes(), nil
}

func unmarshalMappings(data []byte) (mappings, error) {
	raw := make(map[uint64]MapEntry)
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&raw); err != nil {
		return nil, fmt.Errorf("lethe: decode mappings: %w", err)
	}
	return mappings(raw), nil
}
