package specband

import "encoding/binary"

// Descriptor identifiers consumed by the core (see the wire format table).
const (
	IDHeapCounter      = 0x01
	IDHeapSize         = 0x02
	IDHeapOffset       = 0x03
	IDPayloadOffset    = 0x04
	IDTimeCounter      = 0x20
	IDSpectrumCounter  = 0x21
	IDAccumulationSize = 0x22
	IDModeNumber       = 0x23
	IDStatusBits       = 0x24
	IDPayloadDataOff   = 0x25
)

const (
	valueBits = 40
	valueMask = (uint64(1) << valueBits) - 1
	idBits    = 23
	idMask    = (uint32(1) << idBits) - 1
)

// nativeMagic is the 4-byte marker at the start of a native SPEAD packet.
var nativeMagic = [4]byte{0x53, 0x04, 0x03, 0x05}

const (
	nativeHeaderSize = 8
	itemSize         = 8
	legacyHeaderSize = 8
	legacyDupSize    = 8
	legacyPayloadOff = 8192
	legacyPayloadLen = 8192
	legacyPacketSize = legacyHeaderSize + legacyDupSize + legacyPayloadLen
	maxItemCount     = 10
)

// DescriptorItem is one entry of the item table: a 1-bit addressing mode,
// a 23-bit identifier, and a 40-bit value. After decode it is host-order;
// callers never see the packed wire form again.
type DescriptorItem struct {
	Mode  bool
	ID    uint32
	Value uint64
}

// decodeItem unpacks one big-endian 8-byte wire item.
func decodeItem(b []byte) DescriptorItem {
	w := binary.BigEndian.Uint64(b)
	return DescriptorItem{
		Mode:  w>>63 != 0,
		ID:    uint32(w>>valueBits) & idMask,
		Value: w & valueMask,
	}
}

// encodeItem packs a DescriptorItem back to its big-endian wire form.
func encodeItem(it DescriptorItem) [itemSize]byte {
	var w uint64
	if it.Mode {
		w |= 1 << 63
	}
	w |= uint64(it.ID&idMask) << valueBits
	w |= it.Value & valueMask
	var out [itemSize]byte
	binary.BigEndian.PutUint64(out[:], w)
	return out
}

// ItemTable is a normalized, host-order descriptor table indexed by
// identifier. Multiple items never share an identifier in practice, so a
// map is both the natural and the idempotent representation: decoding twice
// and re-inserting by ID yields the same table.
type ItemTable map[uint32]DescriptorItem

// Get returns the raw 40-bit value for id, or 0, false if absent.
func (t ItemTable) Get(id uint32) (uint64, bool) {
	it, ok := t[id]
	if !ok {
		return 0, false
	}
	return it.Value, true
}

// decodeNative validates and decodes a native SPEAD packet header plus item
// table. Returns the table, the payload slice, and an error classified as
// ErrPacketMalformed on any validation failure.
func decodeNative(pkt []byte) (ItemTable, []byte, error) {
	if len(pkt) < nativeHeaderSize {
		return nil, nil, ErrPacketMalformed
	}
	if pkt[0] != nativeMagic[0] || pkt[1] != nativeMagic[1] || pkt[2] != nativeMagic[2] || pkt[3] != nativeMagic[3] {
		return nil, nil, ErrPacketMalformed
	}
	count := int(binary.BigEndian.Uint16(pkt[6:8]))
	if count <= 0 || count > maxItemCount {
		return nil, nil, ErrPacketMalformed
	}
	tableEnd := nativeHeaderSize + count*itemSize
	if len(pkt) < tableEnd {
		return nil, nil, ErrPacketMalformed
	}

	table := make(ItemTable, count)
	for i := 0; i < count; i++ {
		off := nativeHeaderSize + i*itemSize
		it := decodeItem(pkt[off : off+itemSize])
		table[it.ID] = it
	}
	return table, pkt[tableEnd:], nil
}

// synthesizeLegacy turns an 8208-byte legacy packet into the same host-order
// table a native packet would normalize to. The wire word packs a 60-bit
// FPGA counter in its high bits and a 4-bit status field in its low bits;
// the duplicate second header is ignored, matching the original dialect.
func synthesizeLegacy(pkt []byte) (ItemTable, []byte, error) {
	if len(pkt) != legacyPacketSize {
		return nil, nil, ErrPacketMalformed
	}

	word := binary.BigEndian.Uint64(pkt[0:legacyHeaderSize])
	status := word & 0xF
	fpgaCounter := word >> 4 // 60-bit raw counter

	// Drops the 9 high-order bits of the 49-bit shifted quantity into the
	// 40-bit heap-counter field. Lossy once the FPGA counter reaches 2^51
	// (shifted value 2^40) within a scan; documented in the design notes,
	// not corrected.
	heapCounter := (fpgaCounter >> 11) & valueMask
	timeCounter := fpgaCounter & valueMask

	table := ItemTable{
		IDHeapCounter:     {Value: heapCounter},
		IDHeapSize:        {Value: legacyPayloadLen},
		IDHeapOffset:      {Value: 0},
		IDPayloadOffset:   {Value: legacyPayloadOff},
		IDTimeCounter:     {Value: timeCounter},
		IDSpectrumCounter: {Value: heapCounter},
		IDModeNumber:      {Value: 0},
		IDStatusBits:      {Value: status},
	}
	for id, it := range table {
		it.ID = id
		table[id] = it
	}

	payload := pkt[legacyHeaderSize+legacyDupSize:]
	return table, payload, nil
}

// normalize decodes either wire dialect into a host-order ItemTable plus its
// payload slice. Applying it twice to the same bytes yields an identical
// table, since decoding is a pure function of the wire bytes.
func normalize(legacy bool, pkt []byte) (ItemTable, []byte, error) {
	if legacy {
		return synthesizeLegacy(pkt)
	}
	return decodeNative(pkt)
}
