package specband

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func buildNativeTestPacket(items []DescriptorItem, payload []byte) []byte {
	buf := make([]byte, 0, nativeHeaderSize+len(items)*itemSize+len(payload))
	buf = append(buf, nativeMagic[:]...)
	buf = append(buf, 0, 0)
	count := make([]byte, 2)
	binary.BigEndian.PutUint16(count, uint16(len(items)))
	buf = append(buf, count...)
	for _, it := range items {
		enc := encodeItem(it)
		buf = append(buf, enc[:]...)
	}
	return append(buf, payload...)
}

func TestDecodeNativeRejectsBadMagic(t *testing.T) {
	pkt := buildNativeTestPacket([]DescriptorItem{{ID: IDHeapCounter, Value: 1}}, []byte("x"))
	pkt[0] = 0

	_, _, err := decodeNative(pkt)

	assert.ErrorIs(t, err, ErrPacketMalformed)
}

func TestDecodeNativeIdentifiersAreASubsetOfTheTable(t *testing.T) {
	items := []DescriptorItem{
		{ID: IDHeapCounter, Value: 5},
		{ID: IDHeapSize, Value: 8192},
		{ID: IDTimeCounter, Value: 99},
	}
	pkt := buildNativeTestPacket(items, []byte("payload"))

	table, payload, err := decodeNative(pkt)

	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), payload)
	known := map[uint32]bool{
		IDHeapCounter: true, IDHeapSize: true, IDHeapOffset: true,
		IDPayloadOffset: true, IDTimeCounter: true, IDSpectrumCounter: true,
		IDAccumulationSize: true, IDModeNumber: true, IDStatusBits: true,
		IDPayloadDataOff: true,
	}
	for id := range table {
		assert.True(t, known[id], "unexpected identifier %#x", id)
	}
	v, ok := table.Get(IDHeapCounter)
	assert.True(t, ok)
	assert.Equal(t, uint64(5), v)
}

func TestDescriptorValuesFitInFortyBits(t *testing.T) {
	it := DescriptorItem{ID: IDTimeCounter, Value: ^uint64(0)}
	enc := encodeItem(it)
	decoded := decodeItem(enc[:])

	assert.LessOrEqual(t, decoded.Value, valueMask)
}

func TestNormalizeIsIdempotent(t *testing.T) {
	pkt := buildNativeTestPacket([]DescriptorItem{{ID: IDHeapCounter, Value: 7}}, []byte("ab"))

	table1, payload1, err1 := normalize(false, pkt)
	table2, payload2, err2 := normalize(false, pkt)

	require.NoError(t, err1)
	require.NoError(t, err2)
	assert.Equal(t, table1, table2)
	assert.Equal(t, payload1, payload2)
}

// TestNormalizeIsIdempotentProperty is the idempotence law over arbitrary
// native packets: decoding the same bytes twice never diverges, for any
// item count, identifier, value, or payload length normalize accepts.
func TestNormalizeIsIdempotentProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, maxItemCount).Draw(t, "nItems")
		items := make([]DescriptorItem, n)
		for i := range items {
			items[i] = DescriptorItem{
				ID:    rapid.Uint32Range(0, idMask).Draw(t, "id"),
				Value: rapid.Uint64Range(0, valueMask).Draw(t, "value"),
			}
		}
		payload := rapid.SliceOfN(rapid.Byte(), 0, 64).Draw(t, "payload")
		pkt := buildNativeTestPacket(items, payload)

		table1, payload1, err1 := normalize(false, pkt)
		table2, payload2, err2 := normalize(false, pkt)

		require.NoError(t, err1)
		require.NoError(t, err2)
		assert.Equal(t, table1, table2)
		assert.Equal(t, payload1, payload2)
	})
}

// TestSynthesizeLegacyHeapCounterFormula is seed scenario 4: the legacy
// dialect's heap counter is the FPGA counter shifted right 11 bits and
// masked to 40 bits, payload offset is always 8192, and status is the
// wire word's low 4 bits.
func TestSynthesizeLegacyHeapCounterFormula(t *testing.T) {
	fpgaCounter := uint64(0x1_2345_6789_ABCD) & ((1 << 60) - 1)
	status := uint64(0x5)
	word := (fpgaCounter << 4) | status

	pkt := make([]byte, legacyPacketSize)
	binary.BigEndian.PutUint64(pkt[0:8], word)
	binary.BigEndian.PutUint64(pkt[8:16], word)

	table, payload, err := synthesizeLegacy(pkt)

	require.NoError(t, err)
	assert.Equal(t, legacyPayloadLen, len(payload))
	wantHeapCounter, _ := table.Get(IDHeapCounter)
	assert.Equal(t, (fpgaCounter>>11)&valueMask, wantHeapCounter)
	offset, _ := table.Get(IDPayloadOffset)
	assert.Equal(t, uint64(legacyPayloadOff), offset)
	wireStatus, _ := table.Get(IDStatusBits)
	assert.Equal(t, status&0xF, wireStatus)
}

func TestSynthesizeLegacyRejectsWrongSize(t *testing.T) {
	_, _, err := synthesizeLegacy(make([]byte, 10))
	assert.ErrorIs(t, err, ErrPacketMalformed)
}
