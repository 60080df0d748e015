package audiosocket

import (
	"bufio"
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadHeaderFindsTerminatorAtLastPossibleByte(t *testing.T) {
	// B2: the delimiter at byte 2047/2048 still parses as a header.
	id := strings.Repeat("a", maxHeaderBytes-4)
	raw := id + "\r\n\r\n"
	require.Len(t, raw, maxHeaderBytes)

	r := bufio.NewReaderSize(bytes.NewReader([]byte(raw)), maxHeaderBytes)
	connID, audio, found := readHeader(r)

	assert.True(t, found)
	assert.Equal(t, id, connID)
	assert.Empty(t, audio)
}

func TestReadHeaderWithoutDelimiterTreatsStreamAsAudio(t *testing.T) {
	// I7/B2: a stream with no "\r\n\r\n"/"\n\n" within maxHeaderBytes is
	// treated entirely as audio, not dropped.
	raw := bytes.Repeat([]byte{0x7f}, maxHeaderBytes+512)
	r := bufio.NewReaderSize(bytes.NewReader(raw), maxHeaderBytes)

	connID, audio, found := readHeader(r)

	assert.False(t, found)
	assert.Empty(t, connID)
	assert.Len(t, audio, maxHeaderBytes)
	assert.Equal(t, raw[:maxHeaderBytes], audio)
}

func TestPendingCorrelationFIFOOrder(t *testing.T) {
	tr := &Transport{
		pendingUUID: make(map[string]string),
	}

	id1 := NewCorrelationID("call-1", tr)
	id2 := NewCorrelationID("call-2", tr)
	_ = id1
	_ = id2

	callID, ok := tr.popOldestPending()
	require.True(t, ok)
	assert.Equal(t, "call-1", callID)

	callID, ok = tr.popOldestPending()
	require.True(t, ok)
	assert.Equal(t, "call-2", callID)

	_, ok = tr.popOldestPending()
	assert.False(t, ok)
}
