// SPDX-License-Identifier: GPL-3.0-only

package dock

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFramer_CommandLayout(t *testing.T) {
	f := framer{packetSize: 512}

	tests := []struct {
		name   string
		frame  []byte
		prefix []byte
	}{
		{
			name:   "reset handshake",
			frame:  f.command(opReset),
			prefix: []byte{0x00, 'C', 'R', 'T', 0x00, 0x00, 'D', 'I', 'S'},
		},
		{
			name:   "zeroed brightness handshake",
			frame:  f.handshake()[1],
			prefix: []byte{0x00, 'C', 'R', 'T', 0x00, 0x00, 'L', 'I', 'G', 0x00, 0x00, 0x00, 0x00},
		},
		{
			name:   "brightness",
			frame:  f.brightness(42),
			prefix: []byte{0x00, 'C', 'R', 'T', 0x00, 0x00, 'L', 'I', 'G', 0x00, 0x00, 42},
		},
		{
			name:   "image batch announces big-endian length and 1-based key",
			frame:  f.imageBatch(2, 0x1234),
			prefix: []byte{0x00, 'C', 'R', 'T', 0x00, 0x00, 'B', 'A', 'T', 0x00, 0x00, 0x12, 0x34, 3},
		},
		{
			name:   "clear single key is 1-based",
			frame:  f.clear(5),
			prefix: []byte{0x00, 'C', 'R', 'T', 0x00, 0x00, 'C', 'L', 'E', 0x00, 0x00, 0x00, 6},
		},
		{
			name:   "clear all keys keeps the 0xFF marker",
			frame:  f.clear(clearAllKeys),
			prefix: []byte{0x00, 'C', 'R', 'T', 0x00, 0x00, 'C', 'L', 'E', 0x00, 0x00, 0x00, 0xFF},
		},
		{
			name:   "commit",
			frame:  f.commit(),
			prefix: []byte{0x00, 'C', 'R', 'T', 0x00, 0x00, 'S', 'T', 'P'},
		},
		{
			name:   "sleep",
			frame:  f.sleep(),
			prefix: []byte{0x00, 'C', 'R', 'T', 0x00, 0x00, 'H', 'A', 'N'},
		},
		{
			name:   "keep-alive",
			frame:  f.keepAlive(),
			prefix: []byte{0x00, 'C', 'R', 'T', 0x00, 0x00, 'C', 'O', 'N', 'N', 'E', 'C', 'T'},
		},
		{
			name:   "disconnect rides the CLE opcode",
			frame:  f.disconnect(),
			prefix: []byte{0x00, 'C', 'R', 'T', 0x00, 0x00, 'C', 'L', 'E', 0x00, 0x00, 'D', 'C'},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Len(t, tt.frame, 513, "frames are padded to packet size + report ID")
			assert.Equal(t, tt.prefix, tt.frame[:len(tt.prefix)])
			assert.Equal(t, make([]byte, len(tt.frame)-len(tt.prefix)), tt.frame[len(tt.prefix):],
				"everything after the payload must be zero padding")
		})
	}
}

func TestFramer_FrameLengthFollowsPacketSize(t *testing.T) {
	assert.Len(t, framer{packetSize: 512}.command(opReset), 513)
	assert.Len(t, framer{packetSize: 1024}.command(opReset), 1025)
}

func TestFramer_Pages_RoundTrip(t *testing.T) {
	tests := []struct {
		name       string
		packetSize int
		payloadLen int
		wantPages  int
	}{
		{"empty payload has no pages", 512, 0, 0},
		{"single short page", 512, 10, 1},
		{"exactly one page", 512, 512, 1},
		{"one byte over a page", 512, 513, 2},
		{"several pages", 512, 2000, 4},
		{"v2 packet size", 1024, 3000, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload := make([]byte, tt.payloadLen)
			for i := range payload {
				payload[i] = byte(i % 251)
			}

			f := framer{packetSize: tt.packetSize}
			pages := f.pages(payload)
			require.Len(t, pages, tt.wantPages)

			var content []byte
			for _, page := range pages {
				require.Len(t, page, tt.packetSize+1)
				require.Equal(t, byte(0x00), page[0], "page header byte")
				content = append(content, page[1:]...)
			}

			if tt.payloadLen > 0 {
				assert.True(t, bytes.Equal(payload, content[:tt.payloadLen]),
					"concatenated page content must reproduce the payload")
				assert.Equal(t, make([]byte, len(content)-tt.payloadLen), content[tt.payloadLen:],
					"trailing page bytes must be zero padding")
			}
		})
	}
}
