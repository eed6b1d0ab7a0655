// SPDX-License-Identifier: GPL-3.0-only

package dock

// Command frame layout: a zero report-ID byte, the ASCII magic "CRT",
// two zero bytes, a short ASCII opcode and opcode-specific parameters,
// zero-padded to the negotiated packet size plus the report-ID byte.
const (
	reportID   byte = 0x00
	frameMagic      = "CRT"

	opReset      = "DIS"     // handshake part 1
	opBrightness = "LIG"     // handshake part 2 / set brightness
	opImageBatch = "BAT"     // announce incoming image for a key
	opClear      = "CLE"     // clear one key or all keys
	opCommit     = "STP"     // commit an image batch
	opSleep      = "HAN"     // sleep / second half of shutdown
	opKeepAlive  = "CONNECT" // keep-alive heartbeat
)

// clearAllKeys addresses every key at once in a CLE frame.
const clearAllKeys byte = 0xFF

// framer builds protocol frames for a fixed packet size.
type framer struct {
	packetSize int
}

// frameLen is the full report length: packet size plus the report-ID byte.
func (f framer) frameLen() int {
	return f.packetSize + 1
}

// command builds one zero-padded command frame.
func (f framer) command(op string, params ...byte) []byte {
	buf := make([]byte, f.frameLen())
	buf[0] = reportID
	n := 1
	n += copy(buf[n:], frameMagic)
	n += 2 // two zero bytes between magic and opcode
	n += copy(buf[n:], op)
	copy(buf[n:], params)
	return buf
}

// handshake returns the two frames sent during device initialization:
// a DIS reset followed by a zeroed LIG frame.
func (f framer) handshake() [][]byte {
	return [][]byte{
		f.command(opReset),
		f.command(opBrightness, 0x00, 0x00, 0x00, 0x00),
	}
}

// brightness builds a LIG frame for a percentage already clamped to [0,100].
func (f framer) brightness(percent byte) []byte {
	return f.command(opBrightness, 0x00, 0x00, percent)
}

// imageBatch announces an incoming image of the given length for a key.
// Keys are 1-based on the wire.
func (f framer) imageBatch(key byte, length int) []byte {
	return f.command(opImageBatch, 0x00, 0x00, byte(length>>8), byte(length), key+1)
}

// clear blanks a single key, or every key when given clearAllKeys.
func (f framer) clear(key byte) []byte {
	wire := key + 1
	if key == clearAllKeys {
		wire = clearAllKeys
	}
	return f.command(opClear, 0x00, 0x00, 0x00, wire)
}

// commit builds the STP frame committing a pending batch.
func (f framer) commit() []byte {
	return f.command(opCommit)
}

// sleep builds the HAN frame.
func (f framer) sleep() []byte {
	return f.command(opSleep)
}

// keepAlive builds the CONNECT heartbeat frame.
func (f framer) keepAlive() []byte {
	return f.command(opKeepAlive)
}

// disconnect builds the first half of the shutdown sequence. The device
// expects it framed under the CLE opcode with an ASCII "DC" payload.
func (f framer) disconnect() []byte {
	return f.command(opClear, 0x00, 0x00, 'D', 'C')
}

// pages splits an image payload into ordered fixed-size report pages.
// Each page carries a single zero header byte followed by packetSize
// content bytes; the last page is zero-padded to the full report length.
func (f framer) pages(payload []byte) [][]byte {
	perPage := f.frameLen() - 1

	var out [][]byte
	for sent := 0; sent < len(payload); sent += perPage {
		page := make([]byte, f.frameLen())
		page[0] = reportID
		end := sent + perPage
		if end > len(payload) {
			end = len(payload)
		}
		copy(page[1:], payload[sent:end])
		out = append(out, page)
	}

	return out
}
