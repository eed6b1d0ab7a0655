// SPDX-License-Identifier: GPL-3.0-only

package dock_test

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/openstreamdock/streamdock/dock"
	"github.com/openstreamdock/streamdock/transport"
	"github.com/openstreamdock/streamdock/transport/mocks"
)

const (
	testVID    uint16 = 0x0300
	testPID    uint16 = 0x1003
	testSerial        = "SN001"
)

// writeLog records every frame written to a mock device.
type writeLog struct {
	mu     sync.Mutex
	frames [][]byte
}

func (l *writeLog) record(data []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.frames = append(l.frames, append([]byte(nil), data...))
	return len(data), nil
}

func (l *writeLog) all() [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([][]byte(nil), l.frames...)
}

// opOf names the opcode of a command frame, or "PAGE" for image pages.
func opOf(frame []byte) string {
	if len(frame) > 9 && frame[0] == 0x00 && bytes.Equal(frame[1:4], []byte("CRT")) {
		return string(frame[6:9])
	}
	return "PAGE"
}

func opsOf(frames [][]byte) []string {
	ops := make([]string, len(frames))
	for i, f := range frames {
		ops[i] = opOf(f)
	}
	return ops
}

func newTestConnection(t *testing.T, caps dock.Capabilities) (*dock.Connection, *mocks.MockDevice) {
	t.Helper()

	ctrl := gomock.NewController(t)
	dev := mocks.NewMockDevice(ctrl)

	enumerator := func(vid, pid uint16) ([]transport.Info, error) {
		return []transport.Info{
			{VendorID: testVID, ProductID: testPID, Serial: testSerial},
		}, nil
	}
	opener := func(info transport.Info) (transport.Device, error) {
		return dev, nil
	}

	conn, err := dock.Connect(testVID, testPID, testSerial, caps,
		dock.WithEnumerator(enumerator), dock.WithOpener(opener))
	require.NoError(t, err)

	return conn, dev
}

func TestConnect_DeviceNotFound(t *testing.T) {
	enumerator := func(vid, pid uint16) ([]transport.Info, error) {
		return []transport.Info{
			{VendorID: testVID, ProductID: testPID, Serial: "OTHER"},
		}, nil
	}

	conn, err := dock.Connect(testVID, testPID, testSerial, dock.Capabilities{},
		dock.WithEnumerator(enumerator))
	assert.Nil(t, conn)
	assert.ErrorIs(t, err, dock.ErrDeviceNotFound)
}

func TestConnect_EnumerationFailure(t *testing.T) {
	enumerator := func(vid, pid uint16) ([]transport.Info, error) {
		return nil, errors.New("backend unavailable")
	}

	_, err := dock.Connect(testVID, testPID, testSerial, dock.Capabilities{},
		dock.WithEnumerator(enumerator))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backend unavailable")
}

func TestConnect_RejectsUnknownPacketSize(t *testing.T) {
	_, err := dock.Connect(testVID, testPID, testSerial, dock.Capabilities{PacketSize: 256})
	assert.ErrorIs(t, err, dock.ErrInvalidDevice)
}

func TestConnection_CapabilitySurface(t *testing.T) {
	conn, _ := newTestConnection(t, dock.Capabilities{
		KeyCount:       9,
		EncoderCount:   3,
		DualStateInput: true,
	})

	assert.Equal(t, 9, conn.KeyCount())
	assert.Equal(t, 3, conn.EncoderCount())
	assert.Equal(t, testSerial, conn.Serial())
	assert.True(t, conn.SupportsDualState())
}

func TestConnection_InitializeExactlyOnce_Sequential(t *testing.T) {
	conn, dev := newTestConnection(t, dock.Capabilities{KeyCount: 9})

	var log writeLog
	dev.EXPECT().Write(gomock.Any()).DoAndReturn(log.record).AnyTimes()

	for i := 0; i < 3; i++ {
		require.NoError(t, conn.KeepAlive())
	}

	assert.Equal(t, []string{"DIS", "LIG", "CON", "CON", "CON"}, opsOf(log.all()),
		"handshake must run exactly once, before the first command")
}

func TestConnection_InitializeExactlyOnce_Concurrent(t *testing.T) {
	conn, dev := newTestConnection(t, dock.Capabilities{KeyCount: 9})

	var log writeLog
	dev.EXPECT().Write(gomock.Any()).DoAndReturn(log.record).AnyTimes()

	const callers = 16
	var wg sync.WaitGroup
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func() {
			defer wg.Done()
			assert.NoError(t, conn.KeepAlive())
		}()
	}
	wg.Wait()

	frames := log.all()
	require.Len(t, frames, callers+2)
	assert.Equal(t, "DIS", opOf(frames[0]))
	assert.Equal(t, "LIG", opOf(frames[1]))

	handshakes := 0
	for _, f := range frames {
		if opOf(f) == "DIS" {
			handshakes++
		}
	}
	assert.Equal(t, 1, handshakes, "concurrent first callers must not repeat the handshake")
}

func TestConnection_SetBrightness_Clamps(t *testing.T) {
	tests := []struct {
		name     string
		percent  int
		expected byte
	}{
		{"in range", 42, 42},
		{"above range", 150, 100},
		{"below range", -5, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn, dev := newTestConnection(t, dock.Capabilities{KeyCount: 9})

			var log writeLog
			dev.EXPECT().Write(gomock.Any()).DoAndReturn(log.record).AnyTimes()

			require.NoError(t, conn.SetBrightness(tt.percent))

			frames := log.all()
			require.Equal(t, []string{"DIS", "LIG", "LIG"}, opsOf(frames))
			assert.Equal(t, tt.expected, frames[2][11], "brightness byte")
		})
	}
}

func TestConnection_Flush_Ordering(t *testing.T) {
	conn, dev := newTestConnection(t, dock.Capabilities{KeyCount: 9})

	var log writeLog
	dev.EXPECT().Write(gomock.Any()).DoAndReturn(log.record).AnyTimes()

	imageA := bytes.Repeat([]byte{0xAB}, 700) // two pages at 512
	imageB := bytes.Repeat([]byte{0xCD}, 10)  // one page

	require.NoError(t, conn.WriteImage(1, imageA))
	require.NoError(t, conn.WriteImage(2, imageB))
	require.NoError(t, conn.Flush())

	frames := log.all()
	require.Equal(t, []string{
		"DIS", "LIG",
		"BAT", "PAGE", "PAGE",
		"BAT", "PAGE",
		"STP",
	}, opsOf(frames))

	batA := frames[2]
	assert.Equal(t, byte(700>>8), batA[11])
	assert.Equal(t, byte(700&0xFF), batA[12])
	assert.Equal(t, byte(2), batA[13], "keys are 1-based on the wire")

	batB := frames[5]
	assert.Equal(t, byte(3), batB[13])

	// Page content round-trips.
	content := append(frames[3][1:], frames[4][1:]...)
	assert.Equal(t, imageA, content[:len(imageA)])

	// The cache is empty after a successful flush.
	before := len(log.all())
	require.NoError(t, conn.Flush())
	assert.Len(t, log.all(), before, "flushing an empty cache must not touch the device")
}

func TestConnection_Flush_DoesNotDeduplicate(t *testing.T) {
	conn, dev := newTestConnection(t, dock.Capabilities{KeyCount: 9})

	var log writeLog
	dev.EXPECT().Write(gomock.Any()).DoAndReturn(log.record).AnyTimes()

	require.NoError(t, conn.WriteImage(4, []byte{0x01}))
	require.NoError(t, conn.WriteImage(4, []byte{0x02}))
	require.NoError(t, conn.Flush())

	assert.Equal(t, []string{"DIS", "LIG", "BAT", "PAGE", "BAT", "PAGE", "STP"},
		opsOf(log.all()))
}

func TestConnection_Flush_FailureKeepsCache(t *testing.T) {
	conn, dev := newTestConnection(t, dock.Capabilities{KeyCount: 9})

	var log writeLog
	var failing bool
	var mu sync.Mutex

	dev.EXPECT().Write(gomock.Any()).DoAndReturn(func(data []byte) (int, error) {
		mu.Lock()
		fail := failing && opOf(data) == "BAT" && data[13] == 3 // second entry
		mu.Unlock()
		if fail {
			return 0, errors.New("transport broke")
		}
		return log.record(data)
	}).AnyTimes()

	require.NoError(t, conn.WriteImage(1, []byte{0x01}))
	require.NoError(t, conn.WriteImage(2, []byte{0x02}))

	mu.Lock()
	failing = true
	mu.Unlock()
	require.Error(t, conn.Flush())

	// Retrying resends the whole batch from scratch.
	mu.Lock()
	failing = false
	mu.Unlock()
	require.NoError(t, conn.Flush())

	assert.Equal(t, []string{
		"DIS", "LIG",
		"BAT", "PAGE", // first attempt stops at the failing second entry
		"BAT", "PAGE", "BAT", "PAGE", "STP", // retry
	}, opsOf(log.all()))
}

func TestConnection_WriteImage_InvalidKey(t *testing.T) {
	conn, _ := newTestConnection(t, dock.Capabilities{KeyCount: 9})

	assert.ErrorIs(t, conn.WriteImage(9, []byte{0x01}), dock.ErrInvalidKeyIndex)
	assert.ErrorIs(t, conn.ClearButtonImage(9), dock.ErrInvalidKeyIndex)
}

func TestConnection_ClearAllButtonImages(t *testing.T) {
	tests := []struct {
		name     string
		caps     dock.Capabilities
		expected []string
	}{
		{
			name:     "v1 clears without commit",
			caps:     dock.Capabilities{KeyCount: 18},
			expected: []string{"DIS", "LIG", "CLE"},
		},
		{
			name:     "v2 requires an explicit commit",
			caps:     dock.Capabilities{KeyCount: 9, ProtocolV2: true},
			expected: []string{"DIS", "LIG", "CLE", "STP"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn, dev := newTestConnection(t, tt.caps)

			var log writeLog
			dev.EXPECT().Write(gomock.Any()).DoAndReturn(log.record).AnyTimes()

			require.NoError(t, conn.ClearAllButtonImages())

			frames := log.all()
			require.Equal(t, tt.expected, opsOf(frames))
			assert.Equal(t, byte(0xFF), frames[2][12], "clear-all marker")
		})
	}
}

func TestConnection_Shutdown_Order(t *testing.T) {
	conn, dev := newTestConnection(t, dock.Capabilities{KeyCount: 9})

	var log writeLog
	dev.EXPECT().Write(gomock.Any()).DoAndReturn(log.record).AnyTimes()

	require.NoError(t, conn.Shutdown())

	frames := log.all()
	require.Equal(t, []string{"DIS", "LIG", "CLE", "HAN"}, opsOf(frames))
	assert.Equal(t, []byte{'D', 'C'}, frames[2][11:13], "DC payload precedes HAN")
}

func TestConnection_Reset(t *testing.T) {
	conn, dev := newTestConnection(t, dock.Capabilities{KeyCount: 9, ProtocolV2: true})

	var log writeLog
	dev.EXPECT().Write(gomock.Any()).DoAndReturn(log.record).AnyTimes()

	require.NoError(t, conn.Reset())

	frames := log.all()
	require.Equal(t, []string{"DIS", "LIG", "LIG", "CLE", "STP"}, opsOf(frames))
	assert.Equal(t, byte(100), frames[2][11], "reset restores full brightness")
}

func TestConnection_Close(t *testing.T) {
	conn, dev := newTestConnection(t, dock.Capabilities{KeyCount: 9})

	dev.EXPECT().Close().Return(nil).Times(1)

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close(), "closing twice is a no-op")

	assert.ErrorIs(t, conn.KeepAlive(), dock.ErrConnectionClosed)
}

// pulseClassifier ignores the report bytes and replays scripted samples.
type pulseClassifier struct {
	mu      sync.Mutex
	samples []dock.Input
}

func (p *pulseClassifier) Classify(index, state byte) (dock.Input, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.samples) == 0 {
		return dock.NoData(), nil
	}
	next := p.samples[0]
	p.samples = p.samples[1:]
	return next, nil
}

// queueReads makes the mock device return the given reports in order.
func queueReads(dev *mocks.MockDevice, reports ...[]byte) {
	var mu sync.Mutex
	queue := append([][]byte(nil), reports...)

	dev.EXPECT().Read(gomock.Any()).DoAndReturn(func(buf []byte) (int, error) {
		mu.Lock()
		defer mu.Unlock()
		if len(queue) == 0 {
			return 0, errors.New("no more reports")
		}
		n := copy(buf, queue[0])
		queue = queue[1:]
		return n, nil
	}).Times(len(reports))
}

// inputReport builds a raw report with the given index and state bytes.
func inputReport(index, state byte) []byte {
	report := make([]byte, 512)
	report[0] = 0x01
	report[9] = index
	report[10] = state
	return report
}

func TestConnection_ReadInput_Heartbeat(t *testing.T) {
	conn, dev := newTestConnection(t, dock.Capabilities{KeyCount: 9})
	dev.EXPECT().Write(gomock.Any()).DoAndReturn((&writeLog{}).record).AnyTimes()

	queueReads(dev, make([]byte, 512)) // leading zero byte

	input, err := conn.ReadInput(0, dock.ClassifierFunc(func(index, state byte) (dock.Input, error) {
		t.Fatal("heartbeats must not reach the classifier")
		return dock.Input{}, nil
	}))
	require.NoError(t, err)
	assert.Equal(t, dock.InputNone, input.Kind)
}

func TestConnection_ReadInput_Timeout(t *testing.T) {
	conn, dev := newTestConnection(t, dock.Capabilities{KeyCount: 9})
	dev.EXPECT().Write(gomock.Any()).DoAndReturn((&writeLog{}).record).AnyTimes()

	release := make(chan struct{})
	dev.EXPECT().Read(gomock.Any()).DoAndReturn(func(buf []byte) (int, error) {
		<-release
		n := copy(buf, inputReport(1, 1))
		return n, nil
	}).Times(1)

	classifier := dock.ClassifierFunc(func(index, state byte) (dock.Input, error) {
		return dock.ButtonStates([]bool{state != 0}), nil
	})

	input, err := conn.ReadInput(20*time.Millisecond, classifier)
	require.NoError(t, err)
	assert.Equal(t, dock.InputNone, input.Kind, "an elapsed timeout is NoData, not an error")

	// The read that timed out stays pending; its report is handed to the
	// next caller without touching the transport again.
	close(release)
	input, err = conn.ReadInput(time.Second, classifier)
	require.NoError(t, err)
	assert.Equal(t, dock.InputButtons, input.Kind)
}

func TestConnection_ReadInput_StateByte(t *testing.T) {
	tests := []struct {
		name          string
		dualState     bool
		reportState   byte
		classifiedAs  byte
		expectedIndex byte
	}{
		{"dual-state devices pass the raw state byte", true, 0x00, 0x00, 7},
		{"pulse devices force a pressed state", false, 0x00, 0x01, 7},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn, dev := newTestConnection(t, dock.Capabilities{
				KeyCount:       9,
				DualStateInput: tt.dualState,
			})
			dev.EXPECT().Write(gomock.Any()).DoAndReturn((&writeLog{}).record).AnyTimes()
			queueReads(dev, inputReport(tt.expectedIndex, tt.reportState))

			var gotIndex, gotState byte
			_, err := conn.ReadInput(0, dock.ClassifierFunc(func(index, state byte) (dock.Input, error) {
				gotIndex, gotState = index, state
				return dock.NoData(), nil
			}))
			require.NoError(t, err)
			assert.Equal(t, tt.expectedIndex, gotIndex)
			assert.Equal(t, tt.classifiedAs, gotState)
		})
	}
}

func TestStateReader_DualStateDiff(t *testing.T) {
	conn, dev := newTestConnection(t, dock.Capabilities{KeyCount: 3, DualStateInput: true})
	dev.EXPECT().Write(gomock.Any()).DoAndReturn((&writeLog{}).record).AnyTimes()
	queueReads(dev, inputReport(1, 1), inputReport(2, 1))

	reader := conn.Reader(&pulseClassifier{samples: []dock.Input{
		dock.ButtonStates([]bool{false, false, true}),
		dock.ButtonStates([]bool{false, true, true}),
	}})

	updates, err := reader.Read(0)
	require.NoError(t, err)
	assert.Equal(t, []dock.Update{{Kind: dock.ButtonDown, Index: 2}}, updates)

	updates, err = reader.Read(0)
	require.NoError(t, err)
	assert.Equal(t, []dock.Update{{Kind: dock.ButtonDown, Index: 1}}, updates)
}

func TestStateReader_SingleStateSynthesizesClick(t *testing.T) {
	conn, dev := newTestConnection(t, dock.Capabilities{KeyCount: 3})
	dev.EXPECT().Write(gomock.Any()).DoAndReturn((&writeLog{}).record).AnyTimes()
	queueReads(dev, inputReport(2, 1), inputReport(2, 1))

	reader := conn.Reader(&pulseClassifier{samples: []dock.Input{
		dock.ButtonStates([]bool{false, true, false}),
		dock.ButtonStates([]bool{false, true, false}),
	}})

	// Every report with the bit set synthesizes a click, held or not.
	for i := 0; i < 2; i++ {
		updates, err := reader.Read(0)
		require.NoError(t, err)
		assert.Equal(t, []dock.Update{
			{Kind: dock.ButtonDown, Index: 1},
			{Kind: dock.ButtonUp, Index: 1},
		}, updates)
	}
}

func TestStateReader_Twist(t *testing.T) {
	conn, dev := newTestConnection(t, dock.Capabilities{KeyCount: 3, EncoderCount: 4, DualStateInput: true})
	dev.EXPECT().Write(gomock.Any()).DoAndReturn((&writeLog{}).record).AnyTimes()
	queueReads(dev, inputReport(0x50, 1), inputReport(0x30, 1))

	reader := conn.Reader(&pulseClassifier{samples: []dock.Input{
		dock.EncoderTwists([]int8{0, 3, 0, -1}),
		dock.EncoderStates([]bool{true, false, false, false}),
	}})

	updates, err := reader.Read(0)
	require.NoError(t, err)
	assert.Equal(t, []dock.Update{
		{Kind: dock.EncoderTwist, Index: 1, Delta: 3},
		{Kind: dock.EncoderTwist, Index: 3, Delta: -1},
	}, updates)

	// Twists must not have touched the encoder snapshot.
	updates, err = reader.Read(0)
	require.NoError(t, err)
	assert.Equal(t, []dock.Update{{Kind: dock.EncoderDown, Index: 0}}, updates)
}

func TestStateReader_NoDataEmitsNothing(t *testing.T) {
	conn, dev := newTestConnection(t, dock.Capabilities{KeyCount: 3})
	dev.EXPECT().Write(gomock.Any()).DoAndReturn((&writeLog{}).record).AnyTimes()
	queueReads(dev, make([]byte, 512))

	reader := conn.Reader(&pulseClassifier{})

	updates, err := reader.Read(0)
	require.NoError(t, err)
	assert.Empty(t, updates)
}

func TestStateReader_PropagatesClassifierError(t *testing.T) {
	conn, dev := newTestConnection(t, dock.Capabilities{KeyCount: 3})
	dev.EXPECT().Write(gomock.Any()).DoAndReturn((&writeLog{}).record).AnyTimes()
	queueReads(dev, inputReport(0xEE, 1))

	reader := conn.Reader(dock.ClassifierFunc(func(index, state byte) (dock.Input, error) {
		return dock.Input{}, dock.ErrBadData
	}))

	_, err := reader.Read(0)
	assert.ErrorIs(t, err, dock.ErrBadData)
}
