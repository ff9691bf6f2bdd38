package serial

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"
)

// fakePort replays scripted reads. An empty chunk simulates the port read
// timeout elapsing, a nil script entry with an error simulates a device failure.
type fakePort struct {
	clock   *testingclock.FakeClock
	reads   []fakeRead
	timeout time.Duration
	closed  int
}

type fakeRead struct {
	data string
	err  error
}

func (p *fakePort) Read(b []byte) (int, error) {
	if len(p.reads) == 0 {
		p.clock.Step(p.timeout)
		return 0, nil
	}

	r := p.reads[0]
	if r.err != nil {
		return 0, r.err
	}

	n := copy(b, r.data)
	if n < len(r.data) {
		p.reads[0].data = r.data[n:]
	} else {
		p.reads = p.reads[1:]
	}
	if n == 0 {
		p.clock.Step(p.timeout)
	}
	return n, nil
}

func (p *fakePort) SetReadTimeout(t time.Duration) error {
	p.timeout = t
	return nil
}

func (p *fakePort) Close() error {
	p.closed++
	return nil
}

func newTestReader(t *testing.T, ports ...*fakePort) (*Reader, *testingclock.FakeClock) {
	t.Helper()

	clk := testingclock.NewFakeClock(time.Now())
	opened := 0
	open := func(path string, baudRate int) (Port, error) {
		if opened >= len(ports) {
			return nil, errors.New("no such device")
		}
		p := ports[opened]
		p.clock = clk
		opened++
		return p, nil
	}

	r := NewReader("/dev/ttyTEST0", DefaultBaudRate, WithOpenFunc(open), WithClock(clk))
	return r, clk
}

func TestReader_ReadLine(t *testing.T) {
	port := &fakePort{reads: []fakeRead{
		{data: "X: +1.081g | Y: -0.0"},
		{data: "82g | Z: -0.158g | Change: 316\r\nboot ok\n"},
		{data: "  padded line  \n"},
	}}
	r, _ := newTestReader(t, port)
	require.NoError(t, r.Open())

	line, err := r.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "X: +1.081g | Y: -0.082g | Z: -0.158g | Change: 316", line)

	line, err = r.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "boot ok", line)

	line, err = r.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "padded line", line)

	_, err = r.ReadLine()
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestReader_PartialLineSurvivesTimeout(t *testing.T) {
	port := &fakePort{reads: []fakeRead{
		{data: "X: +1.000g | "},
		{data: ""},
		{data: "Y: +2.000g | Z: +3.000g | Change: 1\n"},
	}}
	r, _ := newTestReader(t, port)
	require.NoError(t, r.Open())

	_, err := r.ReadLine()
	assert.ErrorIs(t, err, ErrTimeout)

	line, err := r.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "X: +1.000g | Y: +2.000g | Z: +3.000g | Change: 1", line)
}

func TestReader_DecodePolicy(t *testing.T) {
	port := &fakePort{reads: []fakeRead{{data: "X: +1\xff.0\n"}}}
	r, _ := newTestReader(t, port)
	require.NoError(t, r.Open())

	line, err := r.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "X: +1.0", line)

	assert.Equal(t, "a�b", DecodeReplace.Decode([]byte("a\xfe\xffb")))
	assert.Equal(t, "ab", DecodeDrop.Decode([]byte("a\xfe\xffb")))
	assert.Equal(t, "plain", DecodeReplace.Decode([]byte("plain")))
}

func TestReader_IOFailureAndReconnect(t *testing.T) {
	first := &fakePort{reads: []fakeRead{
		{data: "first\nhalf of a li"},
		{err: errors.New("device unplugged")},
	}}
	second := &fakePort{reads: []fakeRead{{data: "ne\nsecond\n"}}}
	r, _ := newTestReader(t, first, second)
	require.NoError(t, r.Open())

	line, err := r.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "first", line)

	_, err = r.ReadLine()
	assert.ErrorIs(t, err, ErrIO)

	require.NoError(t, r.Reconnect())
	assert.Equal(t, 1, first.closed)

	// the partial line from the first connection is gone
	line, err = r.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "ne", line)

	line, err = r.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "second", line)

	assert.Error(t, r.Reconnect(), "no more devices to open")
	assert.False(t, r.IsOpen())
}

func TestReader_OversizedLineDropped(t *testing.T) {
	big := make([]byte, maxLineLength+10)
	for i := range big {
		big[i] = 'a'
	}
	port := &fakePort{reads: []fakeRead{{data: string(big)}, {data: "tail\nnext\n"}}}
	r, _ := newTestReader(t, port)
	require.NoError(t, r.Open())

	line, err := r.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "tail", line)

	line, err = r.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "next", line)
}

func TestReader_NotOpen(t *testing.T) {
	r, _ := newTestReader(t)

	_, err := r.ReadLine()
	assert.ErrorIs(t, err, ErrIO)
	assert.ErrorIs(t, err, ErrNotOpen)
	assert.NoError(t, r.Close())
	assert.Error(t, r.Open())
}

func TestReader_CloseOnce(t *testing.T) {
	port := &fakePort{}
	r, _ := newTestReader(t, port)
	require.NoError(t, r.Open())

	assert.NoError(t, r.Close())
	assert.NoError(t, r.Close())
	assert.Equal(t, 1, port.closed)
}

func TestParseDecodePolicy(t *testing.T) {
	p, err := ParseDecodePolicy("")
	require.NoError(t, err)
	assert.Equal(t, DecodeDrop, p)

	p, err = ParseDecodePolicy("Replace")
	require.NoError(t, err)
	assert.Equal(t, DecodeReplace, p)

	_, err = ParseDecodePolicy("strict")
	assert.Error(t, err)
}
