package transport

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPipeConnection(t *testing.T) (*Connection, net.Conn, chan Event) {
	t.Helper()
	server, client := net.Pipe()
	events := make(chan Event, 8)
	c := NewConnection(server, events, nil)
	c.Start()
	t.Cleanup(func() {
		_ = c.Close()
		_ = client.Close()
	})
	return c, client, events
}

func waitEvent(t *testing.T, c *Connection, events chan Event) Event {
	t.Helper()
	select {
	case ev := <-events:
		require.Same(t, c, ev.Conn)
		c.Deliver(ev)
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for connection event")
	}
	return Event{}
}

func TestReadLineAcrossDeliveries(t *testing.T) {
	c, client, events := newPipeConnection(t)

	go func() {
		_, _ = client.Write([]byte("a1 NO"))
		_, _ = client.Write([]byte("OP\r\na2 LOG"))
	}()

	c.Poll()
	waitEvent(t, c, events)
	n, err := c.Read()
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	_, ok := c.ReadLine()
	assert.False(t, ok, "partial line must not be returned")

	c.Poll()
	waitEvent(t, c, events)
	_, err = c.Read()
	require.NoError(t, err)

	line, ok := c.ReadLine()
	require.True(t, ok)
	assert.Equal(t, "a1 NOOP", string(line))
	assert.Equal(t, 6, c.Buffered())
	assert.Equal(t, uint64(15), c.BytesIn)
}

func TestReadWouldBlock(t *testing.T) {
	c, _, _ := newPipeConnection(t)

	_, err := c.Read()
	assert.ErrorIs(t, err, ErrWouldBlock)
	assert.NotZero(t, c.State()&StateAgain)
}

func TestReadBufferCompaction(t *testing.T) {
	c, client, events := newPipeConnection(t)

	go func() { _, _ = client.Write([]byte("one\r\ntwo\r\n")) }()

	c.Poll()
	waitEvent(t, c, events)
	_, err := c.Read()
	require.NoError(t, err)

	_, ok := c.ReadLine()
	require.True(t, ok)
	assert.NotZero(t, c.roff)

	_, ok = c.ReadLine()
	require.True(t, ok)
	assert.Equal(t, 0, c.roff)
	assert.Len(t, c.rbuf, 0)
}

func TestReadNIgnoresLineBreaks(t *testing.T) {
	c, client, events := newPipeConnection(t)

	go func() { _, _ = client.Write([]byte("ab\r\ncd\r\n")) }()

	c.Poll()
	waitEvent(t, c, events)
	_, err := c.Read()
	require.NoError(t, err)

	assert.Equal(t, "ab\r\nc", string(c.ReadN(5)))
	assert.Equal(t, "d\r\n", string(c.ReadN(100)))
	assert.Nil(t, c.ReadN(1))
}

func TestCorkedConnectionIsNotArmed(t *testing.T) {
	c, client, events := newPipeConnection(t)

	c.Cork()
	c.Poll()
	go func() { _, _ = client.Write([]byte("x\r\n")) }()

	select {
	case <-events:
		t.Fatal("corked connection must not deliver input")
	case <-time.After(50 * time.Millisecond):
	}

	c.Uncork()
	waitEvent(t, c, events)
	_, err := c.Read()
	require.NoError(t, err)
	line, ok := c.ReadLine()
	require.True(t, ok)
	assert.Equal(t, "x", string(line))
}

func TestWriteIsFlushedByPoller(t *testing.T) {
	c, client, events := newPipeConnection(t)

	got := make(chan string, 1)
	go func() {
		buf := make([]byte, 64)
		n, _ := io.ReadAtLeast(client, buf, len("* OK ready\r\n"))
		got <- string(buf[:n])
	}()

	assert.Equal(t, WriteSent, c.WriteString("* OK ready\r\n"))
	assert.False(t, c.Drained())
	assert.Equal(t, WriteBlocked, c.WriteString("x"))

	ev := waitEvent(t, c, events)
	assert.Equal(t, EventWritten, ev.Kind)
	assert.Equal(t, "* OK ready\r\n", <-got)

	go func() {
		buf := make([]byte, 1)
		_, _ = client.Read(buf)
	}()
	waitEvent(t, c, events)
	assert.True(t, c.Drained())
	assert.Equal(t, uint64(13), c.BytesOut)
}

func TestPeerCloseSetsEOF(t *testing.T) {
	c, client, events := newPipeConnection(t)

	c.Poll()
	require.NoError(t, client.Close())
	waitEvent(t, c, events)

	_, err := c.Read()
	assert.ErrorIs(t, err, io.EOF)
	assert.NotZero(t, c.State()&StateEOF)
	assert.False(t, c.Alive())
}

func TestWriteFailureSetsErrAndClearsBuffers(t *testing.T) {
	c, client, events := newPipeConnection(t)

	require.NoError(t, client.Close())
	c.WriteString("* BYE\r\n")
	waitEvent(t, c, events)

	assert.NotZero(t, c.State()&StateErr)
	assert.Error(t, c.Err())
	assert.Equal(t, 0, c.Pending())
	assert.Equal(t, WriteError, c.WriteString("more"))
}

func TestCloseAfterFlush(t *testing.T) {
	c, client, events := newPipeConnection(t)

	go func() {
		buf := make([]byte, 64)
		_, _ = client.Read(buf)
	}()
	c.WriteString("* BYE\r\n")
	c.CloseAfterFlush()
	assert.True(t, c.Alive())

	waitEvent(t, c, events)
	assert.False(t, c.Alive())
	assert.False(t, c.Deliver(Event{Conn: c, Kind: EventReadable}))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "OK", StateOK.String())
	assert.Equal(t, "AGAIN|EOF", (StateAgain | StateEOF).String())
}
