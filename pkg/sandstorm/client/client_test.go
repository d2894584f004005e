package client

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/sirocco/pkg/sandstorm"
	"github.com/marmos91/sirocco/pkg/wire"
)

// scriptedServer accepts the handshake and then runs a script against the
// raw stream.
func scriptedServer(t *testing.T, script func(t *testing.T, conn net.Conn, br *bufio.Reader)) net.Conn {
	t.Helper()
	clientEnd, serverEnd := net.Pipe()

	go func() {
		defer serverEnd.Close()
		br := bufio.NewReader(serverEnd)

		// Handshake: version, username, password.
		ver, err := br.ReadByte()
		if err != nil || ver != sandstorm.Version {
			return
		}
		if _, err := sandstorm.ReadHandshakeCredentials(br); err != nil {
			return
		}
		if _, err := serverEnd.Write([]byte{byte(sandstorm.HandshakeOk)}); err != nil {
			return
		}

		script(t, serverEnd, br)
	}()

	return clientEnd
}

func waitErr(t *testing.T, c *Client) error {
	t.Helper()
	select {
	case <-c.Done():
		return c.Err()
	case <-time.After(2 * time.Second):
		t.Fatal("client reader did not terminate")
		return nil
	}
}

func TestGracefulShutdownEOF(t *testing.T) {
	conn := scriptedServer(t, func(t *testing.T, conn net.Conn, br *bufio.Reader) {
		// Read the Shutdown request, then close without answering it: a
		// server may shut the stream before replying.
		cmd, err := sandstorm.ReadCommandType(br)
		require.NoError(t, err)
		require.Equal(t, sandstorm.CmdShutdown, cmd)
	})

	c, err := New(conn, "admin", "admin")
	require.NoError(t, err)

	require.NoError(t, c.ShutdownFn(func() {}))
	require.NoError(t, c.Flush())

	assert.NoError(t, waitErr(t, c))
}

func TestGracefulShutdownWithUnansweredNonShutdownRequest(t *testing.T) {
	conn := scriptedServer(t, func(t *testing.T, conn net.Conn, br *bufio.Reader) {
		// Read both requests, answer neither.
		_, _ = sandstorm.ReadCommandType(br)
		_, _ = sandstorm.ReadCommandType(br)
	})

	c, err := New(conn, "admin", "admin")
	require.NoError(t, err)

	require.NoError(t, c.ShutdownFn(func() {}))
	require.NoError(t, c.MeowFn(func() {}))
	require.NoError(t, c.Flush())

	err = waitErr(t, c)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestAbruptCloseIsConnectionReset(t *testing.T) {
	conn := scriptedServer(t, func(t *testing.T, conn net.Conn, br *bufio.Reader) {
		// Close immediately after the handshake.
	})

	c, err := New(conn, "admin", "admin")
	require.NoError(t, err)

	err = waitErr(t, c)
	require.Error(t, err)
	assert.Equal(t, wire.KindConnectionReset, wire.KindOf(err))
}

func TestUnexpectedResponseIsProtocolViolation(t *testing.T) {
	conn := scriptedServer(t, func(t *testing.T, conn net.Conn, br *bufio.Reader) {
		// A Meow response nobody asked for.
		var buf bytes.Buffer
		require.NoError(t, sandstorm.CmdMeow.Encode(&buf))
		buf.Write(sandstorm.MeowPayload[:])
		_, err := conn.Write(buf.Bytes())
		require.NoError(t, err)

		// Give the client a moment to observe it before EOF.
		time.Sleep(50 * time.Millisecond)
	})

	c, err := New(conn, "admin", "admin")
	require.NoError(t, err)

	err = waitErr(t, c)
	assert.ErrorIs(t, err, wire.ErrInvalidData)
}

func TestResponsesDispatchInRequestOrder(t *testing.T) {
	conn := scriptedServer(t, func(t *testing.T, conn net.Conn, br *bufio.Reader) {
		// Two GetBufferSize requests; answer with distinct values.
		for _, size := range []uint32{100, 200} {
			cmd, err := sandstorm.ReadCommandType(br)
			require.NoError(t, err)
			require.Equal(t, sandstorm.CmdGetBufferSize, cmd)

			var buf bytes.Buffer
			require.NoError(t, cmd.Encode(&buf))
			require.NoError(t, wire.WriteU32(&buf, size))
			_, err = conn.Write(buf.Bytes())
			require.NoError(t, err)
		}
	})

	c, err := New(conn, "admin", "admin")
	require.NoError(t, err)
	defer c.Close()

	results := make(chan uint32, 2)
	require.NoError(t, c.GetBufferSizeFn(func(size uint32) { results <- size }))
	require.NoError(t, c.GetBufferSizeFn(func(size uint32) { results <- size }))
	require.NoError(t, c.Flush())

	assert.Equal(t, uint32(100), <-results)
	assert.Equal(t, uint32(200), <-results)
}

func TestHandshakeRejection(t *testing.T) {
	clientEnd, serverEnd := net.Pipe()
	go func() {
		defer serverEnd.Close()
		br := bufio.NewReader(serverEnd)
		_, _ = br.ReadByte()
		_, _ = sandstorm.ReadHandshakeCredentials(br)
		_, _ = serverEnd.Write([]byte{byte(sandstorm.HandshakePermissionDenied)})
	}()

	_, err := New(clientEnd, "carlos", "pass")
	var hsErr *HandshakeError
	require.True(t, errors.As(err, &hsErr))
	assert.Equal(t, sandstorm.HandshakePermissionDenied, hsErr.Status)
	clientEnd.Close()
}
