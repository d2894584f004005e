package wire

import (
	"bytes"
	"io"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddrPortRoundTrip(t *testing.T) {
	cases := []string{
		"0.0.0.0:0",
		"127.0.0.1:1080",
		"255.255.255.255:65535",
		"[::]:0",
		"[::1]:2222",
		"[2001:db8::1]:443",
		"[fe80::1%2]:8080", // numeric zone maps to the scope id
	}
	for _, s := range cases {
		ap := netip.MustParseAddrPort(s)

		var buf bytes.Buffer
		require.NoError(t, WriteAddrPort(&buf, ap))
		got, err := ReadAddrPort(&buf)
		require.NoError(t, err)
		assert.Equal(t, ap, got, "address %s", s)
	}
}

func TestAddrPortLayout(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteAddrPort(&buf, netip.MustParseAddrPort("1.2.3.4:80")))
	assert.Equal(t, []byte{4, 1, 2, 3, 4, 0x00, 0x50}, buf.Bytes())

	buf.Reset()
	require.NoError(t, WriteAddrPort(&buf, netip.MustParseAddrPort("[::1]:257")))
	expected := append([]byte{6}, make([]byte, 15)...)
	expected = append(expected, 1)                // ::1
	expected = append(expected, 0x01, 0x01)       // port 257
	expected = append(expected, 0, 0, 0, 0)       // flowinfo
	expected = append(expected, 0, 0, 0, 0)       // scope id
	assert.Equal(t, expected, buf.Bytes())
}

func TestAddrPortRejectsUnknownTag(t *testing.T) {
	_, err := ReadAddrPort(bytes.NewReader([]byte{5, 0, 0, 0, 0, 0, 0}))
	assert.ErrorIs(t, err, ErrInvalidData)
}

func TestAddrPortTruncated(t *testing.T) {
	var full bytes.Buffer
	require.NoError(t, WriteAddrPort(&full, netip.MustParseAddrPort("[::1]:80")))

	for n := 1; n < full.Len(); n++ {
		_, err := ReadAddrPort(bytes.NewReader(full.Bytes()[:n]))
		assert.ErrorIs(t, err, io.ErrUnexpectedEOF, "prefix of %d bytes", n)
	}
}

func TestErrKindRoundTrip(t *testing.T) {
	kinds := []ErrKind{
		KindNotFound, KindPermissionDenied, KindConnectionRefused,
		KindConnectionReset, KindConnectionAborted, KindNotConnected,
		KindAddrInUse, KindAddrNotAvailable, KindBrokenPipe,
		KindAlreadyExists, KindWouldBlock, KindInvalidInput,
		KindInvalidData, KindTimedOut, KindWriteZero, KindInterrupted,
		KindUnsupported, KindUnexpectedEof, KindOutOfMemory, KindOther,
	}
	for _, k := range kinds {
		var buf bytes.Buffer
		require.NoError(t, k.Encode(&buf))
		got, err := ReadErrKind(&buf)
		require.NoError(t, err)
		assert.Equal(t, k, got, "kind %d", k)
	}
}

func TestErrKindUnknownDecodesToOther(t *testing.T) {
	for _, b := range []byte{0, 21, 100, 255} {
		got, err := ReadErrKind(bytes.NewReader([]byte{b}))
		require.NoError(t, err)
		assert.Equal(t, KindOther, got, "byte %d", b)
	}
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindUnexpectedEof, KindOf(io.ErrUnexpectedEOF))
	assert.Equal(t, KindUnexpectedEof, KindOf(io.EOF))
	assert.Equal(t, KindInvalidData, KindOf(ErrInvalidData))
	assert.Equal(t, KindConnectionRefused, KindOf(KindConnectionRefused))
	assert.Equal(t, KindOther, KindOf(assert.AnError))
}
