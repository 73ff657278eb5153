package proto

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func translateAll(t *testing.T, src string) string {
	t.Helper()
	out, err := io.ReadAll(NewNetasciiReader(strings.NewReader(src)))
	require.NoError(t, err)
	return string(out)
}

func TestNetasciiReaderExpandsLF(t *testing.T) {
	cases := []struct{ in, want string }{
		{"", ""},
		{"no newline", "no newline"},
		{"a\nb\n", "a\r\nb\r\n"},
		{"\n", "\r\n"},
		{"already\r\nthere\r\n", "already\r\nthere\r\n"},
		{"mixed\nand\r\nboth\n", "mixed\r\nand\r\nboth\r\n"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, translateAll(t, tc.in), "input %q", tc.in)
	}
}

// A CR that ends one read must suppress the expansion of an LF that begins the
// next, no matter how the source splits.
func TestNetasciiReaderStateAcrossReads(t *testing.T) {
	src := strings.Repeat("line\r\n", 100)
	nr := NewNetasciiReader(iotest1ByteReader{strings.NewReader(src)})
	out, err := io.ReadAll(nr)
	require.NoError(t, err)
	assert.Equal(t, src, string(out))
}

type iotest1ByteReader struct{ r io.Reader }

func (o iotest1ByteReader) Read(p []byte) (int, error) {
	if len(p) > 1 {
		p = p[:1]
	}
	return o.r.Read(p)
}

func TestNetasciiWriterCollapsesCRLF(t *testing.T) {
	cases := []struct{ in, want string }{
		{"", ""},
		{"plain", "plain"},
		{"a\r\nb\r\n", "a\nb\n"},
		{"lone\rcr", "lonecr"},
		{"\r\r\n", "\n"},
		{"bare lf kept\n", "bare lf kept\n"},
	}
	for _, tc := range cases {
		var buf bytes.Buffer
		nw := NewNetasciiWriter(&buf)
		_, err := nw.Write([]byte(tc.in))
		require.NoError(t, err)
		require.NoError(t, nw.Flush())
		assert.Equal(t, tc.want, buf.String(), "input %q", tc.in)
	}
}

func TestNetasciiWriterCRSplitAcrossBlocks(t *testing.T) {
	var buf bytes.Buffer
	nw := NewNetasciiWriter(&buf)
	_, err := nw.Write([]byte("first\r"))
	require.NoError(t, err)
	_, err = nw.Write([]byte("\nsecond"))
	require.NoError(t, err)
	require.NoError(t, nw.Flush())
	assert.Equal(t, "first\nsecond", buf.String())
}

// Send-translation followed by receive-translation is the identity for ASCII
// content with LF newlines.
func TestNetasciiRoundTripIdentity(t *testing.T) {
	src := "#!/bin/sh\necho hello\n\nexit 0\n"
	wire := translateAll(t, src)

	var buf bytes.Buffer
	nw := NewNetasciiWriter(&buf)
	for i := 0; i < len(wire); i += 3 {
		end := i + 3
		if end > len(wire) {
			end = len(wire)
		}
		_, err := nw.Write([]byte(wire[i:end]))
		require.NoError(t, err)
	}
	require.NoError(t, nw.Flush())
	assert.Equal(t, src, buf.String())
}
