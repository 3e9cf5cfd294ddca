package relay

import (
	"encoding/binary"
	"errors"
	"io"
	"net"
	"os"
)

// Frame tags. A frame on the wire is the tag byte followed by the raw
// payload; there is no length field, so each Read is assumed to carry
// exactly one frame. The remote relay server depends on this layout.
const (
	TagATR  byte = 1
	TagAPDU byte = 2
)

const (
	handshakeDelimiter = '$'
	flagSize           = 4
	readBufferSize     = 64 * 1024
)

var errPeerClosed = errors.New("relay: peer closed connection")

func tagName(tag byte) string {
	switch tag {
	case TagATR:
		return "atr"
	case TagAPDU:
		return "apdu"
	default:
		return "unknown"
	}
}

func handshake(icc string) []byte {
	b := make([]byte, 0, len(icc)+1)
	b = append(b, handshakeDelimiter)
	return append(b, icc...)
}

// writeFrame sends tag and payload in a single write.
func writeFrame(w io.Writer, tag byte, payload []byte) error {
	b := make([]byte, len(payload)+1)
	b[0] = tag
	copy(b[1:], payload)
	_, err := w.Write(b)
	return err
}

// readFlag reads the server's "work pending" boolean, sent as a 4-byte
// little-endian value.
func readFlag(r io.Reader) (bool, error) {
	var b [flagSize]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return false, err
	}
	return binary.LittleEndian.Uint32(b[:]) != 0, nil
}

// readFrame reads one frame. A zero-length read or EOF is errPeerClosed.
// When an APDU tag arrives alone the payload is taken from the next read.
func readFrame(r io.Reader, buf []byte) (byte, []byte, error) {
	n, err := r.Read(buf)
	if n == 0 {
		if err == nil || errors.Is(err, io.EOF) {
			return 0, nil, errPeerClosed
		}
		return 0, nil, err
	}

	tag := buf[0]
	if n == 1 && tag == TagAPDU {
		m, err := r.Read(buf[1:])
		if m == 0 {
			if err == nil || errors.Is(err, io.EOF) {
				return 0, nil, errPeerClosed
			}
			return 0, nil, err
		}
		n += m
	}

	payload := make([]byte, n-1)
	copy(payload, buf[1:n])
	return tag, payload, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
