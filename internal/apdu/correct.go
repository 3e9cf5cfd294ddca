// Package apdu repairs known encoding quirks in command APDUs before they
// reach the card.
package apdu

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// MinLength is the shortest command accepted: CLA INS P1 P2 Lc.
const MinLength = 5

// ErrTooShort is returned for commands shorter than MinLength.
var ErrTooShort = errors.New("apdu: command shorter than 5 bytes")

type header struct{ cla, ins byte }

// trailers maps a CLA/INS pair to the byte appended when Lc claims more
// data than the command carries.
var trailers = map[header]byte{
	{0x00, 0x88}: 0x80, // INTERNAL AUTHENTICATE
	{0x0C, 0xB0}: 0x00, // READ BINARY, secure messaging
	{0x0C, 0xD6}: 0x00, // UPDATE BINARY, secure messaging
	{0x00, 0x86}: 0x00, // GENERAL AUTHENTICATE
	{0x0C, 0xA4}: 0x00, // SELECT, secure messaging
}

// Correct returns cmd with one trailing byte appended when its header is a
// known quirk and the declared Lc exceeds the bytes actually present.
// Anything else comes back unchanged. cmd must be at least MinLength bytes.
func Correct(cmd []byte) []byte {
	if len(cmd) < MinLength {
		return cmd
	}
	trailer, ok := trailers[header{cmd[0], cmd[1]}]
	if !ok {
		return cmd
	}
	if int(cmd[4]) <= len(cmd)-MinLength {
		return cmd
	}

	out := make([]byte, len(cmd)+1)
	copy(out, cmd)
	out[len(cmd)] = trailer
	return out
}

// ParseHex decodes a hex command (whitespace tolerated) and checks its length.
func ParseHex(s string) ([]byte, error) {
	s = strings.Join(strings.Fields(s), "")
	cmd, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("apdu: invalid hex: %w", err)
	}
	if len(cmd) < MinLength {
		return nil, ErrTooShort
	}
	return cmd, nil
}

// Validate checks a raw command's length.
func Validate(cmd []byte) error {
	if len(cmd) < MinLength {
		return ErrTooShort
	}
	return nil
}
