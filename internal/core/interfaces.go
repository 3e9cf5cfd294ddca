package core

import "errors"

var (
	// ErrNoCard is returned by Connect when the reader has no card inserted.
	ErrNoCard = errors.New("no card present")
	// ErrHandleClosed is returned when a disconnected Handle is used again.
	ErrHandleClosed = errors.New("card handle closed")
)

// Attr identifies an attribute readable from a connected card.
type Attr int

const (
	AttrATR Attr = iota
	AttrVendorName
	AttrVendorSerial
)

func (a Attr) String() string {
	switch a {
	case AttrATR:
		return "atr"
	case AttrVendorName:
		return "vendor_name"
	case AttrVendorSerial:
		return "vendor_serial"
	default:
		return "unknown"
	}
}

// Disposition tells the reader what to do with the card on Disconnect.
type Disposition int

const (
	Leave Disposition = iota
	Reset
	Unpower
)

// Transport is the card reader capability. PCSC is the production
// implementation; tests use cardtest.Transport.
type Transport interface {
	ListReaders() ([]string, error)
	Connect(reader string) (Handle, error)
}

// Handle is an open connection to the card in one reader.
// Disconnect must be safe to call more than once.
type Handle interface {
	Transmit(cmd []byte) ([]byte, error)
	Attribute(a Attr) ([]byte, error)
	Disconnect(d Disposition) error
}
