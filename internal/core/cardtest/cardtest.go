// Package cardtest provides an in-memory core.Transport for tests.
package cardtest

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/pinme/tacho-gateway/internal/core"
)

// DefaultATR is a tachograph card ATR captured from a real reader.
var DefaultATR, _ = hex.DecodeString("3b9f9681b1fe451f070064051ea0031d00800082900090")

// Transport is a fake reader set. Readers without a card return core.ErrNoCard on Connect.
type Transport struct {
	mu       sync.Mutex
	readers  []string
	cards    map[string]*Card
	listErr  error
	connects map[string]int
}

// New returns a Transport with the given (empty) readers.
func New(readers ...string) *Transport {
	return &Transport{
		readers:  readers,
		cards:    make(map[string]*Card),
		connects: make(map[string]int),
	}
}

// Insert puts card into reader, adding the reader if needed.
func (t *Transport) Insert(reader string, card *Card) *Transport {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.hasReader(reader) {
		t.readers = append(t.readers, reader)
	}
	t.cards[reader] = card
	return t
}

// Remove takes the card out of reader.
func (t *Transport) Remove(reader string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.cards, reader)
}

// FailList makes ListReaders return err until called again with nil.
func (t *Transport) FailList(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listErr = err
}

// Connects reports how many successful connects reader has seen.
func (t *Transport) Connects(reader string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connects[reader]
}

func (t *Transport) hasReader(name string) bool {
	for _, r := range t.readers {
		if r == name {
			return true
		}
	}
	return false
}

func (t *Transport) ListReaders() ([]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listErr != nil {
		return nil, t.listErr
	}
	return append([]string(nil), t.readers...), nil
}

func (t *Transport) Connect(reader string) (core.Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.hasReader(reader) {
		return nil, fmt.Errorf("unknown reader %q", reader)
	}
	card, ok := t.cards[reader]
	if !ok {
		return nil, fmt.Errorf("%s: %w", reader, core.ErrNoCard)
	}
	t.connects[reader]++
	return &handle{card: card}, nil
}

// Card is a scripted card. Commands are matched by lowercase hex; unknown
// commands answer 6D00 (instruction not supported).
type Card struct {
	mu           sync.Mutex
	atr          []byte
	responses    map[string][]byte
	transmitErr  error
	transmitted  [][]byte
	dispositions []core.Disposition
}

// NewCard returns a card with the given ATR.
func NewCard(atr []byte) *Card {
	return &Card{atr: atr, responses: make(map[string][]byte)}
}

// NewTachoCard returns a card whose EF_ICC holds icc.
func NewTachoCard(icc []byte) *Card {
	c := NewCard(DefaultATR)
	c.Respond("00a4020c020002", []byte{0x90, 0x00})
	c.Respond("00b0000019", append(append([]byte(nil), icc...), 0x90, 0x00))
	return c
}

// Respond scripts the response to one command given as hex.
func (c *Card) Respond(cmdHex string, rsp []byte) *Card {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, err := hex.DecodeString(cmdHex)
	if err != nil {
		panic(fmt.Sprintf("cardtest: bad command hex %q", cmdHex))
	}
	c.responses[hex.EncodeToString(b)] = rsp
	return c
}

// FailTransmit makes every Transmit fail with err (nil restores normal operation).
func (c *Card) FailTransmit(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transmitErr = err
}

// ATR returns the card's ATR.
func (c *Card) ATR() []byte {
	return c.atr
}

// Transmitted returns a copy of every command sent to the card.
func (c *Card) Transmitted() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.transmitted))
	copy(out, c.transmitted)
	return out
}

// Dispositions returns the disposition of every disconnect, in order.
func (c *Card) Dispositions() []core.Disposition {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]core.Disposition(nil), c.dispositions...)
}

// Resets counts disconnects with core.Reset.
func (c *Card) Resets() int {
	n := 0
	for _, d := range c.Dispositions() {
		if d == core.Reset {
			n++
		}
	}
	return n
}

func (c *Card) transmit(cmd []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transmitted = append(c.transmitted, append([]byte(nil), cmd...))
	if c.transmitErr != nil {
		return nil, c.transmitErr
	}
	if rsp, ok := c.responses[hex.EncodeToString(cmd)]; ok {
		return append([]byte(nil), rsp...), nil
	}
	return []byte{0x6D, 0x00}, nil
}

type handle struct {
	mu     sync.Mutex
	card   *Card
	closed bool
}

func (h *handle) Transmit(cmd []byte) ([]byte, error) {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return nil, core.ErrHandleClosed
	}
	return h.card.transmit(cmd)
}

func (h *handle) Attribute(a core.Attr) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, core.ErrHandleClosed
	}
	switch a {
	case core.AttrATR:
		return append([]byte(nil), h.card.atr...), nil
	case core.AttrVendorName:
		return []byte("cardtest"), nil
	case core.AttrVendorSerial:
		return []byte("0001"), nil
	}
	return nil, errors.New("unsupported attribute")
}

func (h *handle) Disconnect(d core.Disposition) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	h.card.mu.Lock()
	h.card.dispositions = append(h.card.dispositions, d)
	h.card.mu.Unlock()
	return nil
}
