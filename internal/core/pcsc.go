package core

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ebfe/scard"
)

// PCSC talks to readers through the system PC/SC service.
// Every Handle owns its own context so handles can outlive each other.
type PCSC struct{}

// ListReaders returns the names of all attached readers. No readers is not an error.
func (PCSC) ListReaders() ([]string, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, fmt.Errorf("failed to establish context: %w", err)
	}
	defer ctx.Release()

	readers, err := ctx.ListReaders()
	if err != nil {
		if errors.Is(err, scard.ErrNoReadersAvailable) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to list readers: %w", err)
	}
	return readers, nil
}

// Connect opens a shared connection to the card in reader.
func (PCSC) Connect(reader string) (Handle, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, fmt.Errorf("failed to establish context: %w", err)
	}

	card, err := ctx.Connect(reader, scard.ShareShared, scard.ProtocolAny)
	if err != nil {
		ctx.Release()
		if isNoCard(err) {
			return nil, fmt.Errorf("%s: %w", reader, ErrNoCard)
		}
		return nil, fmt.Errorf("failed to connect to reader %s: %w", reader, err)
	}

	return &pcscHandle{ctx: ctx, card: card, reader: reader}, nil
}

func isNoCard(err error) bool {
	if errors.Is(err, scard.ErrNoSmartcard) || errors.Is(err, scard.ErrRemovedCard) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "no smart card") || strings.Contains(msg, "card is not present")
}

type pcscHandle struct {
	mu     sync.Mutex
	ctx    *scard.Context
	card   *scard.Card
	reader string
	closed bool
}

// Transmit sends one APDU. Concurrent callers on the same handle are serialized.
func (h *pcscHandle) Transmit(cmd []byte) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHandleClosed
	}

	rsp, err := h.card.Transmit(cmd)
	if err != nil {
		return nil, fmt.Errorf("transmit on %s: %w", h.reader, err)
	}
	return rsp, nil
}

func (h *pcscHandle) Attribute(a Attr) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHandleClosed
	}

	switch a {
	case AttrATR:
		status, err := h.card.Status()
		if err != nil {
			return nil, fmt.Errorf("failed to get card status: %w", err)
		}
		return status.Atr, nil
	case AttrVendorName:
		return h.card.GetAttrib(scard.AttrVendorName)
	case AttrVendorSerial:
		return h.card.GetAttrib(scard.AttrVendorIfdSerialNo)
	default:
		return nil, fmt.Errorf("unsupported attribute %d", a)
	}
}

func (h *pcscHandle) Disconnect(d Disposition) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true

	var disp scard.Disposition
	switch d {
	case Reset:
		disp = scard.ResetCard
	case Unpower:
		disp = scard.UnpowerCard
	default:
		disp = scard.LeaveCard
	}

	err := h.card.Disconnect(disp)
	if rerr := h.ctx.Release(); err == nil {
		err = rerr
	}
	return err
}
