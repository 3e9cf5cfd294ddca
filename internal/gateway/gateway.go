// Package gateway composes the registry, lease manager, handle cache and
// card transport into the one-shot and interactive APDU flows.
package gateway

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pinme/tacho-gateway/internal/apdu"
	"github.com/pinme/tacho-gateway/internal/core"
	"github.com/pinme/tacho-gateway/internal/lease"
	"github.com/pinme/tacho-gateway/internal/logging"
	"github.com/pinme/tacho-gateway/internal/metrics"
	"github.com/pinme/tacho-gateway/internal/registry"
)

// DeviceAttributes carries the caller's company.
type DeviceAttributes struct {
	ClientID int `json:"clientId"`
}

// Device is the remote caller of the one-shot flow.
type Device struct {
	ID         int              `json:"id"`
	Attributes DeviceAttributes `json:"attributes"`
}

// SendAPDURequest is one step of a device's APDU sequence.
type SendAPDURequest struct {
	Device             Device `json:"device"`
	APDU               string `json:"apdu"`
	APDUSequenceNumber string `json:"apduSequenceNumber"`
}

// Options wires a Gateway. Nil tables are created empty.
type Options struct {
	Transport core.Transport
	Registry  *registry.Registry
	Leases    *lease.Manager
	Sessions  *lease.Sessions
	Handles   *registry.HandleCache
}

type Gateway struct {
	transport core.Transport
	registry  *registry.Registry
	leases    *lease.Manager
	sessions  *lease.Sessions
	handles   *registry.HandleCache
}

func New(opts Options) *Gateway {
	g := &Gateway{
		transport: opts.Transport,
		registry:  opts.Registry,
		leases:    opts.Leases,
		sessions:  opts.Sessions,
		handles:   opts.Handles,
	}
	if g.registry == nil {
		g.registry = registry.New()
	}
	if g.leases == nil {
		g.leases = lease.NewManager(lease.DefaultTTL, nil)
	}
	if g.sessions == nil {
		g.sessions = lease.NewSessions(nil)
	}
	if g.handles == nil {
		g.handles = registry.NewHandleCache()
	}
	return g
}

func (g *Gateway) Registry() *registry.Registry { return g.registry }

func (g *Gateway) Leases() *lease.Manager { return g.leases }

func (g *Gateway) Sessions() *lease.Sessions { return g.sessions }

// IsSequenceStart reports whether a sequence number marks the first APDU of
// a sequence: empty, or any numeric form of zero ("0", "0000").
func IsSequenceStart(seq string) bool {
	seq = strings.TrimSpace(seq)
	if seq == "" {
		return true
	}
	n, err := strconv.Atoi(seq)
	return err == nil && n == 0
}

// SendAPDU runs the one-shot flow: company to ICC, lease for the device,
// ICC to reader, reset and cache the handle on the first APDU of a
// sequence, then correct, transmit and hex-encode the response.
func (g *Gateway) SendAPDU(req SendAPDURequest) (string, error) {
	cmd, err := apdu.ParseHex(req.APDU)
	if err != nil {
		return "", badRequest(err)
	}

	deviceID := req.Device.ID
	companyID := req.Device.Attributes.ClientID
	icc, ok := g.registry.ICCByCompany(companyID)
	if !ok {
		return "", notFound("no card provisioned for company %d", companyID)
	}

	if !g.leases.Acquire(icc, lease.DeviceOwner(deviceID)) {
		metrics.RecordLockConflict()
		return "", fmt.Errorf("%w: icc %s", ErrConflict, icc)
	}

	reader, ok := g.registry.ReaderByICC(icc)
	if !ok {
		return "", notFound("card %s is not in any reader", icc)
	}

	var h core.Handle
	if IsSequenceStart(req.APDUSequenceNumber) {
		h, err = g.startSequence(deviceID, reader, icc)
		if err != nil {
			return "", err
		}
	} else if h, ok = g.handles.Get(deviceID); !ok {
		logging.Info(logging.CatCard, "No cached handle mid-sequence, connecting", map[string]any{
			"device": deviceID,
			"reader": reader,
		})
		if h, err = g.transport.Connect(reader); err != nil {
			return "", g.transportError("connect", reader, icc, err)
		}
		g.cacheHandle(deviceID, h)
	}

	rsp, err := g.transmit(metrics.ModeOneShot, h, cmd)
	if err != nil {
		return "", g.transportError("transmit", reader, icc, err)
	}
	return encode(rsp), nil
}

func (g *Gateway) startSequence(deviceID int, reader, icc string) (core.Handle, error) {
	h, err := core.ResetReader(g.transport, reader)
	if err != nil {
		return nil, g.transportError("reset", reader, icc, err)
	}
	g.cacheHandle(deviceID, h)
	logging.Debug(logging.CatCard, "Sequence started", map[string]any{
		"device": deviceID,
		"reader": reader,
		"icc":    icc,
	})
	return h, nil
}

func (g *Gateway) cacheHandle(deviceID int, h core.Handle) {
	if prev := g.handles.Set(deviceID, h); prev != nil && prev != h {
		prev.Disconnect(core.Leave)
	}
}

// Release ends a device's sequence early: the cached handle is disconnected
// and the device's lease on its company card is dropped.
func (g *Gateway) Release(device Device) error {
	h, hadHandle := g.handles.Take(device.ID)
	if hadHandle {
		if err := h.Disconnect(core.Leave); err != nil {
			logging.Warn(logging.CatCard, "Disconnect on release failed", map[string]any{
				"device": device.ID,
				"error":  err.Error(),
			})
		}
	}

	icc, ok := g.registry.ICCByCompany(device.Attributes.ClientID)
	if !ok {
		if hadHandle {
			return nil
		}
		return notFound("no card provisioned for company %d", device.Attributes.ClientID)
	}
	g.leases.ReleaseIfOwner(icc, lease.DeviceOwner(device.ID))
	return nil
}

// Lock leases icc for a new interactive session and returns the session id.
func (g *Gateway) Lock(icc string) (string, error) {
	if icc == "" {
		return "", badRequest(errors.New("icc is required"))
	}
	id := lease.NewID()
	if !g.leases.Acquire(icc, lease.SessionOwner(id)) {
		metrics.RecordLockConflict()
		return "", fmt.Errorf("%w: icc %s", ErrConflict, icc)
	}
	g.sessions.Add(id, icc)
	logging.Info(logging.CatLock, "Session locked card", map[string]any{
		"session": id,
		"icc":     icc,
	})
	return id, nil
}

// ATR returns the hex ATR of the session's card.
func (g *Gateway) ATR(sessionID string) (string, error) {
	icc, reader, err := g.resolveSession(sessionID)
	if err != nil {
		return "", err
	}

	h, err := g.transport.Connect(reader)
	if err != nil {
		return "", g.transportError("connect", reader, icc, err)
	}
	defer h.Disconnect(core.Leave)

	atr, err := h.Attribute(core.AttrATR)
	if err != nil {
		return "", g.transportError("read ATR", reader, icc, err)
	}
	return encode(atr), nil
}

// APDU sends one hex command on the session's card.
func (g *Gateway) APDU(sessionID, cmdHex string) (string, error) {
	cmd, err := apdu.ParseHex(cmdHex)
	if err != nil {
		return "", badRequest(err)
	}
	icc, reader, err := g.resolveSession(sessionID)
	if err != nil {
		return "", err
	}

	h, err := g.transport.Connect(reader)
	if err != nil {
		return "", g.transportError("connect", reader, icc, err)
	}
	defer h.Disconnect(core.Leave)

	rsp, err := g.transmit(metrics.ModeSession, h, cmd)
	if err != nil {
		return "", g.transportError("transmit", reader, icc, err)
	}
	return encode(rsp), nil
}

// Unlock ends a session and drops its lease.
func (g *Gateway) Unlock(sessionID string) error {
	icc, ok := g.sessions.Remove(sessionID)
	if !ok {
		return notFound("unknown session %q", sessionID)
	}
	g.leases.ReleaseIfOwner(icc, lease.SessionOwner(sessionID))
	logging.Info(logging.CatLock, "Session unlocked card", map[string]any{
		"session": sessionID,
		"icc":     icc,
	})
	return nil
}

// resolveSession maps a session to its ICC and reader, renewing the lease.
func (g *Gateway) resolveSession(sessionID string) (icc, reader string, err error) {
	icc, ok := g.sessions.Lookup(sessionID)
	if !ok {
		return "", "", notFound("unknown session %q", sessionID)
	}
	if !g.leases.Acquire(icc, lease.SessionOwner(sessionID)) {
		metrics.RecordLockConflict()
		return "", "", fmt.Errorf("%w: session lease on %s expired and was taken", ErrConflict, icc)
	}
	reader, ok = g.registry.ReaderByICC(icc)
	if !ok {
		return "", "", notFound("card %s is not in any reader", icc)
	}
	return icc, reader, nil
}

func (g *Gateway) transmit(mode string, h core.Handle, cmd []byte) ([]byte, error) {
	start := time.Now()
	rsp, err := h.Transmit(apdu.Correct(cmd))
	metrics.RecordAPDU(mode, time.Since(start), err)
	return rsp, err
}

func (g *Gateway) transportError(op, reader, icc string, err error) error {
	logging.Error(logging.CatCard, "Card "+op+" failed", map[string]any{
		"reader": reader,
		"icc":    icc,
		"error":  err.Error(),
	})
	return &TransportError{Op: op, Reader: reader, ICC: icc, Err: err}
}

// Readers returns the latest scan.
func (g *Gateway) Readers() []core.ReaderInfo {
	return g.registry.Readers()
}

// ICCForReader returns the ICC in the named reader.
func (g *Gateway) ICCForReader(reader string) (string, error) {
	icc, ok := g.registry.ICCByReader(reader)
	if !ok {
		return "", notFound("no card identified in reader %q", reader)
	}
	return icc, nil
}

// ResetResult lists the readers a reset touched and the ones it left alone
// because their card is leased.
type ResetResult struct {
	Reset   []string `json:"reset"`
	Skipped []string `json:"skipped"`
}

// ResetReader resets the card in one reader, or in every reader with a card
// when name is empty. A card under an active lease is never reset: a named
// reader fails with ErrConflict, and a sweep over all readers skips it.
func (g *Gateway) ResetReader(name string) (ResetResult, error) {
	res := ResetResult{Reset: []string{}, Skipped: []string{}}

	if name != "" {
		if err := g.resetOne(name); err != nil {
			return res, err
		}
		res.Reset = append(res.Reset, name)
		return res, nil
	}

	var errs []error
	for _, info := range g.registry.Readers() {
		if !info.HasCard {
			continue
		}
		err := g.resetOne(info.Name)
		switch {
		case errors.Is(err, ErrConflict):
			res.Skipped = append(res.Skipped, info.Name)
		case err != nil:
			errs = append(errs, err)
		default:
			res.Reset = append(res.Reset, info.Name)
		}
	}
	return res, errors.Join(errs...)
}

// resetOne holds the reader's card under a reset lease while resetting it,
// so no caller can start a sequence on it midway.
func (g *Gateway) resetOne(reader string) error {
	icc, known := g.registry.ICCByReader(reader)
	if known {
		owner := lease.ResetOwner(reader)
		if !g.leases.Acquire(icc, owner) {
			holder, _ := g.leases.Holder(icc)
			logging.Warn(logging.CatLock, "Reset refused, card is leased", map[string]any{
				"reader": reader,
				"icc":    icc,
				"owner":  string(holder.Owner),
			})
			metrics.RecordLockConflict()
			return fmt.Errorf("%w: reader %q", ErrConflict, reader)
		}
		defer g.leases.ReleaseIfOwner(icc, owner)
	}

	h, err := core.ResetReader(g.transport, reader)
	if err != nil {
		return g.transportError("reset", reader, icc, err)
	}
	h.Disconnect(core.Leave)
	return nil
}

// Locks returns the active leases.
func (g *Gateway) Locks() []lease.Lease {
	return g.leases.Snapshot()
}

// ForceUnlock drops whatever lease is held on icc.
func (g *Gateway) ForceUnlock(icc string) {
	g.leases.Release(icc)
	logging.Warn(logging.CatLock, "Lease force released", map[string]any{"icc": icc})
}

func encode(b []byte) string {
	return strings.ToUpper(hex.EncodeToString(b))
}
