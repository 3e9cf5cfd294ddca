package core

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/pinme/tacho-gateway/internal/logging"
)

// ReaderInfo is one reader as seen by the latest scan.
type ReaderInfo struct {
	Name    string `json:"name"`
	HasCard bool   `json:"hasCard"`
	ICC     string `json:"icc,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Tachograph cards expose the card identification in EF_ICC (file id 0002).
var (
	cmdSelectEFICC = []byte{0x00, 0xA4, 0x02, 0x0C, 0x02, 0x00, 0x02}
	cmdReadEFICC   = []byte{0x00, 0xB0, 0x00, 0x00, 0x19}
)

// ScanReaders lists the readers and reads the ICC of every inserted card.
// Per-reader failures are recorded in ReaderInfo.Error; only a failure to
// list readers is returned as an error.
func ScanReaders(t Transport) ([]ReaderInfo, error) {
	names, err := t.ListReaders()
	if err != nil {
		return nil, err
	}

	infos := make([]ReaderInfo, 0, len(names))
	for _, name := range names {
		infos = append(infos, ScanReader(t, name))
	}
	return infos, nil
}

// ScanReader probes one reader. Connect and ICC read failures are recorded
// in the result rather than returned.
func ScanReader(t Transport, name string) ReaderInfo {
	info := ReaderInfo{Name: name}

	h, err := t.Connect(name)
	if err != nil {
		if !errors.Is(err, ErrNoCard) {
			info.Error = err.Error()
		}
		return info
	}
	defer h.Disconnect(Leave)

	info.HasCard = true
	icc, err := ReadICC(h)
	if err != nil {
		logging.Debug(logging.CatCard, "ICC read failed", map[string]any{
			"reader": name,
			"error":  err.Error(),
		})
		info.Error = err.Error()
		return info
	}
	info.ICC = icc
	return info
}

// ReadICC selects EF_ICC and returns its content base64 encoded.
func ReadICC(h Handle) (string, error) {
	rsp, err := h.Transmit(cmdSelectEFICC)
	if err != nil {
		return "", fmt.Errorf("select EF_ICC: %w", err)
	}
	if !statusOK(rsp) {
		return "", fmt.Errorf("select EF_ICC failed with status: %s", statusWord(rsp))
	}

	rsp, err = h.Transmit(cmdReadEFICC)
	if err != nil {
		return "", fmt.Errorf("read EF_ICC: %w", err)
	}
	if !statusOK(rsp) || len(rsp) == 2 {
		return "", fmt.Errorf("read EF_ICC failed with status: %s", statusWord(rsp))
	}

	return base64.StdEncoding.EncodeToString(rsp[:len(rsp)-2]), nil
}

// ResetReader resets the card in reader and returns a fresh handle to it.
func ResetReader(t Transport, reader string) (Handle, error) {
	h, err := t.Connect(reader)
	if err != nil {
		return nil, err
	}
	if err := h.Disconnect(Reset); err != nil {
		logging.Warn(logging.CatCard, "Reset disconnect failed", map[string]any{
			"reader": reader,
			"error":  err.Error(),
		})
	}
	return t.Connect(reader)
}

func statusOK(rsp []byte) bool {
	return len(rsp) >= 2 && rsp[len(rsp)-2] == 0x90 && rsp[len(rsp)-1] == 0x00
}

func statusWord(rsp []byte) string {
	if len(rsp) < 2 {
		return "none"
	}
	return hex.EncodeToString(rsp[len(rsp)-2:])
}
