package usb

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/keepwallet/vaultd/firmware"
)

// Bridge implements Provider against a trezord-style bridge daemon:
// POST /enumerate, /acquire/{path}/{prev}, /call/{session}, /release/{session}.
// Message bodies are hex-encoded frames.
type Bridge struct {
	baseURL string
	client  *http.Client
}

// NewBridge returns a Provider talking to the bridge at baseURL.
func NewBridge(baseURL string) *Bridge {
	return &Bridge{
		baseURL: strings.TrimRight(baseURL, "/"),
		// No overall client timeout: a Call legitimately blocks on human
		// interaction (PIN entry, button press). Cancellation comes from ctx.
		client: &http.Client{},
	}
}

type enumerateEntry struct {
	Path    string `json:"path"`
	Vendor  int    `json:"vendor"`
	Product int    `json:"product"`
	Session string `json:"session,omitempty"`
}

// List returns every device the bridge can see.
func (b *Bridge) List(ctx context.Context) ([]DeviceInfo, error) {
	body, err := b.post(ctx, "/enumerate", nil)
	if err != nil {
		return nil, errors.Wrap(err, "bridge enumerate")
	}
	var entries []enumerateEntry
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, errors.Wrap(err, "decode enumerate response")
	}
	infos := make([]DeviceInfo, 0, len(entries))
	for _, e := range entries {
		infos = append(infos, DeviceInfo{
			UniqueID: e.Path,
			Vendor:   fmt.Sprintf("%04x", e.Vendor),
			Product:  fmt.Sprintf("%04x", e.Product),
		})
	}
	return infos, nil
}

// Open acquires the device and returns a transport bound to the bridge
// session. Acquiring a device held by another session surfaces
// firmware.ErrClaimed.
func (b *Bridge) Open(ctx context.Context, uniqueID string) (firmware.Transport, error) {
	body, err := b.post(ctx, "/acquire/"+uniqueID+"/null", nil)
	if err != nil {
		if isClaimedError(err) {
			return nil, firmware.ErrClaimed
		}
		return nil, errors.Wrapf(err, "acquire device %s", uniqueID)
	}
	var acquired struct {
		Session string `json:"session"`
	}
	if err := json.Unmarshal(body, &acquired); err != nil {
		return nil, errors.Wrap(err, "decode acquire response")
	}
	log.Debug().Str("device_id", uniqueID).Str("session", acquired.Session).Msg("device acquired")
	return &bridgeTransport{bridge: b, session: acquired.Session}, nil
}

func (b *Bridge) post(ctx context.Context, path string, payload []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("bridge %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}

func isClaimedError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "wrong previous session") || strings.Contains(msg, "already acquired")
}

type bridgeTransport struct {
	bridge  *Bridge
	session string
}

func (t *bridgeTransport) Exchange(ctx context.Context, msg firmware.Message) (firmware.Message, error) {
	frame, err := firmware.Marshal(msg)
	if err != nil {
		return nil, err
	}
	body, err := t.bridge.post(ctx, "/call/"+t.session, []byte(hex.EncodeToString(frame)))
	if err != nil {
		return nil, errors.Wrapf(err, "call %s", msg.Kind())
	}
	raw, err := hex.DecodeString(strings.TrimSpace(string(body)))
	if err != nil {
		return nil, errors.Wrap(err, "decode call response hex")
	}
	return firmware.Unmarshal(raw)
}

func (t *bridgeTransport) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := t.bridge.post(ctx, "/release/"+t.session, nil)
	return err
}
