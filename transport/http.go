package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/xerrors"

	"github.com/ringfs/ringfs/storage"
	"github.com/ringfs/ringfs/types"
)

// HTTP implements Transport over the HTTP+JSON reference binding. One
// pooled client serves all targets; per-call deadlines come from the
// caller's context on top of the client-wide timeout.
type HTTP struct {
	client *http.Client
	log    zerolog.Logger
}

var _ Transport = (*HTTP)(nil)

func NewHTTP(timeout time.Duration, log zerolog.Logger) *HTTP {
	return &HTTP{
		client: &http.Client{Timeout: timeout},
		log:    log.With().Str("component", "transport").Logger(),
	}
}

func (h *HTTP) url(target, path string) string {
	return fmt.Sprintf("http://%s%s", target, path)
}

func terr(op, addr string, err error) error {
	return &types.TransportError{Op: op, Addr: addr, Err: err}
}

// postJSON sends body as JSON and decodes a 2xx response into out.
func (h *HTTP) postJSON(ctx context.Context, op, target, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return terr(op, target, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url(target, path), bytes.NewReader(payload))
	if err != nil {
		return terr(op, target, err)
	}
	req.Header.Set("Content-Type", "application/json")
	return h.do(op, target, req, out)
}

func (h *HTTP) do(op, target string, req *http.Request, out any) error {
	resp, err := h.client.Do(req)
	if err != nil {
		return terr(op, target, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return terr(op, target, xerrors.Errorf("unexpected status %d", resp.StatusCode))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return terr(op, target, err)
	}
	return nil
}

func (h *HTTP) FindSuccessor(ctx context.Context, target string, key uint64, requester string) (types.Peer, error) {
	var out SuccessorResponse
	err := h.postJSON(ctx, "find_successor", target, "/chord/successor",
		FindSuccessorRequest{ID: key, Requester: requester}, &out)
	if err != nil {
		return types.Peer{}, err
	}
	return types.Peer{ID: out.SuccessorID, Addr: out.SuccessorAddr}, nil
}

func (h *HTTP) GetPredecessor(ctx context.Context, target string) (*types.Peer, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.url(target, "/chord/predecessor"), nil)
	if err != nil {
		return nil, terr("get_predecessor", target, err)
	}
	var out PredecessorResponse
	if err := h.do("get_predecessor", target, req, &out); err != nil {
		return nil, err
	}
	if out.PredecessorID == nil || out.PredecessorAddr == nil {
		return nil, nil
	}
	return &types.Peer{ID: *out.PredecessorID, Addr: *out.PredecessorAddr}, nil
}

func (h *HTTP) Notify(ctx context.Context, target string, self types.Peer) error {
	var out AckResponse
	return h.postJSON(ctx, "notify", target, "/chord/notify",
		NotifyRequest{PredecessorID: self.ID, PredecessorAddr: self.Addr}, &out)
}

func (h *HTTP) Join(ctx context.Context, target string, joiner types.Peer) (types.Peer, error) {
	var out SuccessorResponse
	err := h.postJSON(ctx, "join", target, "/chord/join",
		JoinRequest{ID: joiner.ID, Address: joiner.Addr}, &out)
	if err != nil {
		return types.Peer{}, err
	}
	return types.Peer{ID: out.SuccessorID, Addr: out.SuccessorAddr}, nil
}

func (h *HTTP) Ping(ctx context.Context, target string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url(target, "/chord/keepalive"), nil)
	if err != nil {
		return terr("ping", target, err)
	}
	return h.do("ping", target, req, nil)
}

func (h *HTTP) TransferRange(ctx context.Context, target string, lo, hi uint64) ([]storage.File, error) {
	var out TransferResponse
	err := h.postJSON(ctx, "transfer_range", target, "/files/transfer",
		TransferRequest{Lo: lo, Hi: hi}, &out)
	if err != nil {
		return nil, err
	}
	files := make([]storage.File, len(out.Files))
	for i, f := range out.Files {
		files[i] = storage.File{Name: f.Filename, Data: f.Content}
	}
	return files, nil
}

func (h *HTTP) ForwardFile(ctx context.Context, target string, name string, data []byte) error {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", name)
	if err != nil {
		return terr("forward_file", target, err)
	}
	if _, err := part.Write(data); err != nil {
		return terr("forward_file", target, err)
	}
	if err := w.Close(); err != nil {
		return terr("forward_file", target, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url(target, "/files/forward"), &buf)
	if err != nil {
		return terr("forward_file", target, err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	return h.do("forward_file", target, req, nil)
}

func (h *HTTP) GetFile(ctx context.Context, target string, name string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.url(target, "/files/"+url.PathEscape(name)), nil)
	if err != nil {
		return nil, terr("get_file", target, err)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, terr("get_file", target, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, xerrors.Errorf("get_file %s on %s: %w", name, target, types.ErrNotFound)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, terr("get_file", target, xerrors.Errorf("unexpected status %d", resp.StatusCode))
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, terr("get_file", target, err)
	}
	return data, nil
}

func (h *HTTP) DeleteFile(ctx context.Context, target string, name string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, h.url(target, "/files/"+url.PathEscape(name)), nil)
	if err != nil {
		return false, terr("delete_file", target, err)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return false, terr("delete_file", target, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return false, terr("delete_file", target, xerrors.Errorf("unexpected status %d", resp.StatusCode))
	}
	return true, nil
}
