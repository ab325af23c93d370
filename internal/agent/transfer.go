package agent

import (
	"context"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"math"
	"os"
	"time"

	"github.com/hacke-rc/bandsox/internal/bsxerr"
	"github.com/hacke-rc/bandsox/internal/serial"
)

// defaultTransferTimeout implements the size-scaled default from the
// upload_file/download_file contract: max(60s, 30s per megabyte).
func defaultTransferTimeout(size int64) time.Duration {
	mb := math.Ceil(float64(size) / (1 << 20))
	scaled := time.Duration(mb) * 30 * time.Second
	if scaled < 60*time.Second {
		return 60 * time.Second
	}
	return scaled
}

func md5Hex(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

// UploadFile sends local's contents to remote on the guest. Checksum
// is computed on the host before send and verified by the guest.
func (s *AgentSession) UploadFile(ctx context.Context, local, remote string, timeout time.Duration) error {
	data, err := os.ReadFile(local)
	if err != nil {
		return bsxerr.Wrap(bsxerr.IoError, err, "read local file for upload")
	}
	if timeout <= 0 {
		timeout = defaultTransferTimeout(int64(len(data)))
	}
	checksum := md5Hex(data)

	t, err := s.activeTransport()
	if err != nil {
		return err
	}
	chunked, isChunked := t.(ChunkedTransport)
	if !isChunked {
		if err := serial.RejectOversizePayload(int64(len(data))); err != nil {
			return err
		}
	}

	id := s.nextID()
	respCh := make(chan json.RawMessage, 1)
	s.mu.Lock()
	s.pending[id] = respCh
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
	}()

	msg := uploadMsg{ID: id, Type: "upload", Path: remote, Size: int64(len(data)), ChecksumMD5: checksum}
	if !isChunked {
		msg.DataB64 = base64.StdEncoding.EncodeToString(data)
	}
	if err := t.WriteHeader(msg); err != nil {
		return bsxerr.Wrap(bsxerr.AgentDisconnected, err, "send upload request")
	}

	if isChunked {
		if err := s.awaitType(ctx, respCh, timeout, "ready"); err != nil {
			return err
		}
		if err := streamChunks(chunked, data); err != nil {
			return err
		}
	}

	return s.awaitOutcome(ctx, respCh, timeout)
}

// DownloadFile fetches remote's contents from the guest into local.
// timeout bounds the wait for the guest's "ready" reply and defaults to
// 60 s when <= 0; it is not scaled by size, and reading the chunks that
// follow "ready" is not bounded by it.
func (s *AgentSession) DownloadFile(ctx context.Context, remote, local string, timeout time.Duration) error {
	data, err := s.getFileContents(ctx, remote, timeout)
	if err != nil {
		return err
	}
	if err := os.WriteFile(local, data, 0o644); err != nil {
		return bsxerr.Wrap(bsxerr.IoError, err, "write downloaded file")
	}
	return nil
}

// GetFileContents is the small-file helper underlying DownloadFile: it
// requests remote's bytes from the guest and returns them directly.
func (s *AgentSession) GetFileContents(ctx context.Context, remote string) ([]byte, error) {
	return s.getFileContents(ctx, remote, 0)
}

func (s *AgentSession) getFileContents(ctx context.Context, remote string, timeout time.Duration) ([]byte, error) {
	t, err := s.activeTransport()
	if err != nil {
		return nil, err
	}
	chunked, isChunked := t.(ChunkedTransport)

	id := s.nextID()
	respCh := make(chan json.RawMessage, 1)
	s.mu.Lock()
	s.pending[id] = respCh
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
	}()

	if err := t.WriteHeader(downloadMsg{ID: id, Type: "download", Path: remote}); err != nil {
		return nil, bsxerr.Wrap(bsxerr.AgentDisconnected, err, "send download request")
	}

	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	raw, err := s.waitReply(ctx, respCh, timeout)
	if err != nil {
		return nil, err
	}
	var ready readyMsg
	if err := json.Unmarshal(raw, &ready); err != nil {
		return nil, bsxerr.Wrap(bsxerr.Internal, err, "parse download ready")
	}

	var data []byte
	if isChunked {
		data, err = readChunks(chunked, ready.Size)
		if err != nil {
			return nil, err
		}
		t.WriteHeader(completeMsg{ID: id, Type: "complete"})
	} else {
		var withData struct {
			DataB64 string `json:"data_b64"`
		}
		if err := json.Unmarshal(raw, &withData); err != nil {
			return nil, bsxerr.Wrap(bsxerr.Internal, err, "parse serial download reply")
		}
		data, err = base64.StdEncoding.DecodeString(withData.DataB64)
		if err != nil {
			return nil, bsxerr.Wrap(bsxerr.ChecksumMismatch, err, "decode serial download payload")
		}
	}
	if ready.ChecksumMD5 != "" && md5Hex(data) != ready.ChecksumMD5 {
		return nil, bsxerr.New(bsxerr.ChecksumMismatch, "download checksum mismatch")
	}
	return data, nil
}

func streamChunks(t ChunkedTransport, data []byte) error {
	const chunkSize = 64 * 1024
	for off := 0; off < len(data); off += chunkSize {
		end := off + chunkSize
		if end > len(data) {
			end = len(data)
		}
		if err := t.WriteChunk(data[off:end]); err != nil {
			return bsxerr.Wrap(bsxerr.IoError, err, "write upload chunk")
		}
	}
	return nil
}

func readChunks(t ChunkedTransport, size int64) ([]byte, error) {
	buf := make([]byte, 0, size)
	for int64(len(buf)) < size {
		chunk, err := t.ReadChunk()
		if err != nil {
			return nil, bsxerr.Wrap(bsxerr.IoError, err, "read download chunk")
		}
		buf = append(buf, chunk...)
	}
	return buf, nil
}

// awaitType waits for a reply and checks it carries the expected type.
func (s *AgentSession) awaitType(ctx context.Context, ch chan json.RawMessage, timeout time.Duration, want string) error {
	raw, err := s.waitReply(ctx, ch, timeout)
	if err != nil {
		return err
	}
	var env envelope
	json.Unmarshal(raw, &env)
	if env.Type == "error" {
		var r resultMsg
		json.Unmarshal(raw, &r)
		return bsxerr.Errf(bsxerr.VmmError, "guest rejected transfer: %s %s", r.Code, r.Message)
	}
	if env.Type != want {
		return bsxerr.Errf(bsxerr.Internal, "expected %q reply, got %q", want, env.Type)
	}
	return nil
}

// awaitOutcome waits for a terminal success/error reply.
func (s *AgentSession) awaitOutcome(ctx context.Context, ch chan json.RawMessage, timeout time.Duration) error {
	raw, err := s.waitReply(ctx, ch, timeout)
	if err != nil {
		return err
	}
	var r resultMsg
	json.Unmarshal(raw, &r)
	if r.Type == "error" {
		return bsxerr.Errf(bsxerr.VmmError, "transfer failed: %s %s", r.Code, r.Message)
	}
	return nil
}

func (s *AgentSession) waitReply(ctx context.Context, ch chan json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	select {
	case raw, ok := <-ch:
		if !ok {
			return nil, bsxerr.New(bsxerr.AgentDisconnected, "agent session closed mid-transfer")
		}
		return raw, nil
	case <-ctx.Done():
		return nil, bsxerr.New(bsxerr.Timeout, "transfer cancelled")
	case <-time.After(timeout):
		return nil, bsxerr.New(bsxerr.Timeout, "transfer timed out")
	}
}

// handleGuestUpload answers a guest-initiated push of a file to the
// host: over vsock the guest streams chunked BODY frames after our
// "ready"; over serial the whole payload already arrived embedded in
// the request.
func (s *AgentSession) handleGuestUpload(t Transport, hdr json.RawMessage) {
	var msg uploadMsg
	if err := json.Unmarshal(hdr, &msg); err != nil {
		return
	}

	var data []byte
	var err error
	if msg.DataB64 != "" {
		data, err = base64.StdEncoding.DecodeString(msg.DataB64)
	} else if chunked, ok := t.(ChunkedTransport); ok {
		if werr := t.WriteHeader(resultMsg{ID: msg.ID, Type: "ready"}); werr != nil {
			return
		}
		data, err = readChunks(chunked, msg.Size)
	} else {
		err = bsxerr.New(bsxerr.InvalidArgument, "chunked upload over non-chunked transport")
	}
	if err == nil && msg.ChecksumMD5 != "" && md5Hex(data) != msg.ChecksumMD5 {
		err = bsxerr.New(bsxerr.ChecksumMismatch, "upload checksum mismatch")
	}
	if err == nil && s.opts.OnGuestUpload != nil {
		err = s.opts.OnGuestUpload(msg.Path, data)
	} else if err == nil {
		err = bsxerr.New(bsxerr.InvalidArgument, "guest upload not accepted")
	}

	if err != nil {
		t.WriteHeader(resultMsg{ID: msg.ID, Type: "error", Message: err.Error()})
		return
	}
	t.WriteHeader(resultMsg{ID: msg.ID, Type: "success"})
}

// handleGuestDownload answers a guest-initiated pull of a file the
// host holds.
func (s *AgentSession) handleGuestDownload(t Transport, hdr json.RawMessage) {
	var msg downloadMsg
	if err := json.Unmarshal(hdr, &msg); err != nil {
		return
	}
	if s.opts.OnGuestDownload == nil {
		t.WriteHeader(resultMsg{ID: msg.ID, Type: "error", Code: "unsupported"})
		return
	}
	data, err := s.opts.OnGuestDownload(msg.Path)
	if err != nil {
		t.WriteHeader(resultMsg{ID: msg.ID, Type: "error", Message: err.Error()})
		return
	}
	checksum := md5Hex(data)

	if chunked, ok := t.(ChunkedTransport); ok {
		if err := t.WriteHeader(readyMsg{ID: msg.ID, Type: "ready", Size: int64(len(data)), ChecksumMD5: checksum}); err != nil {
			return
		}
		if err := streamChunks(chunked, data); err != nil {
			return
		}
		// Wait for the guest's "complete" before returning so the
		// listener's worker doesn't close the connection out from
		// under the last buffered chunk.
		chunked.ReadHeader()
		return
	}

	type serialDownloadReply struct {
		ID          string `json:"id,omitempty"`
		Type        string `json:"type"`
		Size        int64  `json:"size"`
		ChecksumMD5 string `json:"checksum_md5"`
		DataB64     string `json:"data_b64"`
	}
	t.WriteHeader(serialDownloadReply{
		ID:          msg.ID,
		Type:        "ready",
		Size:        int64(len(data)),
		ChecksumMD5: checksum,
		DataB64:     base64.StdEncoding.EncodeToString(data),
	})
}
