package server

import (
	"encoding/base64"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"

	"pairdesk/internal/constants"
	"pairdesk/internal/transfer"
	"pairdesk/internal/types"
)

func (s *Server) HandleFileTransfer(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleTransferStatus(w, r)
	case http.MethodPost:
		s.handleTransferAction(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, constants.MsgMethodNotAllowed)
	}
}

// ownedTransfer returns the transfer only when it belongs to code.
func (s *Server) ownedTransfer(id, code string) (*transfer.Transfer, error) {
	if id == "" {
		return nil, transfer.ErrTransferNotFound
	}
	info, err := s.Transfers.Status(id)
	if err != nil {
		return nil, err
	}
	if info.Code != code {
		return nil, transfer.ErrTransferNotFound
	}
	return info, nil
}

func (s *Server) handleTransferAction(w http.ResponseWriter, r *http.Request) {
	var req types.FileTransferRequest
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}

	switch req.Action {
	case types.TransferStart:
		info, err := s.Transfers.Start(req.Code, req.FileName, req.FileSize, req.Checksum)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, struct {
			Success bool `json:"success"`
			*transfer.Transfer
		}{true, info})

	case types.TransferChunk:
		if _, err := s.ownedTransfer(req.TransferID, req.Code); err != nil {
			s.fail(w, r, err)
			return
		}
		data, err := base64.StdEncoding.DecodeString(req.ChunkData)
		if err != nil {
			writeError(w, http.StatusBadRequest, "chunkData must be base64")
			return
		}
		ack, err := s.Transfers.Chunk(req.TransferID, *req.ChunkIndex, data)
		if err != nil {
			var gap *transfer.OutOfOrderError
			if errors.As(err, &gap) {
				expected := gap.Expected
				writeJSON(w, http.StatusConflict, types.TransferErrorResponse{Error: err.Error(), ExpectedChunk: &expected})
				return
			}
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, struct {
			Success bool `json:"success"`
			transfer.ChunkAck
		}{true, ack})

	case types.TransferComplete:
		if _, err := s.ownedTransfer(req.TransferID, req.Code); err != nil {
			s.fail(w, r, err)
			return
		}
		ack, err := s.Transfers.Complete(req.TransferID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, struct {
			Success bool `json:"success"`
			transfer.CompleteAck
		}{true, ack})
	}
}

// handleTransferStatus reports progress, or streams the file of a completed
// transfer when download=1.
func (s *Server) handleTransferStatus(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	id, code := q.Get("transferId"), q.Get("code")

	info, err := s.ownedTransfer(id, code)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if q.Get("download") != "1" {
		writeJSON(w, http.StatusOK, struct {
			Success bool `json:"success"`
			*transfer.Transfer
		}{true, info})
		return
	}

	rc, info, err := s.Transfers.Open(id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": info.FileName}))
	w.Header().Set("Content-Length", strconv.FormatInt(info.FileSize, 10))
	w.Header().Set("X-Checksum-Sha256", info.Checksum)
	if _, err := io.Copy(w, rc); err != nil {
		s.log.Debug().Err(err).Str("transfer", id).Msg("download interrupted")
	}
}
