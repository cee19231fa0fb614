package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/roach88/factsync/internal/ir"
	"github.com/roach88/factsync/internal/logstore"
)

// HeadBody is the body of GET and PUT /head.
type HeadBody struct {
	Head uuid.UUID `json:"head"`
}

// ListBody is the body of GET /transactions.
type ListBody struct {
	Limit        int         `json:"limit"`
	From         uuid.UUID   `json:"from"`
	Transactions []uuid.UUID `json:"transactions"`
}

// PutTransactionBody is the body of PUT /transactions/{tx}.
type PutTransactionBody struct {
	Parent uuid.UUID   `json:"parent"`
	Chunks []uuid.UUID `json:"chunks"`
}

// namespace resolves the {namespace} path segment.
func (s *Server) namespace(w http.ResponseWriter, r *http.Request) (*logstore.Namespace, bool) {
	id, ok := pathUUID(w, r, "namespace")
	if !ok {
		return nil, false
	}
	return s.logs.Namespace(id), true
}

func pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	raw := r.PathValue(name)
	id, err := uuid.Parse(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, name+" is not a uuid: "+raw)
		return uuid.Nil, false
	}
	return id, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, codeBadRequest, "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, codeBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

func (s *Server) handleGetHead(w http.ResponseWriter, r *http.Request) {
	ns, ok := s.namespace(w, r)
	if !ok {
		return
	}
	head, err := ns.Head(r.Context())
	if err != nil {
		writeLogError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, HeadBody{Head: head})
}

func (s *Server) handlePutHead(w http.ResponseWriter, r *http.Request) {
	ns, ok := s.namespace(w, r)
	if !ok {
		return
	}
	var body HeadBody
	if !decodeBody(w, r, &body) {
		return
	}
	if err := ns.SetHead(r.Context(), body.Head); err != nil {
		writeLogError(w, r, err)
		return
	}
	logFor(r.Context()).Info("head moved", "namespace", r.PathValue("namespace"), "head", body.Head)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	ns, ok := s.namespace(w, r)
	if !ok {
		return
	}

	from := ir.EmptyHead
	if raw := r.URL.Query().Get("from"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, codeBadRequest, "from is not a uuid: "+raw)
			return
		}
		from = id
	}

	limit := s.config.ListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, codeBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, limit)
	}

	headers, err := ns.ListAfter(r.Context(), from, limit)
	if err != nil {
		writeLogError(w, r, err)
		return
	}
	ids := make([]uuid.UUID, len(headers))
	for i, h := range headers {
		ids[i] = h.ID
	}
	writeJSON(w, http.StatusOK, ListBody{Limit: limit, From: from, Transactions: ids})
}

func (s *Server) handleGetTransaction(w http.ResponseWriter, r *http.Request) {
	ns, ok := s.namespace(w, r)
	if !ok {
		return
	}
	txID, ok := pathUUID(w, r, "tx")
	if !ok {
		return
	}
	h, err := ns.Header(r.Context(), txID)
	if err != nil {
		writeLogError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h)
}

func (s *Server) handlePutTransaction(w http.ResponseWriter, r *http.Request) {
	ns, ok := s.namespace(w, r)
	if !ok {
		return
	}
	txID, ok := pathUUID(w, r, "tx")
	if !ok {
		return
	}
	var body PutTransactionBody
	if !decodeBody(w, r, &body) {
		return
	}
	if err := ns.PutTransaction(r.Context(), txID, body.Parent, body.Chunks); err != nil {
		writeLogError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleGetChunk(w http.ResponseWriter, r *http.Request) {
	ns, ok := s.namespace(w, r)
	if !ok {
		return
	}
	chunk, ok := pathUUID(w, r, "chunk")
	if !ok {
		return
	}
	payload, err := ns.ChunkPayload(r.Context(), chunk)
	if err != nil {
		writeLogError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(payload)
}

func (s *Server) handlePutChunk(w http.ResponseWriter, r *http.Request) {
	ns, ok := s.namespace(w, r)
	if !ok {
		return
	}
	chunk, ok := pathUUID(w, r, "chunk")
	if !ok {
		return
	}
	var part ir.TxPart
	if !decodeBody(w, r, &part) {
		return
	}
	if err := part.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, err.Error())
		return
	}
	if err := ns.PutChunk(r.Context(), chunk, part); err != nil {
		writeLogError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}
