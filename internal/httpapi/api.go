// Package httpapi serves the read-only REST surface: authenticated history
// listing for a room. It reuses the exact membership check and tombstone
// filtering the real-time path uses, so both surfaces agree on what a
// caller may see.
package httpapi

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/kindline/chat-app/internal/auth"
	"github.com/kindline/chat-app/internal/history"
	"github.com/kindline/chat-app/internal/message"
	"github.com/kindline/chat-app/internal/protocol"
	"github.com/kindline/chat-app/internal/room"
)

// API bundles the dependencies of the HTTP handlers.
type API struct {
	verifier *auth.Verifier
	rooms    *room.Resolver
	history  *history.Service
}

// New creates the API.
func New(verifier *auth.Verifier, rooms *room.Resolver, hist *history.Service) *API {
	return &API{verifier: verifier, rooms: rooms, history: hist}
}

// Register attaches the API routes to the given mux.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /rooms/{roomId}/messages", a.handleListMessages)
}

// listResponse is the JSON body of the history listing.
type listResponse struct {
	Messages []protocol.Message `json:"messages"`
	Total    int                `json:"total"`
	HasMore  bool               `json:"has_more"`
	Limit    int                `json:"limit"`
	Offset   int                `json:"offset"`
}

// handleListMessages serves GET /rooms/{roomId}/messages with bearer auth,
// offset paging, and optional before/after/thread_id filters.
func (a *API) handleListMessages(w http.ResponseWriter, r *http.Request) {
	identity, ok := a.authenticate(w, r)
	if !ok {
		return
	}

	roomID := r.PathValue("roomId")
	member, err := a.rooms.VerifyMembership(r.Context(), identity.UserID, roomID)
	if err != nil {
		log.Printf("httpapi: membership check failed user=%s room=%s: %v", identity.Email, roomID, err)
		writeError(w, http.StatusInternalServerError, protocol.CodeServerError, "internal server error")
		return
	}
	if !member {
		writeError(w, http.StatusForbidden, protocol.CodeNotInRoom, "not a member of this room")
		return
	}

	opts, err := parseListOptions(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, protocol.CodeValidation, err.Error())
		return
	}

	page, err := a.history.List(r.Context(), roomID, opts)
	if err != nil {
		log.Printf("httpapi: history list failed room=%s: %v", roomID, err)
		writeError(w, http.StatusInternalServerError, protocol.CodeServerError, "internal server error")
		return
	}

	members, err := a.rooms.Members(r.Context(), roomID)
	if err != nil {
		log.Printf("httpapi: members lookup failed room=%s: %v", roomID, err)
		writeError(w, http.StatusInternalServerError, protocol.CodeServerError, "internal server error")
		return
	}

	writeJSON(w, http.StatusOK, listResponse{
		Messages: message.ToWireSlice(page.Messages, members),
		Total:    page.Total,
		HasMore:  page.HasMore,
		Limit:    page.Limit,
		Offset:   page.Offset,
	})
}

// authenticate verifies the bearer token and writes the error response
// itself on failure.
func (a *API) authenticate(w http.ResponseWriter, r *http.Request) (auth.Identity, bool) {
	token := auth.FromAuthorizationHeader(r.Header.Get("Authorization"))
	identity, err := a.verifier.Verify(token)
	if err != nil {
		code := protocol.CodeAuthInvalid
		switch {
		case errors.Is(err, auth.ErrTokenRequired):
			code = protocol.CodeAuthRequired
		case errors.Is(err, auth.ErrTokenExpired):
			code = protocol.CodeAuthExpired
		}
		writeError(w, http.StatusUnauthorized, code, "authentication failed")
		return auth.Identity{}, false
	}
	return identity, true
}

// parseListOptions reads paging and filter query parameters. Timestamps are
// RFC 3339.
func parseListOptions(r *http.Request) (history.ListOptions, error) {
	var opts history.ListOptions
	q := r.URL.Query()

	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return opts, errors.New("invalid limit")
		}
		opts.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return opts, errors.New("invalid offset")
		}
		opts.Offset = n
	}
	if v := q.Get("before"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return opts, errors.New("invalid before timestamp")
		}
		opts.Before = t
	}
	if v := q.Get("after"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return opts, errors.New("invalid after timestamp")
		}
		opts.After = t
	}
	opts.ThreadID = q.Get("thread_id")

	return opts, nil
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("httpapi: write response: %v", err)
	}
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Code: code, Message: message})
}
