package relay

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/MrWong99/tutorvox/internal/lifecycle"
)

// IssuePath is where the development issuing endpoint is mounted.
const IssuePath = "/v1/sessions"

const maxIssueBody = 64 << 10

// IssueHandler serves POST /v1/sessions. It creates a pending session and
// returns its one-time token. Production issuance belongs to the web
// application; this endpoint exists for local testing and is only mounted
// when an admin key is configured.
type IssueHandler struct {
	sessions *lifecycle.Manager
	adminKey []byte
}

// NewIssueHandler returns an IssueHandler guarded by adminKey, which callers
// present as a bearer token.
func NewIssueHandler(sessions *lifecycle.Manager, adminKey string) *IssueHandler {
	return &IssueHandler{sessions: sessions, adminKey: []byte(adminKey)}
}

// Register mounts the handler on mux.
func (h *IssueHandler) Register(mux *http.ServeMux) {
	mux.Handle("POST "+IssuePath, h)
}

// issueResponse extends the issued credentials with the relay path so a
// test client can connect without building the URL itself.
type issueResponse struct {
	lifecycle.Issued
	RelayPath string `json:"relayPath"`
}

type issueError struct {
	Error string `json:"error"`
}

func (h *IssueHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		writeJSON(w, http.StatusUnauthorized, issueError{Error: "invalid admin key"})
		return
	}

	var req lifecycle.IssueRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxIssueBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, issueError{Error: "invalid request body: " + err.Error()})
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		writeJSON(w, http.StatusBadRequest, issueError{Error: "userId is required"})
		return
	}

	issued, err := h.sessions.Issue(r.Context(), req)
	if err != nil {
		slog.Error("relay: issue session", "user_id", req.UserID, "err", err)
		writeJSON(w, http.StatusInternalServerError, issueError{Error: "could not issue session"})
		return
	}

	slog.Info("relay: session issued", "session_id", issued.SessionID, "user_id", req.UserID)
	writeJSON(w, http.StatusCreated, issueResponse{
		Issued:    issued,
		RelayPath: Path + "?sessionId=" + issued.SessionID + "&token=" + issued.Token,
	})
}

func (h *IssueHandler) authorized(r *http.Request) bool {
	if len(h.adminKey) == 0 {
		return false
	}
	got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), h.adminKey) == 1
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil && !errors.Is(err, http.ErrHandlerTimeout) {
		slog.Debug("relay: write response", "err", err)
	}
}
