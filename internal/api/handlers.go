package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/boardchat/internal/database"
	"github.com/npezzotti/boardchat/internal/logging"
	"github.com/npezzotti/boardchat/internal/server"
	"github.com/npezzotti/boardchat/internal/types"
)

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// LoginResponse carries the token for clients that cannot use the cookie.
type LoginResponse struct {
	User  types.User `json:"user"`
	Token string     `json:"token"`
}

func (s *GoChatApp) writeJson(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error().Err(err).Msg("json encode")
	}
}

func (s *GoChatApp) writeError(w http.ResponseWriter, r *http.Request, errResp *ApiError) {
	if errResp.StatusCode >= http.StatusInternalServerError {
		l := logging.Ctx(r.Context())
		l.Error().Err(errResp).Msg("request failed")
	}
	s.writeJson(w, errResp.StatusCode, errResp)
}

func lookupError(err error) *ApiError {
	if errors.Is(err, sql.ErrNoRows) {
		return NewNotFoundError()
	}
	return NewInternalServerError(err)
}

func (s *GoChatApp) healthz(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(); err != nil {
		s.writeError(w, r, NewServiceUnavailableError(err))
		return
	}
	s.writeJson(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *GoChatApp) session(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, r, NewUnauthorizedError())
		return
	}

	user, err := s.db.GetUserById(r.Context(), userId)
	if err != nil {
		s.writeError(w, r, lookupError(err))
		return
	}

	s.writeJson(w, http.StatusOK, user.ToUser())
}

func (s *GoChatApp) login(w http.ResponseWriter, r *http.Request) {
	var lr LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&lr); err != nil {
		s.writeError(w, r, NewBadRequestError())
		return
	}

	if lr.Email == "" || lr.Password == "" {
		s.writeError(w, r, NewBadRequestError())
		return
	}

	dbUser, err := s.db.GetUserByEmail(r.Context(), lr.Email)
	if err != nil {
		s.writeError(w, r, lookupError(err))
		return
	}

	if !verifyPassword(dbUser.PasswordHash, lr.Password) {
		s.writeError(w, r, NewUnauthorizedError())
		return
	}

	token, err := s.createJwtForSession(dbUser.Id, defaultJwtExpiration)
	if err != nil {
		s.writeError(w, r, NewInternalServerError(err))
		return
	}

	http.SetCookie(w, createJwtCookie(token, defaultJwtExpiration))
	s.writeJson(w, http.StatusOK, LoginResponse{User: dbUser.ToUser(), Token: token})
}

func (s *GoChatApp) logout(w http.ResponseWriter, _ *http.Request) {
	// overwrite the cookie with an expired one
	http.SetCookie(w, createJwtCookie("", -time.Hour))
	w.WriteHeader(http.StatusNoContent)
}

func (s *GoChatApp) listUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.db.ListUsers(r.Context())
	if err != nil {
		s.writeError(w, r, NewInternalServerError(err))
		return
	}

	summaries := make([]types.UserSummary, 0, len(users))
	for _, u := range users {
		summaries = append(summaries, types.UserSummary{Id: u.Id, Name: u.Name, Avatar: u.Avatar})
	}
	s.writeJson(w, http.StatusOK, summaries)
}

func (s *GoChatApp) listProjects(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, r, NewUnauthorizedError())
		return
	}

	projects, err := s.db.ListProjects(r.Context(), userId)
	if err != nil {
		s.writeError(w, r, NewInternalServerError(err))
		return
	}

	out := make([]types.Project, 0, len(projects))
	for _, p := range projects {
		out = append(out, types.Project{Id: p.Id, Title: p.Title})
	}
	s.writeJson(w, http.StatusOK, out)
}

// getMessages returns the history of one conversation, oldest first.
// project_id selects a project ("global" or absent for the global room),
// recipient_id selects the caller's direct conversation with that user.
func (s *GoChatApp) getMessages(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, r, NewUnauthorizedError())
		return
	}

	q := r.URL.Query()
	projectParam, recipientParam := q.Get("project_id"), q.Get("recipient_id")

	var (
		conv types.Conversation
		addr types.Addressing
	)
	switch {
	case recipientParam != "" && projectParam != "" && projectParam != "global":
		s.writeError(w, r, NewBadRequestReason("project_id and recipient_id are exclusive"))
		return
	case recipientParam != "":
		recipientId, err := strconv.Atoi(recipientParam)
		if err != nil || recipientId <= 0 {
			s.writeError(w, r, NewBadRequestReason("invalid recipient_id"))
			return
		}
		addr = types.DirectAddress(recipientId)
		conv = types.DirectConversation(userId, recipientId)
	case projectParam != "" && projectParam != "global":
		projectId, err := strconv.Atoi(projectParam)
		if err != nil || projectId <= 0 {
			s.writeError(w, r, NewBadRequestReason("invalid project_id"))
			return
		}
		addr = types.ProjectAddress(projectId)
		conv = types.ProjectConversation(projectId)
	default:
		addr = types.GlobalAddress()
		conv = types.GlobalConversation()
	}

	filter := database.Filter{Conversation: conv, Limit: s.historyLimit}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit <= 0 {
			s.writeError(w, r, NewBadRequestReason("invalid limit"))
			return
		}
		filter.Limit = limit
	}
	if v := q.Get("before"); v != "" {
		before, err := strconv.ParseInt(v, 10, 64)
		if err != nil || before <= 0 {
			s.writeError(w, r, NewBadRequestReason("invalid before"))
			return
		}
		filter.Before = before
	}

	allowed, err := s.auth.CanAddress(r.Context(), userId, addr)
	if err != nil {
		s.writeError(w, r, NewInternalServerError(err))
		return
	}
	if !allowed {
		s.writeError(w, r, NewForbiddenError())
		return
	}

	messages, err := s.db.Query(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, NewInternalServerError(err))
		return
	}
	if messages == nil {
		messages = []types.ChatMessage{}
	}

	s.writeJson(w, http.StatusOK, messages)
}

func (s *GoChatApp) serveWs(w http.ResponseWriter, r *http.Request) {
	id, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, r, NewUnauthorizedError())
		return
	}

	user, err := s.db.GetUserById(r.Context(), id)
	if err != nil {
		s.writeError(w, r, lookupError(err))
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			return slices.Contains(s.allowedOrigins, origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		l := logging.Ctx(r.Context())
		l.Warn().Err(err).Msg("error upgrading connection")
		return
	}

	if _, err := s.cs.Serve(conn, user.ToUser()); err != nil {
		l := logging.Ctx(r.Context())
		l.Warn().Err(err).Msg("failed to register connection")
		conn.WriteJSON(server.ErrServiceUnavailable(0))
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "server unavailable"))
		conn.Close()
	}
}
