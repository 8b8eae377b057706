package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/adwski/watchparty/gateway/storage/memory"
	"github.com/adwski/watchparty/model"
	"github.com/rs/zerolog"
)

const (
	defaultShutdownDeadline = 10 * time.Second
	defaultHistoryPage      = 50
	maxRequestBody          = 64 << 10
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

type (
	RoomService interface {
		CreateRoom(room model.Room, host model.Participant) (model.Room, error)
		GetRoom(roomID string) (model.Room, error)
		JoinRoom(roomID string, p model.Participant) (model.Participant, error)
		Participants(roomID string) ([]model.Participant, error)
		Messages(roomID string, limit int) ([]model.ChatPayload, error)
	}

	CreateRoomRequest struct {
		Name     string `json:"name,omitempty"`
		VideoURL string `json:"videoUrl,omitempty"`
		HostID   string `json:"hostId"`
		Username string `json:"username,omitempty"`
	}

	JoinRequest struct {
		UserID   string `json:"userId"`
		Username string `json:"username,omitempty"`
		Avatar   string `json:"avatar,omitempty"`
	}

	GenericResponse struct {
		Message string `json:"message,omitempty"`
		Error   string `json:"error,omitempty"`
	}

	Server struct {
		logger zerolog.Logger
		svc    RoomService
		token  string
		*http.Server
	}

	Config struct {
		Logger      *zerolog.Logger
		RoomService RoomService
		ListenAddr  string
		// Token, if set, must be presented as a bearer Authorization header.
		Token string
	}
)

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger: cfg.Logger.With().Str("component", "api-server").Logger(),
		svc:    cfg.RoomService,
		token:  cfg.Token,
	}

	r := http.NewServeMux()
	r.HandleFunc("POST /api/rooms", srv.auth(srv.createRoom))
	r.HandleFunc("GET /api/rooms/{roomID}", srv.auth(srv.getRoom))
	r.HandleFunc("POST /api/rooms/{roomID}/join", srv.auth(srv.joinRoom))
	r.HandleFunc("GET /api/rooms/{roomID}/participants", srv.auth(srv.participants))
	r.HandleFunc("GET /api/rooms/{roomID}/messages", srv.auth(srv.messages))
	r.HandleFunc("OPTIONS /", corsHandler)

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: r,
	}
	return srv
}

func corsHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
	w.Header().Set("Access-Control-Max-Age", "86400")
	w.Header().Set("Access-Control-Allow-Credentials", "true")
	w.WriteHeader(http.StatusNoContent)
}

func (srv *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		if srv.token != "" && r.Header.Get("Authorization") != "Bearer "+srv.token {
			srv.writeJSON(w, http.StatusUnauthorized, &GenericResponse{Error: "unauthorized"})
			return
		}
		next(w, r)
	}
}

func (srv *Server) createRoom(w http.ResponseWriter, r *http.Request) {
	var req CreateRoomRequest
	if !srv.readJSON(w, r, &req) {
		return
	}
	srv.logger.Trace().Any("request", req).Msg("got create room request")

	room, err := srv.svc.CreateRoom(
		model.Room{Name: req.Name, VideoURL: req.VideoURL},
		model.Participant{ID: req.HostID, Username: req.Username},
	)
	if err != nil {
		srv.writeError(w, err)
		return
	}
	srv.writeJSON(w, http.StatusCreated, room)
}

func (srv *Server) getRoom(w http.ResponseWriter, r *http.Request) {
	room, err := srv.svc.GetRoom(r.PathValue("roomID"))
	if err != nil {
		srv.writeError(w, err)
		return
	}
	srv.writeJSON(w, http.StatusOK, room)
}

func (srv *Server) joinRoom(w http.ResponseWriter, r *http.Request) {
	var req JoinRequest
	if !srv.readJSON(w, r, &req) {
		return
	}
	srv.logger.Trace().Any("request", req).Msg("got join request")

	p, err := srv.svc.JoinRoom(r.PathValue("roomID"), model.Participant{
		ID:       req.UserID,
		Username: req.Username,
		Avatar:   req.Avatar,
	})
	if err != nil {
		srv.writeError(w, err)
		return
	}
	srv.writeJSON(w, http.StatusOK, p)
}

func (srv *Server) participants(w http.ResponseWriter, r *http.Request) {
	list, err := srv.svc.Participants(r.PathValue("roomID"))
	if err != nil {
		srv.writeError(w, err)
		return
	}
	srv.writeJSON(w, http.StatusOK, list)
}

func (srv *Server) messages(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryPage
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			srv.writeJSON(w, http.StatusBadRequest, &GenericResponse{Error: "limit must be a positive integer"})
			return
		}
		limit = n
	}
	list, err := srv.svc.Messages(r.PathValue("roomID"), limit)
	if err != nil {
		srv.writeError(w, err)
		return
	}
	srv.writeJSON(w, http.StatusOK, list)
}

func (srv *Server) readJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	defer func() {
		_ = r.Body.Close()
	}()
	if err == nil {
		err = json.Unmarshal(body, v)
	}
	if err != nil {
		srv.writeJSON(w, http.StatusBadRequest, &GenericResponse{Error: "malformed request body"})
		return false
	}
	return true
}

func (srv *Server) writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, memory.ErrRoomNotFound):
		code = http.StatusNotFound
	case errors.Is(err, memory.ErrRoomIsFull), errors.Is(err, memory.ErrRoomExists):
		code = http.StatusConflict
	case errors.Is(err, memory.ErrEmptyUserID):
		code = http.StatusBadRequest
	}
	srv.writeJSON(w, code, &GenericResponse{Error: err.Error()})
}

func (srv *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		srv.logger.Error().Err(err).Msg("failed to marshal response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(b)))
	w.WriteHeader(code)
	if _, err = w.Write(b); err != nil {
		srv.logger.Error().Err(err).Msg("failed to write response")
	}
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	hErr := make(chan error)
	go func() {
		hErr <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-hErr:
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Join(ErrUnexpected, err)
		}
	case <-ctx.Done():
		shCtx, shCancel := context.WithTimeout(context.Background(), defaultShutdownDeadline)
		defer shCancel()
		if err := srv.Shutdown(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("server shutdown failed")
		}
	}
}
