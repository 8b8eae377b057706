package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/adwski/watchparty/model"
	"github.com/rs/zerolog"
)

const (
	defaultRequestTimeout = 10 * time.Second
	maxErrorBody          = 4 << 10
)

var (
	ErrUnauthorized     = errors.New("unauthorized")
	ErrUnexpectedStatus = errors.New("unexpected response status")
	ErrEmptyRoomID      = errors.New("room id is empty")
	ErrNoBaseURL        = errors.New("base url is not configured")
)

type (
	// TokenSource yields the bearer token for the next request. An empty
	// token sends the request anonymously.
	TokenSource func() string

	Config struct {
		Logger     *zerolog.Logger
		HTTPClient *http.Client
		// CoreURL serves rooms and users, ChatURL serves chat history.
		CoreURL string
		ChatURL string
		Token   TokenSource
		// OnUnauthorized runs after every 401, typically a global sign-out.
		OnUnauthorized func()
	}

	// Client is the REST side of the room service.
	Client struct {
		logger         zerolog.Logger
		http           *http.Client
		coreURL        string
		chatURL        string
		token          TokenSource
		onUnauthorized func()
	}

	StatusError struct {
		Method string
		URL    string
		Code   int
		Body   string
	}

	CreateRoomRequest struct {
		Name     string `json:"name,omitempty"`
		VideoURL string `json:"videoUrl,omitempty"`
		HostID   string `json:"hostId"`
		Username string `json:"username,omitempty"`
	}

	JoinRoomRequest struct {
		UserID   string `json:"userId"`
		Username string `json:"username,omitempty"`
		Avatar   string `json:"avatar,omitempty"`
	}
)

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.URL, e.Code, e.Body)
}

func (e *StatusError) Unwrap() error {
	if e.Code == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	return ErrUnexpectedStatus
}

func NewClient(cfg Config) *Client {
	c := &Client{
		logger:         cfg.Logger.With().Str("component", "api").Logger(),
		http:           cfg.HTTPClient,
		coreURL:        strings.TrimRight(cfg.CoreURL, "/"),
		chatURL:        strings.TrimRight(cfg.ChatURL, "/"),
		token:          cfg.Token,
		onUnauthorized: cfg.OnUnauthorized,
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: defaultRequestTimeout}
	}
	if c.chatURL == "" {
		c.chatURL = c.coreURL
	}
	return c
}

func (c *Client) CreateRoom(ctx context.Context, req CreateRoomRequest) (model.Room, error) {
	var room model.Room
	err := c.do(ctx, http.MethodPost, c.coreURL, "/api/rooms", nil, req, &room)
	return room, err
}

func (c *Client) GetRoom(ctx context.Context, roomID string) (model.Room, error) {
	if roomID == "" {
		return model.Room{}, ErrEmptyRoomID
	}
	var room model.Room
	err := c.do(ctx, http.MethodGet, c.coreURL, "/api/rooms/"+url.PathEscape(roomID), nil, nil, &room)
	return room, err
}

func (c *Client) JoinRoom(ctx context.Context, roomID string, req JoinRoomRequest) (model.Participant, error) {
	if roomID == "" {
		return model.Participant{}, ErrEmptyRoomID
	}
	var p model.Participant
	err := c.do(ctx, http.MethodPost, c.coreURL, "/api/rooms/"+url.PathEscape(roomID)+"/join", nil, req, &p)
	return p, err
}

func (c *Client) Participants(ctx context.Context, roomID string) ([]model.Participant, error) {
	if roomID == "" {
		return nil, ErrEmptyRoomID
	}
	var list []model.Participant
	err := c.do(ctx, http.MethodGet, c.coreURL, "/api/rooms/"+url.PathEscape(roomID)+"/participants", nil, nil, &list)
	return list, err
}

// ChatHistory fetches up to limit recent messages. Zero limit lets the
// server decide.
func (c *Client) ChatHistory(ctx context.Context, roomID string, limit int) ([]model.ChatPayload, error) {
	if roomID == "" {
		return nil, ErrEmptyRoomID
	}
	var q url.Values
	if limit > 0 {
		q = url.Values{"limit": []string{strconv.Itoa(limit)}}
	}
	var list []model.ChatPayload
	err := c.do(ctx, http.MethodGet, c.chatURL, "/api/rooms/"+url.PathEscape(roomID)+"/messages", q, nil, &list)
	return list, err
}

func (c *Client) do(ctx context.Context, method, base, path string, query url.Values, in, out any) error {
	if base == "" {
		return ErrNoBaseURL
	}
	target := base + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("cannot encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("cannot create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != nil {
		if token := c.token(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		serr := &StatusError{
			Method: method,
			URL:    target,
			Code:   resp.StatusCode,
			Body:   strings.TrimSpace(string(msg)),
		}
		c.logger.Warn().Err(serr).Msg("api request rejected")
		if resp.StatusCode == http.StatusUnauthorized && c.onUnauthorized != nil {
			c.onUnauthorized()
		}
		return serr
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err = json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("cannot decode response: %w", err)
	}
	c.logger.Trace().Str("method", method).Str("url", target).Msg("api request done")
	return nil
}
