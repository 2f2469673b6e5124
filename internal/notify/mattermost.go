package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"alertflow/internal/config"
)

// MattermostSink posts notifications through the Mattermost posts API.
// Params: base URL, bot token, channel id, and update capability.
// Returns: chat sink with edit support.
type MattermostSink struct {
	cfg    config.MattermostConfig
	client *http.Client
}

// NewMattermostSink creates the Mattermost sink.
// Params: Mattermost config section.
// Returns: initialized sink.
func NewMattermostSink(cfg config.MattermostConfig) *MattermostSink {
	timeoutSec := cfg.TimeoutSec
	if timeoutSec <= 0 {
		timeoutSec = 10
	}
	return &MattermostSink{
		cfg:    cfg,
		client: &http.Client{Timeout: time.Duration(timeoutSec) * time.Second},
	}
}

// Name returns sink channel name.
// Params: none.
// Returns: static channel key.
func (s *MattermostSink) Name() string {
	return "mattermost"
}

// CanUpdate reports whether delivered posts may be edited in place.
// Params: none.
// Returns: configured update capability.
func (s *MattermostSink) CanUpdate() bool {
	return s.cfg.AllowUpdate
}

type mattermostPost struct {
	ID        string         `json:"id,omitempty"`
	ChannelID string         `json:"channel_id,omitempty"`
	Message   string         `json:"message"`
	RootID    string         `json:"root_id,omitempty"`
	Props     map[string]any `json:"props,omitempty"`
}

// Send creates one channel post and returns its post id.
// Params: context and rendered message.
// Returns: post id or transport/HTTP error.
func (s *MattermostSink) Send(ctx context.Context, msg Message) (string, error) {
	post := mattermostPost{
		ChannelID: strings.TrimSpace(s.cfg.ChannelID),
		Message:   renderMattermostText(msg),
		RootID:    strings.TrimSpace(msg.ThreadRef),
		Props:     mattermostProps(msg),
	}
	body, err := json.Marshal(post)
	if err != nil {
		return "", fmt.Errorf("encode mattermost payload: %w", err)
	}

	endpoint := s.baseURL() + "/api/v4/posts"
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build mattermost request: %w", err)
	}
	s.setHeaders(request)

	response, err := s.client.Do(request)
	if err != nil {
		return "", fmt.Errorf("mattermost send: %w", err)
	}
	defer response.Body.Close()
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return "", unexpectedHTTPStatusError("mattermost", response)
	}

	var decoded struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(response.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("decode mattermost response: %w", err)
	}
	if strings.TrimSpace(decoded.ID) == "" {
		return "", errors.New("mattermost response missing post id")
	}
	return decoded.ID, nil
}

// Update rewrites one delivered post in place.
// Params: context, post id from Send, and replacement message.
// Returns: transport or HTTP error.
func (s *MattermostSink) Update(ctx context.Context, ref string, msg Message) error {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return errors.New("mattermost update requires a post id")
	}

	post := mattermostPost{
		ID:      ref,
		Message: renderMattermostText(msg),
		Props:   mattermostProps(msg),
	}
	body, err := json.Marshal(post)
	if err != nil {
		return fmt.Errorf("encode mattermost payload: %w", err)
	}

	endpoint := s.baseURL() + "/api/v4/posts/" + ref
	request, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build mattermost request: %w", err)
	}
	s.setHeaders(request)

	response, err := s.client.Do(request)
	if err != nil {
		return fmt.Errorf("mattermost update: %w", err)
	}
	defer response.Body.Close()
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return unexpectedHTTPStatusError("mattermost", response)
	}
	return nil
}

func (s *MattermostSink) baseURL() string {
	return strings.TrimRight(strings.TrimSpace(s.cfg.BaseURL), "/")
}

func (s *MattermostSink) setHeaders(request *http.Request) {
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Authorization", "Bearer "+strings.TrimSpace(s.cfg.BotToken))
}

// renderMattermostText joins title and body as markdown.
// Params: rendered message.
// Returns: post text with a bold title line.
func renderMattermostText(msg Message) string {
	if msg.Title == "" {
		return msg.Body
	}
	return "**" + msg.Title + "**\n" + msg.Body
}

// mattermostProps builds the attachment color bar props.
// Params: rendered message.
// Returns: props map or nil when no color is set.
func mattermostProps(msg Message) map[string]any {
	if msg.Color == "" {
		return nil
	}
	return map[string]any{
		"attachments": []map[string]any{
			{"color": msg.Color, "fallback": msg.Title},
		},
	}
}

// unexpectedHTTPStatusError formats non-2xx HTTP response with optional body.
// Params: sender prefix label and HTTP response pointer.
// Returns: status-only or status+body error.
func unexpectedHTTPStatusError(prefix string, response *http.Response) error {
	if response == nil {
		return fmt.Errorf("%s status=0", prefix)
	}
	rawBody, readErr := io.ReadAll(response.Body)
	if readErr != nil {
		return fmt.Errorf("%s status=%d (read body error: %w)", prefix, response.StatusCode, readErr)
	}
	trimmedBody := strings.TrimSpace(string(rawBody))
	if trimmedBody == "" {
		return fmt.Errorf("%s status=%d", prefix, response.StatusCode)
	}
	return fmt.Errorf("%s status=%d body=%s", prefix, response.StatusCode, trimmedBody)
}
