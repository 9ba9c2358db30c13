package elevenlabs

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/DifinityDigital/ElevenLabs-Calling/internal/domain"
	"github.com/DifinityDigital/ElevenLabs-Calling/pkg/logger"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	providerName     = "elevenlabs"
	DefaultBaseURL   = "https://api.elevenlabs.io"
	conversationPath = "/v1/convai/conversation"
	signedURLPath    = "/v1/convai/conversation/get_signed_url"

	defaultHTTPTimeout      = 10 * time.Second
	defaultHandshakeTimeout = 10 * time.Second

	// MaxMessageSize bounds a single ConvAI server event
	MaxMessageSize = 64 << 10
)

// Config configures the ConvAI client
type Config struct {
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
	Dialer     *websocket.Dialer
}

// Client opens ElevenLabs Conversational AI sessions
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	dialer     *websocket.Dialer
}

// NewClient creates a ConvAI client
func NewClient(cfg Config) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: defaultHandshakeTimeout,
		}
	}
	return &Client{
		apiKey:     strings.TrimSpace(cfg.APIKey),
		baseURL:    baseURL,
		httpClient: httpClient,
		dialer:     dialer,
	}
}

// SessionConfig selects the agent and its per-call variables
type SessionConfig struct {
	AgentID          string
	DynamicVariables map[string]interface{}
	RequiresAuth     bool
}

// Callbacks receive agent output. Every callback is optional and is invoked from the
// session's read goroutine.
type Callbacks struct {
	OnAudio                   func(audio []byte)
	OnInterruption            func()
	OnAgentResponse           func(text string)
	OnAgentResponseCorrection func(original, corrected string)
	OnUserTranscript          func(text string)
}

// StartSession connects to the agent, sends the initiation data and starts reading events.
func (c *Client) StartSession(ctx context.Context, cfg SessionConfig, callbacks Callbacks) (*Session, error) {
	agentID := strings.TrimSpace(cfg.AgentID)
	if agentID == "" {
		return nil, &domain.MissingParameterError{Params: []string{"agent_id"}}
	}

	wsURL, err := c.conversationURL(ctx, agentID, cfg.RequiresAuth)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	if !cfg.RequiresAuth && c.apiKey != "" {
		header.Set("xi-api-key", c.apiKey)
	}

	conn, resp, err := c.dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		return nil, &domain.ProviderError{Provider: providerName, Status: status, Err: fmt.Errorf("dial conversation: %w", err)}
	}

	conn.SetReadLimit(MaxMessageSize)
	s := newSession(conn, agentID, callbacks)
	if err := s.writeJSON(ctx, NewInitiationData(cfg.DynamicVariables)); err != nil {
		_ = conn.Close()
		return nil, &domain.ProviderError{Provider: providerName, Err: fmt.Errorf("send initiation data: %w", err)}
	}

	go s.readLoop()

	logger.Base().Info("ElevenLabs conversation started", zap.String("agent_id", agentID), zap.Bool("signed", cfg.RequiresAuth))
	return s, nil
}

// conversationURL returns the websocket URL for agentID, signed when auth is required.
func (c *Client) conversationURL(ctx context.Context, agentID string, requiresAuth bool) (string, error) {
	if requiresAuth {
		return c.GetSignedURL(ctx, agentID)
	}

	u, err := url.Parse(c.baseURL + conversationPath)
	if err != nil {
		return "", fmt.Errorf("invalid elevenlabs base url: %w", err)
	}
	switch u.Scheme {
	case "https", "":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	q := u.Query()
	q.Set("agent_id", agentID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// GetSignedURL requests a short-lived conversation URL for a private agent.
func (c *Client) GetSignedURL(ctx context.Context, agentID string) (string, error) {
	if c.apiKey == "" {
		return "", &domain.MissingParameterError{Params: []string{"ELEVENLABS_API_KEY"}}
	}

	endpoint := fmt.Sprintf("%s%s?agent_id=%s", c.baseURL, signedURLPath, url.QueryEscape(agentID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create signed url request: %w", err)
	}
	req.Header.Set("xi-api-key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &domain.ProviderError{Provider: providerName, Err: fmt.Errorf("get signed url: %w", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", &domain.ProviderError{Provider: providerName, Status: resp.StatusCode, Err: fmt.Errorf("read signed url response: %w", err)}
	}
	if resp.StatusCode != http.StatusOK {
		return "", &domain.ProviderError{Provider: providerName, Status: resp.StatusCode, Err: fmt.Errorf("get signed url: %s", strings.TrimSpace(string(body)))}
	}

	var payload struct {
		SignedURL string `json:"signed_url"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", &domain.ProviderError{Provider: providerName, Status: resp.StatusCode, Err: fmt.Errorf("decode signed url response: %w", err)}
	}
	if payload.SignedURL == "" {
		return "", &domain.ProviderError{Provider: providerName, Status: resp.StatusCode, Err: fmt.Errorf("signed url response was empty")}
	}
	return payload.SignedURL, nil
}
