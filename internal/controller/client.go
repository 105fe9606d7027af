// Package controller is the HTTP client for the in-container runtime
// controller. Calls are short-timeout probes or fire-and-forget commands;
// the caller owns polling and retries.
package controller

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	v1 "github.com/aidenhq/aiden/pkg/api/v1"
)

// requestTimeout bounds every controller call. Liveness decisions rest
// on fast failures, not on patient ones.
const requestTimeout = 3 * time.Second

// Failure kinds.
var (
	// ErrUnreachable means the runtime's reverse proxy did not answer.
	ErrUnreachable = errors.New("runtime unreachable")

	// ErrControllerDown means the proxy answered but the controller
	// behind it did not.
	ErrControllerDown = errors.New("runtime controller down")
)

// CharacterStatus is the controller's report on its character.
type CharacterStatus struct {
	Running bool    `json:"running"`
	AgentID *string `json:"agent_id"`
	Msg     *string `json:"msg"`
}

// Character is the controller's view of its loaded character, envs
// redacted.
type Character struct {
	CharacterJSON json.RawMessage `json:"character_json"`
	Envs          []v1.Env        `json:"envs"`
}

// Client talks to runtime controllers. One client serves all runtimes;
// the base URL is passed per call.
type Client struct {
	http *http.Client
}

// New builds a client with the standard probe timeout.
func New() *Client {
	return &Client{http: &http.Client{Timeout: requestTimeout}}
}

// Ping probes the runtime's reverse proxy.
func (c *Client) Ping(ctx context.Context, baseURL string) error {
	if err := c.get(ctx, baseURL+"/ping", nil); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUnreachable, baseURL, err)
	}
	return nil
}

// ControllerPing probes the controller process behind the proxy.
func (c *Client) ControllerPing(ctx context.Context, baseURL string) error {
	if err := c.get(ctx, baseURL+"/controller/ping", nil); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrControllerDown, baseURL, err)
	}
	return nil
}

// CharacterStatus reports whether a character is running and which
// external agent id it carries.
func (c *Client) CharacterStatus(ctx context.Context, baseURL string) (*CharacterStatus, error) {
	var status CharacterStatus
	if err := c.get(ctx, baseURL+"/controller/character/status", &status); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrControllerDown, baseURL, err)
	}
	return &status, nil
}

// StartCharacter queues a character start. The controller returns before
// the character is fully up; callers poll CharacterStatus.
func (c *Client) StartCharacter(ctx context.Context, baseURL string, characterJSON json.RawMessage, envFile string) error {
	payload := map[string]any{
		"character_json": characterJSON,
		"envs":           envFile,
	}
	if err := c.post(ctx, baseURL+"/controller/character/start", payload); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrControllerDown, baseURL, err)
	}
	return nil
}

// StopCharacter stops whatever is running. Idempotent: succeeds when
// nothing is running.
func (c *Client) StopCharacter(ctx context.Context, baseURL string) error {
	if err := c.post(ctx, baseURL+"/controller/character/stop", nil); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrControllerDown, baseURL, err)
	}
	return nil
}

// ReadCharacter fetches the loaded character with redacted envs.
func (c *Client) ReadCharacter(ctx context.Context, baseURL string) (*Character, error) {
	var character Character
	if err := c.get(ctx, baseURL+"/controller/character/read", &character); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrControllerDown, baseURL, err)
	}
	return &character, nil
}

func (c *Client) get(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, url string, payload any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, nil)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
