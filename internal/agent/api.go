// Package agent implements the host and join sides of a pairdesk session:
// the control plane calls, the relay link and the terminal UI.
package agent

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"pairdesk/internal/constants"
	"pairdesk/internal/session"
	"pairdesk/internal/types"
)

// APIError is a non-2xx answer from the control plane.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

// API is a small client for the control plane endpoints.
type API struct {
	base   string
	client *http.Client
}

func NewAPI(serverURL string, skipTLSVerify bool) *API {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if skipTLSVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &API{
		base:   serverURL,
		client: &http.Client{Transport: transport, Timeout: 15 * time.Second},
	}
}

func (a *API) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var failure struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&failure)
		msg := failure.Message
		if msg == "" {
			msg = failure.Error
		}
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return &APIError{Status: resp.StatusCode, Message: msg}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (a *API) GenerateCode(ctx context.Context, perms *session.Permissions) (types.GenerateCodeResponse, error) {
	var resp types.GenerateCodeResponse
	err := a.do(ctx, http.MethodPost, constants.EndpointGenerateCode, types.GenerateCodeRequest{Permissions: perms}, &resp)
	return resp, err
}

func (a *API) Verify(ctx context.Context, code string) (types.VerifyResponse, error) {
	var resp types.VerifyResponse
	err := a.do(ctx, http.MethodGet, constants.EndpointVerify+"?code="+url.QueryEscape(code), nil, &resp)
	return resp, err
}

func (a *API) IssueToken(ctx context.Context, code string) (types.TokenResponse, error) {
	var resp types.TokenResponse
	err := a.do(ctx, http.MethodPost, constants.EndpointSecurity,
		types.SecurityRequest{Action: types.ActionGenerateToken, Code: code}, &resp)
	return resp, err
}

func (a *API) ValidateToken(ctx context.Context, code, token string) (types.ValidateResponse, error) {
	var resp types.ValidateResponse
	err := a.do(ctx, http.MethodPost, constants.EndpointSecurity,
		types.SecurityRequest{Action: types.ActionValidateToken, Code: code, Token: token}, &resp)
	return resp, err
}

func (a *API) Join(ctx context.Context, code, token string) (types.JoinResponse, error) {
	var resp types.JoinResponse
	err := a.do(ctx, http.MethodPost, constants.EndpointSessions+code+"/join", types.JoinRequest{Token: token}, &resp)
	return resp, err
}

func (a *API) EndSession(ctx context.Context, code, hostID string) error {
	return a.do(ctx, http.MethodDelete, constants.EndpointSessions+code+"?hostId="+url.QueryEscape(hostID), nil, nil)
}
