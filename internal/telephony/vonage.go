package telephony

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"crm-voice/internal/calls"
)

const (
	defaultAPIBaseURL    = "https://api.nexmo.com"
	defaultPlaceAttempts = 3
)

// VonageOptions configures the voice provider client.
type VonageOptions struct {
	// APIBaseURL overrides the production API host; used by tests.
	APIBaseURL string

	ApplicationID string
	PrivateKey    *rsa.PrivateKey

	// FromNumber is the provisioned outbound number presented as caller id.
	FromNumber string

	// PlaceAttempts bounds retries for transient placement failures.
	// Provider-side rejections are never retried.
	PlaceAttempts int

	HTTPClient *http.Client
	Logger     *slog.Logger
}

// VonageProvider implements calls.Dialer against the Vonage Voice API.
type VonageProvider struct {
	opts  VonageOptions
	clock func() time.Time
}

func NewVonageProvider(opts VonageOptions) (*VonageProvider, error) {
	if opts.ApplicationID == "" {
		return nil, errors.New("telephony: application id is required")
	}
	if opts.PrivateKey == nil {
		return nil, errors.New("telephony: private key is required")
	}
	if opts.FromNumber == "" {
		return nil, errors.New("telephony: from number is required")
	}
	if opts.APIBaseURL == "" {
		opts.APIBaseURL = defaultAPIBaseURL
	}
	if opts.PlaceAttempts <= 0 {
		opts.PlaceAttempts = defaultPlaceAttempts
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &VonageProvider{opts: opts, clock: time.Now}, nil
}

func (p *VonageProvider) Name() string { return "vonage" }

type createCallRequest struct {
	To        []map[string]string `json:"to"`
	From      map[string]string   `json:"from"`
	AnswerURL []string            `json:"answer_url"`
	EventURL  []string            `json:"event_url"`
}

type createCallResponse struct {
	UUID             string `json:"uuid"`
	Status           string `json:"status"`
	Direction        string `json:"direction"`
	ConversationUUID string `json:"conversation_uuid"`
}

// problemDetails is the application/problem+json error body.
type problemDetails struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Detail string `json:"detail"`
}

func (p *VonageProvider) PlaceCall(ctx context.Context, req calls.DialRequest) (calls.DialResult, error) {
	body := createCallRequest{
		To:        []map[string]string{endpoint(req.To)},
		From:      map[string]string{"type": "phone", "number": p.opts.FromNumber},
		AnswerURL: []string{req.AnswerURL},
		EventURL:  []string{req.EventURL},
	}

	var lastErr error
	for attempt := 1; attempt <= p.opts.PlaceAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return calls.DialResult{}, ctx.Err()
			case <-time.After(time.Duration(attempt-1) * 200 * time.Millisecond):
			}
		}

		res, retryable, err := p.createCall(ctx, body)
		if err == nil {
			return res, nil
		}
		if !retryable {
			return calls.DialResult{}, err
		}
		lastErr = err
		p.opts.Logger.Warn("call placement attempt failed",
			"conversation_id", req.ConversationID, "attempt", attempt, "err", err)
	}
	return calls.DialResult{}, fmt.Errorf("telephony: placement gave up after %d attempts: %w", p.opts.PlaceAttempts, lastErr)
}

func (p *VonageProvider) createCall(ctx context.Context, body createCallRequest) (calls.DialResult, bool, error) {
	resp, err := p.do(ctx, http.MethodPost, "/v1/calls", body)
	if err != nil {
		return calls.DialResult{}, true, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusCreated || resp.StatusCode == http.StatusOK:
		var out createCallResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return calls.DialResult{}, false, fmt.Errorf("telephony: malformed placement response: %w", err)
		}
		if out.UUID == "" {
			return calls.DialResult{}, false, errors.New("telephony: placement response missing call uuid")
		}
		return calls.DialResult{
			LegID:          out.UUID,
			From:           calls.Party{Type: "phone", Number: p.opts.FromNumber},
			ProviderStatus: out.Status,
			Direction:      mapDirection(out.Direction),
		}, false, nil

	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		prob := readProblem(resp.Body)
		if prob.Title == "" {
			prob.Title = http.StatusText(resp.StatusCode)
		}
		return calls.DialResult{}, false, &calls.DialRejectedError{Title: prob.Title, Detail: prob.Detail}

	default:
		io.Copy(io.Discard, resp.Body)
		return calls.DialResult{}, true, fmt.Errorf("telephony: provider returned %d", resp.StatusCode)
	}
}

func (p *VonageProvider) HangUp(ctx context.Context, legID string) error {
	if legID == "" {
		return calls.ErrInvalidArgument
	}
	resp, err := p.do(ctx, http.MethodPut, "/v1/calls/"+legID, map[string]string{"action": "hangup"})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusNoContent, http.StatusOK:
		return nil
	case http.StatusNotFound:
		return fmt.Errorf("telephony: hangup: %w", calls.ErrNotFound)
	default:
		return fmt.Errorf("telephony: hangup returned %d", resp.StatusCode)
	}
}

func (p *VonageProvider) do(ctx context.Context, method, path string, payload any) (*http.Response, error) {
	token, err := mintApplicationJWT(p.opts.ApplicationID, p.opts.PrivateKey, p.clock().UTC())
	if err != nil {
		return nil, fmt.Errorf("telephony: jwt mint failed: %w", err)
	}

	buf, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, p.opts.APIBaseURL+path, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	return p.opts.HTTPClient.Do(req)
}

// endpoint renders a Party as a provider endpoint object. "app" endpoints
// carry the WebRTC user name, everything else is treated as a PSTN number.
func endpoint(party calls.Party) map[string]string {
	if party.Type == "app" {
		return map[string]string{"type": "app", "user": party.Number}
	}
	return map[string]string{"type": "phone", "number": party.Number}
}

func mapDirection(s string) calls.Direction {
	if s == "inbound" {
		return calls.DirectionInbound
	}
	return calls.DirectionOutbound
}

func readProblem(r io.Reader) problemDetails {
	var prob problemDetails
	_ = json.NewDecoder(r).Decode(&prob)
	return prob
}
