// Package telephony wraps the external telephony provider's REST API: call
// placement, status queries, hangup and recording download. It is the only
// package that talks to the provider.
package telephony

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/icholy/digest"
)

// defaultAPIBase is the provider REST endpoint.
const defaultAPIBase = "https://api.twilio.com"

// apiVersion is the provider REST dialect version.
const apiVersion = "2010-04-01"

// Adapter is the REST client for the telephony provider.
type Adapter struct {
	accountSID string
	authToken  string
	apiBase    string
	httpClient *http.Client
	// mediaClient carries a digest-challenge transport for media servers
	// that do not accept plain basic auth.
	mediaClient *http.Client
	logger      *slog.Logger
}

// New creates a provider adapter. apiBase may be empty to use the live
// endpoint; tests point it at a local server.
func New(accountSID, authToken, apiBase string, logger *slog.Logger) *Adapter {
	if apiBase == "" {
		apiBase = defaultAPIBase
	}
	return &Adapter{
		accountSID: accountSID,
		authToken:  authToken,
		apiBase:    strings.TrimRight(apiBase, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		mediaClient: &http.Client{
			Timeout: 60 * time.Second,
			Transport: &digest.Transport{
				Username: accountSID,
				Password: authToken,
			},
		},
		logger: logger.With("subsystem", "telephony"),
	}
}

// callsURL is the provider endpoint for call resources.
func (a *Adapter) callsURL(suffix string) string {
	return fmt.Sprintf("%s/%s/Accounts/%s/Calls%s", a.apiBase, apiVersion, a.accountSID, suffix)
}

// PlaceCall places one outbound call. When the caller identity carries an
// alpha label and the provider rejects it as an invalid From, the call is
// retried exactly once with the fallback number; the placement then
// records that the fallback was used and why. Any other provider error
// surfaces unchanged.
func (a *Adapter) PlaceCall(ctx context.Context, req PlacementRequest) (*Placement, error) {
	from := req.Caller.First()

	placement, err := a.place(ctx, req, from)
	if err == nil {
		placement.CallerUsed = from
		return placement, nil
	}

	var provErr *ProviderError
	if !errors.As(err, &provErr) || req.Caller.Label == "" || !isInvalidFrom(provErr) {
		return nil, err
	}

	a.logger.Warn("alpha label rejected, retrying with fallback number",
		"label", req.Caller.Label,
		"code", provErr.Code,
		"fallback", req.Caller.Fallback,
	)

	placement, err = a.place(ctx, req, req.Caller.Fallback)
	if err != nil {
		return nil, err
	}
	placement.CallerUsed = req.Caller.Fallback
	placement.FallbackUsed = true
	placement.FallbackReason = fmt.Sprintf("code %d: %s", provErr.Code, provErr.Message)
	return placement, nil
}

// place issues one placement attempt with the given From value.
func (a *Adapter) place(ctx context.Context, req PlacementRequest, from string) (*Placement, error) {
	form := url.Values{}
	form.Set("To", req.Callee)
	form.Set("From", from)
	form.Set("Url", req.PromptWebhookURL)
	form.Set("Method", "POST")
	form.Set("StatusCallback", req.StatusWebhookURL)
	form.Set("StatusCallbackMethod", "POST")
	for _, ev := range []string{"initiated", "ringing", "answered", "completed"} {
		form.Add("StatusCallbackEvent", ev)
	}
	if req.TimeoutSeconds > 0 {
		form.Set("Timeout", strconv.Itoa(req.TimeoutSeconds))
	}
	if req.MachineDetection {
		form.Set("MachineDetection", "Enable")
	}

	var resp struct {
		SID    string `json:"sid"`
		Status string `json:"status"`
	}
	if err := a.post(ctx, a.callsURL(".json"), form, &resp); err != nil {
		return nil, err
	}

	return &Placement{
		ProviderSID:   resp.SID,
		InitialStatus: normalizeStatus(resp.Status),
	}, nil
}

// FetchStatus queries the provider's current view of a call.
func (a *Adapter) FetchStatus(ctx context.Context, providerSID string) (*CallStatus, error) {
	var resp struct {
		Status    string `json:"status"`
		Duration  string `json:"duration"`
		StartTime string `json:"start_time"`
		EndTime   string `json:"end_time"`
	}
	if err := a.get(ctx, a.callsURL("/"+providerSID+".json"), &resp); err != nil {
		return nil, err
	}

	status := &CallStatus{Status: normalizeStatus(resp.Status)}
	if resp.Duration != "" {
		if d, err := strconv.Atoi(resp.Duration); err == nil {
			status.DurationSec = &d
		}
	}
	if t, err := time.Parse(time.RFC1123Z, resp.StartTime); err == nil {
		status.StartedAt = &t
	}
	if t, err := time.Parse(time.RFC1123Z, resp.EndTime); err == nil {
		status.EndedAt = &t
	}
	return status, nil
}

// EndCall asks the provider to hang up an in-flight call.
func (a *Adapter) EndCall(ctx context.Context, providerSID string) error {
	form := url.Values{}
	form.Set("Status", "completed")
	return a.post(ctx, a.callsURL("/"+providerSID+".json"), form, nil)
}

// DownloadRecording issues an authenticated GET against a provider media
// URL and returns the body stream with its declared length. A 404 maps to
// ErrNotReady because recordings become available asynchronously.
func (a *Adapter) DownloadRecording(ctx context.Context, mediaURL string) (io.ReadCloser, int64, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("creating media request: %w", err)
	}
	httpReq.SetBasicAuth(a.accountSID, a.authToken)

	resp, err := a.mediaClient.Do(httpReq)
	if err != nil {
		return nil, 0, fmt.Errorf("fetching media: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		resp.Body.Close()
		return nil, 0, ErrNotReady
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		resp.Body.Close()
		return nil, 0, &ProviderError{HTTPStatus: resp.StatusCode, Message: "media download failed"}
	}
	return resp.Body, resp.ContentLength, nil
}

// post issues a form POST with basic auth and decodes the JSON response
// into out when non-nil.
func (a *Adapter) post(ctx context.Context, rawURL string, form url.Values, out any) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("creating provider request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.SetBasicAuth(a.accountSID, a.authToken)

	return a.do(httpReq, out)
}

// get issues a GET with basic auth and decodes the JSON response.
func (a *Adapter) get(ctx context.Context, rawURL string, out any) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("creating provider request: %w", err)
	}
	httpReq.SetBasicAuth(a.accountSID, a.authToken)

	return a.do(httpReq, out)
}

func (a *Adapter) do(httpReq *http.Request, out any) error {
	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("calling provider: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("reading provider response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		}
		if json.Unmarshal(body, &apiErr) == nil && (apiErr.Code != 0 || apiErr.Message != "") {
			return &ProviderError{Code: apiErr.Code, Message: apiErr.Message, HTTPStatus: resp.StatusCode}
		}
		return &ProviderError{HTTPStatus: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decoding provider response: %w", err)
	}
	return nil
}
