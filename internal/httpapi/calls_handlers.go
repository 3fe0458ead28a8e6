package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tomasbenes/sara/internal/store"
)

// twilioClient originates outbound calls through Twilio's REST API.
type twilioClient struct {
	accountSID string
	authToken  string
	fromNumber string
	baseURL    string
	httpClient *http.Client
	logger     *log.Logger
}

func newTwilioClient(cfg RouterConfig, logger *log.Logger) *twilioClient {
	baseURL := cfg.TwilioBaseURL
	if baseURL == "" {
		baseURL = "https://api.twilio.com"
	}
	return &twilioClient{
		accountSID: cfg.TwilioAccountSID,
		authToken:  cfg.TwilioAuthToken,
		fromNumber: cfg.TwilioFromNumber,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}
}

type twilioCallResponse struct {
	SID    string `json:"sid"`
	Status string `json:"status"`
}

// originate places an outbound call pointed at our voice and status
// webhooks. Returns the provider call id.
func (c *twilioClient) originate(req *http.Request, to, publicBaseURL string) (string, error) {
	apiURL := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Calls.json", c.baseURL, c.accountSID)

	data := url.Values{}
	data.Set("To", to)
	data.Set("From", c.fromNumber)
	data.Set("Url", publicBaseURL+"/voice")
	data.Set("StatusCallback", publicBaseURL+"/status")
	data.Set("StatusCallbackMethod", "POST")

	httpReq, err := http.NewRequestWithContext(req.Context(), http.MethodPost, apiURL, strings.NewReader(data.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.SetBasicAuth(c.accountSID, c.authToken)
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("failed to reach Twilio: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("Twilio returned status %d: %s", resp.StatusCode, string(body))
	}

	var call twilioCallResponse
	if err := json.NewDecoder(resp.Body).Decode(&call); err != nil {
		return "", fmt.Errorf("failed to decode Twilio response: %w", err)
	}

	c.logger.Printf("calls: originated %s to %s (status=%s)", call.SID, to, call.Status)
	return call.SID, nil
}

// handleOriginateCall places an outbound call to a customer.
func (r *Router) handleOriginateCall(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Phone string `json:"phone"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		http.Error(w, `{"error": "invalid request body"}`, http.StatusBadRequest)
		return
	}

	if !isValidE164(body.Phone) {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid phone format, use E.164 (e.g., +420777123456)",
		})
		return
	}

	if r.registry.IsDraining() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "shutting down"})
		return
	}

	callSid, err := r.twilio.originate(req, body.Phone, r.cfg.PublicBaseURL)
	if err != nil {
		captureError(req, err, "call origination")
		r.logger.Printf("calls: origination to %s failed: %v", body.Phone, err)
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "call origination failed"})
		return
	}

	if r.store != nil {
		_ = r.store.UpsertCall(req.Context(), store.Call{
			Provider:       "twilio",
			ProviderCallID: callSid,
			FromNumber:     r.cfg.TwilioFromNumber,
			ToNumber:       body.Phone,
			Status:         "queued",
			StartedAt:      nowUTC(),
		})
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"call_id": callSid})
}

func (r *Router) handleListCalls(w http.ResponseWriter, req *http.Request) {
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))

	calls, err := r.store.ListCalls(req.Context(), limit)
	if err != nil {
		captureError(req, err, "list calls")
		http.Error(w, `{"error": "database error"}`, http.StatusInternalServerError)
		return
	}
	if calls == nil {
		calls = []store.CallListItem{}
	}
	writeJSON(w, http.StatusOK, calls)
}

func (r *Router) handleGetCall(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("providerCallId")

	detail, err := r.store.GetCallDetail(req.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, `{"error": "not found"}`, http.StatusNotFound)
			return
		}
		captureError(req, err, "get call")
		http.Error(w, `{"error": "database error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (r *Router) handleGetCallEvents(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("providerCallId")
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))

	events, err := r.store.ListCallEvents(req.Context(), id, limit)
	if err != nil {
		captureError(req, err, "list call events")
		http.Error(w, `{"error": "database error"}`, http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []store.CallEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}
