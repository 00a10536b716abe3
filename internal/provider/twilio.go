package provider

import (
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

	"github.com/samhotchkiss/threadmask/internal/models"
)

const (
	DefaultTwilioBaseURL = "https://api.twilio.com"
	defaultSendTimeout   = 10 * time.Second
)

type Option func(*TwilioClient)

// TwilioClient sends messages through the Twilio Messages REST resource.
type TwilioClient struct {
	httpClient     *http.Client
	baseURL        *url.URL
	accountSID     string
	authToken      string
	statusCallback string
}

func NewTwilioClient(accountSID, authToken string, options ...Option) (*TwilioClient, error) {
	accountSID = strings.TrimSpace(accountSID)
	authToken = strings.TrimSpace(authToken)
	if accountSID == "" || authToken == "" {
		return nil, fmt.Errorf("twilio account sid and auth token are required")
	}
	if !strings.HasPrefix(accountSID, "AC") && !strings.HasPrefix(accountSID, "TEST_") {
		return nil, fmt.Errorf("twilio account sid must start with AC or TEST_")
	}
	baseURL, _ := url.Parse(DefaultTwilioBaseURL)

	client := &TwilioClient{
		httpClient: &http.Client{Timeout: defaultSendTimeout},
		baseURL:    baseURL,
		accountSID: accountSID,
		authToken:  authToken,
	}
	for _, option := range options {
		option(client)
	}
	return client, nil
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(client *TwilioClient) {
		if httpClient != nil {
			client.httpClient = httpClient
		}
	}
}

func WithTimeout(timeout time.Duration) Option {
	return func(client *TwilioClient) {
		if timeout > 0 {
			client.httpClient.Timeout = timeout
		}
	}
}

func WithBaseURL(raw string) Option {
	return func(client *TwilioClient) {
		parsed, err := url.Parse(strings.TrimSpace(raw))
		if err == nil && parsed.Scheme != "" && parsed.Host != "" {
			client.baseURL = parsed
		}
	}
}

func WithStatusCallback(callbackURL string) Option {
	return func(client *TwilioClient) {
		client.statusCallback = strings.TrimSpace(callbackURL)
	}
}

type twilioMessage struct {
	SID          string  `json:"sid"`
	Status       string  `json:"status"`
	ErrorCode    *int    `json:"error_code"`
	ErrorMessage *string `json:"error_message"`
}

type twilioError struct {
	Code     int    `json:"code"`
	Message  string `json:"message"`
	MoreInfo string `json:"more_info"`
	Status   int    `json:"status"`
}

// Send posts one message. Transport failures, timeouts, 429 and 5xx responses
// are retryable; other 4xx responses are not.
func (c *TwilioClient) Send(ctx context.Context, toE164, fromE164, body string) (SendResult, error) {
	if strings.TrimSpace(fromE164) == "" {
		return SendResult{}, &models.ProviderError{Op: "send", Code: "NO_FROM_NUMBER", Err: errors.New("from number is required")}
	}
	form := url.Values{}
	form.Set("To", toE164)
	form.Set("From", fromE164)
	form.Set("Body", body)
	if c.statusCallback != "" {
		form.Set("StatusCallback", c.statusCallback)
	}

	endpoint := c.baseURL.ResolveReference(&url.URL{
		Path: "/2010-04-01/Accounts/" + url.PathEscape(c.accountSID) + "/Messages.json",
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), strings.NewReader(form.Encode()))
	if err != nil {
		return SendResult{}, &models.ProviderError{Op: "send", Err: err}
	}
	req.SetBasicAuth(c.accountSID, c.authToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return SendResult{}, &models.ProviderError{Op: "send", Code: "TRANSPORT", Retryable: true, Err: err}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return SendResult{}, &models.ProviderError{Op: "send", Code: "TRANSPORT", Retryable: true, Err: err}
	}

	if resp.StatusCode >= http.StatusBadRequest {
		var apiErr twilioError
		_ = json.Unmarshal(payload, &apiErr)
		code := strconv.Itoa(resp.StatusCode)
		if apiErr.Code != 0 {
			code = strconv.Itoa(apiErr.Code)
		}
		message := strings.TrimSpace(apiErr.Message)
		if message == "" {
			message = strings.TrimSpace(string(payload))
		}
		return SendResult{}, &models.ProviderError{
			Op:        "send",
			Code:      code,
			Retryable: resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError,
			Err:       fmt.Errorf("status %d: %s", resp.StatusCode, message),
		}
	}

	var msg twilioMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return SendResult{}, &models.ProviderError{Op: "send", Code: "DECODE", Err: err}
	}
	if msg.SID == "" {
		return SendResult{}, &models.ProviderError{Op: "send", Code: "DECODE", Err: errors.New("response missing message sid")}
	}
	status := MapStatus(msg.Status)
	if msg.Status == "" {
		status = models.DeliveryQueued
	}
	return SendResult{ProviderMessageID: msg.SID, Status: status}, nil
}

func (c *TwilioClient) VerifySignature(requestURL string, params url.Values, signature string) bool {
	return ValidSignature(c.authToken, requestURL, params, signature)
}
