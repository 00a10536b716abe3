package provider

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/samhotchkiss/threadmask/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseInbound(t *testing.T) {
	form := url.Values{
		"From":       {"+15551230000"},
		"To":         {"+15559870000"},
		"Body":       {"is Rex ok?"},
		"MessageSid": {"SM123"},
		"NumMedia":   {"0"},
	}
	msg, err := ParseInbound(form)
	require.NoError(t, err)
	assert.Equal(t, InboundMessage{From: "+15551230000", To: "+15559870000", Body: "is Rex ok?", ProviderMessageID: "SM123"}, msg)

	form.Del("MessageSid")
	_, err = ParseInbound(form)
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestMapStatus(t *testing.T) {
	tests := map[string]models.DeliveryStatus{
		"queued":      models.DeliveryQueued,
		"sending":     models.DeliveryQueued,
		"sent":        models.DeliverySent,
		"delivered":   models.DeliveryDelivered,
		"failed":      models.DeliveryFailed,
		"undelivered": models.DeliveryFailed,
		"mystery":     models.DeliveryFailed,
	}
	for raw, want := range tests {
		assert.Equal(t, want, MapStatus(raw), raw)
	}
}

func TestParseStatus(t *testing.T) {
	update, err := ParseStatus(url.Values{"MessageSid": {"SM9"}, "MessageStatus": {"undelivered"}, "ErrorCode": {"30003"}})
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryFailed, update.Status)
	assert.Equal(t, "undelivered", update.RawStatus)
	assert.Equal(t, "30003", update.ErrorCode)
}

func TestSignatureRoundTrip(t *testing.T) {
	params := url.Values{"From": {"+15551230000"}, "Body": {"hi"}, "MessageSid": {"SM1"}}
	requestURL := "https://hooks.example.com/api/webhooks/provider/inbound"

	signature := ComputeSignature("secret", requestURL, params)
	assert.True(t, ValidSignature("secret", requestURL, params, signature))
	assert.False(t, ValidSignature("other", requestURL, params, signature))
	assert.False(t, ValidSignature("secret", requestURL+"?x=1", params, signature))
	assert.False(t, ValidSignature("", requestURL, params, signature))

	params.Set("Body", "tampered")
	assert.False(t, ValidSignature("secret", requestURL, params, signature))
}

func TestTwilioSendPostsForm(t *testing.T) {
	var gotForm url.Values
	var gotUser, gotPass string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/2010-04-01/Accounts/ACtest/Messages.json", r.URL.Path)
		gotUser, gotPass, _ = r.BasicAuth()
		raw, _ := io.ReadAll(r.Body)
		gotForm, _ = url.ParseQuery(string(raw))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"sid":"SMabc","status":"queued"}`))
	}))
	defer server.Close()

	client, err := NewTwilioClient("ACtest", "token", WithBaseURL(server.URL), WithStatusCallback("https://cb.example.com/status"))
	require.NoError(t, err)

	result, err := client.Send(context.Background(), "+15551230000", "+15559870000", "hello")
	require.NoError(t, err)
	assert.Equal(t, SendResult{ProviderMessageID: "SMabc", Status: models.DeliveryQueued}, result)
	assert.Equal(t, "ACtest", gotUser)
	assert.Equal(t, "token", gotPass)
	assert.Equal(t, "+15559870000", gotForm.Get("From"))
	assert.Equal(t, "https://cb.example.com/status", gotForm.Get("StatusCallback"))
}

func TestTwilioSendClassifiesFailures(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		code      string
		retryable bool
	}{
		{"invalid number", http.StatusBadRequest, `{"code":21211,"message":"Invalid 'To' Phone Number","status":400}`, "21211", false},
		{"rate limited", http.StatusTooManyRequests, `{"code":20429,"message":"Too Many Requests"}`, "20429", true},
		{"server error", http.StatusBadGateway, `oops`, "502", true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer server.Close()

			client, err := NewTwilioClient("ACtest", "token", WithBaseURL(server.URL))
			require.NoError(t, err)
			_, err = client.Send(context.Background(), "+15551230000", "+15559870000", "hello")

			var providerErr *models.ProviderError
			require.ErrorAs(t, err, &providerErr)
			assert.ErrorIs(t, err, models.ErrProvider)
			assert.Equal(t, tc.code, providerErr.Code)
			assert.Equal(t, tc.retryable, providerErr.Retryable)
		})
	}
}

func TestTwilioSendTimeoutIsRetryable(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer server.Close()
	defer close(release)

	client, err := NewTwilioClient("ACtest", "token", WithBaseURL(server.URL), WithTimeout(50*time.Millisecond))
	require.NoError(t, err)

	_, err = client.Send(context.Background(), "+15551230000", "+15559870000", "hello")
	var providerErr *models.ProviderError
	require.ErrorAs(t, err, &providerErr)
	assert.True(t, providerErr.Retryable)
}

func TestNewTwilioClientValidatesCredentials(t *testing.T) {
	_, err := NewTwilioClient("", "token")
	assert.Error(t, err)
	_, err = NewTwilioClient("XYZ", "token")
	assert.Error(t, err)
}

func TestMockRecordsAndFails(t *testing.T) {
	mock := NewMock("")
	boom := &models.ProviderError{Op: "send", Retryable: true, Err: errors.New("down")}
	mock.FailNext(boom)

	_, err := mock.Send(context.Background(), "+1", "+2", "a")
	assert.ErrorIs(t, err, models.ErrProvider)

	result, err := mock.Send(context.Background(), "+1", "+2", "b")
	require.NoError(t, err)
	assert.Equal(t, "SMmock000001", result.ProviderMessageID)
	require.Len(t, mock.Sent(), 1)
	assert.Equal(t, "b", mock.Sent()[0].Body)
	assert.True(t, mock.VerifySignature("https://x", nil, "anything"))
}
