package whatsapp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/dispatch-engine/internal/config"
	appErrors "github.com/unclebandit/dispatch-engine/internal/errors"
)

func newTestClient(url string, retries int) *Client {
	c := NewClient(config.WhatsApp{
		BaseURL:       url,
		PhoneNumberID: "12345",
		AccessToken:   "secret",
		Timeout:       2 * time.Second,
		MaxRetries:    retries,
	}, nil)
	c.backoff = time.Millisecond
	return c
}

func TestSend_TextMessage(t *testing.T) {
	var got sendRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/12345/messages", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"messages":[{"id":"wamid.1"}]}`))
	}))
	defer srv.Close()

	res, err := newTestClient(srv.URL, 3).Send(context.Background(), Message{To: "+5511999999999", Body: "oi"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "wamid.1", res.ProviderMessageID)
	assert.Equal(t, "text", got.Type)
	assert.Equal(t, "oi", got.Text.Body)
	assert.Nil(t, got.Image)
}

func TestSend_MediaUsesImageWithCaption(t *testing.T) {
	var got sendRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"messages":[{"id":"wamid.2"}]}`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL, 1).Send(context.Background(), Message{
		To: "+5511999999999", Body: "promo", MediaURL: "https://cdn.example.com/a.jpg",
	})
	require.NoError(t, err)
	assert.Equal(t, "image", got.Type)
	require.NotNil(t, got.Image)
	assert.Equal(t, "promo", got.Image.Caption)
	assert.Nil(t, got.Text)
}

func TestSend_RetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"messages":[{"id":"wamid.3"}]}`))
	}))
	defer srv.Close()

	res, err := newTestClient(srv.URL, 3).Send(context.Background(), Message{To: "+5511999999999", Body: "x"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestSend_RateLimitExhaustsRetries(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"rate limited"}}`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL, 2).Send(context.Background(), Message{To: "+5511999999999", Body: "x"})
	require.Error(t, err)
	assert.False(t, errors.Is(err, appErrors.ErrPermanent))
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestSend_ClientErrorIsPermanent(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"message":"invalid recipient"}}`))
	}))
	defer srv.Close()

	res, err := newTestClient(srv.URL, 3).Send(context.Background(), Message{To: "+1", Body: "x"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, appErrors.ErrPermanent))

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
	assert.Equal(t, "invalid recipient", res.Error)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestSend_MissingConfigIsPermanent(t *testing.T) {
	c := NewClient(config.WhatsApp{BaseURL: "http://localhost", Timeout: time.Second}, nil)
	_, err := c.Send(context.Background(), Message{To: "+5511999999999", Body: "x"})
	assert.True(t, errors.Is(err, appErrors.ErrPermanent))
}

func TestNormalizeE164(t *testing.T) {
	cases := []struct {
		raw     string
		want    string
		invalid bool
	}{
		{raw: "(11) 99999-8888", want: "+5511999998888"},
		{raw: "011 99999-8888", want: "+5511999998888"},
		{raw: "+55 11 99999-8888", want: "+5511999998888"},
		{raw: "+44 7911 123456", want: "+447911123456"},
		{raw: "5511999998888", want: "+5511999998888"},
		{raw: "", invalid: true},
		{raw: "abc", invalid: true},
		{raw: "000", invalid: true},
		{raw: "12345", invalid: true},
	}
	for _, tc := range cases {
		got, err := NormalizeE164(tc.raw, "55")
		if tc.invalid {
			assert.ErrorIs(t, err, appErrors.ErrInvalidPhone, tc.raw)
			continue
		}
		require.NoError(t, err, tc.raw)
		assert.Equal(t, tc.want, got, tc.raw)
	}
}
