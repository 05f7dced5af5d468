package push

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/sideshow/apns2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexnthnz/delivery-engine/internal/channels"
	"github.com/alexnthnz/delivery-engine/internal/notification"
)

var (
	apnsOK   = strings.Repeat("ab", 32)
	apnsGone = strings.Repeat("cd", 32)
)

func testAPNSKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return key
}

func apnsMessage(tokens ...string) channels.PushMessage {
	msg := fcmMessage(tokens...)
	for i := range msg.Targets {
		msg.Targets[i].Provider = notification.ProviderAPNS
	}
	return msg
}

func newTestAPNS(t *testing.T, handler http.HandlerFunc) (*APNSSender, *ecdsa.PrivateKey) {
	t.Helper()

	server := httptest.NewUnstartedServer(handler)
	server.EnableHTTP2 = true
	server.StartTLS()
	t.Cleanup(server.Close)

	key := testAPNSKey(t)
	sender, err := NewAPNSSender(APNSConfig{
		KeyID:       "KEY123",
		TeamID:      "TEAM123",
		Topic:       "com.bank.app",
		BaseURL:     server.URL,
		MaxInFlight: 2,
	}, key, server.Client(), nil)
	require.NoError(t, err)
	return sender, key
}

func TestAPNSSender_Send(t *testing.T) {
	t.Parallel()

	var tokenHeader atomic.Value
	sender, key := newTestAPNS(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "com.bank.app", r.Header.Get("apns-topic"))
		assert.Equal(t, "alert", r.Header.Get("apns-push-type"))
		assert.Equal(t, "10", r.Header.Get("apns-priority"))
		assert.Equal(t, "fraud_alert_u-1", r.Header.Get("apns-collapse-id"))
		assert.NotEmpty(t, r.Header.Get("apns-expiration"))
		tokenHeader.Store(strings.TrimPrefix(r.Header.Get("authorization"), "bearer "))

		body, _ := io.ReadAll(r.Body)
		var doc map[string]any
		assert.NoError(t, json.Unmarshal(body, &doc))
		assert.Equal(t, "n-1", doc["notification_id"])

		if strings.HasSuffix(r.URL.Path, apnsGone) {
			w.WriteHeader(http.StatusGone)
			_, _ = w.Write([]byte(`{"reason":"Unregistered","timestamp":1700000000000}`))
			return
		}
		w.Header().Set("apns-id", "apns-"+r.URL.Path[len("/3/device/"):][:4])
		w.WriteHeader(http.StatusOK)
	})

	resp, err := sender.Send(context.Background(), apnsMessage(apnsOK, apnsGone))
	require.NoError(t, err)

	assert.Equal(t, notification.ProviderAPNS, resp.Provider)
	require.Len(t, resp.Success, 1)
	require.Len(t, resp.Failure, 1)
	assert.Equal(t, apnsOK, resp.Success[0].Device)
	assert.Equal(t, "apns-abab", resp.Success[0].MessageID)
	assert.Equal(t, apnsGone, resp.Failure[0].Device)
	assert.Equal(t, "Unregistered (status 410)", resp.Failure[0].Error)

	signed, _ := tokenHeader.Load().(string)
	parsed, err := jwt.Parse(signed, func(tok *jwt.Token) (any, error) {
		assert.Equal(t, "KEY123", tok.Header["kid"])
		return &key.PublicKey, nil
	}, jwt.WithValidMethods([]string{"ES256"}))
	require.NoError(t, err)
	claims := parsed.Claims.(jwt.MapClaims)
	assert.Equal(t, "TEAM123", claims["iss"])
}

func TestAPNSSender_ProviderTokenRefresh(t *testing.T) {
	t.Parallel()

	var (
		mu      sync.Mutex
		bearers []string
		expired atomic.Bool
	)
	sender, _ := newTestAPNS(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		bearers = append(bearers, r.Header.Get("authorization"))
		mu.Unlock()

		if expired.Load() {
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"reason":"ExpiredProviderToken"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	send := func() channels.PushProviderResponse {
		resp, err := sender.Send(context.Background(), apnsMessage(apnsOK))
		require.NoError(t, err)
		return resp
	}

	send()
	send()
	expired.Store(true)
	resp := send()
	require.Len(t, resp.Failure, 1)
	assert.Equal(t, "ExpiredProviderToken (status 403)", resp.Failure[0].Error)
	expired.Store(false)
	send()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, bearers, 4)
	assert.True(t, strings.HasPrefix(bearers[0], "bearer "))
	assert.Equal(t, bearers[0], bearers[1], "token is reused while valid")
	assert.Equal(t, bearers[0], bearers[2])
	assert.NotEqual(t, bearers[0], bearers[3], "rejected token is replaced")
}

func TestAPNSSender_Priority(t *testing.T) {
	t.Parallel()

	var priority atomic.Value
	sender, _ := newTestAPNS(t, func(w http.ResponseWriter, r *http.Request) {
		priority.Store(r.Header.Get("apns-priority"))
		assert.Empty(t, r.Header.Get("apns-collapse-id"))
		w.WriteHeader(http.StatusOK)
	})

	msg := apnsMessage(apnsOK)
	msg.Priority = channels.PriorityNormal
	msg.CollapseKey = ""
	resp, err := sender.Send(context.Background(), msg)
	require.NoError(t, err)
	require.Len(t, resp.Success, 1)
	assert.Equal(t, "5", priority.Load())
}

func TestBuildAPNSBody(t *testing.T) {
	t.Parallel()

	body, err := BuildAPNSBody(apnsMessage(apnsOK).PushPayload)
	require.NoError(t, err)

	var doc struct {
		Aps struct {
			Alert struct {
				Title string `json:"title"`
				Body  string `json:"body"`
			} `json:"alert"`
			Sound    string `json:"sound"`
			ThreadID string `json:"thread-id"`
		} `json:"aps"`
		NotificationID string `json:"notification_id"`
	}
	require.NoError(t, json.Unmarshal(body, &doc))
	assert.Equal(t, "Alert", doc.Aps.Alert.Title)
	assert.Equal(t, "Card used", doc.Aps.Alert.Body)
	assert.Equal(t, "default", doc.Aps.Sound)
	assert.Equal(t, "fraud_alert", doc.Aps.ThreadID)
	assert.Equal(t, "n-1", doc.NotificationID)
}

func TestNewAPNSSender_RequiresConfig(t *testing.T) {
	t.Parallel()

	_, err := NewAPNSSender(APNSConfig{KeyID: "k", TeamID: "t"}, testAPNSKey(t), nil, nil)
	assert.Error(t, err)

	s, err := NewAPNSSender(APNSConfig{KeyID: "k", TeamID: "t", Topic: "x", Production: true}, testAPNSKey(t), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, apns2.HostProduction, s.client.Host)
	assert.Equal(t, 10*time.Second, s.client.HTTPClient.Timeout)

	s, err = NewAPNSSender(APNSConfig{KeyID: "k", TeamID: "t", Topic: "x"}, testAPNSKey(t), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, apns2.HostDevelopment, s.client.Host)
}
