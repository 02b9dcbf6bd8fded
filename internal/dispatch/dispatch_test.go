package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingPublisher struct{ calls int }

func (f *failingPublisher) Publish(context.Context, string, string, any) error {
	f.calls++
	return errors.New("sink down")
}

func TestFanoutDeliversPastFailingSink(t *testing.T) {
	bad := &failingPublisher{}
	rec := &Recorder{}
	f := NewFanout(Sink{Name: "bad", Publisher: bad}, Sink{Name: "nil"}, Sink{Name: "rec", Publisher: rec})

	err := f.Publish(context.Background(), DriverChannel("d1"), EventOfferCreated, map[string]string{"id": "o1"})
	assert.Error(t, err)
	assert.Equal(t, 1, bad.calls)
	assert.Equal(t, []string{EventOfferCreated}, rec.Types("driver:d1"))
}

func TestWebhookPublisherPostsEnvelope(t *testing.T) {
	var got Envelope
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	p := NewWebhookPublisher(srv.URL)
	require.NoError(t, p.Publish(context.Background(), PassengerChannel("p1"), EventBookingAssign, map[string]string{"booking": "b1"}))
	assert.Equal(t, "passenger:p1", got.Channel)
	assert.Equal(t, EventBookingAssign, got.Type)
}

func TestWebhookPublisherReportsBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewWebhookPublisher(srv.URL).Publish(context.Background(), AvailabilityChannel, EventAvailability, nil)
	assert.Error(t, err)
}

func TestHubDeliversToSubscribedChannel(t *testing.T) {
	hub := NewHub(nil)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		hub.Add(r.URL.Query().Get("channel"), conn)
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?channel=driver:d1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Subscribers("driver:d1") == 1 }, time.Second, 10*time.Millisecond)
	require.NoError(t, hub.Publish(context.Background(), "driver:other", EventOfferCreated, "ignored"))
	require.NoError(t, hub.Publish(context.Background(), "driver:d1", EventOfferCreated, "hello"))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env Envelope
	require.NoError(t, conn.ReadJSON(&env))
	assert.Equal(t, EventOfferCreated, env.Type)
	assert.Equal(t, "hello", env.Payload)

	conn.Close()
	require.Eventually(t, func() bool { return hub.Subscribers("driver:d1") == 0 }, time.Second, 10*time.Millisecond)
}
