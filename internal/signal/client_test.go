package signal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mossy-p/telemed-rtc/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// echoServer bounces every text message and records the token it saw.
func echoServer(t *testing.T, token *atomic.Value) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if token != nil {
			token.Store(r.URL.Query().Get("token"))
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/consultations/c1"
}

func TestDialSendReceive(t *testing.T) {
	var token atomic.Value
	srv := echoServer(t, &token)

	c, err := Dial(context.Background(), DialConfig{
		URL:   wsURL(srv),
		Token: "secret",
		Log:   zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	assert.True(t, c.IsOpen())
	assert.Equal(t, "secret", token.Load())

	msg, err := models.NewMessage(models.MessageTypeChat, models.ChatPayload{Text: "hi"})
	require.NoError(t, err)
	require.NoError(t, c.Send(msg))

	select {
	case raw := <-c.Incoming():
		var got models.Message
		require.NoError(t, json.Unmarshal(raw, &got))
		assert.Equal(t, models.MessageTypeChat, got.Type)
		var chat models.ChatPayload
		require.NoError(t, got.DecodePayload(&chat))
		assert.Equal(t, "hi", chat.Text)
	case <-time.After(5 * time.Second):
		t.Fatal("no echo")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	srv := echoServer(t, nil)
	c, err := Dial(context.Background(), DialConfig{URL: wsURL(srv), Log: zaptest.NewLogger(t)})
	require.NoError(t, err)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	assert.False(t, c.IsOpen())
	assert.ErrorIs(t, c.Send(models.Message{Type: models.MessageTypeChat}), ErrClosed)
	_, ok := <-c.Incoming()
	assert.False(t, ok)
	assert.NoError(t, c.Err())
}

func TestServerCloseEndsChannel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.Close()
	}))
	t.Cleanup(srv.Close)

	c, err := Dial(context.Background(), DialConfig{URL: wsURL(srv), Log: zaptest.NewLogger(t)})
	require.NoError(t, err)

	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("channel did not end")
	}
	assert.False(t, c.IsOpen())
	assert.Error(t, c.Err())
}

func TestDialRejectedIsNotRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	t.Cleanup(srv.Close)

	_, err := Dial(context.Background(), DialConfig{
		URL:     wsURL(srv),
		Timeout: 5 * time.Second,
		Log:     zaptest.NewLogger(t),
	})

	assert.ErrorIs(t, err, ErrRejected)
	assert.Equal(t, int32(1), hits.Load())
}

func TestDialGivesUpAfterTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	start := time.Now()
	_, err := Dial(context.Background(), DialConfig{
		URL:     wsURL(srv),
		Timeout: 500 * time.Millisecond,
		Log:     zaptest.NewLogger(t),
	})

	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrRejected)
	assert.True(t, time.Since(start) < 5*time.Second)
}

// queuedClient is a client whose write pump never runs.
func queuedClient(t *testing.T, wait time.Duration) *Client {
	c := &Client{
		log:      zaptest.NewLogger(t),
		send:     make(chan []byte, 1),
		sendWait: wait,
		stop:     make(chan struct{}),
	}
	c.open.Store(true)
	return c
}

func TestSendTimesOutWhenQueueStaysFull(t *testing.T) {
	c := queuedClient(t, 50*time.Millisecond)
	msg := models.Message{Type: models.MessageTypeICE}

	require.NoError(t, c.Send(msg))

	start := time.Now()
	err := c.Send(msg)
	require.ErrorIs(t, err, ErrSendTimeout)
	assert.NotErrorIs(t, err, ErrClosed)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestSendWaitsForQueueToDrain(t *testing.T) {
	c := queuedClient(t, 5*time.Second)
	msg := models.Message{Type: models.MessageTypeICE}
	require.NoError(t, c.Send(msg))

	go func() {
		time.Sleep(20 * time.Millisecond)
		<-c.send
	}()
	require.NoError(t, c.Send(msg))
	assert.Len(t, c.send, 1)

	close(c.stop)
	assert.ErrorIs(t, c.Send(msg), ErrClosed)
}

func TestIsSecure(t *testing.T) {
	assert.True(t, IsSecure("wss://relay.example.com/ws"))
	assert.True(t, IsSecure("ws://localhost:8080/ws"))
	assert.True(t, IsSecure("ws://127.0.0.1:8080/ws"))
	assert.False(t, IsSecure("ws://relay.example.com/ws"))
	assert.False(t, IsSecure("::bad"))
}
