package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tempmail/relay/internal/domain"
)

type staticResolver map[string]string

func (r staticResolver) CurrentAddress(_ context.Context, sessionKey string) (string, error) {
	return r[sessionKey], nil
}

func newTestServer(t *testing.T, resolver AddressResolver) (*Hub, *httptest.Server) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	hub := NewHub(nil, resolver, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	router := gin.New()
	router.GET("/v1/ws", HandleWebSocket(hub, func(c *gin.Context) string {
		return c.GetHeader("X-Session")
	}))
	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server, session string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/ws"
	header := http.Header{}
	header.Set("X-Session", session)
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestHub_NewMail(t *testing.T) {
	hub, srv := newTestServer(t, staticResolver{"s1": "anna@example.com"})
	conn := dial(t, srv, "s1")

	msg := readMessage(t, conn)
	assert.Equal(t, MessageTypeSubscribed, msg.Type)
	assert.Equal(t, "anna@example.com", msg.Address)
	require.Eventually(t, func() bool { return hub.Subscribers("anna@example.com") == 1 }, time.Second, 10*time.Millisecond)

	t.Run("只推送给订阅的地址", func(t *testing.T) {
		hub.NotifyNewMessages("other@example.com", []domain.MessageSummary{{ID: "x"}})
		hub.NotifyNewMessages("anna@example.com", []domain.MessageSummary{{ID: "m1", Subject: "hello"}})

		msg := readMessage(t, conn)
		assert.Equal(t, MessageTypeNewMail, msg.Type)
		var data NewMailData
		require.NoError(t, json.Unmarshal(msg.Data, &data))
		assert.Equal(t, 1, data.Count)
		assert.Equal(t, "m1", data.Messages[0].ID)
	})

	t.Run("不能订阅其他地址", func(t *testing.T) {
		require.NoError(t, conn.WriteJSON(Message{Type: MessageTypeSubscribe, Address: "bob@example.com"}))
		msg := readMessage(t, conn)
		assert.Equal(t, MessageTypeError, msg.Type)
		assert.Equal(t, 1, hub.Subscribers("anna@example.com"))
	})

	t.Run("断开后取消订阅", func(t *testing.T) {
		conn.Close()
		assert.Eventually(t, func() bool { return hub.Subscribers("anna@example.com") == 0 }, time.Second, 10*time.Millisecond)
	})
}

func TestHub_NoSession(t *testing.T) {
	_, srv := newTestServer(t, staticResolver{})

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	t.Run("会话没有地址时收到错误", func(t *testing.T) {
		conn := dial(t, srv, "nobody")
		msg := readMessage(t, conn)
		assert.Equal(t, MessageTypeError, msg.Type)
	})
}

type slowResolver struct {
	delay    time.Duration
	address  string
	resolved chan struct{}
}

func (r *slowResolver) CurrentAddress(ctx context.Context, sessionKey string) (string, error) {
	if sessionKey != "slow" {
		return "fast@example.com", nil
	}
	defer func() {
		select {
		case r.resolved <- struct{}{}:
		default:
		}
	}()
	select {
	case <-time.After(r.delay):
	case <-ctx.Done():
	}
	return r.address, nil
}

func TestHub_DisconnectDuringSubscribe(t *testing.T) {
	resolver := &slowResolver{delay: 300 * time.Millisecond, address: "slow@example.com", resolved: make(chan struct{}, 1)}
	hub, srv := newTestServer(t, resolver)

	conn := dial(t, srv, "slow")
	conn.Close()

	select {
	case <-resolver.resolved:
	case <-time.After(2 * time.Second):
		t.Fatal("resolver was not called")
	}

	t.Run("断开的连接不会留在订阅表", func(t *testing.T) {
		assert.Eventually(t, func() bool { return hub.Subscribers("slow@example.com") == 0 }, time.Second, 10*time.Millisecond)
	})

	t.Run("之后的推送不影响其他连接", func(t *testing.T) {
		hub.NotifyNewMessages("slow@example.com", []domain.MessageSummary{{ID: "late"}})

		other := dial(t, srv, "fast")
		msg := readMessage(t, other)
		require.Equal(t, MessageTypeSubscribed, msg.Type)
		require.Eventually(t, func() bool { return hub.Subscribers("fast@example.com") == 1 }, time.Second, 10*time.Millisecond)

		hub.NotifyNewMessages("fast@example.com", []domain.MessageSummary{{ID: "m1"}})
		msg = readMessage(t, other)
		assert.Equal(t, MessageTypeNewMail, msg.Type)
	})
}

func TestHub_AttachClosedClient(t *testing.T) {
	hub := NewHub(nil, staticResolver{}, nil)
	client := &Client{ID: "gone", send: make(chan []byte, 1), closed: true}

	assert.False(t, hub.attach(client, "anna@example.com"))
	assert.Zero(t, hub.Subscribers("anna@example.com"))

	client.closed = false
	assert.True(t, hub.attach(client, "anna@example.com"))
	assert.Equal(t, 1, hub.Subscribers("anna@example.com"))
}
