package lara

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mastercactapus/pressctl/coord"
)

type fakeService struct {
	srv   *httptest.Server
	conns chan *websocket.Conn
	recv  chan string
	// hangup closes each connection right after the handshake.
	hangup bool
}

func newFakeService(t *testing.T, hangup bool) *fakeService {
	f := &fakeService{
		conns:  make(chan *websocket.Conn, 4),
		recv:   make(chan string, 100),
		hangup: hangup,
	}
	var upgrader websocket.Upgrader
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, "/socket.io/", req.URL.Path)
		assert.Equal(t, "websocket", req.URL.Query().Get("transport"))
		ws, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		ws.WriteMessage(websocket.TextMessage, []byte(`0{"sid":"abc","pingInterval":25000,"pingTimeout":5000}`))
		ws.WriteMessage(websocket.TextMessage, []byte(`40`))
		if f.hangup {
			return
		}
		f.conns <- ws
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			f.recv <- string(data)
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeService) expect(t *testing.T, want string) {
	t.Helper()
	select {
	case got := <-f.recv:
		assert.Equal(t, want, got)
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for %s", want)
	}
}

func nextMessage(t *testing.T, c *Client) interface{} {
	t.Helper()
	select {
	case m := <-c.Messages():
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for message")
	}
	return nil
}

func TestClient_Session(t *testing.T) {
	svc := newFakeService(t, false)
	c := NewClient(Config{URL: svc.srv.URL}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- c.Run(ctx) }()

	assert.Equal(t, &Connected{SID: "abc"}, nextMessage(t, c))
	assert.True(t, c.Connected())
	ws := <-svc.conns

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`42["heartbeat_check"]`)))
	svc.expect(t, `42["heartbeat_response",true]`)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`42["Cartesian_Pose",{"X":0.1,"Y":0.2,"Z":0.3,"_W":1}]`)))
	pose, ok := nextMessage(t, c).(coord.Pose)
	require.True(t, ok)
	assert.Equal(t, 0.3, pose.Position.Z)
	assert.Equal(t, uint64(1), pose.Seq)
	assert.Equal(t, pose, c.Pose())

	require.NoError(t, c.Power(false))
	svc.expect(t, `42["PowerOnOff",{"robotStatus":false}]`)

	require.NoError(t, c.SetCollisionDetection(true))
	svc.expect(t, `42["gui_collision_status",{"gui_collision":"on"}]`)

	cancel()
	select {
	case err := <-runErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.False(t, c.Connected())
}

func TestClient_Disconnected(t *testing.T) {
	c := NewClient(Config{URL: "http://127.0.0.1:1"}, zap.NewNop())
	assert.Equal(t, ErrDisconnected, c.Power(true))
	assert.Equal(t, ErrDisconnected, c.SendSliderDelta(ZDelta(1), true))
}

func TestClient_EmitTimeout(t *testing.T) {
	c := NewClient(Config{URL: "http://127.0.0.1:1", WriteTimeout: 20 * time.Millisecond}, zap.NewNop())
	c.setConnected(true)

	// nothing drains the queue, as when the session is stuck in a write
	err := c.SendSliderDelta(ZDelta(-0.5), true)
	assert.Equal(t, ErrDisconnected, errors.Cause(err))

	msg := <-c.outgoing
	assert.False(t, msg.claim(), "timed out command must not be written later")
}

func TestClient_EmitClaimedWaits(t *testing.T) {
	c := NewClient(Config{URL: "http://127.0.0.1:1", WriteTimeout: 20 * time.Millisecond}, zap.NewNop())
	c.setConnected(true)

	go func() {
		msg := <-c.outgoing
		assert.True(t, msg.claim())
		time.Sleep(50 * time.Millisecond)
		msg.done <- nil
	}()
	assert.NoError(t, c.Power(true))
}

func TestClient_NoReconnect(t *testing.T) {
	svc := newFakeService(t, true)
	c := NewClient(Config{URL: svc.srv.URL}, zap.NewNop())

	err := c.Run(context.Background())
	assert.Error(t, err)

	assert.IsType(t, &Connected{}, nextMessage(t, c))
	assert.IsType(t, &Disconnected{}, nextMessage(t, c))
	assert.False(t, c.Connected())
}

func TestClient_Reconnect(t *testing.T) {
	svc := newFakeService(t, true)
	c := NewClient(Config{
		URL:       svc.srv.URL,
		Reconnect: ReconnectPolicy{Enabled: true, Delay: 10 * time.Millisecond},
	}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- c.Run(ctx) }()

	// two full sessions prove the loop came back around
	for i := 0; i < 2; i++ {
		assert.IsType(t, &Connected{}, nextMessage(t, c))
		assert.IsType(t, &Disconnected{}, nextMessage(t, c))
	}
	cancel()
	select {
	case err := <-runErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestEndpoint(t *testing.T) {
	u, err := endpoint("http://192.168.2.13:8081", 3)
	assert.NoError(t, err)
	assert.Equal(t, "ws://192.168.2.13:8081/socket.io/?EIO=3&transport=websocket", u)

	u, err = endpoint("https://robot/custom/", 4)
	assert.NoError(t, err)
	assert.Equal(t, "wss://robot/custom/?EIO=4&transport=websocket", u)

	_, err = endpoint("ftp://robot", 3)
	assert.Error(t, err)
}
