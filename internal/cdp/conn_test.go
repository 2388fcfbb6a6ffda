package cdp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBrowser answers every command with handler's result and pushes events on demand
func fakeBrowser(t *testing.T, handler func(method string, params json.RawMessage) (any, *ProtocolError)) (*httptest.Server, chan Event) {
	t.Helper()

	events := make(chan Event, 8)
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()

		writes := make(chan message, 8)
		go func() {
			for {
				select {
				case ev := <-events:
					writes <- message{Method: ev.Method, Params: ev.Params}
				case <-r.Context().Done():
					return
				}
			}
		}()
		go func() {
			for msg := range writes {
				if err := ws.WriteJSON(msg); err != nil {
					return
				}
			}
		}()

		for {
			var req message
			if err := ws.ReadJSON(&req); err != nil {
				return
			}
			result, perr := handler(req.Method, req.Params)
			resp := message{ID: req.ID, Error: perr}
			if result != nil {
				raw, _ := json.Marshal(result)
				resp.Result = raw
			}
			writes <- resp
		}
	}))
	t.Cleanup(srv.Close)

	return srv, events
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestConnCallDecodesResult(t *testing.T) {
	srv, _ := fakeBrowser(t, func(method string, _ json.RawMessage) (any, *ProtocolError) {
		return map[string]string{"echo": method}, nil
	})

	conn, err := Dial(context.Background(), wsURL(srv))
	require.NoError(t, err)
	defer conn.Close()

	var out struct {
		Echo string `json:"echo"`
	}
	require.NoError(t, conn.Call(context.Background(), "Performance.getMetrics", nil, &out))
	assert.Equal(t, "Performance.getMetrics", out.Echo)
}

func TestConnCallReturnsProtocolError(t *testing.T) {
	srv, _ := fakeBrowser(t, func(string, json.RawMessage) (any, *ProtocolError) {
		return nil, &ProtocolError{Code: -32000, Message: "No resource with given identifier found"}
	})

	conn, err := Dial(context.Background(), wsURL(srv))
	require.NoError(t, err)
	defer conn.Close()

	err = conn.Call(context.Background(), "Network.getResponseBody", map[string]string{"requestId": "1"}, nil)
	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, int64(-32000), perr.Code)
}

func TestConnCallHonoursContextTimeout(t *testing.T) {
	block := make(chan struct{})
	srv, _ := fakeBrowser(t, func(string, json.RawMessage) (any, *ProtocolError) {
		<-block
		return nil, nil
	})
	defer close(block)

	conn, err := Dial(context.Background(), wsURL(srv))
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err = conn.Call(ctx, "Runtime.evaluate", nil, nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestConnSubscribeReceivesEvents(t *testing.T) {
	srv, events := fakeBrowser(t, func(string, json.RawMessage) (any, *ProtocolError) {
		return struct{}{}, nil
	})

	conn, err := Dial(context.Background(), wsURL(srv))
	require.NoError(t, err)
	defer conn.Close()

	sub := conn.Subscribe("Network.loadingFinished", 4)
	other := conn.Subscribe("Network.loadingFailed", 4)

	events <- Event{Method: "Network.loadingFinished", Params: json.RawMessage(`{"requestId":"7"}`)}

	select {
	case ev := <-sub:
		assert.JSONEq(t, `{"requestId":"7"}`, string(ev.Params))
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
	assert.Len(t, other, 0)
}

func TestConnNumbersEventsInArrivalOrder(t *testing.T) {
	srv, events := fakeBrowser(t, func(string, json.RawMessage) (any, *ProtocolError) {
		return struct{}{}, nil
	})

	conn, err := Dial(context.Background(), wsURL(srv))
	require.NoError(t, err)
	defer conn.Close()

	sub := conn.Subscribe("Network.requestWillBeSent", 4)
	lossy := conn.Subscribe("Network.dataReceived", 1)

	var seqs []uint64
	for i := 0; i < 3; i++ {
		events <- Event{Method: "Network.requestWillBeSent", Params: json.RawMessage(`{}`)}
		select {
		case ev := <-sub:
			seqs = append(seqs, ev.Seq)
		case <-time.After(2 * time.Second):
			t.Fatal("event not delivered")
		}
	}
	assert.Equal(t, []uint64{1, 2, 3}, seqs)
	assert.Equal(t, uint64(3), conn.Received())

	events <- Event{Method: "Network.dataReceived", Params: json.RawMessage(`{}`)}
	events <- Event{Method: "Network.dataReceived", Params: json.RawMessage(`{}`)}
	require.Eventually(t, func() bool { return conn.Received() == 5 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, uint64(1), conn.Dropped())
	assert.Len(t, lossy, 1)
}

func TestConnCloseClosesSubscriptions(t *testing.T) {
	srv, _ := fakeBrowser(t, func(string, json.RawMessage) (any, *ProtocolError) {
		return struct{}{}, nil
	})

	conn, err := Dial(context.Background(), wsURL(srv))
	require.NoError(t, err)

	sub := conn.Subscribe("Network.requestWillBeSent", 1)
	require.NoError(t, conn.Close())

	_, ok := <-sub
	assert.False(t, ok)

	err = conn.Call(context.Background(), "Runtime.evaluate", nil, nil)
	assert.ErrorIs(t, err, ErrClosed)

	late := conn.Subscribe("Network.requestWillBeSent", 1)
	_, ok = <-late
	assert.False(t, ok)
}
