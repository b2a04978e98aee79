package relay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/room4-2/livelink/codec"
	"github.com/room4-2/livelink/config"
	"github.com/room4-2/livelink/messages"
	"github.com/room4-2/livelink/storage"
)

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// upstream is a fake Live endpoint. reply is called for every frame the
// relay sends and may answer on conn.
type upstream struct {
	srv    *httptest.Server
	frames chan messages.Frame
}

func newUpstream(t *testing.T, reply func(conn *websocket.Conn, f messages.Frame)) *upstream {
	t.Helper()
	u := &upstream{frames: make(chan messages.Frame, 64)}
	upgrader := websocket.Upgrader{}
	u.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			f, err := codec.Decode(data)
			if err != nil {
				continue
			}
			u.frames <- f
			if reply != nil {
				reply(conn, f)
			}
		}
	}))
	t.Cleanup(u.srv.Close)
	return u
}

// next returns the next frame carrying key.
func (u *upstream) next(t *testing.T, key string) messages.Frame {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case f := <-u.frames:
			if _, ok := f[key]; ok {
				return f
			}
		case <-deadline:
			t.Fatalf("no %s frame received", key)
			return nil
		}
	}
}

func send(conn *websocket.Conn, raw string) {
	_ = conn.WriteMessage(websocket.TextMessage, []byte(raw))
}

func testConfig(liveURL string) *config.Config {
	return &config.Config{
		GeminiAPIKey:       "test-key",
		LiveURL:            liveURL,
		RetryBaseDelay:     10 * time.Millisecond,
		RealtimeRetryDelay: 10 * time.Millisecond,
		DialTimeout:        2 * time.Second,
		MaxSessions:        10,
		SessionTimeout:     time.Minute,
		MaxBufferSize:      1024,
	}
}

func newTestManager(t *testing.T, cfg *config.Config, opts ManagerOptions) *Manager {
	t.Helper()
	m, err := NewManager(cfg, opts)
	require.NoError(t, err)
	t.Cleanup(func() { m.Shutdown(context.Background()) })
	return m
}

func serveRelay(t *testing.T, m *Manager, kind Kind) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s, err := m.CreateSession(r.Context(), conn, kind, r.URL.Query().Get("resume"))
		if err != nil {
			_ = conn.Close()
			return
		}
		s.Start(context.Background())
		<-s.Done()
		_ = m.RemoveSession(context.Background(), s.ID)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

type relayed struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Payload   struct {
		Status        string           `json:"status"`
		Message       string           `json:"message"`
		Code          string           `json:"code"`
		Text          string           `json:"text"`
		Data          string           `json:"data"`
		FunctionCalls []map[string]any `json:"functionCalls"`
	} `json:"payload"`
}

// readUntil reads relay messages until match accepts one.
func readUntil(t *testing.T, conn *websocket.Conn, match func(relayed) bool) relayed {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var msg relayed
		require.NoError(t, sonic.Unmarshal(data, &msg))
		if match(msg) {
			return msg
		}
	}
}

func status(s string) func(relayed) bool {
	return func(m relayed) bool { return m.Type == messages.TypeStatus && m.Payload.Status == s }
}

func ofType(typ string) func(relayed) bool {
	return func(m relayed) bool { return m.Type == typ }
}

func answerSetup(conn *websocket.Conn, f messages.Frame) bool {
	if _, ok := f["setup"]; ok {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"setupComplete":{}}`))
		return true
	}
	return false
}

func TestRelay_TextTurn(t *testing.T) {
	up := newUpstream(t, func(conn *websocket.Conn, f messages.Frame) {
		if answerSetup(conn, f) {
			return
		}
		if _, ok := f["clientContent"]; ok {
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"serverContent":{"modelTurn":{"parts":[
				{"inlineData":{"mimeType":"audio/pcm;rate=24000","data":"QUJD"}},{"text":"hello"}]}}}`))
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"serverContent":{"turnComplete":true}}`))
		}
	})
	m := newTestManager(t, testConfig(wsURL(up.srv)), ManagerOptions{})
	browser := dial(t, wsURL(serveRelay(t, m, KindBrowser)))

	connected := readUntil(t, browser, status(messages.StatusConnected))
	assert.NotEmpty(t, connected.SessionID)

	send(browser, `{"type":"text","payload":{"text":"hi"}}`)

	setup := up.next(t, "setup")
	assert.Contains(t, string(setup["setup"]), "render_altair")
	content := up.next(t, "clientContent")
	assert.Contains(t, string(content["clientContent"]), `"hi"`)

	audio := readUntil(t, browser, ofType(messages.TypeAudio))
	assert.Equal(t, "QUJD", audio.Payload.Data)
	text := readUntil(t, browser, ofType(messages.TypeText))
	assert.Equal(t, "hello", text.Payload.Text)
	readUntil(t, browser, status(messages.StatusTurnComplete))
}

func TestRelay_ToolCallAnswered(t *testing.T) {
	up := newUpstream(t, func(conn *websocket.Conn, f messages.Frame) {
		if answerSetup(conn, f) {
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"toolCall":{"functionCalls":[
				{"id":"fc-1","name":"render_altair","args":{"json_graph":"{\"mark\":\"bar\"}"}}]}}`))
		}
	})
	m := newTestManager(t, testConfig(wsURL(up.srv)), ManagerOptions{})
	browser := dial(t, wsURL(serveRelay(t, m, KindBrowser)))

	call := readUntil(t, browser, ofType(messages.TypeToolCall))
	require.Len(t, call.Payload.FunctionCalls, 1)
	assert.Equal(t, "render_altair", call.Payload.FunctionCalls[0]["name"])

	resp := up.next(t, "toolResponse")
	var tr messages.ToolResponse
	require.NoError(t, sonic.Unmarshal(resp["toolResponse"], &tr))
	require.Len(t, tr.FunctionResponses, 1)
	assert.Equal(t, "fc-1", tr.FunctionResponses[0].ID)
	assert.Equal(t, map[string]any{"success": true}, tr.FunctionResponses[0].Response["output"])
}

func TestRelay_BufferedAudioAndControls(t *testing.T) {
	up := newUpstream(t, func(conn *websocket.Conn, f messages.Frame) { answerSetup(conn, f) })
	m := newTestManager(t, testConfig(wsURL(up.srv)), ManagerOptions{})
	browser := dial(t, wsURL(serveRelay(t, m, KindBrowser)))
	readUntil(t, browser, status(messages.StatusConnected))

	require.NoError(t, browser.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3, 4}))
	require.NoError(t, browser.WriteMessage(websocket.BinaryMessage, []byte{5, 6, 7, 8}))
	send(browser, `{"type":"control","payload":{"action":"end_turn"}}`)

	rt := up.next(t, "realtimeInput")
	var input messages.RealtimeInput
	require.NoError(t, sonic.Unmarshal(rt["realtimeInput"], &input))
	require.Len(t, input.MediaChunks, 1)
	assert.Equal(t, "audio/pcm;rate=16000", input.MediaChunks[0].MimeType)
	assert.Equal(t, codec.Base64Encode([]byte{1, 2, 3, 4, 5, 6, 7, 8}), input.MediaChunks[0].Data)

	require.NoError(t, browser.WriteMessage(websocket.BinaryMessage, make([]byte, 2048)))
	full := readUntil(t, browser, ofType(messages.TypeError))
	assert.Equal(t, messages.ErrCodeBufferFull, full.Payload.Code)

	send(browser, `{"type":"control","payload":{"action":"ping"}}`)
	readUntil(t, browser, status(messages.StatusPong))

	send(browser, `{"type":"control","payload":{"action":"button","buttonType":"webcam","buttonState":true}}`)
	btn := readUntil(t, browser, status(messages.StatusButton))
	assert.Equal(t, "webcam=true", btn.Payload.Message)

	send(browser, `{"type":"nope","payload":{}}`)
	bad := readUntil(t, browser, ofType(messages.TypeError))
	assert.Equal(t, messages.ErrCodeInvalidMessage, bad.Payload.Code)
}

func TestRelay_ButtonsGateMedia(t *testing.T) {
	up := newUpstream(t, func(conn *websocket.Conn, f messages.Frame) { answerSetup(conn, f) })
	m := newTestManager(t, testConfig(wsURL(up.srv)), ManagerOptions{})
	browser := dial(t, wsURL(serveRelay(t, m, KindBrowser)))
	readUntil(t, browser, status(messages.StatusConnected))

	nextChunk := func() messages.MediaChunk {
		rt := up.next(t, "realtimeInput")
		var input messages.RealtimeInput
		require.NoError(t, sonic.Unmarshal(rt["realtimeInput"], &input))
		require.Len(t, input.MediaChunks, 1)
		return input.MediaChunks[0]
	}

	// Frames sent while every video source is off never reach the model.
	send(browser, `{"type":"control","payload":{"action":"button","buttonType":"video","buttonState":false}}`)
	send(browser, `{"type":"image","payload":{"mimeType":"image/jpeg","data":"T0ZG"}}`)
	send(browser, `{"type":"control","payload":{"action":"button","buttonType":"screen","buttonState":true}}`)
	send(browser, `{"type":"image","payload":{"mimeType":"image/png","data":"T04="}}`)

	img := nextChunk()
	assert.Equal(t, "image/png", img.MimeType)
	assert.Equal(t, "T04=", img.Data)

	send(browser, `{"type":"control","payload":{"action":"button","buttonType":"mic","buttonState":false}}`)
	readUntil(t, browser, func(r relayed) bool {
		return r.Type == messages.TypeStatus && r.Payload.Message == "mic=false"
	})
	require.NoError(t, browser.WriteMessage(websocket.BinaryMessage, []byte{1, 1}))
	send(browser, `{"type":"audio","payload":{"data":"AQE="}}`)
	send(browser, `{"type":"control","payload":{"action":"button","buttonType":"mic","buttonState":true}}`)
	require.NoError(t, browser.WriteMessage(websocket.BinaryMessage, []byte{9, 9}))
	send(browser, `{"type":"control","payload":{"action":"end_turn"}}`)

	audio := nextChunk()
	assert.Equal(t, "audio/pcm;rate=16000", audio.MimeType)
	assert.Equal(t, codec.Base64Encode([]byte{9, 9}), audio.Data)
}

func TestRelay_ContextResume(t *testing.T) {
	up := newUpstream(t, func(conn *websocket.Conn, f messages.Frame) { answerSetup(conn, f) })
	store := storage.NewMemoryStore()
	m := newTestManager(t, testConfig(wsURL(up.srv)), ManagerOptions{Store: store})
	relaySrv := serveRelay(t, m, KindBrowser)

	first := dial(t, wsURL(relaySrv))
	id := readUntil(t, first, status(messages.StatusConnected)).SessionID
	send(first, `{"type":"context","payload":{"text":"my favourite colour is blue"}}`)
	require.Eventually(t, func() bool {
		turns, _ := store.Load(context.Background(), id)
		return len(turns) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, first.Close())
	require.Eventually(t, func() bool { return m.ActiveSessionCount() == 0 }, 2*time.Second, 10*time.Millisecond)

	second := dial(t, wsURL(relaySrv)+"?resume="+id)
	assert.Equal(t, id, readUntil(t, second, status(messages.StatusConnected)).SessionID)
	send(second, `{"type":"text","payload":{"text":"what is my favourite colour?","withContext":true}}`)

	deadline := time.After(3 * time.Second)
	for {
		f := up.next(t, "clientContent")
		var cc messages.ClientContent
		require.NoError(t, sonic.Unmarshal(f["clientContent"], &cc))
		if len(cc.Turns) == 2 {
			assert.Equal(t, "my favourite colour is blue", cc.Turns[0].Parts[0].Text)
			assert.Equal(t, "what is my favourite colour?", cc.Turns[1].Parts[0].Text)
			return
		}
		select {
		case <-deadline:
			t.Fatal("no clientContent with context")
		default:
		}
	}
}

func TestRelay_Twilio(t *testing.T) {
	var once sync.Once
	up := newUpstream(t, func(conn *websocket.Conn, f messages.Frame) {
		if answerSetup(conn, f) {
			return
		}
		if _, ok := f["realtimeInput"]; ok {
			once.Do(func() {
				// three silent 24 kHz samples become one mu-law byte
				_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"serverContent":{"modelTurn":{"parts":[
					{"inlineData":{"mimeType":"audio/pcm;rate=24000","data":"AAAAAAAA"}}]}}}`))
			})
		}
	})
	m := newTestManager(t, testConfig(wsURL(up.srv)), ManagerOptions{})
	call := dial(t, wsURL(serveRelay(t, m, KindTwilio)))

	send(call, `{"event":"connected"}`)
	send(call, `{"event":"start","start":{"streamSid":"MZ1","callSid":"CA1"}}`)
	send(call, `{"event":"media","media":{"payload":"`+codec.Base64Encode([]byte{0xFF, 0xFF})+`"}}`)

	rt := up.next(t, "realtimeInput")
	var input messages.RealtimeInput
	require.NoError(t, sonic.Unmarshal(rt["realtimeInput"], &input))
	require.Len(t, input.MediaChunks, 1)
	assert.Equal(t, codec.Base64Encode(make([]byte, 8)), input.MediaChunks[0].Data)

	require.NoError(t, call.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, data, err := call.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"media","streamSid":"MZ1","media":{"payload":"/w=="}}`, string(data))

	send(call, `{"event":"stop"}`)
	require.Eventually(t, func() bool { return m.ActiveSessionCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

// wsPair returns the server side of a fresh WebSocket connection.
func wsPair(t *testing.T) *websocket.Conn {
	t.Helper()
	conns := make(chan *websocket.Conn, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns <- conn
	}))
	t.Cleanup(srv.Close)
	dial(t, wsURL(srv))
	select {
	case c := <-conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("no server connection")
		return nil
	}
}

func TestManager_RedisMirrorAndLimits(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	cfg := testConfig("ws://127.0.0.1:1/unused")
	cfg.MaxSessions = 1
	m := newTestManager(t, cfg, ManagerOptions{Redis: client})
	ctx := context.Background()

	s, err := m.CreateSession(ctx, wsPair(t), KindBrowser, "")
	require.NoError(t, err)

	assert.True(t, mr.Exists(sessionKey(s.ID)))
	assert.Equal(t, "browser", mr.HGet(sessionKey(s.ID), "kind"))
	ok, err := mr.SIsMember(activeSessionsKey, s.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = m.CreateSession(ctx, wsPair(t), KindTwilio, "")
	assert.ErrorIs(t, err, ErrTooManySessions)

	require.NoError(t, m.RemoveSession(ctx, s.ID))
	assert.False(t, mr.Exists(sessionKey(s.ID)))
	assert.True(t, s.IsClosed())
	assert.Zero(t, m.ActiveSessionCount())

	// redis-backed context store by default
	_, isRedis := m.Store().(*storage.RedisStore)
	assert.True(t, isRedis)
}

// gatedStore blocks Load until release is closed.
type gatedStore struct {
	*storage.MemoryStore
	entered chan struct{}
	release chan struct{}
}

func (g *gatedStore) Load(ctx context.Context, id string) ([]messages.Content, error) {
	close(g.entered)
	<-g.release
	return g.MemoryStore.Load(ctx, id)
}

func TestManager_SlowStoreDoesNotBlockRegistry(t *testing.T) {
	store := &gatedStore{
		MemoryStore: storage.NewMemoryStore(),
		entered:     make(chan struct{}),
		release:     make(chan struct{}),
	}
	m := newTestManager(t, testConfig("ws://127.0.0.1:1/unused"), ManagerOptions{Store: store})
	ctx := context.Background()
	id := uuid.NewString()

	conn := wsPair(t)
	created := make(chan *Session, 1)
	go func() {
		s, err := m.CreateSession(ctx, conn, KindBrowser, id)
		assert.NoError(t, err)
		created <- s
	}()

	select {
	case <-store.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("store never loaded")
	}

	assert.Zero(t, m.ActiveSessionCount())
	other, err := m.CreateSession(ctx, wsPair(t), KindBrowser, id)
	require.NoError(t, err)
	assert.NotEqual(t, id, other.ID, "an ID being resumed is not handed out twice")

	close(store.release)
	select {
	case s := <-created:
		require.NotNil(t, s)
		assert.Equal(t, id, s.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("resumed session not created")
	}
	assert.Equal(t, 2, m.ActiveSessionCount())
}

func TestManager_ResumeIDValidation(t *testing.T) {
	m := newTestManager(t, testConfig("ws://127.0.0.1:1/unused"), ManagerOptions{})
	ctx := context.Background()

	s, err := m.CreateSession(ctx, wsPair(t), KindBrowser, "x")
	require.NoError(t, err)
	assert.NotEqual(t, "x", s.ID)

	again, err := m.CreateSession(ctx, wsPair(t), KindBrowser, s.ID)
	require.NoError(t, err)
	assert.NotEqual(t, s.ID, again.ID, "active IDs are not reused")
}

func TestManager_CleanupInactive(t *testing.T) {
	cfg := testConfig("ws://127.0.0.1:1/unused")
	m := newTestManager(t, cfg, ManagerOptions{})
	ctx := context.Background()

	s, err := m.CreateSession(ctx, wsPair(t), KindBrowser, "")
	require.NoError(t, err)

	m.CleanupInactiveSessions(ctx)
	assert.Equal(t, 1, m.ActiveSessionCount())

	s.mu.Lock()
	s.lastActivity = time.Now().Add(-2 * cfg.SessionTimeout)
	s.mu.Unlock()

	m.CleanupInactiveSessions(ctx)
	assert.Zero(t, m.ActiveSessionCount())
	assert.True(t, s.IsClosed())
}
