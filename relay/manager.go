package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"github.com/room4-2/livelink/config"
	"github.com/room4-2/livelink/functions"
	"github.com/room4-2/livelink/gemini"
	"github.com/room4-2/livelink/messages"
	"github.com/room4-2/livelink/session"
	"github.com/room4-2/livelink/storage"
	"github.com/room4-2/livelink/transport"
)

// ErrTooManySessions is returned when MaxSessions relays are active.
var ErrTooManySessions = errors.New("maximum sessions reached")

const activeSessionsKey = "active_sessions"

func sessionKey(id string) string { return "session:" + id }

// ManagerOptions carry the collaborators a Manager shares with its
// sessions. Nil fields get working defaults.
type ManagerOptions struct {
	// Redis mirrors the registry when set.
	Redis  *redis.Client
	Store  storage.ContextStore
	Tools  *functions.Registry
	Dialer transport.Dialer
	Logger *slog.Logger
}

// Manager owns every relay session of the process.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	// reserved holds IDs of sessions still being created. They count
	// toward MaxSessions and cannot be resumed twice.
	reserved map[string]struct{}

	cfg     *config.Config
	liveURL string
	setup   *messages.SetupConfig
	redis   *redis.Client
	store   storage.ContextStore
	tools   *functions.Registry
	dialer  transport.Dialer
	logger  *slog.Logger
}

// ConnectRedis returns a client when the server answers a ping.
func ConnectRedis(ctx context.Context, addr, password string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return client, nil
}

func NewManager(cfg *config.Config, opts ManagerOptions) (*Manager, error) {
	liveURL, err := gemini.EndpointURL(cfg.LiveURL, cfg.GeminiAPIKey)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		sessions: make(map[string]*Session),
		reserved: make(map[string]struct{}),
		cfg:      cfg,
		liveURL:  liveURL,
		redis:    opts.Redis,
		store:    opts.Store,
		tools:    opts.Tools,
		dialer:   opts.Dialer,
		logger:   opts.Logger,
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.tools == nil {
		m.tools = functions.NewRegistry(m.logger)
		if err := functions.Builtins(m.tools, cfg.CompanyDocs, nil); err != nil {
			return nil, err
		}
	}
	if m.store == nil {
		if m.redis != nil {
			m.store = storage.NewRedisStore(m.redis, storage.WithTTL(cfg.SessionTimeout))
		} else {
			m.store = storage.NewMemoryStore()
		}
	}
	if m.dialer == nil {
		d := transport.NewWebSocketDialer()
		d.DialTimeout = cfg.DialTimeout
		m.dialer = d
	}

	prompt := cfg.SystemPrompt
	if prompt == "" {
		prompt = DefaultSystemPrompt
	}
	m.setup = gemini.DefaultSetup(gemini.SetupOptions{
		Model:        cfg.Model,
		SystemPrompt: prompt,
		Voice:        cfg.VoiceName,
		Tools:        m.tools.Tools(),
		Extra:        cfg.SetupExtra,
	})
	return m, nil
}

// Store is the context store shared by the sessions.
func (m *Manager) Store() storage.ContextStore { return m.store }

// CreateSession registers a relay for conn. A non-empty resumeID reuses
// that ID and restores its stored context, unless it is still active.
// Store and Redis round-trips run outside the registry lock.
func (m *Manager) CreateSession(ctx context.Context, conn *websocket.Conn, kind Kind, resumeID string) (*Session, error) {
	id, resumed, err := m.reserve(resumeID)
	if err != nil {
		return nil, err
	}

	live := session.New(session.Options{
		URL:                m.liveURL,
		Dialer:             m.dialer,
		Logger:             m.logger.With("relay", id[:8]),
		MaxRetries:         m.cfg.MaxRetries,
		RetryBaseDelay:     m.cfg.RetryBaseDelay,
		RealtimeRetryDelay: m.cfg.RealtimeRetryDelay,
		DialTimeout:        m.cfg.DialTimeout,
	})

	if resumed {
		turns, err := m.store.Load(ctx, id)
		if err != nil {
			m.logger.Warn("loading stored context failed", "relay", id[:8], "error", err)
		} else if len(turns) > 0 {
			live.Context().Append(turns...)
			m.logger.Info("resumed session context", "relay", id[:8], "turns", len(turns))
		}
	}

	s := newSession(id, kind, conn, sessionDeps{
		live:          live,
		setup:         m.setup,
		tools:         m.tools,
		store:         m.store,
		maxBufferSize: m.cfg.MaxBufferSize,
		keepAlive:     m.cfg.KeepAlivePeriod,
		logger:        m.logger,
	})

	m.mu.Lock()
	delete(m.reserved, id)
	m.sessions[id] = s
	m.mu.Unlock()

	m.mirror(ctx, s)
	return s, nil
}

// reserve picks the session ID and holds a slot for it.
func (m *Manager) reserve(resumeID string) (id string, resumed bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.sessions)+len(m.reserved) >= m.cfg.MaxSessions {
		return "", false, ErrTooManySessions
	}
	if _, err := uuid.Parse(resumeID); err != nil {
		resumeID = ""
	}
	id = resumeID
	_, active := m.sessions[id]
	_, pending := m.reserved[id]
	if id == "" || active || pending {
		id = uuid.New().String()
	}
	m.reserved[id] = struct{}{}
	return id, id == resumeID, nil
}

func (m *Manager) mirror(ctx context.Context, s *Session) {
	if m.redis == nil {
		return
	}
	pipe := m.redis.Pipeline()
	pipe.HSet(ctx, sessionKey(s.ID), map[string]any{
		"created_at":    s.CreatedAt.Format(time.RFC3339),
		"last_activity": s.LastActivity().Format(time.RFC3339),
		"status":        "active",
		"kind":          s.Kind.String(),
	})
	pipe.SAdd(ctx, activeSessionsKey, s.ID)
	pipe.Expire(ctx, sessionKey(s.ID), m.cfg.SessionTimeout)
	if _, err := pipe.Exec(ctx); err != nil {
		m.logger.Warn("redis mirror failed", "relay", s.ID[:8], "error", err)
	}
}

func (m *Manager) unmirror(ctx context.Context, id string) {
	if m.redis == nil {
		return
	}
	pipe := m.redis.Pipeline()
	pipe.Del(ctx, sessionKey(id))
	pipe.SRem(ctx, activeSessionsKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		m.logger.Warn("redis unmirror failed", "relay", id[:8], "error", err)
	}
}

func (m *Manager) GetSession(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// RemoveSession closes and forgets a session. Its stored context stays
// so the client can resume.
func (m *Manager) RemoveSession(ctx context.Context, id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return nil
	}

	_ = s.Close()
	m.unmirror(ctx, id)
	return nil
}

func (m *Manager) ActiveSessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// CleanupInactiveSessions closes sessions idle for longer than the
// session timeout and refreshes the mirror of the others.
func (m *Manager) CleanupInactiveSessions(ctx context.Context) {
	now := time.Now()

	m.mu.Lock()
	var stale, live []*Session
	for id, s := range m.sessions {
		if now.Sub(s.LastActivity()) > m.cfg.SessionTimeout || s.IsClosed() {
			stale = append(stale, s)
			delete(m.sessions, id)
			continue
		}
		live = append(live, s)
	}
	m.mu.Unlock()

	for _, s := range stale {
		m.logger.Info("closing inactive session", "relay", s.ID[:8])
		_ = s.Close()
		m.unmirror(ctx, s.ID)
	}
	for _, s := range live {
		m.mirror(ctx, s)
	}
}

// StartCleanupRoutine runs CleanupInactiveSessions every interval until
// ctx is done.
func (m *Manager) StartCleanupRoutine(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CleanupInactiveSessions(ctx)
		}
	}
}

// Shutdown closes every session and the Redis client.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for id, s := range sessions {
		_ = s.Close()
		m.unmirror(ctx, id)
	}
	if m.redis != nil {
		_ = m.redis.Close()
	}
}
