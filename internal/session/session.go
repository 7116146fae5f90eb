// Package session scopes the client core to one signed-in user. Every
// subscription opened through a Session is owned by it, and Logout
// guarantees that none of their callbacks runs afterwards.
package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/lalith-99/echosocial/internal/apperr"
	"github.com/lalith-99/echosocial/internal/auth"
	"github.com/lalith-99/echosocial/internal/chat"
	"github.com/lalith-99/echosocial/internal/docstore"
	"github.com/lalith-99/echosocial/internal/engagement"
	"github.com/lalith-99/echosocial/internal/group"
	"github.com/lalith-99/echosocial/internal/models"
	"github.com/lalith-99/echosocial/internal/notify"
	"github.com/lalith-99/echosocial/internal/observ"
	"github.com/lalith-99/echosocial/internal/profiles"
	"github.com/lalith-99/echosocial/internal/social"
)

// ErrClosed is returned by a Session after Logout.
var ErrClosed = errors.New("session is logged out")

// Services are the components a session drives.
type Services struct {
	Store         docstore.Store
	Messages      *chat.MessageLog
	Projector     *chat.Projector
	Groups        *group.Manager
	Notifications *notify.Aggregator
	Social        *social.Graph
	Engagement    *engagement.Service
	Profiles      *profiles.Directory
	Cache         chat.InboxCache
}

// Manager authenticates tokens and opens sessions.
type Manager struct {
	secret string
	svc    Services
	logger *zap.Logger
}

// NewManager verifies tokens with the HMAC secret shared with the auth
// provider.
func NewManager(secret string, svc Services, logger *zap.Logger) *Manager {
	return &Manager{secret: secret, svc: svc, logger: logger.Named("session")}
}

// Open validates a session token from the auth provider and starts a
// session for its user.
func (m *Manager) Open(token string) (*Session, error) {
	const op = "open session"
	claims, err := auth.ParseToken(token, m.secret)
	if err != nil {
		observ.SecuritySignal(m.logger, op, "", err)
		return nil, &apperr.Error{Kind: apperr.KindAccessDenied, Op: op, Message: "invalid session token", Cause: err}
	}
	s := &Session{
		UserID: claims.UserID,
		Claims: claims,
		svc:    m.svc,
		logger: m.logger.With(zap.String("user_id", claims.UserID)),
	}
	var c chat.InboxCache
	if m.svc.Cache != nil {
		c = &sessionCache{s: s, inner: m.svc.Cache}
	}
	s.inbox = chat.NewInbox(m.svc.Store, c, m.logger)
	s.logger.Info("session opened")
	return s, nil
}

// Session is one logged-in user. Subscriptions opened through it end
// at Logout.
type Session struct {
	UserID string
	Claims *auth.Claims

	svc    Services
	inbox  *chat.Inbox
	logger *zap.Logger

	// callbacks hold cb for reading; Logout takes it for writing once to
	// wait out the ones in flight.
	cb     sync.RWMutex
	closed atomic.Bool

	mu   sync.Mutex
	subs []docstore.Subscription
}

// Context returns ctx carrying the session user as the store actor.
func (s *Session) Context(ctx context.Context) context.Context {
	return docstore.WithActor(ctx, s.UserID)
}

func (s *Session) Services() Services { return s.svc }

func (s *Session) Inbox() *chat.Inbox { return s.inbox }

func (s *Session) Closed() bool { return s.closed.Load() }

func guard[T any](s *Session, fn func(T, error)) func(T, error) {
	return func(v T, err error) {
		s.cb.RLock()
		defer s.cb.RUnlock()
		if s.closed.Load() {
			return
		}
		fn(v, err)
	}
}

func (s *Session) track(sub docstore.Subscription, err error) (docstore.Subscription, error) {
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		sub.Close()
		return nil, ErrClosed
	}
	s.subs = append(s.subs, sub)
	s.mu.Unlock()
	return sub, nil
}

func (s *Session) open() error {
	if s.closed.Load() {
		return ErrClosed
	}
	return nil
}

func (s *Session) SubscribeInbox(ctx context.Context, fn func(chat.InboxSnapshot, error)) (docstore.Subscription, error) {
	if err := s.open(); err != nil {
		return nil, err
	}
	return s.track(s.inbox.Subscribe(s.Context(ctx), s.UserID, guard(s, fn)))
}

func (s *Session) SubscribeMessages(otherUserID string, limit int, fn func([]models.Message, error)) (docstore.Subscription, error) {
	if err := s.open(); err != nil {
		return nil, err
	}
	convID := chat.ConversationID(s.UserID, otherUserID)
	return s.track(s.svc.Messages.Subscribe(convID, limit, guard(s, fn)))
}

func (s *Session) SubscribeNotifications(limit int, fn func([]models.Notification, error)) (docstore.Subscription, error) {
	if err := s.open(); err != nil {
		return nil, err
	}
	return s.track(s.svc.Notifications.Subscribe(s.UserID, limit, guard(s, fn)))
}

func (s *Session) SubscribeGroups(fn func([]models.Group, error)) (docstore.Subscription, error) {
	if err := s.open(); err != nil {
		return nil, err
	}
	return s.track(s.svc.Groups.SubscribeGroups(s.UserID, guard(s, fn)))
}

func (s *Session) SubscribeGroupMessages(groupID string, limit int, fn func([]models.Message, error)) (docstore.Subscription, error) {
	if err := s.open(); err != nil {
		return nil, err
	}
	return s.track(s.svc.Groups.SubscribeMessages(groupID, limit, guard(s, fn)))
}

// Send sends a direct message from the session user.
func (s *Session) Send(ctx context.Context, receiverID, text string, opts ...func(*chat.SendRequest)) (string, error) {
	if err := s.open(); err != nil {
		return "", err
	}
	req := chat.SendRequest{SenderID: s.UserID, ReceiverID: receiverID, Text: text}
	for _, opt := range opts {
		opt(&req)
	}
	return s.svc.Messages.Send(s.Context(ctx), req)
}

// Logout closes every subscription of the session, waits for callbacks
// already running to return and clears the cached inbox before it
// returns. It must not be called from inside a subscription callback.
func (s *Session) Logout(ctx context.Context) error {
	if s.closed.Swap(true) {
		return nil
	}
	s.cb.Lock()
	s.cb.Unlock() //nolint:staticcheck // barrier: no callback is running past this point

	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()
	for _, sub := range subs {
		sub.Close()
	}

	if s.svc.Cache != nil {
		if err := s.svc.Cache.Invalidate(ctx, s.UserID); err != nil {
			return apperr.Classify("logout", err)
		}
	}
	s.logger.Info("session closed", zap.Int("subscriptions", len(subs)))
	return nil
}

// sessionCache drops inbox cache writes once the session is closed, so a
// snapshot delivered during Logout cannot repopulate the cleared cache.
type sessionCache struct {
	s     *Session
	inner chat.InboxCache
}

func (c *sessionCache) Save(ctx context.Context, userID string, entries []models.InboxEntry) error {
	c.s.cb.RLock()
	defer c.s.cb.RUnlock()
	if c.s.closed.Load() {
		return nil
	}
	return c.inner.Save(ctx, userID, entries)
}

func (c *sessionCache) Load(ctx context.Context, userID string) ([]models.InboxEntry, bool, error) {
	return c.inner.Load(ctx, userID)
}

func (c *sessionCache) Invalidate(ctx context.Context, userID string) error {
	return c.inner.Invalidate(ctx, userID)
}
