package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"haven/api/internal/auth"
	"haven/api/internal/authpw"
	"haven/api/internal/config"
	"haven/api/internal/metrics"
	"haven/api/internal/notify"
	"haven/api/internal/rbac"
	"haven/api/internal/search"
	"haven/api/internal/store"
	"haven/api/internal/util"
)

// Viewer is the authenticated caller. UserID comes from the token, Role from
// the current user record.
type Viewer struct {
	UserID   string
	UserName string
	Role     string
}

type Session struct {
	Token     string
	UserID    string
	UserName  string
	Role      string
	ExpiresAt time.Time
}

type CreateUserInput struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"displayName"`
	Role        string `json:"role"`
}

type dataStore interface {
	Ping(context.Context) error
	GetUserByID(context.Context, string) (store.User, error)
	GetUserByEmail(context.Context, string) (store.User, error)
	CreateUser(context.Context, store.User) error
	ListUsers(context.Context) ([]store.User, error)
	CountUsers(context.Context) (int, error)
	InsertPost(context.Context, store.Post, []string, []string) (store.Post, error)
	UpdatePost(context.Context, store.Post, []string, []string) (store.Post, error)
	SoftDeletePost(context.Context, string) error
	GetPost(context.Context, string) (store.Post, error)
	ListActivePosts(context.Context) ([]store.Post, error)
	ListActivePostsByIDs(context.Context, []string) ([]store.Post, error)
	ListGrants(context.Context, []string) (map[string]store.Grants, error)
	InsertReply(context.Context, store.Reply, int) (store.Reply, error)
	ListReplies(context.Context, string) ([]store.Reply, error)
	ListRepliesForPosts(context.Context, []string) (map[string][]store.Reply, error)
	InsertActivity(context.Context, store.ActivityEntry) error
	ListActivity(context.Context, int) ([]store.ActivityEntry, error)
}

type postIndex interface {
	Search(context.Context, search.Query) ([]search.Hit, int, error)
	IndexPost(search.PostRecord)
	DeletePost(string)
}

// Options carries the optional collaborators. A nil Notifier or Search turns
// that side effect off.
type Options struct {
	Notifier notify.Notifier
	Search   postIndex
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
}

type Service struct {
	cfg      config.Config
	store    dataStore
	auth     *authpw.Service
	notifier notify.Notifier
	search   postIndex
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

func New(cfg config.Config, dataStore *store.PostgresStore, opts Options) *Service {
	return newService(cfg, dataStore, authpw.NewService(dataStore), opts)
}

func newService(cfg config.Config, ds dataStore, pw *authpw.Service, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		cfg:      cfg,
		store:    ds,
		auth:     pw,
		notifier: opts.Notifier,
		search:   opts.Search,
		metrics:  opts.Metrics,
		logger:   logger,
	}
}

// Bootstrap creates the configured administrator when no account exists yet.
func (s *Service) Bootstrap(ctx context.Context) error {
	count, err := s.store.CountUsers(ctx)
	if err != nil {
		return fmt.Errorf("count users: %w", err)
	}
	if count > 0 {
		return nil
	}
	if s.cfg.AdminEmail == "" || s.cfg.AdminPassword == "" {
		s.logger.Warn("no users exist and no bootstrap admin is configured")
		return nil
	}
	admin, err := s.auth.Register(ctx, authpw.RegisterRequest{
		Email:       s.cfg.AdminEmail,
		Password:    s.cfg.AdminPassword,
		DisplayName: s.cfg.AdminName,
		Role:        string(rbac.RoleAdmin),
	})
	if err != nil {
		return fmt.Errorf("bootstrap admin: %w", err)
	}
	s.logger.Info("bootstrap admin created", zap.String("user_id", admin.ID), zap.String("email", admin.Email))
	return nil
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) SignIn(ctx context.Context, email, password string) (Session, error) {
	user, err := s.auth.SignIn(ctx, authpw.SignInRequest{Email: email, Password: password})
	if err != nil {
		if errors.Is(err, authpw.ErrInvalidCredentials) {
			return Session{}, domainError(http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password", nil)
		}
		return Session{}, err
	}

	expiresAt := time.Now().Add(s.cfg.AccessTTL)
	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), user.ID, user.DisplayName, util.NewID("jti"), expiresAt)
	if err != nil {
		return Session{}, fmt.Errorf("issue token: %w", err)
	}
	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		Role:      string(rbac.Normalize(user.Role)),
		ExpiresAt: expiresAt,
	}, nil
}

// ViewerFromToken verifies the token, then looks the user up again. The token
// only proves identity; the role always comes from the user record.
func (s *Service) ViewerFromToken(ctx context.Context, token string) (Viewer, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Viewer{}, err
	}
	user, err := s.activeUser(ctx, claims.Subject)
	if err != nil {
		return Viewer{}, err
	}
	return Viewer{
		UserID:   user.ID,
		UserName: user.DisplayName,
		Role:     string(rbac.Normalize(user.Role)),
	}, nil
}

// ResolveRole returns the current role of an active user.
func (s *Service) ResolveRole(ctx context.Context, userID string) (string, error) {
	user, err := s.activeUser(ctx, userID)
	if err != nil {
		return "", err
	}
	return string(rbac.Normalize(user.Role)), nil
}

func (s *Service) activeUser(ctx context.Context, userID string) (store.User, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.User{}, auth.ErrInvalidToken
	}
	if err != nil {
		return store.User{}, fmt.Errorf("lookup user: %w", err)
	}
	if user.DeactivatedAt != nil {
		return store.User{}, auth.ErrInvalidToken
	}
	return user, nil
}

type UserView struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Role string `json:"role"`
}

// ListUsers is the directory used to pick user grants.
func (s *Service) ListUsers(ctx context.Context, viewer Viewer) ([]UserView, error) {
	if !rbac.Can(rbac.Normalize(viewer.Role), rbac.ActionRead) {
		return nil, errForbidden()
	}
	users, err := s.store.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	views := make([]UserView, 0, len(users))
	for _, user := range users {
		views = append(views, UserView{ID: user.ID, Name: user.DisplayName, Role: string(rbac.Normalize(user.Role))})
	}
	return views, nil
}

// ListRoles is the role catalogue offered by the grant picker.
func (s *Service) ListRoles(viewer Viewer) ([]string, error) {
	if !rbac.Can(rbac.Normalize(viewer.Role), rbac.ActionRead) {
		return nil, errForbidden()
	}
	roles := rbac.All()
	out := make([]string, 0, len(roles))
	for _, role := range roles {
		out = append(out, string(role))
	}
	return out, nil
}

func (s *Service) CreateUser(ctx context.Context, viewer Viewer, input CreateUserInput) (UserView, error) {
	if !rbac.Can(rbac.Normalize(viewer.Role), rbac.ActionManageUsers) {
		return UserView{}, errForbidden()
	}
	user, err := s.auth.Register(ctx, authpw.RegisterRequest{
		Email:       input.Email,
		Password:    input.Password,
		DisplayName: input.DisplayName,
		Role:        input.Role,
	})
	switch {
	case errors.Is(err, authpw.ErrInvalidInput):
		return UserView{}, errInvalidInput(err.Error(), nil)
	case errors.Is(err, authpw.ErrEmailTaken), errors.Is(err, store.ErrEmailTaken):
		return UserView{}, domainError(http.StatusConflict, "EMAIL_TAKEN", "Email already registered", nil)
	case err != nil:
		return UserView{}, err
	}

	s.recordActivity(ctx, viewer, "user.created", "user", user.ID, map[string]any{"role": user.Role})
	return UserView{ID: user.ID, Name: user.DisplayName, Role: user.Role}, nil
}

type ActivityView struct {
	ID         string          `json:"id"`
	UserID     string          `json:"userId"`
	UserName   string          `json:"userName"`
	Action     string          `json:"action"`
	EntityType string          `json:"entityType"`
	EntityID   string          `json:"entityId"`
	Details    json.RawMessage `json:"details"`
	CreatedAt  time.Time       `json:"createdAt"`
}

func (s *Service) ListActivity(ctx context.Context, viewer Viewer, limit int) ([]ActivityView, error) {
	if !rbac.Can(rbac.Normalize(viewer.Role), rbac.ActionViewActivity) {
		return nil, errForbidden()
	}
	entries, err := s.store.ListActivity(ctx, limit)
	if err != nil {
		return nil, err
	}
	views := make([]ActivityView, 0, len(entries))
	for _, entry := range entries {
		details := entry.Details
		if len(details) == 0 || string(details) == "null" {
			details = json.RawMessage(`{}`)
		}
		views = append(views, ActivityView{
			ID:         entry.ID,
			UserID:     entry.UserID,
			UserName:   entry.UserName,
			Action:     entry.Action,
			EntityType: entry.EntityType,
			EntityID:   entry.EntityID,
			Details:    details,
			CreatedAt:  entry.CreatedAt,
		})
	}
	return views, nil
}

// recordActivity is best-effort: the audit row is not part of the write.
func (s *Service) recordActivity(ctx context.Context, viewer Viewer, action, entityType, entityID string, details map[string]any) {
	if details == nil {
		details = map[string]any{}
	}
	raw, err := json.Marshal(details)
	if err != nil {
		raw = json.RawMessage(`{}`)
	}
	entry := store.ActivityEntry{
		ID:         util.NewID("act"),
		UserID:     viewer.UserID,
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Details:    raw,
	}
	if err := s.store.InsertActivity(ctx, entry); err != nil {
		s.metrics.SideEffectFailed("activity")
		s.logger.Warn("record activity", zap.String("action", action), zap.String("entity_id", entityID), zap.Error(err))
	}
}

// publish never fails the caller. Notifiers only enqueue or hand the event to
// Redis; the fan-out itself happens off the request. The detached context keeps
// a client hanging up from dropping the event.
func (s *Service) publish(ctx context.Context, ev notify.Event) {
	if s.notifier == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.notifier.Publish(ctx, ev); err != nil {
		s.metrics.SideEffectFailed("notify")
		s.logger.Warn("publish board event", zap.String("type", string(ev.Type)), zap.String("post_id", ev.PostID), zap.Error(err))
	}
}

// SetNotifier swaps the event sink. The hub needs the service to resolve
// roles, so the notifier is wired after construction.
func (s *Service) SetNotifier(n notify.Notifier) {
	s.notifier = n
}
