package endpoints

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"

	"github.com/globus/atlas/internal/application/rpc"
	"github.com/globus/atlas/internal/domain/crm"
	"github.com/globus/atlas/internal/domain/identity"
	"github.com/globus/atlas/internal/domain/shared"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrUserUnavailable is returned when a code is requested for an unknown or banned login
	ErrUserUnavailable = shared.NewDomainError("USER_UNAVAILABLE", "User doesn't exist or banned")
	// ErrWrongCode is returned when no pending session accepts the code
	ErrWrongCode = shared.NewDomainError("WRONG_CODE", "Wrong login or code")
)

// codeDigits is the length of one-time login codes
const codeDigits = 6

// UserService serves staff accounts and sessions
type UserService struct {
	deps Deps
}

var _ rpc.UserSource = (*UserService)(nil)

// Endpoint describes the users endpoint
func (s *UserService) Endpoint() *rpc.Endpoint {
	login := rpc.Open(s.auth, TagUsers)
	return &rpc.Endpoint{
		Name: "users",
		Methods: map[string]*rpc.Method{
			"sendAuthCode": rpc.Open(s.sendAuthCode),
			"login":        login,
			"auth":         login,
			"logout":       rpc.StaffProtected(canLogout, s.logout, TagUsers),
			"me":           rpc.StaffProtected(rpc.AnyStaff(), s.me),
			"active":       rpc.StaffProtected(rpc.AnyStaff(), s.active),
			"get":          rpc.StaffProtected(rpc.Requires(identity.UsersCanSeeUsers), s.get),
		},
		Internal: map[string]*rpc.InternalMember{
			"getUser": rpc.Internal(s.getUser),
		},
	}
}

// GetUser implements rpc.UserSource. It records the user as online.
func (s *UserService) GetUser(ctx context.Context, token string) (*identity.Staff, error) {
	if token == "" {
		return nil, nil
	}
	now := s.deps.Now()
	session, err := s.deps.Sessions.FindLive(ctx, token, now)
	if err != nil || session == nil {
		return nil, err
	}
	user, err := s.deps.Users.Touch(ctx, session.Login, now)
	if err != nil || user == nil || user.Banned {
		return nil, err
	}
	return user.Staff(token), nil
}

func (s *UserService) getUser(ctx context.Context, p rpc.Payload, _ identity.Identity) (any, error) {
	var in struct {
		Session string `json:"session"`
	}
	if err := p.Decode(&in); err != nil {
		return nil, err
	}
	return s.GetUser(ctx, in.Session)
}

// sendAuthCode opens a pending session and sends its one-time code to the
// user's messenger. Only the bcrypt hash of the code is stored. A new code
// replaces any code sent before it.
func (s *UserService) sendAuthCode(ctx context.Context, p rpc.Payload, _ identity.Identity) (any, error) {
	var in struct {
		Login string `json:"login" validate:"required"`
	}
	if err := p.Decode(&in); err != nil {
		return nil, err
	}
	user, err := s.deps.Users.FindByLogin(ctx, in.Login)
	if err != nil {
		return nil, err
	}
	if user == nil || user.Banned {
		return nil, ErrUserUnavailable
	}

	code, err := newCode()
	if err != nil {
		return nil, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash code: %w", err)
	}
	if _, err := s.deps.Sessions.DeletePending(ctx, user.Login); err != nil {
		return nil, fmt.Errorf("drop pending sessions: %w", err)
	}
	now := s.deps.Now()
	session := &crm.Session{
		Token:    crm.NewSessionToken(),
		Login:    user.Login,
		Created:  now.Unix(),
		Expire:   now.Add(s.deps.Business.CodeTTL).Unix(),
		CodeHash: string(hash),
	}
	if err := s.deps.Sessions.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	if user.Messenger == "" {
		s.deps.Logger.Warn("User has no messenger account", zap.String("login", user.Login))
	}
	err = deliver(ctx, s.deps.Deliverer, s.deps.Delivery, s.deps.Logger, Message{
		To:   nonEmpty(user.Messenger),
		Text: "Login code: " + code,
	})
	if err != nil {
		return nil, fmt.Errorf("deliver code: %w", err)
	}
	return map[string]bool{"sent": true}, nil
}

func newCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}
	return fmt.Sprintf("%0*d", codeDigits, n.Int64()), nil
}

// loginResult is the account returned by a successful login
type loginResult struct {
	*crm.User
	Session string `json:"session"`
	Expire  int64  `json:"expire"`
}

// auth confirms the pending session whose code matches. Wrong codes count
// toward the ban threshold.
func (s *UserService) auth(ctx context.Context, p rpc.Payload, _ identity.Identity) (any, error) {
	var in struct {
		Login string `json:"login" validate:"required"`
		Code  string `json:"code" validate:"required"`
	}
	if err := p.Decode(&in); err != nil {
		return nil, err
	}
	user, err := s.deps.Users.FindByLogin(ctx, in.Login)
	if err != nil {
		return nil, err
	}
	if user == nil || user.Banned {
		return nil, ErrWrongCode
	}

	now := s.deps.Now()
	pending, err := s.deps.Sessions.FindPending(ctx, user.Login, now)
	if err != nil {
		return nil, err
	}
	for _, session := range pending {
		if bcrypt.CompareHashAndPassword([]byte(session.CodeHash), []byte(in.Code)) != nil {
			continue
		}
		expire := now.Add(s.deps.Business.SessionTTL).Unix()
		if err := s.deps.Sessions.Confirm(ctx, session.Token, expire); err != nil {
			return nil, fmt.Errorf("confirm session: %w", err)
		}
		if err := s.deps.Users.RecordLogin(ctx, user.Login, now); err != nil {
			return nil, fmt.Errorf("record login: %w", err)
		}
		s.deps.Logger.Info("New session",
			zap.String("login", user.Login),
			zap.Int64("expire", expire),
		)
		user.FailedAttempts = 0
		return loginResult{User: user, Session: session.Token, Expire: expire}, nil
	}

	updated, err := s.deps.Users.RecordFailedAttempt(ctx, user.Login)
	if err != nil {
		return nil, err
	}
	if updated != nil && updated.Banned {
		s.deps.Logger.Warn("User banned after failed logins", zap.String("login", user.Login))
	}
	return nil, ErrWrongCode
}

// canLogout lets staff end their own sessions, and kickers end anyone's
func canLogout(staff *identity.Staff, p rpc.Payload) bool {
	var in struct {
		Login string `json:"login"`
	}
	if err := p.Decode(&in); err != nil {
		return false
	}
	return in.Login == "" || in.Login == staff.Login || staff.Can(identity.UsersCanKickUsers)
}

func (s *UserService) logout(ctx context.Context, p rpc.Payload, caller identity.Identity) (any, error) {
	var in struct {
		Login string `json:"login"`
	}
	if err := p.Decode(&in); err != nil {
		return nil, err
	}
	if in.Login == "" {
		in.Login = caller.Subject()
	}
	n, err := s.deps.Sessions.DeleteByLogin(ctx, in.Login)
	if err != nil {
		return nil, err
	}
	return map[string]string{"status": fmt.Sprintf("%d sessions deleted", n)}, nil
}

func (s *UserService) me(ctx context.Context, _ rpc.Payload, caller identity.Identity) (any, error) {
	return s.deps.Users.FindByLogin(ctx, caller.Subject())
}

func (s *UserService) active(context.Context, rpc.Payload, identity.Identity) (any, error) {
	return s.deps.Rooms.ActiveUsers(), nil
}

func (s *UserService) get(ctx context.Context, p rpc.Payload, _ identity.Identity) (any, error) {
	var in struct {
		Banned *bool `json:"banned"`
	}
	if err := p.Decode(&in); err != nil {
		return nil, err
	}
	users, err := s.deps.Users.FindAll(ctx)
	if err != nil {
		return nil, err
	}
	if in.Banned == nil {
		return users, nil
	}
	out := make([]crm.User, 0, len(users))
	for _, u := range users {
		if u.Banned == *in.Banned {
			out = append(out, u)
		}
	}
	return out, nil
}

func nonEmpty(values ...string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}
