// Package session keeps the authentication state of one source for the
// duration of a run: it validates the stored token and, when the source
// rejects it, runs the login flow once and persists the fresh token.
package session

import (
	"context"
	"errors"
	"fmt"

	"metabigor/lib/telemetry"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("internal/session")

const (
	report_manager_check = "session.check"
	report_manager_login = "session.login"
	report_manager_save  = "session.save"
)

var (
	ErrLoginFailed      = errors.New("session: login failed")
	ErrLoginUnsupported = errors.New("session: source has no login flow")
)

type Validity int

const (
	Unknown Validity = iota
	Valid
	Invalid
)

func (v Validity) String() string {
	switch v {
	case Valid:
		return "valid"
	case Invalid:
		return "invalid"
	default:
		return "unknown"
	}
}

type Credentials struct {
	Username string
	Password string
}

type Session struct {
	SourceID string
	Token    string
	Validity Validity
}

func (s Session) Authenticated() bool {
	return s.Validity == Valid
}

// Store is where tokens and credentials live between runs.
type Store interface {
	Token(source string) string
	Credentials(source string) (Credentials, error)
	SaveToken(source, token string) error
}

// Checker validates a token against the source's account endpoint.
type Checker interface {
	SourceID() string
	Check(ctx context.Context, token string) (Validity, error)
}

// Loginer is implemented by sources that have a login flow.
type Loginer interface {
	Login(ctx context.Context, creds Credentials) (string, error)
}

type Manager struct {
	store Store
	tel   telemetry.API
}

func NewManager(store Store, tel telemetry.API) *Manager {
	return &Manager{store: store, tel: tel}
}

// Ensure returns a session for the source. A token that fails the check is
// never handed out: the login flow runs exactly once and its token is
// persisted before Ensure returns. When the login is impossible or fails
// the returned session is Invalid alongside the error, callers decide
// whether the source can still be queried anonymously.
func (m *Manager) Ensure(ctx context.Context, checker Checker) (Session, error) {
	source := checker.SourceID()
	tel := telemetry.NewScopedAPI(source, m.tel)

	sess := Session{SourceID: source, Token: m.store.Token(source), Validity: Invalid}

	if sess.Token != "" {
		validity, err := checker.Check(ctx, sess.Token)
		switch {
		case err != nil:
			tel.ReportWarning(report_manager_check, fmt.Errorf("treating session as invalid: %w", err))
		case validity == Valid:
			tel.ReportGood("getting results as an authenticated user")
			sess.Validity = Valid
			return sess, nil
		default:
			tel.ReportWarning(report_manager_check, "session looks invalid")
		}
	} else {
		tel.ReportDebug("no stored session")
	}
	sess.Token = ""

	loginer, ok := checker.(Loginer)
	if !ok {
		return sess, ErrLoginUnsupported
	}

	creds, err := m.store.Credentials(source)
	if err != nil {
		tel.ReportWarning(report_manager_login, err)
		return sess, fmt.Errorf("%w: %w", ErrLoginFailed, err)
	}

	tel.ReportInfo("re-authenticating with stored credentials", creds.Username)
	token, err := login(ctx, source, loginer, creds)
	if err != nil {
		tel.ReportWarning(report_manager_login, err)
		if errors.Is(err, ErrLoginFailed) {
			return sess, err
		}
		return sess, fmt.Errorf("%w: %w", ErrLoginFailed, err)
	}

	err = m.store.SaveToken(source, token)
	if err != nil {
		tel.ReportBroken(report_manager_save, err)
	}
	tel.ReportGood("re-authentication succeeded")

	sess.Token = token
	sess.Validity = Valid
	return sess, nil
}

func login(ctx context.Context, source string, loginer Loginer, creds Credentials) (string, error) {
	ctx, span := tracer.Start(ctx, "Login")
	defer span.End()
	span.SetAttributes(attribute.String("source", source))

	token, err := loginer.Login(ctx, creds)
	if err == nil && token == "" {
		err = errors.New("no token in login response")
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	return token, nil
}
