package routing

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"

	iutil "github.com/matrixcore/homeserver/internal/util"
	"github.com/matrixcore/homeserver/setup/config"
	userapi "github.com/matrixcore/homeserver/userapi/api"
)

func newTestClientAPIConfig() *config.ClientAPI {
	global := &config.Global{}
	global.ServerName = spec.ServerName("test")
	global.JetStream.TopicPrefix = "test."

	return &config.ClientAPI{
		Matrix: global,
	}
}

func ptrTime(t time.Time) *time.Time {
	copy := t
	return &copy
}

type stubPasswordResetAttempt struct {
	SessionID   string
	TokenLookup string
	ExpiresAt   time.Time
	Consumed    bool
}

type stubRefreshToken struct {
	accessToken string
	expiresAt   time.Time
	used        bool
}

// stubClientUserAPI is an in-memory implementation of userapi.ClientUserAPI
// exercising the password reset and 3PID email verification flows, without
// a real Device & Key Registry behind it.
type stubClientUserAPI struct {
	device                    *userapi.Device
	passwordUpdated           bool
	passwordUpdateCalls       int
	storedPasswordResetToken  *userapi.PasswordResetTokenInfo
	passwordResetTokenLookup  string
	rateLimitBehavior         map[string][]bool
	threePIDLocalpart         string
	threePIDServerName        spec.ServerName
	threePIDStoredEmail       string
	deviceDeletionRequests    []*userapi.PerformDeviceDeletionRequest
	pusherDeletionRequests    []*userapi.PerformPusherDeletionRequest
	forget3PIDRequests        []*userapi.PerformForgetThreePIDRequest
	passwordResetAttempts     map[string]*stubPasswordResetAttempt
	emailVerificationSessions map[string]*userapi.EmailVerificationSession
	savedThreePIDAssociations []*userapi.PerformSaveThreePIDAssociationRequest
	refreshTokens             map[string]*stubRefreshToken
	nextRefreshToken          string
}

func newStubClientUserAPI(device *userapi.Device) *stubClientUserAPI {
	return &stubClientUserAPI{
		device:                    device,
		passwordUpdated:           true,
		rateLimitBehavior:         make(map[string][]bool),
		pusherDeletionRequests:    []*userapi.PerformPusherDeletionRequest{},
		passwordResetAttempts:     make(map[string]*stubPasswordResetAttempt),
		emailVerificationSessions: make(map[string]*userapi.EmailVerificationSession),
		savedThreePIDAssociations: []*userapi.PerformSaveThreePIDAssociationRequest{},
		refreshTokens:             make(map[string]*stubRefreshToken),
	}
}

// issueRefreshToken seeds the stub with a refresh token a test can redeem,
// simulating the token pair login would have minted.
func (s *stubClientUserAPI) issueRefreshToken(token, accessToken string, expiresAt time.Time) {
	s.refreshTokens[token] = &stubRefreshToken{accessToken: accessToken, expiresAt: expiresAt}
}

var _ userapi.ClientUserAPI = (*stubClientUserAPI)(nil)

func (s *stubClientUserAPI) passwordResetAttemptKey(clientSecret, email string, sendAttempt int) string {
	return fmt.Sprintf("%s|%s|%d", clientSecret, iutil.NormalizeEmail(email), sendAttempt)
}

func (s *stubClientUserAPI) StorePasswordResetToken(ctx context.Context, tokenHash, tokenLookup, userID, email, sessionID, clientSecret string, sendAttempt int, expiresAt time.Time) error {
	key := s.passwordResetAttemptKey(clientSecret, email, sendAttempt)
	if attempt, ok := s.passwordResetAttempts[key]; ok && !attempt.Consumed && time.Now().Before(attempt.ExpiresAt) {
		return userapi.ErrPasswordResetAttemptExists
	}

	s.storedPasswordResetToken = &userapi.PasswordResetTokenInfo{
		TokenHash: tokenHash,
		UserID:    userID,
		Email:     email,
		ExpiresAt: expiresAt,
	}
	s.passwordResetTokenLookup = tokenLookup
	s.passwordResetAttempts[key] = &stubPasswordResetAttempt{
		SessionID:   sessionID,
		TokenLookup: tokenLookup,
		ExpiresAt:   expiresAt,
	}
	return nil
}

func (s *stubClientUserAPI) LookupPasswordResetAttempt(ctx context.Context, clientSecret, email string, sendAttempt int) (*userapi.PasswordResetAttempt, error) {
	key := s.passwordResetAttemptKey(clientSecret, email, sendAttempt)
	if attempt, ok := s.passwordResetAttempts[key]; ok {
		if attempt.Consumed {
			return nil, nil
		}
		if time.Now().After(attempt.ExpiresAt) {
			return nil, nil
		}
		return &userapi.PasswordResetAttempt{SessionID: attempt.SessionID}, nil
	}
	return nil, nil
}

func (s *stubClientUserAPI) GetPasswordResetToken(ctx context.Context, tokenLookup string) (*userapi.PasswordResetTokenInfo, error) {
	if s.storedPasswordResetToken != nil && tokenLookup == s.passwordResetTokenLookup {
		return s.storedPasswordResetToken, nil
	}
	return nil, sql.ErrNoRows
}

func (s *stubClientUserAPI) ConsumePasswordResetToken(ctx context.Context, tokenLookup, tokenHash string) (*userapi.ConsumePasswordResetTokenResponse, error) {
	if s.storedPasswordResetToken != nil && tokenLookup == s.passwordResetTokenLookup && tokenHash == s.storedPasswordResetToken.TokenHash {
		s.passwordResetTokenLookup = ""
		s.storedPasswordResetToken = nil
		for key, attempt := range s.passwordResetAttempts {
			if attempt.TokenLookup == tokenLookup {
				attempt.Consumed = true
				s.passwordResetAttempts[key] = attempt
			}
		}
		return &userapi.ConsumePasswordResetTokenResponse{Claimed: true}, nil
	}
	return nil, sql.ErrNoRows
}

func (s *stubClientUserAPI) CheckPasswordResetRateLimit(ctx context.Context, key string, window time.Duration, limit int) (bool, time.Duration, error) {
	if s.rateLimitBehavior == nil {
		return true, window, nil
	}
	if sequence, ok := s.rateLimitBehavior[key]; ok && len(sequence) > 0 {
		allowed := sequence[0]
		s.rateLimitBehavior[key] = sequence[1:]
		if !allowed {
			return false, window, nil
		}
		return true, window, nil
	}
	return true, window, nil
}

func (s *stubClientUserAPI) DeletePasswordResetToken(ctx context.Context, tokenLookup string) error {
	if s.storedPasswordResetToken != nil && s.passwordResetTokenLookup == tokenLookup {
		s.storedPasswordResetToken = nil
		s.passwordResetTokenLookup = ""
	}
	for key, attempt := range s.passwordResetAttempts {
		if attempt.TokenLookup == tokenLookup {
			delete(s.passwordResetAttempts, key)
			break
		}
	}
	return nil
}

func (s *stubClientUserAPI) PerformPasswordUpdate(ctx context.Context, req *userapi.PerformPasswordUpdateRequest, res *userapi.PerformPasswordUpdateResponse) error {
	res.PasswordUpdated = s.passwordUpdated
	s.passwordUpdateCalls++
	return nil
}

func (s *stubClientUserAPI) PerformDeviceDeletion(ctx context.Context, req *userapi.PerformDeviceDeletionRequest, res *userapi.PerformDeviceDeletionResponse) error {
	s.deviceDeletionRequests = append(s.deviceDeletionRequests, req)
	return nil
}

func (s *stubClientUserAPI) PerformPusherDeletion(ctx context.Context, req *userapi.PerformPusherDeletionRequest, res *struct{}) error {
	s.pusherDeletionRequests = append(s.pusherDeletionRequests, req)
	return nil
}

func (s *stubClientUserAPI) PerformUserDeactivation(ctx context.Context, req *userapi.PerformUserDeactivationRequest, res *userapi.PerformUserDeactivationResponse) error {
	res.UserID = req.UserID
	res.Deactivated = true
	return nil
}

func (s *stubClientUserAPI) CreateOrReuseEmailVerificationSession(ctx context.Context, session *userapi.EmailVerificationSession) (*userapi.EmailVerificationSession, bool, error) {
	for _, existing := range s.emailVerificationSessions {
		if existing.ClientSecretHash == session.ClientSecretHash && existing.Email == session.Email && existing.SendAttempt == session.SendAttempt {
			return existing, false, nil
		}
	}
	copy := *session
	s.emailVerificationSessions[session.SessionID] = &copy
	return &copy, true, nil
}

func (s *stubClientUserAPI) GetEmailVerificationSession(ctx context.Context, sessionID string) (*userapi.EmailVerificationSession, error) {
	session, ok := s.emailVerificationSessions[sessionID]
	if !ok {
		return nil, userapi.ErrEmailVerificationSessionNotFound
	}
	return session, nil
}

func (s *stubClientUserAPI) MarkEmailVerificationSessionValidated(ctx context.Context, sessionID string, validatedAt time.Time) error {
	if session, ok := s.emailVerificationSessions[sessionID]; ok {
		session.ValidatedAt = ptrTime(validatedAt)
	}
	return nil
}

func (s *stubClientUserAPI) MarkEmailVerificationSessionConsumed(ctx context.Context, sessionID string, consumedAt time.Time) error {
	if session, ok := s.emailVerificationSessions[sessionID]; ok {
		session.ConsumedAt = ptrTime(consumedAt)
	}
	return nil
}

func (s *stubClientUserAPI) DeleteEmailVerificationSession(ctx context.Context, sessionID string) error {
	delete(s.emailVerificationSessions, sessionID)
	return nil
}

func (s *stubClientUserAPI) CheckEmailVerificationRateLimit(ctx context.Context, key string, window time.Duration, limit int) (bool, time.Duration, error) {
	return s.CheckPasswordResetRateLimit(ctx, key, window, limit)
}

func (s *stubClientUserAPI) QueryThreePIDsForLocalpart(ctx context.Context, req *userapi.QueryThreePIDsForLocalpartRequest, res *userapi.QueryThreePIDsForLocalpartResponse) error {
	return nil
}

func (s *stubClientUserAPI) QueryLocalpartForThreePID(ctx context.Context, req *userapi.QueryLocalpartForThreePIDRequest, res *userapi.QueryLocalpartForThreePIDResponse) error {
	if strings.EqualFold(req.Medium, "email") && s.threePIDStoredEmail != "" {
		if iutil.NormalizeEmail(req.ThreePID) != iutil.NormalizeEmail(s.threePIDStoredEmail) {
			res.Localpart = ""
			res.ServerName = ""
			return nil
		}
	}
	if s.threePIDLocalpart == "" {
		res.Localpart = ""
		res.ServerName = ""
		return nil
	}
	res.Localpart = s.threePIDLocalpart
	res.ServerName = s.threePIDServerName
	return nil
}

func (s *stubClientUserAPI) PerformForgetThreePID(ctx context.Context, req *userapi.PerformForgetThreePIDRequest, res *struct{}) error {
	s.forget3PIDRequests = append(s.forget3PIDRequests, req)
	return nil
}

func (s *stubClientUserAPI) PerformSaveThreePIDAssociation(ctx context.Context, req *userapi.PerformSaveThreePIDAssociationRequest, res *struct{}) error {
	s.savedThreePIDAssociations = append(s.savedThreePIDAssociations, &userapi.PerformSaveThreePIDAssociationRequest{
		ThreePID:   req.ThreePID,
		Localpart:  req.Localpart,
		ServerName: req.ServerName,
		Medium:     req.Medium,
	})
	return nil
}

func (s *stubClientUserAPI) PerformRefreshTokenRotation(ctx context.Context, req *userapi.PerformRefreshTokenRotationRequest, res *userapi.PerformRefreshTokenRotationResponse) error {
	entry, ok := s.refreshTokens[req.RefreshToken]
	if !ok || entry.used || time.Now().After(entry.expiresAt) {
		return userapi.ErrRefreshTokenInvalid
	}
	entry.used = true

	newAccessToken := entry.accessToken + "-rotated"
	newRefreshToken := s.nextRefreshToken
	if newRefreshToken == "" {
		newRefreshToken = req.RefreshToken + "-rotated"
	}
	s.refreshTokens[newRefreshToken] = &stubRefreshToken{
		accessToken: newAccessToken,
		expiresAt:   time.Now().Add(30 * 24 * time.Hour),
	}

	res.AccessToken = newAccessToken
	res.RefreshToken = newRefreshToken
	res.ExpiresInMillis = (30 * 24 * time.Hour).Milliseconds()
	return nil
}
