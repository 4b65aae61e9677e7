package iam

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"runtime"
	"sync"
	"time"

	"golang.org/x/crypto/pbkdf2"
)

// Generic failure reason returned for unknown identifier, wrong password,
// locked, and inactive accounts alike, so the response never confirms that
// an identifier exists. The audit log keeps the real reason.
const reasonInvalidCredentials = "invalid credentials"

const (
	reasonTokenInvalid = "invalid token"
	reasonTokenExpired = "token expired"
	saltLength         = 16
	derivedKeyLength   = 32
)

// AuthService manages credentials, login, lockout, and the session registry.
type AuthService struct {
	config     *Config
	repository *Repository
	events     *Hub

	// hashSem bounds concurrent password hashing so a burst of logins
	// cannot starve the rest of the process of CPU.
	hashSem chan struct{}

	// unlockTimers holds the pending auto-unlock task per locked account.
	timerMu      sync.Mutex
	unlockTimers map[string]*time.Timer
	closed       bool
}

// NewAuthService creates a new authentication service
func NewAuthService(config *Config, repository *Repository, events *Hub) *AuthService {
	return &AuthService{
		config:       config,
		repository:   repository,
		events:       events,
		hashSem:      make(chan struct{}, runtime.GOMAXPROCS(0)),
		unlockTimers: make(map[string]*time.Timer),
	}
}

// LoginCredentials represents user login credentials
type LoginCredentials struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// SessionMetadata carries optional network and client information recorded
// on the session.
type SessionMetadata struct {
	IPAddress string `json:"ip_address,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

// RegistrationResult is the outcome of a registration attempt. Policy
// violations and duplicates are reported here, not raised as errors.
type RegistrationResult struct {
	Success bool   `json:"success"`
	UserID  string `json:"user_id,omitempty"`
	Error   string `json:"error,omitempty"`
}

// AuthenticationResult is a point-in-time decision record returned to the
// caller; it is never persisted.
type AuthenticationResult struct {
	Success      bool      `json:"success"`
	UserID       string    `json:"user_id,omitempty"`
	SessionID    string    `json:"session_id,omitempty"`
	Token        string    `json:"token,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	Error        string    `json:"error,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// RegisterUser validates the password against policy, hashes it, and stores
// a new active, unlocked user. Registration fails if the identifier is
// already taken.
func (as *AuthService) RegisterUser(username, password, email string) (*RegistrationResult, error) {
	if username == "" {
		return &RegistrationResult{Success: false, Error: "username is required"}, nil
	}
	if err := as.ValidatePassword(password); err != nil {
		return &RegistrationResult{Success: false, Error: err.Error()}, nil
	}

	existing, err := as.repository.GetUserByName(username)
	if err != nil {
		return nil, fmt.Errorf("failed to check existing user: %w", err)
	}
	if existing != nil {
		return &RegistrationResult{Success: false, Error: fmt.Sprintf("user '%s' already exists", username)}, nil
	}

	salt, err := generateSalt()
	if err != nil {
		return nil, err
	}
	hash := as.hashPassword(password, salt)

	user := &User{
		UserName:     username,
		Email:        email,
		PasswordHash: hash,
		Salt:         hex.EncodeToString(salt),
		IsActive:     true,
		Locked:       false,
	}
	if _, err := as.repository.CreateUser(user); err != nil {
		return nil, err
	}

	return &RegistrationResult{Success: true, UserID: user.UserID}, nil
}

// Authenticate verifies credentials and, on success, opens a session and
// returns its signed token plus a random refresh token. Every failure mode
// returns the same external reason; the distinction lives in the emitted
// auth:failed event and the audit log.
func (as *AuthService) Authenticate(credentials LoginCredentials, metadata *SessionMetadata) (*AuthenticationResult, error) {
	now := time.Now()

	user, err := as.repository.GetUserByName(credentials.Username)
	if err != nil {
		return nil, err
	}
	if user == nil {
		as.events.emit(EventAuthFailed, map[string]any{
			"username": credentials.Username, "reason": "unknown identifier",
		})
		return failedAuth(now), nil
	}
	if user.Locked {
		as.events.emit(EventAuthFailed, map[string]any{
			"user_id": user.UserID, "reason": "account locked",
		})
		return failedAuth(now), nil
	}
	if !user.IsActive {
		as.events.emit(EventAuthFailed, map[string]any{
			"user_id": user.UserID, "reason": "account inactive",
		})
		return failedAuth(now), nil
	}

	if !as.verifyPassword(credentials.Password, user) {
		user, err = as.repository.RecordFailedLogin(user.UserID, as.config.MaxFailedAttempts)
		if err != nil {
			return nil, err
		}
		as.events.emit(EventAuthFailed, map[string]any{
			"user_id": user.UserID, "reason": "wrong password",
			"failed_attempts": user.FailedAttempts,
		})
		// Only the attempt that crosses the threshold arms the unlock timer
		// and announces the lock.
		if user.Locked && user.FailedAttempts == as.config.MaxFailedAttempts {
			as.scheduleAutoUnlock(user.UserID)
			as.events.emit(EventAccountLocked, map[string]any{
				"user_id": user.UserID, "automatic": true,
			})
		}
		return failedAuth(now), nil
	}

	user.FailedAttempts = 0
	lastLogin := now
	user.LastLoginAt = &lastLogin
	if err := as.repository.UpdateUser(user); err != nil {
		return nil, err
	}

	session, err := as.createSession(user.UserID, now, metadata)
	if err != nil {
		return nil, err
	}

	as.events.emit(EventAuthSuccess, map[string]any{"user_id": user.UserID})
	as.events.emit(EventSessionCreated, map[string]any{
		"user_id": user.UserID, "session_id": session.SessionID,
	})

	return &AuthenticationResult{
		Success:      true,
		UserID:       user.UserID,
		SessionID:    session.SessionID,
		Token:        session.Token,
		RefreshToken: session.RefreshToken,
		Timestamp:    now,
	}, nil
}

func (as *AuthService) createSession(userID string, now time.Time, metadata *SessionMetadata) (*Session, error) {
	session := &Session{
		UserID:       userID,
		CreatedAt:    now,
		LastActivity: now,
		ExpiresAt:    now.Add(as.config.SessionTimeout),
	}
	if metadata != nil {
		session.IPAddress = metadata.IPAddress
		session.UserAgent = metadata.UserAgent
	}

	token, err := signSessionToken(as.config.TokenSecret, userID, sessionIDFor(session), now, session.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("failed to sign session token: %w", err)
	}
	session.Token = token

	refresh, err := generateRefreshToken()
	if err != nil {
		return nil, err
	}
	session.RefreshToken = refresh

	return as.repository.CreateSession(session)
}

// sessionIDFor assigns the session id up front so it can be embedded in the
// token before the row is written.
func sessionIDFor(session *Session) string {
	if session.SessionID == "" {
		session.SessionID = newID()
	}
	return session.SessionID
}

// AuthenticateWithToken resolves the session owning a bearer token. The
// signature is verified as a structural gate, but the session registry is
// the source of truth: a revoked session fails even with a valid signature.
// An expired session is removed from the registry as a side effect.
func (as *AuthService) AuthenticateWithToken(token string) (*AuthenticationResult, error) {
	now := time.Now()

	if _, err := parseSessionToken(as.config.TokenSecret, token); err != nil {
		return &AuthenticationResult{Success: false, Error: reasonTokenInvalid, Timestamp: now}, nil
	}

	session, err := as.repository.GetSessionByToken(token)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return &AuthenticationResult{Success: false, Error: reasonTokenInvalid, Timestamp: now}, nil
	}
	if session.IsExpired(now) {
		if _, err := as.repository.DeleteSession(session.SessionID); err != nil {
			return nil, err
		}
		as.events.emit(EventSessionExpired, map[string]any{
			"user_id": session.UserID, "session_id": session.SessionID,
		})
		return &AuthenticationResult{Success: false, Error: reasonTokenExpired, Timestamp: now}, nil
	}

	if err := as.repository.TouchSession(session.SessionID, now); err != nil {
		return nil, err
	}

	return &AuthenticationResult{
		Success:   true,
		UserID:    session.UserID,
		SessionID: session.SessionID,
		Timestamp: now,
	}, nil
}

// RevokeSession destroys one session, reporting whether it existed.
func (as *AuthService) RevokeSession(sessionID string) (bool, error) {
	session, err := as.repository.GetSession(sessionID)
	if err != nil {
		return false, err
	}
	if session == nil {
		return false, nil
	}
	removed, err := as.repository.DeleteSession(sessionID)
	if err != nil {
		return false, err
	}
	if removed {
		as.events.emit(EventSessionRevoked, map[string]any{
			"user_id": session.UserID, "session_id": sessionID,
		})
	}
	return removed, nil
}

// RevokeAllUserSessions destroys every session owned by a user, returning
// the number removed.
func (as *AuthService) RevokeAllUserSessions(userID string) (int, error) {
	count, err := as.repository.DeleteUserSessions(userID)
	if err != nil {
		return 0, err
	}
	if count > 0 {
		as.events.emit(EventSessionRevoked, map[string]any{
			"user_id": userID, "count": count,
		})
	}
	return count, nil
}

// LockAccount locks an account administratively. No auto-unlock timer is
// scheduled; the lock holds until UnlockAccount.
func (as *AuthService) LockAccount(userID string) error {
	user, err := as.repository.GetUser(userID)
	if err != nil {
		return err
	}
	if user == nil {
		return NewAuthenticationError("user not found")
	}
	if user.Locked {
		return nil
	}
	user.Locked = true
	if err := as.repository.UpdateUser(user); err != nil {
		return err
	}
	as.events.emit(EventAccountLocked, map[string]any{"user_id": userID, "automatic": false})
	return nil
}

// UnlockAccount clears the locked state and the failure counter, cancelling
// any pending auto-unlock task.
func (as *AuthService) UnlockAccount(userID string) error {
	as.cancelAutoUnlock(userID)

	user, err := as.repository.GetUser(userID)
	if err != nil {
		return err
	}
	if user == nil {
		return NewAuthenticationError("user not found")
	}
	if !user.Locked && user.FailedAttempts == 0 {
		return nil
	}
	user.Locked = false
	user.FailedAttempts = 0
	if err := as.repository.UpdateUser(user); err != nil {
		return err
	}
	as.events.emit(EventAccountUnlocked, map[string]any{"user_id": userID})
	return nil
}

// DeactivateAccount marks an account inactive and revokes all of its
// sessions. Reactivation is a direct administrative data change, not part of
// this surface.
func (as *AuthService) DeactivateAccount(userID string) error {
	user, err := as.repository.GetUser(userID)
	if err != nil {
		return err
	}
	if user == nil {
		return NewAuthenticationError("user not found")
	}
	user.IsActive = false
	if err := as.repository.UpdateUser(user); err != nil {
		return err
	}
	if _, err := as.RevokeAllUserSessions(userID); err != nil {
		return err
	}
	as.events.emit(EventAccountDeactivated, map[string]any{"user_id": userID})
	return nil
}

// CleanupExpiredSessions sweeps sessions past expiry, returning the count
// removed.
func (as *AuthService) CleanupExpiredSessions() (int, error) {
	now := time.Now()
	expired, err := as.repository.ExpiredSessions(now)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, session := range expired {
		ok, err := as.repository.DeleteSession(session.SessionID)
		if err != nil {
			return removed, err
		}
		if ok {
			removed++
			as.events.emit(EventSessionExpired, map[string]any{
				"user_id": session.UserID, "session_id": session.SessionID,
			})
		}
	}
	return removed, nil
}

// ChangePassword verifies the current password and stores a new policy-
// checked hash with a fresh salt.
func (as *AuthService) ChangePassword(userID, oldPassword, newPassword string) error {
	user, err := as.repository.GetUser(userID)
	if err != nil {
		return err
	}
	if user == nil {
		return NewAuthenticationError("user not found")
	}
	if !as.verifyPassword(oldPassword, user) {
		return NewAuthenticationError("invalid current password")
	}
	if err := as.ValidatePassword(newPassword); err != nil {
		return err
	}

	salt, err := generateSalt()
	if err != nil {
		return err
	}
	user.PasswordHash = as.hashPassword(newPassword, salt)
	user.Salt = hex.EncodeToString(salt)
	return as.repository.UpdateUser(user)
}

// ValidatePassword validates a password against the configured policy
func (as *AuthService) ValidatePassword(password string) error {
	policy := as.config.PasswordPolicy

	if len(password) < policy.MinLength {
		return NewValidationError(fmt.Sprintf("password must be at least %d characters long", policy.MinLength))
	}
	if policy.RequireUppercase && !containsUppercase(password) {
		return NewValidationError("password must contain at least one uppercase letter")
	}
	if policy.RequireLowercase && !containsLowercase(password) {
		return NewValidationError("password must contain at least one lowercase letter")
	}
	if policy.RequireNumbers && !containsNumber(password) {
		return NewValidationError("password must contain at least one number")
	}
	if policy.RequireSymbols && !containsSymbol(password) {
		return NewValidationError("password must contain at least one special character")
	}
	return nil
}

// Close cancels every pending auto-unlock timer. No timer fires after Close
// returns.
func (as *AuthService) Close() {
	as.timerMu.Lock()
	defer as.timerMu.Unlock()
	as.closed = true
	for userID, timer := range as.unlockTimers {
		timer.Stop()
		delete(as.unlockTimers, userID)
	}
}

// scheduleAutoUnlock arms the one-shot timer that lifts a threshold lockout
// after the configured duration.
func (as *AuthService) scheduleAutoUnlock(userID string) {
	as.timerMu.Lock()
	defer as.timerMu.Unlock()
	if as.closed {
		return
	}
	if existing, ok := as.unlockTimers[userID]; ok {
		existing.Stop()
	}
	as.unlockTimers[userID] = time.AfterFunc(as.config.LockoutDuration, func() {
		as.autoUnlock(userID)
	})
}

func (as *AuthService) cancelAutoUnlock(userID string) {
	as.timerMu.Lock()
	defer as.timerMu.Unlock()
	if timer, ok := as.unlockTimers[userID]; ok {
		timer.Stop()
		delete(as.unlockTimers, userID)
	}
}

func (as *AuthService) autoUnlock(userID string) {
	as.timerMu.Lock()
	delete(as.unlockTimers, userID)
	closed := as.closed
	as.timerMu.Unlock()
	if closed {
		return
	}

	user, err := as.repository.GetUser(userID)
	if err != nil || user == nil || !user.Locked {
		return
	}
	user.Locked = false
	user.FailedAttempts = 0
	if err := as.repository.UpdateUser(user); err != nil {
		return
	}
	as.events.emit(EventAccountUnlocked, map[string]any{"user_id": userID, "automatic": true})
}

// hashPassword derives the stored hash from password and salt with the
// configured pbkdf2 round count.
func (as *AuthService) hashPassword(password string, salt []byte) string {
	as.hashSem <- struct{}{}
	defer func() { <-as.hashSem }()
	key := pbkdf2.Key([]byte(password), salt, as.config.HashIterations, derivedKeyLength, sha256.New)
	return hex.EncodeToString(key)
}

func (as *AuthService) verifyPassword(password string, user *User) bool {
	salt, err := hex.DecodeString(user.Salt)
	if err != nil {
		return false
	}
	computed := as.hashPassword(password, salt)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(user.PasswordHash)) == 1
}

func failedAuth(now time.Time) *AuthenticationResult {
	return &AuthenticationResult{
		Success:   false,
		Error:     reasonInvalidCredentials,
		Timestamp: now,
	}
}

func generateSalt() ([]byte, error) {
	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	return salt, nil
}

// Helper functions for password validation
func containsUppercase(s string) bool {
	for _, r := range s {
		if r >= 'A' && r <= 'Z' {
			return true
		}
	}
	return false
}

func containsLowercase(s string) bool {
	for _, r := range s {
		if r >= 'a' && r <= 'z' {
			return true
		}
	}
	return false
}

func containsNumber(s string) bool {
	for _, r := range s {
		if r >= '0' && r <= '9' {
			return true
		}
	}
	return false
}

func containsSymbol(s string) bool {
	symbols := "!@#$%^&*()_+-=[]{}|;:,.<>?"
	for _, r := range s {
		for _, symbol := range symbols {
			if r == symbol {
				return true
			}
		}
	}
	return false
}

// AuthenticationError represents an authentication error
type AuthenticationError struct {
	Message string
}

func (e AuthenticationError) Error() string {
	return e.Message
}

// NewAuthenticationError creates a new authentication error
func NewAuthenticationError(message string) error {
	return AuthenticationError{Message: message}
}
