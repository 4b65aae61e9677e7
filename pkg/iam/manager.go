package iam

import (
	"fmt"
	"time"

	"github.com/kluth/synapse-iam/pkg/logger"
)

// Manager is the main identity service that coordinates authentication and
// authorization over one shared repository.
type Manager struct {
	config       *Config
	repository   *Repository
	authService  *AuthService
	authzService *AuthorizationService
	events       *Hub
	logger       logger.Logger
	auditEnabled bool

	sweeperStop chan struct{}
	sweeperDone chan struct{}
}

// NewManager creates a new identity manager instance
func NewManager(config *Config, log logger.Logger) (*Manager, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if log == nil {
		log = logger.NewLogger()
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	repository, err := NewRepository(config)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize repository: %w", err)
	}

	events := NewHub()
	authService := NewAuthService(config, repository, events)
	authzService := NewAuthorizationService(config, repository, events)

	manager := &Manager{
		config:       config,
		repository:   repository,
		authService:  authService,
		authzService: authzService,
		events:       events,
		logger:       log,
		auditEnabled: config.EnableAuditLogging,
		sweeperStop:  make(chan struct{}),
		sweeperDone:  make(chan struct{}),
	}

	go manager.sweepLoop()

	return manager, nil
}

// Subscribe registers a callback for every lifecycle event. The returned
// function cancels the subscription.
func (m *Manager) Subscribe(fn func(Event)) func() {
	return m.events.Subscribe(fn)
}

// Authentication Operations

// RegisterUser creates a credential record and registers the matching
// authorization subject under the new user id.
func (m *Manager) RegisterUser(username, password, email string) (*RegistrationResult, error) {
	result, err := m.authService.RegisterUser(username, password, email)
	if err != nil {
		return nil, err
	}
	if !result.Success {
		m.logAuditEvent("", "user_register", "users", "", result.Error, false)
		return result, nil
	}

	if err := m.authzService.RegisterSubject(result.UserID); err != nil {
		return nil, fmt.Errorf("failed to register subject: %w", err)
	}

	m.events.emit(EventUserRegistered, map[string]any{
		"user_id": result.UserID, "username": username,
	})
	m.logAuditEvent(result.UserID, "user_register", "users", result.UserID,
		fmt.Sprintf("Registered user: %s", username), true)
	return result, nil
}

// Authenticate verifies credentials and opens a session on success.
func (m *Manager) Authenticate(credentials LoginCredentials, metadata *SessionMetadata) (*AuthenticationResult, error) {
	result, err := m.authService.Authenticate(credentials, metadata)
	if err != nil {
		return nil, err
	}
	if result.Success {
		m.logAuditEvent(result.UserID, "login_success", "auth", result.SessionID, "User login", true)
	} else {
		m.logAuditEvent("", "login_failed", "auth", "",
			fmt.Sprintf("Failed login attempt for: %s", credentials.Username), false)
	}
	return result, nil
}

// ValidateToken resolves the session owning a bearer token.
func (m *Manager) ValidateToken(token string) (*AuthenticationResult, error) {
	return m.authService.AuthenticateWithToken(token)
}

// Logout revokes one session.
func (m *Manager) Logout(sessionID string) (bool, error) {
	removed, err := m.authService.RevokeSession(sessionID)
	if err != nil {
		return false, err
	}
	if removed {
		m.logAuditEvent("", "logout", "auth", sessionID, "Session revoked", true)
	}
	return removed, nil
}

// RevokeAllUserSessions revokes every session owned by a user.
func (m *Manager) RevokeAllUserSessions(userID string) (int, error) {
	count, err := m.authService.RevokeAllUserSessions(userID)
	if err != nil {
		return 0, err
	}
	if count > 0 {
		m.logAuditEvent(userID, "sessions_revoked", "auth", "",
			fmt.Sprintf("Revoked %d sessions", count), true)
	}
	return count, nil
}

// ChangePassword verifies the current password and stores a new hash.
func (m *Manager) ChangePassword(userID, oldPassword, newPassword string) error {
	err := m.authService.ChangePassword(userID, oldPassword, newPassword)
	m.logAuditEvent(userID, "password_change", "auth", "", "Password changed", err == nil)
	return err
}

// LockAccount locks an account until an explicit unlock.
func (m *Manager) LockAccount(userID string) error {
	err := m.authService.LockAccount(userID)
	if err == nil {
		m.logAuditEvent(userID, "account_lock", "users", userID, "Account locked", true)
	}
	return err
}

// UnlockAccount clears the locked state and the failure counter.
func (m *Manager) UnlockAccount(userID string) error {
	err := m.authService.UnlockAccount(userID)
	if err == nil {
		m.logAuditEvent(userID, "account_unlock", "users", userID, "Account unlocked", true)
	}
	return err
}

// DeactivateAccount marks an account inactive and revokes its sessions.
func (m *Manager) DeactivateAccount(userID string) error {
	err := m.authService.DeactivateAccount(userID)
	if err == nil {
		m.logAuditEvent(userID, "account_deactivate", "users", userID, "Account deactivated", true)
	}
	return err
}

// GetUser retrieves a user by ID
func (m *Manager) GetUser(userID string) (*User, error) {
	return m.repository.GetUser(userID)
}

// GetUserByName retrieves a user by username
func (m *Manager) GetUserByName(username string) (*User, error) {
	return m.repository.GetUserByName(username)
}

// Authorization Operations

// CreatePermission stores a permission definition in the catalog.
func (m *Manager) CreatePermission(resource, action string, conditions []PermissionCondition, description string) (*Permission, error) {
	perm, err := m.authzService.CreatePermission(resource, action, conditions, description)
	if err != nil {
		return nil, err
	}
	m.logAuditEvent("", "permission_create", "permissions", perm.PermissionID,
		fmt.Sprintf("Created permission: %s:%s", resource, action), true)
	return perm, nil
}

// DeletePermission removes a permission and its references.
func (m *Manager) DeletePermission(permissionID string) (bool, error) {
	removed, err := m.authzService.DeletePermission(permissionID)
	if err == nil && removed {
		m.logAuditEvent("", "permission_delete", "permissions", permissionID, "Deleted permission", true)
	}
	return removed, err
}

// CreateRole stores a role with optional parent roles.
func (m *Manager) CreateRole(name, description string, parentIDs []string) (*Role, error) {
	role, err := m.authzService.CreateRole(name, description, parentIDs)
	if err != nil {
		return nil, err
	}
	m.logAuditEvent("", "role_create", "roles", role.RoleID,
		fmt.Sprintf("Created role: %s", name), true)
	return role, nil
}

// DeleteRole removes a role and its attachments.
func (m *Manager) DeleteRole(roleID string) (bool, error) {
	removed, err := m.authzService.DeleteRole(roleID)
	if err == nil && removed {
		m.logAuditEvent("", "role_delete", "roles", roleID, "Deleted role", true)
	}
	return removed, err
}

// AddPermissionToRole attaches a permission to a role.
func (m *Manager) AddPermissionToRole(roleID, permissionID string) error {
	return m.authzService.AddPermissionToRole(roleID, permissionID)
}

// RemovePermissionFromRole detaches a permission from a role.
func (m *Manager) RemovePermissionFromRole(roleID, permissionID string) (bool, error) {
	return m.authzService.RemovePermissionFromRole(roleID, permissionID)
}

// RegisterSubject ensures a standalone authorization subject exists. Service
// accounts that never authenticate are registered this way.
func (m *Manager) RegisterSubject(subjectID string) error {
	return m.authzService.RegisterSubject(subjectID)
}

// AssignRoleToSubject assigns a role to a subject.
func (m *Manager) AssignRoleToSubject(subjectID, roleID string) error {
	err := m.authzService.AssignRoleToSubject(subjectID, roleID)
	if err == nil {
		m.logAuditEvent(subjectID, "role_assign", "subjects", roleID, "Assigned role", true)
	}
	return err
}

// RevokeRoleFromSubject removes a role assignment.
func (m *Manager) RevokeRoleFromSubject(subjectID, roleID string) (bool, error) {
	removed, err := m.authzService.RevokeRoleFromSubject(subjectID, roleID)
	if err == nil && removed {
		m.logAuditEvent(subjectID, "role_revoke", "subjects", roleID, "Revoked role", true)
	}
	return removed, err
}

// GrantPermissionToSubject grants a permission directly to a subject.
func (m *Manager) GrantPermissionToSubject(subjectID, permissionID string) error {
	return m.authzService.GrantPermissionToSubject(subjectID, permissionID)
}

// RevokePermissionFromSubject removes a direct grant.
func (m *Manager) RevokePermissionFromSubject(subjectID, permissionID string) (bool, error) {
	return m.authzService.RevokePermissionFromSubject(subjectID, permissionID)
}

// Authorize decides whether a subject may perform an action on a resource.
func (m *Manager) Authorize(request AuthorizationRequest) (*AuthorizationResult, error) {
	return m.authzService.Authorize(request)
}

// GetSubjectPermissions returns a subject's effective permissions.
func (m *Manager) GetSubjectPermissions(subjectID string) ([]Permission, error) {
	return m.authzService.GetSubjectPermissions(subjectID)
}

// GetSubjectRoles returns the roles directly assigned to a subject.
func (m *Manager) GetSubjectRoles(subjectID string) ([]Role, error) {
	return m.authzService.GetSubjectRoles(subjectID)
}

// GetStatistics returns catalog sizes and decision counters.
func (m *Manager) GetStatistics() (*AuthorizationStatistics, error) {
	return m.authzService.GetStatistics()
}

// GetAuditLogs returns a page of audit log entries, newest first, optionally
// filtered by user and action.
func (m *Manager) GetAuditLogs(limit, offset int, userID, action string) ([]AuditLog, int64, error) {
	return m.repository.GetAuditLogs(limit, offset, userID, action)
}

// Utility Methods

// HealthCheck performs a health check on the identity store
func (m *Manager) HealthCheck() error {
	return m.repository.HealthCheck()
}

// GetConfig returns the current configuration
func (m *Manager) GetConfig() *Config {
	return m.config
}

// Close stops the sweeper, cancels pending unlock timers, and closes the
// repository.
func (m *Manager) Close() error {
	close(m.sweeperStop)
	<-m.sweeperDone
	m.authService.Close()
	return m.repository.Close()
}

// sweepLoop periodically removes expired sessions so the registry does not
// accumulate dead rows between token validations.
func (m *Manager) sweepLoop() {
	defer close(m.sweeperDone)
	ticker := time.NewTicker(m.config.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.sweeperStop:
			return
		case <-ticker.C:
			removed, err := m.authService.CleanupExpiredSessions()
			if err != nil {
				m.logger.Error("session sweep failed", err)
				continue
			}
			if removed > 0 {
				m.logger.Debug("session sweep", map[string]interface{}{"removed": removed})
			}
		}
	}
}

// logAuditEvent creates an audit log entry
func (m *Manager) logAuditEvent(userID, action, resource, resourceID, details string, success bool) {
	if !m.auditEnabled {
		return
	}

	auditLog := &AuditLog{
		UserID:     userID,
		Action:     action,
		Resource:   resource,
		ResourceID: resourceID,
		Details:    details,
		Success:    success,
		CreatedAt:  time.Now(),
	}

	// Log and continue; auditing never fails the operation
	if err := m.repository.CreateAuditLog(auditLog); err != nil {
		m.logger.Warn("failed to create audit log", map[string]interface{}{"error": err.Error()})
	}
}
