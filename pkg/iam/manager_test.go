package iam

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kluth/synapse-iam/pkg/logger"
)

func setupTestManager(t *testing.T) *Manager {
	return setupTestManagerWithConfig(t, testConfig(t))
}

func setupTestManagerWithConfig(t *testing.T, config *Config) *Manager {
	manager, err := NewManager(config, logger.NewTestLogger())
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, manager.Close())
	})
	return manager
}

func TestManager_InvalidConfig(t *testing.T) {
	config := testConfig(t)
	config.TokenSecret = ""

	_, err := NewManager(config, nil)
	assert.Error(t, err)
}

func TestManager_RegisterUser_RegistersSubject(t *testing.T) {
	manager := setupTestManager(t)

	reg, err := manager.RegisterUser("alice", "Secur3!Pass", "alice@example.com")
	require.NoError(t, err)
	require.True(t, reg.Success)

	// A fresh user is a known subject with no grants, not an unknown one.
	result, err := manager.Authorize(AuthorizationRequest{
		SubjectID: reg.UserID, Resource: "invoice", Action: "read",
	})
	require.NoError(t, err)
	assert.False(t, result.Allowed)
	assert.Equal(t, "no matching permissions", result.Reason)
}

func TestManager_EndToEnd(t *testing.T) {
	manager := setupTestManager(t)

	reg, err := manager.RegisterUser("alice", "Secur3!Pass", "")
	require.NoError(t, err)
	require.True(t, reg.Success)

	perm, err := manager.CreatePermission("invoice", "read", nil, "read invoices")
	require.NoError(t, err)
	role, err := manager.CreateRole("accountant", "accounting staff", nil)
	require.NoError(t, err)
	require.NoError(t, manager.AddPermissionToRole(role.RoleID, perm.PermissionID))
	require.NoError(t, manager.AssignRoleToSubject(reg.UserID, role.RoleID))

	login, err := manager.Authenticate(LoginCredentials{
		Username: "alice", Password: "Secur3!Pass",
	}, nil)
	require.NoError(t, err)
	require.True(t, login.Success)
	require.NotEmpty(t, login.Token)

	validated, err := manager.ValidateToken(login.Token)
	require.NoError(t, err)
	require.True(t, validated.Success)
	assert.Equal(t, reg.UserID, validated.UserID)

	result, err := manager.Authorize(AuthorizationRequest{
		SubjectID: validated.UserID, Resource: "invoice", Action: "read",
	})
	require.NoError(t, err)
	assert.True(t, result.Allowed)
	assert.Equal(t, perm.PermissionID, result.MatchedPermission)

	// Revoking the role denies the next check immediately.
	removed, err := manager.RevokeRoleFromSubject(reg.UserID, role.RoleID)
	require.NoError(t, err)
	require.True(t, removed)

	result, err = manager.Authorize(AuthorizationRequest{
		SubjectID: reg.UserID, Resource: "invoice", Action: "read",
	})
	require.NoError(t, err)
	assert.False(t, result.Allowed)

	// Logout kills the session; the token stops validating.
	removed, err = manager.Logout(login.SessionID)
	require.NoError(t, err)
	require.True(t, removed)

	validated, err = manager.ValidateToken(login.Token)
	require.NoError(t, err)
	assert.False(t, validated.Success)
}

func TestManager_AuditLogging(t *testing.T) {
	config := testConfig(t)
	config.EnableAuditLogging = true
	manager := setupTestManagerWithConfig(t, config)

	reg, err := manager.RegisterUser("alice", "Secur3!Pass", "")
	require.NoError(t, err)
	_, err = manager.Authenticate(LoginCredentials{Username: "alice", Password: "Wr0ng!Pass"}, nil)
	require.NoError(t, err)
	_, err = manager.Authenticate(LoginCredentials{Username: "alice", Password: "Secur3!Pass"}, nil)
	require.NoError(t, err)

	logs, total, err := manager.GetAuditLogs(10, 0, "", "")
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	require.Len(t, logs, 3)

	logs, _, err = manager.GetAuditLogs(10, 0, "", "login_failed")
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.False(t, logs[0].Success)

	logs, _, err = manager.GetAuditLogs(10, 0, reg.UserID, "")
	require.NoError(t, err)
	for _, entry := range logs {
		assert.Equal(t, reg.UserID, entry.UserID)
	}
}

func TestManager_Subscribe(t *testing.T) {
	manager := setupTestManager(t)

	var types []EventType
	cancel := manager.Subscribe(func(e Event) {
		types = append(types, e.Type)
	})

	reg, err := manager.RegisterUser("alice", "Secur3!Pass", "")
	require.NoError(t, err)
	_, err = manager.Authenticate(LoginCredentials{Username: "alice", Password: "Secur3!Pass"}, nil)
	require.NoError(t, err)

	assert.Contains(t, types, EventUserRegistered)
	assert.Contains(t, types, EventAuthSuccess)
	assert.Contains(t, types, EventSessionCreated)

	// After cancel no further events are delivered.
	cancel()
	seen := len(types)
	require.NoError(t, manager.LockAccount(reg.UserID))
	assert.Len(t, types, seen)
}

func TestManager_ServiceAccountSubject(t *testing.T) {
	manager := setupTestManager(t)

	// A subject without credentials can still hold grants.
	require.NoError(t, manager.RegisterSubject("svc-billing"))
	perm, err := manager.CreatePermission("invoice", "export", nil, "")
	require.NoError(t, err)
	require.NoError(t, manager.GrantPermissionToSubject("svc-billing", perm.PermissionID))

	result, err := manager.Authorize(AuthorizationRequest{
		SubjectID: "svc-billing", Resource: "invoice", Action: "export",
	})
	require.NoError(t, err)
	assert.True(t, result.Allowed)
}

func TestManager_HealthCheck(t *testing.T) {
	manager := setupTestManager(t)
	assert.NoError(t, manager.HealthCheck())
}
