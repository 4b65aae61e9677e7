package iam

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupAuthzService(t *testing.T, config *Config) *AuthorizationService {
	repository, err := NewRepository(config)
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, repository.Close())
	})

	return NewAuthorizationService(config, repository, NewHub())
}

func TestAuthorizationService_CreatePermission(t *testing.T) {
	service := setupAuthzService(t, testConfig(t))

	perm, err := service.CreatePermission("invoice", "read", nil, "read invoices")
	require.NoError(t, err)
	assert.NotEmpty(t, perm.PermissionID)
	assert.Equal(t, "invoice", perm.Resource)
	assert.Equal(t, "read", perm.Action)

	_, err = service.CreatePermission("", "read", nil, "")
	assert.Error(t, err)

	_, err = service.CreatePermission("invoice", "read", []PermissionCondition{
		{Field: "dept", Operator: "matches", Value: "x"},
	}, "")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown condition operator")
}

func TestAuthorizationService_CreateRole_MissingParent(t *testing.T) {
	service := setupAuthzService(t, testConfig(t))

	_, err := service.CreateRole("accountant", "", []string{"nonexistent"})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestAuthorizationService_Authorize_UnknownSubject(t *testing.T) {
	service := setupAuthzService(t, testConfig(t))

	result, err := service.Authorize(AuthorizationRequest{
		SubjectID: "ghost", Resource: "invoice", Action: "read",
	})
	require.NoError(t, err)
	assert.False(t, result.Allowed)
	assert.Equal(t, "subject not found", result.Reason)
}

func TestAuthorizationService_Authorize_NoGrants(t *testing.T) {
	service := setupAuthzService(t, testConfig(t))

	require.NoError(t, service.RegisterSubject("alice"))

	result, err := service.Authorize(AuthorizationRequest{
		SubjectID: "alice", Resource: "invoice", Action: "read",
	})
	require.NoError(t, err)
	assert.False(t, result.Allowed)
	assert.Equal(t, "no matching permissions", result.Reason)
}

func TestAuthorizationService_ImplicitSubjectOnFirstGrant(t *testing.T) {
	service := setupAuthzService(t, testConfig(t))

	perm, err := service.CreatePermission("invoice", "read", nil, "")
	require.NoError(t, err)
	role, err := service.CreateRole("viewer", "", nil)
	require.NoError(t, err)
	require.NoError(t, service.AddPermissionToRole(role.RoleID, perm.PermissionID))

	// Assigning a role to an unseen subject registers it.
	require.NoError(t, service.AssignRoleToSubject("fresh-subject", role.RoleID))
	roles, err := service.GetSubjectRoles("fresh-subject")
	require.NoError(t, err)
	assert.Equal(t, []string{role.RoleID}, roles)

	result, err := service.Authorize(AuthorizationRequest{
		SubjectID: "fresh-subject", Resource: "invoice", Action: "read",
	})
	require.NoError(t, err)
	assert.True(t, result.Allowed)

	// A direct permission grant registers an unseen subject too.
	require.NoError(t, service.GrantPermissionToSubject("another-subject", perm.PermissionID))
	perms, err := service.GetSubjectPermissions("another-subject")
	require.NoError(t, err)
	assert.Len(t, perms, 1)

	// The grant target must still name a real role or permission.
	assert.Error(t, service.AssignRoleToSubject("third-subject", "nonexistent"))
	assert.Error(t, service.GrantPermissionToSubject("third-subject", "nonexistent"))
}

func TestAuthorizationService_Authorize_DirectGrant(t *testing.T) {
	service := setupAuthzService(t, testConfig(t))

	require.NoError(t, service.RegisterSubject("alice"))
	perm, err := service.CreatePermission("invoice", "read", nil, "")
	require.NoError(t, err)
	require.NoError(t, service.GrantPermissionToSubject("alice", perm.PermissionID))

	result, err := service.Authorize(AuthorizationRequest{
		SubjectID: "alice", Resource: "invoice", Action: "read",
	})
	require.NoError(t, err)
	assert.True(t, result.Allowed)
	assert.Equal(t, perm.PermissionID, result.MatchedPermission)
	assert.Empty(t, result.MatchedRoles)

	// Same resource, different action stays denied.
	result, err = service.Authorize(AuthorizationRequest{
		SubjectID: "alice", Resource: "invoice", Action: "delete",
	})
	require.NoError(t, err)
	assert.False(t, result.Allowed)
}

func TestAuthorizationService_Authorize_RoleInheritance(t *testing.T) {
	service := setupAuthzService(t, testConfig(t))

	readPerm, err := service.CreatePermission("invoice", "read", nil, "")
	require.NoError(t, err)
	approvePerm, err := service.CreatePermission("invoice", "approve", nil, "")
	require.NoError(t, err)

	// viewer <- accountant <- controller
	viewer, err := service.CreateRole("viewer", "", nil)
	require.NoError(t, err)
	require.NoError(t, service.AddPermissionToRole(viewer.RoleID, readPerm.PermissionID))

	accountant, err := service.CreateRole("accountant", "", []string{viewer.RoleID})
	require.NoError(t, err)

	controller, err := service.CreateRole("controller", "", []string{accountant.RoleID})
	require.NoError(t, err)
	require.NoError(t, service.AddPermissionToRole(controller.RoleID, approvePerm.PermissionID))

	require.NoError(t, service.RegisterSubject("carol"))
	require.NoError(t, service.AssignRoleToSubject("carol", controller.RoleID))

	// Transitive: controller inherits read through accountant and viewer.
	result, err := service.Authorize(AuthorizationRequest{
		SubjectID: "carol", Resource: "invoice", Action: "read",
	})
	require.NoError(t, err)
	assert.True(t, result.Allowed)
	assert.Contains(t, result.MatchedRoles, viewer.RoleID)

	result, err = service.Authorize(AuthorizationRequest{
		SubjectID: "carol", Resource: "invoice", Action: "approve",
	})
	require.NoError(t, err)
	assert.True(t, result.Allowed)

	// Inheritance flows upward only: a viewer does not gain approve.
	require.NoError(t, service.RegisterSubject("dave"))
	require.NoError(t, service.AssignRoleToSubject("dave", viewer.RoleID))
	result, err = service.Authorize(AuthorizationRequest{
		SubjectID: "dave", Resource: "invoice", Action: "approve",
	})
	require.NoError(t, err)
	assert.False(t, result.Allowed)
}

func TestAuthorizationService_Authorize_InheritanceCycle(t *testing.T) {
	service := setupAuthzService(t, testConfig(t))

	perm, err := service.CreatePermission("invoice", "read", nil, "")
	require.NoError(t, err)

	roleA, err := service.CreateRole("a", "", nil)
	require.NoError(t, err)
	roleB, err := service.CreateRole("b", "", []string{roleA.RoleID})
	require.NoError(t, err)

	// Close the loop a -> b directly in the store.
	require.NoError(t, service.repository.db.Create(&RoleInheritance{
		ChildID: roleA.RoleID, ParentID: roleB.RoleID,
	}).Error)

	require.NoError(t, service.AddPermissionToRole(roleA.RoleID, perm.PermissionID))
	require.NoError(t, service.RegisterSubject("alice"))
	require.NoError(t, service.AssignRoleToSubject("alice", roleB.RoleID))

	// The walk must terminate and still find the permission.
	result, err := service.Authorize(AuthorizationRequest{
		SubjectID: "alice", Resource: "invoice", Action: "read",
	})
	require.NoError(t, err)
	assert.True(t, result.Allowed)
}

func TestAuthorizationService_Authorize_Conditions(t *testing.T) {
	service := setupAuthzService(t, testConfig(t))

	perm, err := service.CreatePermission("report", "read", []PermissionCondition{
		{Field: "dept", Operator: OpEquals, Value: "finance"},
		{Field: "clearance", Operator: OpGreaterThan, Value: 2},
	}, "")
	require.NoError(t, err)

	require.NoError(t, service.RegisterSubject("alice"))
	require.NoError(t, service.GrantPermissionToSubject("alice", perm.PermissionID))

	request := AuthorizationRequest{SubjectID: "alice", Resource: "report", Action: "read"}

	// All conditions satisfied.
	request.Context = map[string]any{"dept": "finance", "clearance": 3}
	result, err := service.Authorize(request)
	require.NoError(t, err)
	assert.True(t, result.Allowed)

	// One condition fails.
	request.Context = map[string]any{"dept": "finance", "clearance": 2}
	result, err = service.Authorize(request)
	require.NoError(t, err)
	assert.False(t, result.Allowed)

	request.Context = map[string]any{"dept": "sales", "clearance": 5}
	result, err = service.Authorize(request)
	require.NoError(t, err)
	assert.False(t, result.Allowed)

	// A missing field never satisfies a condition.
	request.Context = map[string]any{"clearance": 5}
	result, err = service.Authorize(request)
	require.NoError(t, err)
	assert.False(t, result.Allowed)

	request.Context = nil
	result, err = service.Authorize(request)
	require.NoError(t, err)
	assert.False(t, result.Allowed)
}

func TestAuthorizationService_CacheHit(t *testing.T) {
	service := setupAuthzService(t, testConfig(t))

	require.NoError(t, service.RegisterSubject("alice"))
	perm, err := service.CreatePermission("invoice", "read", nil, "")
	require.NoError(t, err)
	require.NoError(t, service.GrantPermissionToSubject("alice", perm.PermissionID))

	request := AuthorizationRequest{SubjectID: "alice", Resource: "invoice", Action: "read"}

	result, err := service.Authorize(request)
	require.NoError(t, err)
	require.True(t, result.Allowed)

	result, err = service.Authorize(request)
	require.NoError(t, err)
	require.True(t, result.Allowed)

	stats, err := service.GetStatistics()
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.ChecksTotal)
	assert.Equal(t, int64(1), stats.CacheHits)
	assert.Equal(t, 1, stats.CachedEntries)
}

func TestAuthorizationService_CacheExpiry(t *testing.T) {
	config := testConfig(t)
	config.CacheTTL = 100 * time.Millisecond
	service := setupAuthzService(t, config)

	require.NoError(t, service.RegisterSubject("alice"))
	perm, err := service.CreatePermission("invoice", "read", nil, "")
	require.NoError(t, err)
	require.NoError(t, service.GrantPermissionToSubject("alice", perm.PermissionID))

	request := AuthorizationRequest{SubjectID: "alice", Resource: "invoice", Action: "read"}

	_, err = service.Authorize(request)
	require.NoError(t, err)

	time.Sleep(200 * time.Millisecond)

	_, err = service.Authorize(request)
	require.NoError(t, err)

	stats, err := service.GetStatistics()
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.CacheHits)
	assert.Equal(t, int64(2), stats.CacheMisses)
}

func TestAuthorizationService_DenialsNotCached(t *testing.T) {
	service := setupAuthzService(t, testConfig(t))

	require.NoError(t, service.RegisterSubject("alice"))

	request := AuthorizationRequest{SubjectID: "alice", Resource: "invoice", Action: "read"}

	result, err := service.Authorize(request)
	require.NoError(t, err)
	require.False(t, result.Allowed)

	// A grant created after a denial takes effect on the very next check.
	perm, err := service.CreatePermission("invoice", "read", nil, "")
	require.NoError(t, err)
	require.NoError(t, service.GrantPermissionToSubject("alice", perm.PermissionID))

	result, err = service.Authorize(request)
	require.NoError(t, err)
	assert.True(t, result.Allowed)
}

func TestAuthorizationService_ConditionalGrantsNotCached(t *testing.T) {
	service := setupAuthzService(t, testConfig(t))

	perm, err := service.CreatePermission("report", "read", []PermissionCondition{
		{Field: "dept", Operator: OpEquals, Value: "finance"},
	}, "")
	require.NoError(t, err)
	require.NoError(t, service.RegisterSubject("alice"))
	require.NoError(t, service.GrantPermissionToSubject("alice", perm.PermissionID))

	result, err := service.Authorize(AuthorizationRequest{
		SubjectID: "alice", Resource: "report", Action: "read",
		Context: map[string]any{"dept": "finance"},
	})
	require.NoError(t, err)
	require.True(t, result.Allowed)

	// A context-dependent grant must not answer a later check with a
	// different context.
	result, err = service.Authorize(AuthorizationRequest{
		SubjectID: "alice", Resource: "report", Action: "read",
		Context: map[string]any{"dept": "sales"},
	})
	require.NoError(t, err)
	assert.False(t, result.Allowed)

	stats, err := service.GetStatistics()
	require.NoError(t, err)
	assert.Equal(t, 0, stats.CachedEntries)
}

func TestAuthorizationService_RevocationInvalidatesCache(t *testing.T) {
	service := setupAuthzService(t, testConfig(t))

	perm, err := service.CreatePermission("invoice", "read", nil, "")
	require.NoError(t, err)
	role, err := service.CreateRole("viewer", "", nil)
	require.NoError(t, err)
	require.NoError(t, service.AddPermissionToRole(role.RoleID, perm.PermissionID))
	require.NoError(t, service.RegisterSubject("alice"))
	require.NoError(t, service.AssignRoleToSubject("alice", role.RoleID))

	request := AuthorizationRequest{SubjectID: "alice", Resource: "invoice", Action: "read"}

	result, err := service.Authorize(request)
	require.NoError(t, err)
	require.True(t, result.Allowed)

	// Revocation drops the cached decision before it returns; the next
	// check must deny even though the TTL has not elapsed.
	removed, err := service.RevokeRoleFromSubject("alice", role.RoleID)
	require.NoError(t, err)
	require.True(t, removed)

	result, err = service.Authorize(request)
	require.NoError(t, err)
	assert.False(t, result.Allowed)
}

func TestAuthorizationService_DeletePermissionCascades(t *testing.T) {
	service := setupAuthzService(t, testConfig(t))

	perm, err := service.CreatePermission("invoice", "read", nil, "")
	require.NoError(t, err)
	role, err := service.CreateRole("viewer", "", nil)
	require.NoError(t, err)
	require.NoError(t, service.AddPermissionToRole(role.RoleID, perm.PermissionID))
	require.NoError(t, service.RegisterSubject("alice"))
	require.NoError(t, service.AssignRoleToSubject("alice", role.RoleID))

	request := AuthorizationRequest{SubjectID: "alice", Resource: "invoice", Action: "read"}
	result, err := service.Authorize(request)
	require.NoError(t, err)
	require.True(t, result.Allowed)

	removed, err := service.DeletePermission(perm.PermissionID)
	require.NoError(t, err)
	require.True(t, removed)

	result, err = service.Authorize(request)
	require.NoError(t, err)
	assert.False(t, result.Allowed)

	removed, err = service.DeletePermission(perm.PermissionID)
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestAuthorizationService_DeleteRoleCascades(t *testing.T) {
	service := setupAuthzService(t, testConfig(t))

	perm, err := service.CreatePermission("invoice", "read", nil, "")
	require.NoError(t, err)
	parent, err := service.CreateRole("parent", "", nil)
	require.NoError(t, err)
	require.NoError(t, service.AddPermissionToRole(parent.RoleID, perm.PermissionID))
	child, err := service.CreateRole("child", "", []string{parent.RoleID})
	require.NoError(t, err)

	require.NoError(t, service.RegisterSubject("alice"))
	require.NoError(t, service.AssignRoleToSubject("alice", child.RoleID))

	request := AuthorizationRequest{SubjectID: "alice", Resource: "invoice", Action: "read"}
	result, err := service.Authorize(request)
	require.NoError(t, err)
	require.True(t, result.Allowed)

	// Deleting the parent removes the inherited path; the child survives.
	removed, err := service.DeleteRole(parent.RoleID)
	require.NoError(t, err)
	require.True(t, removed)

	result, err = service.Authorize(request)
	require.NoError(t, err)
	assert.False(t, result.Allowed)

	roles, err := service.GetSubjectRoles("alice")
	require.NoError(t, err)
	require.Len(t, roles, 1)
	assert.Equal(t, child.RoleID, roles[0].RoleID)
}

func TestAuthorizationService_GetSubjectPermissions(t *testing.T) {
	service := setupAuthzService(t, testConfig(t))

	direct, err := service.CreatePermission("invoice", "read", nil, "")
	require.NoError(t, err)
	inherited, err := service.CreatePermission("invoice", "approve", nil, "")
	require.NoError(t, err)

	role, err := service.CreateRole("approver", "", nil)
	require.NoError(t, err)
	require.NoError(t, service.AddPermissionToRole(role.RoleID, inherited.PermissionID))

	require.NoError(t, service.RegisterSubject("alice"))
	require.NoError(t, service.GrantPermissionToSubject("alice", direct.PermissionID))
	require.NoError(t, service.AssignRoleToSubject("alice", role.RoleID))

	permissions, err := service.GetSubjectPermissions("alice")
	require.NoError(t, err)
	require.Len(t, permissions, 2)
	assert.Equal(t, direct.PermissionID, permissions[0].PermissionID)
	assert.Equal(t, inherited.PermissionID, permissions[1].PermissionID)

	_, err = service.GetSubjectPermissions("ghost")
	assert.Error(t, err)
}

func TestAuthorizationService_Statistics(t *testing.T) {
	service := setupAuthzService(t, testConfig(t))

	perm, err := service.CreatePermission("invoice", "read", nil, "")
	require.NoError(t, err)
	_, err = service.CreateRole("viewer", "", nil)
	require.NoError(t, err)
	require.NoError(t, service.RegisterSubject("alice"))
	require.NoError(t, service.GrantPermissionToSubject("alice", perm.PermissionID))

	_, err = service.Authorize(AuthorizationRequest{SubjectID: "alice", Resource: "invoice", Action: "read"})
	require.NoError(t, err)
	_, err = service.Authorize(AuthorizationRequest{SubjectID: "alice", Resource: "invoice", Action: "delete"})
	require.NoError(t, err)

	stats, err := service.GetStatistics()
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Permissions)
	assert.Equal(t, int64(1), stats.Roles)
	assert.Equal(t, int64(1), stats.Subjects)
	assert.Equal(t, int64(2), stats.ChecksTotal)
	assert.Equal(t, int64(1), stats.ChecksAllowed)
	assert.Equal(t, int64(1), stats.ChecksDenied)
	assert.InDelta(t, 0.5, stats.GrantRate, 1e-9)
}

func TestAuthorizationService_CacheDisabled(t *testing.T) {
	config := testConfig(t)
	config.EnableCache = false
	service := setupAuthzService(t, config)

	require.NoError(t, service.RegisterSubject("alice"))
	perm, err := service.CreatePermission("invoice", "read", nil, "")
	require.NoError(t, err)
	require.NoError(t, service.GrantPermissionToSubject("alice", perm.PermissionID))

	request := AuthorizationRequest{SubjectID: "alice", Resource: "invoice", Action: "read"}
	for i := 0; i < 2; i++ {
		result, err := service.Authorize(request)
		require.NoError(t, err)
		assert.True(t, result.Allowed)
	}

	stats, err := service.GetStatistics()
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.CacheHits)
	assert.Equal(t, 0, stats.CachedEntries)
}
