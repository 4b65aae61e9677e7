package iam

import (
	"fmt"
	"sync"
	"time"
)

// AuthorizationRequest names the subject-resource-action triple under
// decision, with optional context consumed by conditional permissions.
type AuthorizationRequest struct {
	SubjectID string         `json:"subject_id" binding:"required"`
	Resource  string         `json:"resource" binding:"required"`
	Action    string         `json:"action" binding:"required"`
	Context   map[string]any `json:"context,omitempty"`
}

// AuthorizationResult is the decision for one request. MatchedPermission and
// MatchedRoles are set only on a grant; MatchedRoles names the roles through
// which the permission was reached and is empty for a direct grant.
type AuthorizationResult struct {
	Allowed           bool      `json:"allowed"`
	Reason            string    `json:"reason,omitempty"`
	MatchedPermission string    `json:"matched_permission,omitempty"`
	MatchedRoles      []string  `json:"matched_roles,omitempty"`
	Timestamp         time.Time `json:"timestamp"`
}

// AuthorizationStatistics is a point-in-time snapshot of catalog sizes and
// decision counters.
type AuthorizationStatistics struct {
	Permissions   int64   `json:"permissions"`
	Roles         int64   `json:"roles"`
	Subjects      int64   `json:"subjects"`
	ChecksTotal   int64   `json:"checks_total"`
	ChecksAllowed int64   `json:"checks_allowed"`
	ChecksDenied  int64   `json:"checks_denied"`
	GrantRate     float64 `json:"grant_rate"`
	CacheHits     int64   `json:"cache_hits"`
	CacheMisses   int64   `json:"cache_misses"`
	CacheHitRate  float64 `json:"cache_hit_rate"`
	CachedEntries int     `json:"cached_entries"`
}

// AuthorizationService manages the permission catalog, the role graph, the
// subject registry, and decision evaluation with its result cache.
type AuthorizationService struct {
	config     *Config
	repository *Repository
	events     *Hub
	cache      *decisionCache

	statsMu       sync.Mutex
	checksTotal   int64
	checksAllowed int64
	checksDenied  int64
	cacheHits     int64
	cacheMisses   int64
}

// NewAuthorizationService creates a new authorization service
func NewAuthorizationService(config *Config, repository *Repository, events *Hub) *AuthorizationService {
	s := &AuthorizationService{
		config:     config,
		repository: repository,
		events:     events,
	}
	if config.EnableCache {
		s.cache = newDecisionCache(config.CacheTTL)
	}
	return s
}

// CreatePermission stores a permission definition in the catalog.
func (s *AuthorizationService) CreatePermission(resource, action string, conditions []PermissionCondition, description string) (*Permission, error) {
	if resource == "" || action == "" {
		return nil, NewAuthorizationError("resource and action are required")
	}
	for _, cond := range conditions {
		if !cond.Operator.Valid() {
			return nil, NewAuthorizationError(fmt.Sprintf("unknown condition operator '%s'", cond.Operator))
		}
	}
	perm := &Permission{
		Resource:    resource,
		Action:      action,
		Conditions:  conditions,
		Description: description,
	}
	perm, err := s.repository.CreatePermission(perm)
	if err != nil {
		return nil, err
	}
	s.events.emit(EventPermissionCreated, map[string]any{
		"permission_id": perm.PermissionID, "resource": resource, "action": action,
	})
	return perm, nil
}

// GetPermission retrieves a permission by ID
func (s *AuthorizationService) GetPermission(permissionID string) (*Permission, error) {
	return s.repository.GetPermission(permissionID)
}

// DeletePermission removes a permission and every role or subject reference
// to it. Any cached decision may now rest on a removed grant, so the whole
// cache is purged before returning.
func (s *AuthorizationService) DeletePermission(permissionID string) (bool, error) {
	removed, err := s.repository.DeletePermission(permissionID)
	if err != nil {
		return false, err
	}
	if removed {
		s.purgeCache()
	}
	return removed, nil
}

// CreateRole stores a role with optional parent roles it inherits from.
// Every parent must already exist.
func (s *AuthorizationService) CreateRole(name, description string, parentIDs []string) (*Role, error) {
	if name == "" {
		return nil, NewAuthorizationError("role name is required")
	}
	for _, parentID := range parentIDs {
		parent, err := s.repository.GetRole(parentID)
		if err != nil {
			return nil, err
		}
		if parent == nil {
			return nil, NewAuthorizationError(fmt.Sprintf("parent role '%s' not found", parentID))
		}
	}
	role := &Role{Name: name, Description: description}
	role, err := s.repository.CreateRole(role, parentIDs)
	if err != nil {
		return nil, err
	}
	s.events.emit(EventRoleCreated, map[string]any{
		"role_id": role.RoleID, "name": name, "parents": len(parentIDs),
	})
	return role, nil
}

// GetRole retrieves a role by ID
func (s *AuthorizationService) GetRole(roleID string) (*Role, error) {
	return s.repository.GetRole(roleID)
}

// DeleteRole removes a role, its permission attachments, its subject
// assignments, and its inheritance edges in both directions. Children that
// inherited through it simply lose that path.
func (s *AuthorizationService) DeleteRole(roleID string) (bool, error) {
	removed, err := s.repository.DeleteRole(roleID)
	if err != nil {
		return false, err
	}
	if removed {
		s.purgeCache()
	}
	return removed, nil
}

// AddPermissionToRole attaches an existing permission to an existing role.
// Re-attachment is a no-op.
func (s *AuthorizationService) AddPermissionToRole(roleID, permissionID string) error {
	if err := s.requireRole(roleID); err != nil {
		return err
	}
	if err := s.requirePermission(permissionID); err != nil {
		return err
	}
	if err := s.repository.AddRolePermission(roleID, permissionID); err != nil {
		return err
	}
	s.purgeCache()
	return nil
}

// RemovePermissionFromRole detaches a permission from a role, reporting
// whether the attachment existed.
func (s *AuthorizationService) RemovePermissionFromRole(roleID, permissionID string) (bool, error) {
	removed, err := s.repository.RemoveRolePermission(roleID, permissionID)
	if err != nil {
		return false, err
	}
	if removed {
		s.purgeCache()
	}
	return removed, nil
}

// RegisterSubject ensures a subject record exists. Registering an existing
// subject is a no-op.
func (s *AuthorizationService) RegisterSubject(subjectID string) error {
	if subjectID == "" {
		return NewAuthorizationError("subject id is required")
	}
	return s.repository.EnsureSubject(subjectID)
}

// AssignRoleToSubject assigns a role to a subject, registering the subject on
// first use. The role must exist.
func (s *AuthorizationService) AssignRoleToSubject(subjectID, roleID string) error {
	if subjectID == "" {
		return NewAuthorizationError("subject id is required")
	}
	if err := s.requireRole(roleID); err != nil {
		return err
	}
	if err := s.repository.EnsureSubject(subjectID); err != nil {
		return err
	}
	if err := s.repository.AssignSubjectRole(subjectID, roleID); err != nil {
		return err
	}
	s.invalidateSubject(subjectID)
	s.events.emit(EventSubjectRoleAssigned, map[string]any{
		"subject_id": subjectID, "role_id": roleID,
	})
	return nil
}

// RevokeRoleFromSubject removes a role assignment, reporting whether it
// existed. The subject's cached decisions are dropped before returning, so a
// check issued after this call never sees the revoked role.
func (s *AuthorizationService) RevokeRoleFromSubject(subjectID, roleID string) (bool, error) {
	removed, err := s.repository.RevokeSubjectRole(subjectID, roleID)
	if err != nil {
		return false, err
	}
	if removed {
		s.invalidateSubject(subjectID)
	}
	return removed, nil
}

// GrantPermissionToSubject grants a permission directly to a subject,
// bypassing roles. An unseen subject is registered on first grant.
func (s *AuthorizationService) GrantPermissionToSubject(subjectID, permissionID string) error {
	if subjectID == "" {
		return NewAuthorizationError("subject id is required")
	}
	if err := s.requirePermission(permissionID); err != nil {
		return err
	}
	if err := s.repository.EnsureSubject(subjectID); err != nil {
		return err
	}
	if err := s.repository.GrantSubjectPermission(subjectID, permissionID); err != nil {
		return err
	}
	s.invalidateSubject(subjectID)
	return nil
}

// RevokePermissionFromSubject removes a direct grant, reporting whether it
// existed.
func (s *AuthorizationService) RevokePermissionFromSubject(subjectID, permissionID string) (bool, error) {
	removed, err := s.repository.RevokeSubjectPermission(subjectID, permissionID)
	if err != nil {
		return false, err
	}
	if removed {
		s.invalidateSubject(subjectID)
	}
	return removed, nil
}

// Authorize decides whether a subject may perform an action on a resource.
// Unconditional grants are served from the cache inside its TTL; denials and
// decisions that rested on conditional permissions are always re-evaluated.
func (s *AuthorizationService) Authorize(request AuthorizationRequest) (*AuthorizationResult, error) {
	now := time.Now()

	if s.cache != nil {
		key := cacheKey(request.SubjectID, request.Resource, request.Action)
		if cached, ok := s.cache.get(key, now); ok {
			s.recordDecision(cached.Allowed, true)
			cached.Timestamp = now
			s.emitDecision(request, &cached)
			return &cached, nil
		}
	}

	result, cacheable, err := s.evaluate(request, now)
	if err != nil {
		return nil, err
	}

	// Only unconditional grants are cached. A conditional grant depends on
	// request context the cache key does not carry, and a cached denial
	// could outlive the grant that should overturn it.
	if s.cache != nil && result.Allowed && cacheable {
		s.cache.put(cacheKey(request.SubjectID, request.Resource, request.Action), *result, now)
	}

	s.recordDecision(result.Allowed, false)
	s.emitDecision(request, result)
	return result, nil
}

func (s *AuthorizationService) evaluate(request AuthorizationRequest, now time.Time) (*AuthorizationResult, bool, error) {
	subject, err := s.repository.GetSubject(request.SubjectID)
	if err != nil {
		return nil, false, err
	}
	if subject == nil {
		return &AuthorizationResult{
			Allowed:   false,
			Reason:    "subject not found",
			Timestamp: now,
		}, false, nil
	}

	effective, err := s.effectivePermissions(request.SubjectID)
	if err != nil {
		return nil, false, err
	}

	for _, candidate := range effective {
		perm, err := s.repository.GetPermission(candidate.permissionID)
		if err != nil {
			return nil, false, err
		}
		if perm == nil {
			continue
		}
		if perm.Matches(request.Resource, request.Action, request.Context) {
			return &AuthorizationResult{
				Allowed:           true,
				MatchedPermission: perm.PermissionID,
				MatchedRoles:      candidate.roleIDs,
				Timestamp:         now,
			}, !perm.HasConditions(), nil
		}
	}

	return &AuthorizationResult{
		Allowed:   false,
		Reason:    "no matching permissions",
		Timestamp: now,
	}, false, nil
}

// effectivePermission is one candidate grant with the roles that carried it.
// An empty roleIDs slice means a direct grant.
type effectivePermission struct {
	permissionID string
	roleIDs      []string
}

// effectivePermissions collects the subject's direct grants plus every
// permission reachable through its roles and their ancestors, in traversal
// order. The visited set makes the walk terminate on inheritance cycles.
func (s *AuthorizationService) effectivePermissions(subjectID string) ([]effectivePermission, error) {
	index := make(map[string]int)
	var ordered []effectivePermission
	add := func(ids []string, roleID string) {
		for _, id := range ids {
			pos, ok := index[id]
			if !ok {
				pos = len(ordered)
				index[id] = pos
				ordered = append(ordered, effectivePermission{permissionID: id})
			}
			if roleID != "" {
				ordered[pos].roleIDs = append(ordered[pos].roleIDs, roleID)
			}
		}
	}

	direct, err := s.repository.SubjectPermissionIDs(subjectID)
	if err != nil {
		return nil, err
	}
	add(direct, "")

	roleIDs, err := s.repository.SubjectRoleIDs(subjectID)
	if err != nil {
		return nil, err
	}

	visited := make(map[string]bool)
	queue := append([]string(nil), roleIDs...)
	for len(queue) > 0 {
		roleID := queue[0]
		queue = queue[1:]
		if visited[roleID] {
			continue
		}
		visited[roleID] = true

		permIDs, err := s.repository.RolePermissionIDs(roleID)
		if err != nil {
			return nil, err
		}
		add(permIDs, roleID)

		parentIDs, err := s.repository.RoleParentIDs(roleID)
		if err != nil {
			return nil, err
		}
		queue = append(queue, parentIDs...)
	}

	return ordered, nil
}

// GetSubjectPermissions returns the subject's effective permissions,
// direct grants first, then role-derived ones in traversal order.
func (s *AuthorizationService) GetSubjectPermissions(subjectID string) ([]Permission, error) {
	if err := s.requireSubject(subjectID); err != nil {
		return nil, err
	}
	effective, err := s.effectivePermissions(subjectID)
	if err != nil {
		return nil, err
	}
	permissions := make([]Permission, 0, len(effective))
	for _, candidate := range effective {
		perm, err := s.repository.GetPermission(candidate.permissionID)
		if err != nil {
			return nil, err
		}
		if perm != nil {
			permissions = append(permissions, *perm)
		}
	}
	return permissions, nil
}

// GetSubjectRoles returns the roles directly assigned to a subject.
func (s *AuthorizationService) GetSubjectRoles(subjectID string) ([]Role, error) {
	if err := s.requireSubject(subjectID); err != nil {
		return nil, err
	}
	ids, err := s.repository.SubjectRoleIDs(subjectID)
	if err != nil {
		return nil, err
	}
	roles := make([]Role, 0, len(ids))
	for _, id := range ids {
		role, err := s.repository.GetRole(id)
		if err != nil {
			return nil, err
		}
		if role != nil {
			roles = append(roles, *role)
		}
	}
	return roles, nil
}

// GetStatistics returns catalog sizes and decision counters.
func (s *AuthorizationService) GetStatistics() (*AuthorizationStatistics, error) {
	permissions, err := s.repository.CountPermissions()
	if err != nil {
		return nil, err
	}
	roles, err := s.repository.CountRoles()
	if err != nil {
		return nil, err
	}
	subjects, err := s.repository.CountSubjects()
	if err != nil {
		return nil, err
	}

	s.statsMu.Lock()
	stats := &AuthorizationStatistics{
		Permissions:   permissions,
		Roles:         roles,
		Subjects:      subjects,
		ChecksTotal:   s.checksTotal,
		ChecksAllowed: s.checksAllowed,
		ChecksDenied:  s.checksDenied,
		CacheHits:     s.cacheHits,
		CacheMisses:   s.cacheMisses,
	}
	s.statsMu.Unlock()

	if stats.ChecksTotal > 0 {
		stats.GrantRate = float64(stats.ChecksAllowed) / float64(stats.ChecksTotal)
	}
	if lookups := stats.CacheHits + stats.CacheMisses; lookups > 0 {
		stats.CacheHitRate = float64(stats.CacheHits) / float64(lookups)
	}

	if s.cache != nil {
		stats.CachedEntries = s.cache.size()
	}
	return stats, nil
}

func (s *AuthorizationService) recordDecision(allowed, fromCache bool) {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	s.checksTotal++
	if allowed {
		s.checksAllowed++
	} else {
		s.checksDenied++
	}
	if s.cache != nil {
		if fromCache {
			s.cacheHits++
		} else {
			s.cacheMisses++
		}
	}
}

func (s *AuthorizationService) emitDecision(request AuthorizationRequest, result *AuthorizationResult) {
	fields := map[string]any{
		"subject_id": request.SubjectID,
		"resource":   request.Resource,
		"action":     request.Action,
	}
	if result.Allowed {
		fields["permission_id"] = result.MatchedPermission
		s.events.emit(EventAuthorizationGranted, fields)
	} else {
		fields["reason"] = result.Reason
		s.events.emit(EventAuthorizationDenied, fields)
	}
}

func (s *AuthorizationService) invalidateSubject(subjectID string) {
	if s.cache != nil {
		s.cache.invalidateSubject(subjectID)
	}
}

func (s *AuthorizationService) purgeCache() {
	if s.cache != nil {
		s.cache.purge()
	}
}

func (s *AuthorizationService) requireSubject(subjectID string) error {
	subject, err := s.repository.GetSubject(subjectID)
	if err != nil {
		return err
	}
	if subject == nil {
		return NewAuthorizationError(fmt.Sprintf("subject '%s' not found", subjectID))
	}
	return nil
}

func (s *AuthorizationService) requireRole(roleID string) error {
	role, err := s.repository.GetRole(roleID)
	if err != nil {
		return err
	}
	if role == nil {
		return NewAuthorizationError(fmt.Sprintf("role '%s' not found", roleID))
	}
	return nil
}

func (s *AuthorizationService) requirePermission(permissionID string) error {
	perm, err := s.repository.GetPermission(permissionID)
	if err != nil {
		return err
	}
	if perm == nil {
		return NewAuthorizationError(fmt.Sprintf("permission '%s' not found", permissionID))
	}
	return nil
}

// AuthorizationError represents an authorization error
type AuthorizationError struct {
	Message string
}

func (e AuthorizationError) Error() string {
	return e.Message
}

// NewAuthorizationError creates a new authorization error
func NewAuthorizationError(message string) error {
	return AuthorizationError{Message: message}
}
