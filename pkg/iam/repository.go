package iam

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Repository provides data access for the IAM core. Each entity collection
// (users, sessions, permissions, roles, subjects, audit log) is exclusively
// owned here; the services above hold no entity state of their own.
type Repository struct {
	db     *gorm.DB
	config *Config
}

// NewRepository creates a new repository backed by sqlite.
func NewRepository(config *Config) (*Repository, error) {
	db, err := gorm.Open(sqlite.Open(config.DatabasePath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent), // Reduce log noise
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}
	// An in-memory sqlite database exists per connection unless the shared
	// cache is used; a single pooled connection keeps writes serialized and
	// the database alive for the process lifetime.
	if strings.Contains(config.DatabasePath, ":memory:") {
		sqlDB.SetMaxOpenConns(1)
	}

	repo := &Repository{
		db:     db,
		config: config,
	}

	if err := repo.migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return repo, nil
}

// migrate runs database migrations
func (r *Repository) migrate() error {
	return r.db.AutoMigrate(
		&User{},
		&Session{},
		&Permission{},
		&Role{},
		&RoleInheritance{},
		&RolePermission{},
		&Subject{},
		&SubjectRole{},
		&SubjectPermission{},
		&AuditLog{},
	)
}

// User operations

// CreateUser creates a new user
func (r *Repository) CreateUser(user *User) (*User, error) {
	if err := r.db.Create(user).Error; err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

// GetUser retrieves a user by ID regardless of active or locked state; the
// calling service decides how the state affects the outcome.
func (r *Repository) GetUser(userID string) (*User, error) {
	var user User
	if err := r.db.Where("user_id = ?", userID).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &user, nil
}

// GetUserByName retrieves a user by username
func (r *Repository) GetUserByName(username string) (*User, error) {
	var user User
	if err := r.db.Where("user_name = ?", username).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get user by name: %w", err)
	}
	return &user, nil
}

// UpdateUser updates a user
func (r *Repository) UpdateUser(user *User) error {
	if err := r.db.Save(user).Error; err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}
	return nil
}

// RecordFailedLogin increments a user's failed-attempt counter and locks the
// account once the counter reaches maxAttempts. Increment and lock decision
// run as a single statement so concurrent failures never lose an attempt. The
// refreshed user row is returned.
func (r *Repository) RecordFailedLogin(userID string, maxAttempts int) (*User, error) {
	var user User
	err := r.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&User{}).Where("user_id = ?", userID).
			Updates(map[string]any{
				"failed_attempts": gorm.Expr("failed_attempts + 1"),
				"locked":          gorm.Expr("CASE WHEN failed_attempts + 1 >= ? THEN 1 ELSE locked END", maxAttempts),
			}).Error; err != nil {
			return err
		}
		return tx.Where("user_id = ?", userID).First(&user).Error
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record failed login: %w", err)
	}
	return &user, nil
}

// Session operations

// CreateSession creates a new session
func (r *Repository) CreateSession(session *Session) (*Session, error) {
	if err := r.db.Create(session).Error; err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return session, nil
}

// GetSession retrieves a session by ID
func (r *Repository) GetSession(sessionID string) (*Session, error) {
	var session Session
	if err := r.db.Where("session_id = ?", sessionID).First(&session).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return &session, nil
}

// GetSessionByToken retrieves a session by its bearer token.
func (r *Repository) GetSessionByToken(token string) (*Session, error) {
	var session Session
	if err := r.db.Where("token = ?", token).First(&session).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get session by token: %w", err)
	}
	return &session, nil
}

// TouchSession updates a session's last-activity timestamp.
func (r *Repository) TouchSession(sessionID string, at time.Time) error {
	if err := r.db.Model(&Session{}).Where("session_id = ?", sessionID).
		Update("last_activity", at).Error; err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	return nil
}

// DeleteSession removes a session, reporting whether it existed.
func (r *Repository) DeleteSession(sessionID string) (bool, error) {
	result := r.db.Where("session_id = ?", sessionID).Delete(&Session{})
	if result.Error != nil {
		return false, fmt.Errorf("failed to delete session: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// DeleteUserSessions removes every session owned by a user, returning the
// number removed.
func (r *Repository) DeleteUserSessions(userID string) (int, error) {
	result := r.db.Where("user_id = ?", userID).Delete(&Session{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to delete user sessions: %w", result.Error)
	}
	return int(result.RowsAffected), nil
}

// ExpiredSessions returns every session past its expiry.
func (r *Repository) ExpiredSessions(now time.Time) ([]Session, error) {
	var sessions []Session
	if err := r.db.Where("expires_at < ?", now).Find(&sessions).Error; err != nil {
		return nil, fmt.Errorf("failed to list expired sessions: %w", err)
	}
	return sessions, nil
}

// Permission operations

// CreatePermission creates a new permission
func (r *Repository) CreatePermission(perm *Permission) (*Permission, error) {
	if err := r.db.Create(perm).Error; err != nil {
		return nil, fmt.Errorf("failed to create permission: %w", err)
	}
	return perm, nil
}

// GetPermission retrieves a permission by ID
func (r *Repository) GetPermission(permissionID string) (*Permission, error) {
	var perm Permission
	if err := r.db.Where("permission_id = ?", permissionID).First(&perm).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get permission: %w", err)
	}
	return &perm, nil
}

// DeletePermission removes a permission and cascades the removal through
// every role and every subject's direct grants.
func (r *Repository) DeletePermission(permissionID string) (bool, error) {
	var deleted bool
	err := r.db.Transaction(func(tx *gorm.DB) error {
		result := tx.Where("permission_id = ?", permissionID).Delete(&Permission{})
		if result.Error != nil {
			return result.Error
		}
		deleted = result.RowsAffected > 0
		if !deleted {
			return nil
		}
		if err := tx.Where("permission_id = ?", permissionID).Delete(&RolePermission{}).Error; err != nil {
			return err
		}
		return tx.Where("permission_id = ?", permissionID).Delete(&SubjectPermission{}).Error
	})
	if err != nil {
		return false, fmt.Errorf("failed to delete permission: %w", err)
	}
	return deleted, nil
}

// CountPermissions returns the permission catalog size.
func (r *Repository) CountPermissions() (int64, error) {
	var count int64
	if err := r.db.Model(&Permission{}).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("failed to count permissions: %w", err)
	}
	return count, nil
}

// Role operations

// CreateRole creates a new role together with its inheritance edges.
func (r *Repository) CreateRole(role *Role, parentIDs []string) (*Role, error) {
	err := r.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(role).Error; err != nil {
			return err
		}
		for _, parentID := range parentIDs {
			edge := RoleInheritance{ChildID: role.RoleID, ParentID: parentID}
			if err := tx.Create(&edge).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create role: %w", err)
	}
	return role, nil
}

// GetRole retrieves a role by ID
func (r *Repository) GetRole(roleID string) (*Role, error) {
	var role Role
	if err := r.db.Where("role_id = ?", roleID).First(&role).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get role: %w", err)
	}
	return &role, nil
}

// DeleteRole removes a role and cascades: subject assignments, permission
// memberships, and inheritance edges referencing it in either direction.
func (r *Repository) DeleteRole(roleID string) (bool, error) {
	var deleted bool
	err := r.db.Transaction(func(tx *gorm.DB) error {
		result := tx.Where("role_id = ?", roleID).Delete(&Role{})
		if result.Error != nil {
			return result.Error
		}
		deleted = result.RowsAffected > 0
		if !deleted {
			return nil
		}
		if err := tx.Where("role_id = ?", roleID).Delete(&RolePermission{}).Error; err != nil {
			return err
		}
		if err := tx.Where("role_id = ?", roleID).Delete(&SubjectRole{}).Error; err != nil {
			return err
		}
		return tx.Where("child_id = ? OR parent_id = ?", roleID, roleID).
			Delete(&RoleInheritance{}).Error
	})
	if err != nil {
		return false, fmt.Errorf("failed to delete role: %w", err)
	}
	return deleted, nil
}

// AddRolePermission adds a permission to a role's membership.
func (r *Repository) AddRolePermission(roleID, permissionID string) error {
	link := RolePermission{RoleID: roleID, PermissionID: permissionID}
	if err := r.db.FirstOrCreate(&link, RolePermission{RoleID: roleID, PermissionID: permissionID}).Error; err != nil {
		return fmt.Errorf("failed to add permission to role: %w", err)
	}
	return nil
}

// RemoveRolePermission removes a permission from a role's membership.
func (r *Repository) RemoveRolePermission(roleID, permissionID string) (bool, error) {
	result := r.db.Where("role_id = ? AND permission_id = ?", roleID, permissionID).
		Delete(&RolePermission{})
	if result.Error != nil {
		return false, fmt.Errorf("failed to remove permission from role: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// RolePermissionIDs returns the permission ids directly attached to a role.
func (r *Repository) RolePermissionIDs(roleID string) ([]string, error) {
	var ids []string
	if err := r.db.Model(&RolePermission{}).Where("role_id = ?", roleID).
		Pluck("permission_id", &ids).Error; err != nil {
		return nil, fmt.Errorf("failed to list role permissions: %w", err)
	}
	return ids, nil
}

// RoleParentIDs returns the parent ids of a role in the inheritance graph.
func (r *Repository) RoleParentIDs(roleID string) ([]string, error) {
	var ids []string
	if err := r.db.Model(&RoleInheritance{}).Where("child_id = ?", roleID).
		Pluck("parent_id", &ids).Error; err != nil {
		return nil, fmt.Errorf("failed to list role parents: %w", err)
	}
	return ids, nil
}

// CountRoles returns the role catalog size.
func (r *Repository) CountRoles() (int64, error) {
	var count int64
	if err := r.db.Model(&Role{}).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("failed to count roles: %w", err)
	}
	return count, nil
}

// Subject operations

// EnsureSubject creates a subject record if one does not exist yet.
func (r *Repository) EnsureSubject(subjectID string) error {
	subject := Subject{SubjectID: subjectID}
	if err := r.db.FirstOrCreate(&subject, Subject{SubjectID: subjectID}).Error; err != nil {
		return fmt.Errorf("failed to ensure subject: %w", err)
	}
	return nil
}

// GetSubject retrieves a subject by ID
func (r *Repository) GetSubject(subjectID string) (*Subject, error) {
	var subject Subject
	if err := r.db.Where("subject_id = ?", subjectID).First(&subject).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get subject: %w", err)
	}
	return &subject, nil
}

// AssignSubjectRole assigns a role to a subject.
func (r *Repository) AssignSubjectRole(subjectID, roleID string) error {
	link := SubjectRole{SubjectID: subjectID, RoleID: roleID}
	if err := r.db.FirstOrCreate(&link, SubjectRole{SubjectID: subjectID, RoleID: roleID}).Error; err != nil {
		return fmt.Errorf("failed to assign role: %w", err)
	}
	return nil
}

// RevokeSubjectRole removes a role assignment from a subject.
func (r *Repository) RevokeSubjectRole(subjectID, roleID string) (bool, error) {
	result := r.db.Where("subject_id = ? AND role_id = ?", subjectID, roleID).
		Delete(&SubjectRole{})
	if result.Error != nil {
		return false, fmt.Errorf("failed to revoke role: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// GrantSubjectPermission grants a permission to a subject directly.
func (r *Repository) GrantSubjectPermission(subjectID, permissionID string) error {
	link := SubjectPermission{SubjectID: subjectID, PermissionID: permissionID}
	if err := r.db.FirstOrCreate(&link, SubjectPermission{SubjectID: subjectID, PermissionID: permissionID}).Error; err != nil {
		return fmt.Errorf("failed to grant permission: %w", err)
	}
	return nil
}

// RevokeSubjectPermission removes a direct permission grant from a subject.
func (r *Repository) RevokeSubjectPermission(subjectID, permissionID string) (bool, error) {
	result := r.db.Where("subject_id = ? AND permission_id = ?", subjectID, permissionID).
		Delete(&SubjectPermission{})
	if result.Error != nil {
		return false, fmt.Errorf("failed to revoke permission: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// SubjectRoleIDs returns the role ids assigned to a subject.
func (r *Repository) SubjectRoleIDs(subjectID string) ([]string, error) {
	var ids []string
	if err := r.db.Model(&SubjectRole{}).Where("subject_id = ?", subjectID).
		Pluck("role_id", &ids).Error; err != nil {
		return nil, fmt.Errorf("failed to list subject roles: %w", err)
	}
	return ids, nil
}

// SubjectPermissionIDs returns the permission ids granted directly to a
// subject.
func (r *Repository) SubjectPermissionIDs(subjectID string) ([]string, error) {
	var ids []string
	if err := r.db.Model(&SubjectPermission{}).Where("subject_id = ?", subjectID).
		Pluck("permission_id", &ids).Error; err != nil {
		return nil, fmt.Errorf("failed to list subject permissions: %w", err)
	}
	return ids, nil
}

// CountSubjects returns the registered subject count.
func (r *Repository) CountSubjects() (int64, error) {
	var count int64
	if err := r.db.Model(&Subject{}).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("failed to count subjects: %w", err)
	}
	return count, nil
}

// Audit log operations

// CreateAuditLog creates a new audit log entry
func (r *Repository) CreateAuditLog(log *AuditLog) error {
	if err := r.db.Create(log).Error; err != nil {
		return fmt.Errorf("failed to create audit log: %w", err)
	}
	return nil
}

// GetAuditLogs retrieves audit logs with pagination and filtering
func (r *Repository) GetAuditLogs(limit, offset int, userID, action string) ([]AuditLog, int64, error) {
	var logs []AuditLog
	var total int64

	query := r.db.Model(&AuditLog{})
	if userID != "" {
		query = query.Where("user_id = ?", userID)
	}
	if action != "" {
		query = query.Where("action = ?", action)
	}

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count audit logs: %w", err)
	}
	if err := query.Order("created_at DESC").Limit(limit).Offset(offset).Find(&logs).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to get audit logs: %w", err)
	}
	return logs, total, nil
}

// Health check operation

// HealthCheck performs a database health check
func (r *Repository) HealthCheck() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get database instance: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	return nil
}

// Close closes the database connection
func (r *Repository) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get database instance: %w", err)
	}
	return sqlDB.Close()
}
