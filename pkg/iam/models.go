// Package iam provides credential management, authentication, and role-based
// authorization for the Synapse backend surface.
package iam

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// newID mints an identifier for records created before their gorm hook runs.
func newID() string {
	return uuid.New().String()
}

// User represents an authentication record for one subject.
type User struct {
	UserID         string         `gorm:"primaryKey;type:varchar(36)" json:"user_id"`
	UserName       string         `gorm:"uniqueIndex;not null" json:"user_name"`
	Email          string         `gorm:"index" json:"email,omitempty"`
	PasswordHash   string         `gorm:"not null" json:"-"`
	Salt           string         `gorm:"not null" json:"-"`
	MFASecret      string         `json:"-"`
	IsActive       bool           `gorm:"not null;default:true" json:"is_active"`
	Locked         bool           `gorm:"not null;default:false" json:"locked"`
	FailedAttempts int            `gorm:"not null;default:0" json:"-"`
	CreatedAt      time.Time      `gorm:"not null" json:"created_at"`
	LastLoginAt    *time.Time     `json:"last_login_at,omitempty"`
	Metadata       map[string]any `gorm:"serializer:json" json:"metadata,omitempty"`
}

// BeforeCreate hook for User model
func (u *User) BeforeCreate(tx *gorm.DB) error {
	if u.UserID == "" {
		u.UserID = uuid.New().String()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	return nil
}

// Session represents a time-bounded proof of a successful login.
// ExpiresAt is fixed at creation; only LastActivity moves on token use.
type Session struct {
	SessionID    string    `gorm:"primaryKey;type:varchar(36)" json:"session_id"`
	UserID       string    `gorm:"not null;index;type:varchar(36)" json:"user_id"`
	Token        string    `gorm:"not null;uniqueIndex" json:"-"`
	RefreshToken string    `json:"-"`
	CreatedAt    time.Time `gorm:"not null" json:"created_at"`
	LastActivity time.Time `gorm:"not null" json:"last_activity"`
	ExpiresAt    time.Time `gorm:"not null" json:"expires_at"`
	IPAddress    string    `json:"ip_address,omitempty"`
	UserAgent    string    `json:"user_agent,omitempty"`
}

// BeforeCreate hook for Session model
func (s *Session) BeforeCreate(tx *gorm.DB) error {
	if s.SessionID == "" {
		s.SessionID = uuid.New().String()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now()
	}
	if s.LastActivity.IsZero() {
		s.LastActivity = s.CreatedAt
	}
	return nil
}

// IsExpired checks if the session has expired
func (s *Session) IsExpired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// ConditionOperator names a comparison applied to a request-context field.
type ConditionOperator string

const (
	OpEquals      ConditionOperator = "equals"
	OpNotEquals   ConditionOperator = "notEquals"
	OpContains    ConditionOperator = "contains"
	OpNotContains ConditionOperator = "notContains"
	OpGreaterThan ConditionOperator = "greaterThan"
	OpLessThan    ConditionOperator = "lessThan"
)

// Valid reports whether the operator is one of the known comparisons.
func (o ConditionOperator) Valid() bool {
	switch o {
	case OpEquals, OpNotEquals, OpContains, OpNotContains, OpGreaterThan, OpLessThan:
		return true
	}
	return false
}

// PermissionCondition constrains a permission to requests whose context
// satisfies the comparison. A request without the named field never satisfies
// a condition, regardless of operator.
type PermissionCondition struct {
	Field    string            `json:"field"`
	Operator ConditionOperator `json:"operator"`
	Value    any               `json:"value"`
}

// Evaluate applies the condition against the caller-supplied context.
func (c PermissionCondition) Evaluate(context map[string]any) bool {
	if context == nil {
		return false
	}
	actual, ok := context[c.Field]
	if !ok {
		return false
	}
	switch c.Operator {
	case OpEquals:
		return looseEquals(actual, c.Value)
	case OpNotEquals:
		return !looseEquals(actual, c.Value)
	case OpContains:
		return containsValue(actual, c.Value)
	case OpNotContains:
		return !containsValue(actual, c.Value)
	case OpGreaterThan:
		af, aok := toFloat(actual)
		bf, bok := toFloat(c.Value)
		return aok && bok && af > bf
	case OpLessThan:
		af, aok := toFloat(actual)
		bf, bok := toFloat(c.Value)
		return aok && bok && af < bf
	default:
		return false
	}
}

func looseEquals(a, b any) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
	}
	return a == b
}

func containsValue(actual, expected any) bool {
	switch v := actual.(type) {
	case string:
		s, ok := expected.(string)
		return ok && strings.Contains(v, s)
	case []any:
		for _, item := range v {
			if looseEquals(item, expected) {
				return true
			}
		}
		return false
	case []string:
		s, ok := expected.(string)
		if !ok {
			return false
		}
		for _, item := range v {
			if item == s {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint:
		return float64(t), true
	default:
		return 0, false
	}
}

// Permission represents one grantable (resource, action) capability.
// Immutable after creation except for deletion.
type Permission struct {
	PermissionID string                `gorm:"primaryKey;type:varchar(36)" json:"permission_id"`
	Resource     string                `gorm:"not null;index" json:"resource"`
	Action       string                `gorm:"not null" json:"action"`
	Conditions   []PermissionCondition `gorm:"serializer:json" json:"conditions,omitempty"`
	Description  string                `json:"description,omitempty"`
	CreatedAt    time.Time             `gorm:"not null" json:"created_at"`
}

// BeforeCreate hook for Permission model
func (p *Permission) BeforeCreate(tx *gorm.DB) error {
	if p.PermissionID == "" {
		p.PermissionID = uuid.New().String()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	return nil
}

// HasConditions reports whether the permission depends on request context.
func (p *Permission) HasConditions() bool {
	return len(p.Conditions) > 0
}

// Matches reports whether the permission satisfies the request triple and all
// of its conditions against the supplied context.
func (p *Permission) Matches(resource, action string, context map[string]any) bool {
	if p.Resource != resource || p.Action != action {
		return false
	}
	for _, cond := range p.Conditions {
		if !cond.Evaluate(context) {
			return false
		}
	}
	return true
}

// Role groups permissions and may inherit the permissions of parent roles.
type Role struct {
	RoleID      string    `gorm:"primaryKey;type:varchar(36)" json:"role_id"`
	Name        string    `gorm:"not null;index" json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `gorm:"not null" json:"created_at"`
}

// BeforeCreate hook for Role model
func (r *Role) BeforeCreate(tx *gorm.DB) error {
	if r.RoleID == "" {
		r.RoleID = uuid.New().String()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	return nil
}

// RoleInheritance is a directed edge in the role graph: the child role
// inherits every permission reachable from the parent. The stored graph may
// contain cycles; resolution visits each role at most once.
type RoleInheritance struct {
	ChildID   string    `gorm:"primaryKey;type:varchar(36)"`
	ParentID  string    `gorm:"primaryKey;type:varchar(36)"`
	CreatedAt time.Time `gorm:"not null"`
}

// BeforeCreate hook for RoleInheritance
func (ri *RoleInheritance) BeforeCreate(tx *gorm.DB) error {
	if ri.CreatedAt.IsZero() {
		ri.CreatedAt = time.Now()
	}
	return nil
}

// RolePermission links roles to permissions.
type RolePermission struct {
	RoleID       string    `gorm:"primaryKey;type:varchar(36)"`
	PermissionID string    `gorm:"primaryKey;type:varchar(36)"`
	CreatedAt    time.Time `gorm:"not null"`
}

// BeforeCreate hook for RolePermission
func (rp *RolePermission) BeforeCreate(tx *gorm.DB) error {
	if rp.CreatedAt.IsZero() {
		rp.CreatedAt = time.Now()
	}
	return nil
}

// Subject is an authorizable identity. Registration happens on user creation,
// explicitly for service accounts, or implicitly on a subject's first role or
// permission grant.
type Subject struct {
	SubjectID string    `gorm:"primaryKey;type:varchar(64)" json:"subject_id"`
	CreatedAt time.Time `gorm:"not null" json:"created_at"`
}

// BeforeCreate hook for Subject model
func (s *Subject) BeforeCreate(tx *gorm.DB) error {
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now()
	}
	return nil
}

// SubjectRole assigns a role to a subject.
type SubjectRole struct {
	SubjectID string    `gorm:"primaryKey;type:varchar(64)"`
	RoleID    string    `gorm:"primaryKey;type:varchar(36)"`
	CreatedAt time.Time `gorm:"not null"`
}

// BeforeCreate hook for SubjectRole
func (sr *SubjectRole) BeforeCreate(tx *gorm.DB) error {
	if sr.CreatedAt.IsZero() {
		sr.CreatedAt = time.Now()
	}
	return nil
}

// SubjectPermission grants a permission to a subject directly, outside any
// role.
type SubjectPermission struct {
	SubjectID    string    `gorm:"primaryKey;type:varchar(64)"`
	PermissionID string    `gorm:"primaryKey;type:varchar(36)"`
	CreatedAt    time.Time `gorm:"not null"`
}

// BeforeCreate hook for SubjectPermission
func (sp *SubjectPermission) BeforeCreate(tx *gorm.DB) error {
	if sp.CreatedAt.IsZero() {
		sp.CreatedAt = time.Now()
	}
	return nil
}

// AuditLog represents an audit log entry for tracking security-relevant
// actions. Internal telemetry keeps distinctions (unknown identifier versus
// wrong password) that external results deliberately hide.
type AuditLog struct {
	LogID      string    `gorm:"primaryKey;type:varchar(36)" json:"log_id"`
	UserID     string    `gorm:"index;type:varchar(64)" json:"user_id,omitempty"`
	Action     string    `gorm:"not null" json:"action"`
	Resource   string    `gorm:"not null" json:"resource"`
	ResourceID string    `gorm:"type:varchar(64)" json:"resource_id,omitempty"`
	Details    string    `gorm:"type:text" json:"details,omitempty"`
	Success    bool      `gorm:"not null" json:"success"`
	CreatedAt  time.Time `gorm:"not null" json:"created_at"`
}

// BeforeCreate hook for AuditLog model
func (al *AuditLog) BeforeCreate(tx *gorm.DB) error {
	if al.LogID == "" {
		al.LogID = uuid.New().String()
	}
	if al.CreatedAt.IsZero() {
		al.CreatedAt = time.Now()
	}
	return nil
}
