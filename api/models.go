package api

import "github.com/kluth/synapse-iam/pkg/iam"

// RegisterRequest represents a user registration request
type RegisterRequest struct {
	Username string `json:"username" binding:"required" example:"alice"`
	Password string `json:"password" binding:"required" example:"Secur3!Pass"`
	Email    string `json:"email,omitempty" example:"alice@example.com"`
}

// LoginRequest represents a login request
type LoginRequest struct {
	Username string `json:"username" binding:"required" example:"alice"`
	Password string `json:"password" binding:"required"`
}

// ChangePasswordRequest represents a password change request
type ChangePasswordRequest struct {
	OldPassword string `json:"old_password" binding:"required"`
	NewPassword string `json:"new_password" binding:"required"`
}

// AuthorizeRequest represents an authorization check request. SubjectID
// defaults to the authenticated caller when omitted.
type AuthorizeRequest struct {
	SubjectID string         `json:"subject_id,omitempty" example:"user123"`
	Resource  string         `json:"resource" binding:"required" example:"invoice"`
	Action    string         `json:"action" binding:"required" example:"read"`
	Context   map[string]any `json:"context,omitempty"`
}

// PermissionCreate represents a request to create a permission
type PermissionCreate struct {
	Resource    string                    `json:"resource" binding:"required" example:"invoice"`
	Action      string                    `json:"action" binding:"required" example:"read"`
	Conditions  []iam.PermissionCondition `json:"conditions,omitempty"`
	Description string                    `json:"description,omitempty"`
}

// RoleCreate represents a request to create a role
type RoleCreate struct {
	Name        string   `json:"name" binding:"required" example:"accountant"`
	Description string   `json:"description,omitempty"`
	ParentIDs   []string `json:"parent_ids,omitempty"`
}

// SubjectCreate represents a request to register a standalone subject
type SubjectCreate struct {
	SubjectID string `json:"subject_id" binding:"required" example:"svc-billing"`
}

// BaseResponse represents the base structure for all API responses
type BaseResponse[T any] struct {
	Code    int    `json:"code" example:"200"`
	Message string `json:"message" example:"Operation successful"`
	Data    *T     `json:"data,omitempty"`
}

// SimpleResponse for operations without data return
type SimpleResponse = BaseResponse[interface{}]

// ErrorResponse represents an error response
type ErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
	Details string `json:"details,omitempty"`
}

// HealthResponse represents health check response
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Version   string            `json:"version"`
	Uptime    string            `json:"uptime"`
	Checks    map[string]string `json:"checks"`
}

// AuditLogsResponse represents a page of audit log entries
type AuditLogsResponse struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Total   int64          `json:"total"`
	Data    []iam.AuditLog `json:"data"`
}
