package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kluth/synapse-iam/pkg/iam"
)

// healthCheck provides a health check endpoint
func (s *Server) healthCheck(c *gin.Context) {
	checks := map[string]string{"store": "ok"}
	status := "healthy"
	if err := s.manager.HealthCheck(); err != nil {
		checks["store"] = err.Error()
		status = "unhealthy"
	}

	health := HealthResponse{
		Status:    status,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   "1.0.0",
		Uptime:    time.Since(s.startTime).String(),
		Checks:    checks,
	}

	code := http.StatusOK
	if status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, health)
}

// register handles user registration
func (s *Server) register(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}

	result, err := s.manager.RegisterUser(req.Username, req.Password, req.Email)
	if err != nil {
		s.handleError(c, "Failed to register user", err)
		return
	}
	if !result.Success {
		c.JSON(http.StatusUnprocessableEntity, ErrorResponse{
			Code:    http.StatusUnprocessableEntity,
			Message: "Registration rejected",
			Error:   result.Error,
		})
		return
	}

	c.JSON(http.StatusCreated, BaseResponse[iam.RegistrationResult]{
		Code:    http.StatusCreated,
		Message: "User registered successfully",
		Data:    result,
	})
}

// login handles credential authentication
func (s *Server) login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}

	result, err := s.manager.Authenticate(iam.LoginCredentials{
		Username: req.Username,
		Password: req.Password,
	}, &iam.SessionMetadata{
		IPAddress: c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
	})
	if err != nil {
		s.handleError(c, "Authentication failed", err)
		return
	}
	if !result.Success {
		c.JSON(http.StatusUnauthorized, ErrorResponse{
			Code:    http.StatusUnauthorized,
			Message: "Authentication failed",
			Error:   result.Error,
		})
		return
	}

	c.JSON(http.StatusOK, BaseResponse[iam.AuthenticationResult]{
		Code:    http.StatusOK,
		Message: "Login successful",
		Data:    result,
	})
}

// validateToken resolves a bearer token to its session
func (s *Server) validateToken(c *gin.Context) {
	token := bearerToken(c)
	if token == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Code:    http.StatusBadRequest,
			Message: "Missing bearer token",
		})
		return
	}

	result, err := s.manager.ValidateToken(token)
	if err != nil {
		s.handleError(c, "Token validation failed", err)
		return
	}
	if !result.Success {
		c.JSON(http.StatusUnauthorized, ErrorResponse{
			Code:    http.StatusUnauthorized,
			Message: "Invalid or expired token",
			Error:   result.Error,
		})
		return
	}

	c.JSON(http.StatusOK, BaseResponse[iam.AuthenticationResult]{
		Code:    http.StatusOK,
		Message: "Token valid",
		Data:    result,
	})
}

// logout revokes the caller's session
func (s *Server) logout(c *gin.Context) {
	sessionID := c.GetString("session_id")

	removed, err := s.manager.Logout(sessionID)
	if err != nil {
		s.handleError(c, "Logout failed", err)
		return
	}
	if !removed {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Code:    http.StatusNotFound,
			Message: "Session not found",
		})
		return
	}

	c.JSON(http.StatusOK, SimpleResponse{
		Code:    http.StatusOK,
		Message: "Logged out",
	})
}

// changePassword updates the caller's password
func (s *Server) changePassword(c *gin.Context) {
	var req ChangePasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}

	userID := c.GetString("user_id")
	if err := s.manager.ChangePassword(userID, req.OldPassword, req.NewPassword); err != nil {
		c.JSON(http.StatusUnprocessableEntity, ErrorResponse{
			Code:    http.StatusUnprocessableEntity,
			Message: "Password change rejected",
			Error:   err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, SimpleResponse{
		Code:    http.StatusOK,
		Message: "Password changed",
	})
}

// authorize evaluates an access check for the caller or a named subject
func (s *Server) authorize(c *gin.Context) {
	var req AuthorizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}

	subjectID := req.SubjectID
	if subjectID == "" {
		subjectID = c.GetString("user_id")
	}

	result, err := s.manager.Authorize(iam.AuthorizationRequest{
		SubjectID: subjectID,
		Resource:  req.Resource,
		Action:    req.Action,
		Context:   req.Context,
	})
	if err != nil {
		s.handleError(c, "Authorization check failed", err)
		return
	}

	c.JSON(http.StatusOK, BaseResponse[iam.AuthorizationResult]{
		Code:    http.StatusOK,
		Message: "Authorization evaluated",
		Data:    result,
	})
}

// getOwnPermissions lists the caller's effective permissions
func (s *Server) getOwnPermissions(c *gin.Context) {
	permissions, err := s.manager.GetSubjectPermissions(c.GetString("user_id"))
	if err != nil {
		s.handleError(c, "Failed to list permissions", err)
		return
	}

	c.JSON(http.StatusOK, BaseResponse[[]iam.Permission]{
		Code:    http.StatusOK,
		Message: "Permissions retrieved",
		Data:    &permissions,
	})
}

// getOwnRoles lists the caller's assigned roles
func (s *Server) getOwnRoles(c *gin.Context) {
	roles, err := s.manager.GetSubjectRoles(c.GetString("user_id"))
	if err != nil {
		s.handleError(c, "Failed to list roles", err)
		return
	}

	c.JSON(http.StatusOK, BaseResponse[[]iam.Role]{
		Code:    http.StatusOK,
		Message: "Roles retrieved",
		Data:    &roles,
	})
}

// Administrative handlers

func (s *Server) createPermission(c *gin.Context) {
	var req PermissionCreate
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}

	perm, err := s.manager.CreatePermission(req.Resource, req.Action, req.Conditions, req.Description)
	if err != nil {
		s.handleError(c, "Failed to create permission", err)
		return
	}

	c.JSON(http.StatusCreated, BaseResponse[iam.Permission]{
		Code:    http.StatusCreated,
		Message: "Permission created",
		Data:    perm,
	})
}

func (s *Server) deletePermission(c *gin.Context) {
	removed, err := s.manager.DeletePermission(c.Param("permission_id"))
	if err != nil {
		s.handleError(c, "Failed to delete permission", err)
		return
	}
	s.removalResponse(c, removed, "Permission")
}

func (s *Server) createRole(c *gin.Context) {
	var req RoleCreate
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}

	role, err := s.manager.CreateRole(req.Name, req.Description, req.ParentIDs)
	if err != nil {
		s.handleError(c, "Failed to create role", err)
		return
	}

	c.JSON(http.StatusCreated, BaseResponse[iam.Role]{
		Code:    http.StatusCreated,
		Message: "Role created",
		Data:    role,
	})
}

func (s *Server) deleteRole(c *gin.Context) {
	removed, err := s.manager.DeleteRole(c.Param("role_id"))
	if err != nil {
		s.handleError(c, "Failed to delete role", err)
		return
	}
	s.removalResponse(c, removed, "Role")
}

func (s *Server) addPermissionToRole(c *gin.Context) {
	err := s.manager.AddPermissionToRole(c.Param("role_id"), c.Param("permission_id"))
	if err != nil {
		s.handleError(c, "Failed to attach permission", err)
		return
	}
	c.JSON(http.StatusOK, SimpleResponse{Code: http.StatusOK, Message: "Permission attached"})
}

func (s *Server) removePermissionFromRole(c *gin.Context) {
	removed, err := s.manager.RemovePermissionFromRole(c.Param("role_id"), c.Param("permission_id"))
	if err != nil {
		s.handleError(c, "Failed to detach permission", err)
		return
	}
	s.removalResponse(c, removed, "Attachment")
}

func (s *Server) registerSubject(c *gin.Context) {
	var req SubjectCreate
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}

	if err := s.manager.RegisterSubject(req.SubjectID); err != nil {
		s.handleError(c, "Failed to register subject", err)
		return
	}
	c.JSON(http.StatusCreated, SimpleResponse{Code: http.StatusCreated, Message: "Subject registered"})
}

func (s *Server) assignRole(c *gin.Context) {
	err := s.manager.AssignRoleToSubject(c.Param("subject_id"), c.Param("role_id"))
	if err != nil {
		s.handleError(c, "Failed to assign role", err)
		return
	}
	c.JSON(http.StatusOK, SimpleResponse{Code: http.StatusOK, Message: "Role assigned"})
}

func (s *Server) revokeRole(c *gin.Context) {
	removed, err := s.manager.RevokeRoleFromSubject(c.Param("subject_id"), c.Param("role_id"))
	if err != nil {
		s.handleError(c, "Failed to revoke role", err)
		return
	}
	s.removalResponse(c, removed, "Assignment")
}

func (s *Server) grantPermission(c *gin.Context) {
	err := s.manager.GrantPermissionToSubject(c.Param("subject_id"), c.Param("permission_id"))
	if err != nil {
		s.handleError(c, "Failed to grant permission", err)
		return
	}
	c.JSON(http.StatusOK, SimpleResponse{Code: http.StatusOK, Message: "Permission granted"})
}

func (s *Server) revokePermission(c *gin.Context) {
	removed, err := s.manager.RevokePermissionFromSubject(c.Param("subject_id"), c.Param("permission_id"))
	if err != nil {
		s.handleError(c, "Failed to revoke permission", err)
		return
	}
	s.removalResponse(c, removed, "Grant")
}

func (s *Server) lockAccount(c *gin.Context) {
	if err := s.manager.LockAccount(c.Param("user_id")); err != nil {
		s.handleError(c, "Failed to lock account", err)
		return
	}
	c.JSON(http.StatusOK, SimpleResponse{Code: http.StatusOK, Message: "Account locked"})
}

func (s *Server) unlockAccount(c *gin.Context) {
	if err := s.manager.UnlockAccount(c.Param("user_id")); err != nil {
		s.handleError(c, "Failed to unlock account", err)
		return
	}
	c.JSON(http.StatusOK, SimpleResponse{Code: http.StatusOK, Message: "Account unlocked"})
}

func (s *Server) deactivateAccount(c *gin.Context) {
	if err := s.manager.DeactivateAccount(c.Param("user_id")); err != nil {
		s.handleError(c, "Failed to deactivate account", err)
		return
	}
	c.JSON(http.StatusOK, SimpleResponse{Code: http.StatusOK, Message: "Account deactivated"})
}

func (s *Server) revokeUserSessions(c *gin.Context) {
	count, err := s.manager.RevokeAllUserSessions(c.Param("user_id"))
	if err != nil {
		s.handleError(c, "Failed to revoke sessions", err)
		return
	}

	data := map[string]interface{}{"revoked": count}
	c.JSON(http.StatusOK, BaseResponse[map[string]interface{}]{
		Code:    http.StatusOK,
		Message: "Sessions revoked",
		Data:    &data,
	})
}

func (s *Server) getStatistics(c *gin.Context) {
	stats, err := s.manager.GetStatistics()
	if err != nil {
		s.handleError(c, "Failed to collect statistics", err)
		return
	}

	c.JSON(http.StatusOK, BaseResponse[iam.AuthorizationStatistics]{
		Code:    http.StatusOK,
		Message: "Statistics retrieved",
		Data:    stats,
	})
}

func (s *Server) getAuditLogs(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	logs, total, err := s.manager.GetAuditLogs(limit, offset, c.Query("user_id"), c.Query("action"))
	if err != nil {
		s.handleError(c, "Failed to read audit log", err)
		return
	}

	c.JSON(http.StatusOK, AuditLogsResponse{
		Code:    http.StatusOK,
		Message: "Audit logs retrieved",
		Total:   total,
		Data:    logs,
	})
}

// Helpers

func (s *Server) badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, ErrorResponse{
		Code:    http.StatusBadRequest,
		Message: "Invalid request format",
		Error:   err.Error(),
	})
}

func (s *Server) removalResponse(c *gin.Context, removed bool, what string) {
	if !removed {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Code:    http.StatusNotFound,
			Message: what + " not found",
		})
		return
	}
	c.JSON(http.StatusOK, SimpleResponse{
		Code:    http.StatusOK,
		Message: what + " removed",
	})
}

// handleError maps typed domain errors to client statuses and treats
// everything else as an internal failure.
func (s *Server) handleError(c *gin.Context, message string, err error) {
	var authzErr iam.AuthorizationError
	if errors.As(err, &authzErr) {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Code:    http.StatusNotFound,
			Message: message,
			Error:   authzErr.Error(),
		})
		return
	}
	var validationErr iam.ValidationError
	if errors.As(err, &validationErr) {
		c.JSON(http.StatusUnprocessableEntity, ErrorResponse{
			Code:    http.StatusUnprocessableEntity,
			Message: message,
			Error:   validationErr.Error(),
		})
		return
	}

	requestID := c.GetString("request_id")
	s.logger.Error(message, err, map[string]interface{}{
		"request_id": requestID,
		"path":       c.Request.URL.Path,
		"method":     c.Request.Method,
	})

	c.JSON(http.StatusInternalServerError, ErrorResponse{
		Code:    http.StatusInternalServerError,
		Message: message,
		Error:   err.Error(),
		Details: fmt.Sprintf("Request ID: %s", requestID),
	})
}
