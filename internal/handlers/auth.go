package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/telemed-rtc/internal/middleware"
	"github.com/mossy-p/telemed-rtc/internal/models"
)

const tokenTTL = 24 * time.Hour

// LoginRequest represents the login request body
type LoginRequest struct {
	Username string      `json:"username" binding:"required"`
	Password string      `json:"password" binding:"required"`
	Role     models.Role `json:"role" binding:"required"`
	Name     string      `json:"name"`
}

// LoginResponse represents the login response
type LoginResponse struct {
	Token  string      `json:"token"`
	UserID string      `json:"user_id"`
	Role   models.Role `json:"role"`
}

// Login handles user login and JWT generation
// For demo purposes, accepts any username/password combination
func Login(jwtSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req LoginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "Invalid request body",
			})
			return
		}
		if !req.Role.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "Role must be patient or clinician",
			})
			return
		}

		// For demo: accept any username/password
		userID := req.Username
		name := req.Name
		if name == "" {
			name = req.Username
		}

		tokenString, err := middleware.IssueToken(jwtSecret, userID, req.Role, name, tokenTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to generate token",
			})
			return
		}

		c.JSON(http.StatusOK, LoginResponse{
			Token:  tokenString,
			UserID: userID,
			Role:   req.Role,
		})
	}
}
