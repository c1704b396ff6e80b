// Package handlers is the companion relay: REST endpoints for consultations
// and the websocket room that forwards signaling between the two
// participants.
package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/telemed-rtc/internal/middleware"
	"github.com/mossy-p/telemed-rtc/internal/models"
	"go.uber.org/zap"
)

// Store persists consultations and room membership.
type Store interface {
	SaveConsultation(ctx context.Context, c *models.Consultation) error
	GetConsultation(ctx context.Context, id string) (*models.Consultation, error)
	UpdateConsultation(ctx context.Context, id string, fn func(*models.Consultation) error) (*models.Consultation, error)
	DeleteConsultation(ctx context.Context, id string) error
	AddPeer(ctx context.Context, id, userID string) (int, error)
	RemovePeer(ctx context.Context, id, userID string) error
	PeerCount(ctx context.Context, id string) (int, error)
}

// Server holds the relay state shared by the handlers.
type Server struct {
	store  Store
	hub    *Hub
	secret string
	log    *zap.Logger
}

func NewServer(store Store, jwtSecret string, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		store:  store,
		hub:    NewHub(log),
		secret: jwtSecret,
		log:    log.Named("relay"),
	}
}

// Register mounts every route on router.
func (s *Server) Register(router gin.IRouter) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	auth := middleware.JWTAuth(s.secret)
	apiGroup := router.Group("/api")
	{
		apiGroup.POST("/auth/login", Login(s.secret))

		apiGroup.POST("/consultations", auth, s.CreateConsultation)
		apiGroup.GET("/consultations/:consultationId", auth, s.GetConsultation)
		apiGroup.POST("/consultations/:consultationId/complete", auth, s.CompleteConsultation)
		apiGroup.POST("/consultations/:consultationId/files", auth, s.AnnounceFile)
		apiGroup.DELETE("/consultations/:consultationId", auth, s.DeleteConsultation)
	}

	wsGroup := router.Group("/ws")
	{
		wsGroup.GET("/consultations/:consultationId", s.HandleConsultationSocket)
	}
}
