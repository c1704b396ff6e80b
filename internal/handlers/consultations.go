package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/mossy-p/telemed-rtc/internal/middleware"
	"github.com/mossy-p/telemed-rtc/internal/models"
	"github.com/mossy-p/telemed-rtc/internal/redis"
	"go.uber.org/zap"
)

// CreateConsultation opens a consultation between the calling clinician and
// a patient
func (s *Server) CreateConsultation(c *gin.Context) {
	claims, ok := middleware.ClaimsFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}
	if claims.Role != models.RoleClinician {
		c.JSON(http.StatusForbidden, gin.H{"error": "Only clinicians can create consultations"})
		return
	}

	var req models.CreateConsultationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.PatientID == claims.UserID {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Patient and clinician must differ"})
		return
	}

	consultation := &models.Consultation{
		ID:          uuid.New().String(),
		ClinicianID: claims.UserID,
		PatientID:   req.PatientID,
		CreatorID:   claims.UserID,
		Status:      models.ConsultationCreated,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.store.SaveConsultation(c.Request.Context(), consultation); err != nil {
		s.log.Error("failed to store consultation", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create consultation"})
		return
	}

	s.log.Info("consultation created",
		zap.String("consultation_id", consultation.ID),
		zap.String("clinician_id", consultation.ClinicianID),
		zap.String("patient_id", consultation.PatientID))

	c.JSON(http.StatusCreated, models.CreateConsultationResponse{ConsultationID: consultation.ID})
}

// GetConsultation returns the record with the live room size to a
// participant
func (s *Server) GetConsultation(c *gin.Context) {
	consultation, _, ok := s.participant(c)
	if !ok {
		return
	}
	consultation.RoomSize = s.hub.Size(consultation.ID)
	if consultation.RoomSize == 0 {
		// Another relay instance may hold the room.
		if n, err := s.store.PeerCount(c.Request.Context(), consultation.ID); err == nil {
			consultation.RoomSize = n
		}
	}
	c.JSON(http.StatusOK, consultation)
}

// CompleteConsultation marks the consultation completed. Completing twice
// is not an error.
func (s *Server) CompleteConsultation(c *gin.Context) {
	_, role, ok := s.participant(c)
	if !ok {
		return
	}
	if role != models.RoleClinician {
		c.JSON(http.StatusForbidden, gin.H{"error": "Only the clinician can complete the consultation"})
		return
	}

	consultation, err := s.complete(c.Request.Context(), c.Param("consultationId"))
	if err != nil {
		s.storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, consultation)
}

// AnnounceFile shares a reference to an uploaded file with the room
func (s *Server) AnnounceFile(c *gin.Context) {
	consultation, _, ok := s.participant(c)
	if !ok {
		return
	}
	claims, _ := middleware.ClaimsFrom(c)

	var req models.AnnounceFileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	name := claims.Name
	if name == "" {
		name = claims.UserID
	}
	file := models.FilePayload{
		ID:          req.ID,
		FileName:    req.FileName,
		FileType:    req.FileType,
		DownloadURL: req.DownloadURL,
		UploadedAt:  time.Now().UTC(),
		SenderID:    claims.UserID,
		SenderName:  name,
	}
	msg, err := models.NewMessage(models.MessageTypeFile, file)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to announce file"})
		return
	}
	if room := s.hub.Room(consultation.ID); room != nil {
		room.Broadcast(msg, nil)
	}

	c.JSON(http.StatusOK, file)
}

// DeleteConsultation removes the consultation and disconnects its room
// (creator only)
func (s *Server) DeleteConsultation(c *gin.Context) {
	consultation, _, ok := s.participant(c)
	if !ok {
		return
	}
	claims, _ := middleware.ClaimsFrom(c)
	if consultation.CreatorID != claims.UserID {
		c.JSON(http.StatusForbidden, gin.H{"error": "Only the consultation creator can delete it"})
		return
	}

	if err := s.store.DeleteConsultation(c.Request.Context(), consultation.ID); err != nil {
		s.log.Error("failed to delete consultation", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete consultation"})
		return
	}
	if room := s.hub.Room(consultation.ID); room != nil {
		if ended, err := models.NewSystemMessage(models.EventCallEnded, models.CallEndedPayload{By: claims.UserID}); err == nil {
			room.Broadcast(ended, nil)
		}
		room.Close()
	}

	s.log.Info("consultation deleted", zap.String("consultation_id", consultation.ID), zap.String("user_id", claims.UserID))
	c.JSON(http.StatusOK, gin.H{"message": "Consultation deleted"})
}

// participant loads the consultation named in the path and checks that the
// caller takes part in it. It writes the error response itself.
func (s *Server) participant(c *gin.Context) (*models.Consultation, models.Role, bool) {
	claims, ok := middleware.ClaimsFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return nil, "", false
	}
	consultation, err := s.store.GetConsultation(c.Request.Context(), c.Param("consultationId"))
	if err != nil {
		s.storeError(c, err)
		return nil, "", false
	}
	role, ok := consultation.ParticipantRole(claims.UserID)
	if !ok {
		c.JSON(http.StatusForbidden, gin.H{"error": "Not a participant of this consultation"})
		return nil, "", false
	}
	return consultation, role, true
}

func (s *Server) storeError(c *gin.Context, err error) {
	if errors.Is(err, redis.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Consultation not found"})
		return
	}
	s.log.Error("consultation store failed", zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
}

// markActive moves a created consultation to active when both participants
// are in the room.
func (s *Server) markActive(ctx context.Context, id string) {
	_, err := s.store.UpdateConsultation(ctx, id, func(c *models.Consultation) error {
		if c.Status == models.ConsultationCreated {
			now := time.Now().UTC()
			c.Status = models.ConsultationActive
			c.StartedAt = &now
		}
		return nil
	})
	if err != nil {
		s.log.Warn("failed to mark consultation active", zap.String("consultation_id", id), zap.Error(err))
	}
}

// complete is shared by the REST endpoint and the end-call message, which
// both fire when the clinician ends a call.
func (s *Server) complete(ctx context.Context, id string) (*models.Consultation, error) {
	return s.store.UpdateConsultation(ctx, id, func(c *models.Consultation) error {
		if c.Status == models.ConsultationCompleted {
			return nil
		}
		now := time.Now().UTC()
		c.Status = models.ConsultationCompleted
		c.EndedAt = &now
		return nil
	})
}
