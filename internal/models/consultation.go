package models

import "time"

// ConsultationStatus is the lifecycle of the consultation record
type ConsultationStatus string

const (
	ConsultationCreated   ConsultationStatus = "created"
	ConsultationActive    ConsultationStatus = "active"
	ConsultationCompleted ConsultationStatus = "completed"
)

// Consultation stores the two participants of a call room
type Consultation struct {
	ID          string             `json:"id"`
	ClinicianID string             `json:"clinicianId"`
	PatientID   string             `json:"patientId"`
	CreatorID   string             `json:"creatorId"` // User ID from JWT who created the consultation
	Status      ConsultationStatus `json:"status"`
	CreatedAt   time.Time          `json:"createdAt"`
	StartedAt   *time.Time         `json:"startedAt,omitempty"`
	EndedAt     *time.Time         `json:"endedAt,omitempty"`
	RoomSize    int                `json:"roomSize"`
}

// ParticipantRole returns the role userID holds in the consultation, or
// false when userID is not a participant.
func (c *Consultation) ParticipantRole(userID string) (Role, bool) {
	switch userID {
	case c.ClinicianID:
		return RoleClinician, true
	case c.PatientID:
		return RolePatient, true
	}
	return "", false
}

// CreateConsultationRequest is the request body for creating a consultation
type CreateConsultationRequest struct {
	PatientID string `json:"patientId" binding:"required"`
}

// CreateConsultationResponse is the response for creating a consultation
type CreateConsultationResponse struct {
	ConsultationID string `json:"consultationId"`
}

// AnnounceFileRequest references a file already stored by the upload service
type AnnounceFileRequest struct {
	ID          string `json:"id" binding:"required"`
	FileName    string `json:"fileName" binding:"required"`
	FileType    string `json:"fileType"`
	DownloadURL string `json:"downloadUrl" binding:"required"`
}
