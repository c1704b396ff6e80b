package models

import (
	"encoding/json"
	"time"
)

// FilePayload announces a file that was uploaded to the consultation
type FilePayload struct {
	ID          string    `json:"id"`
	FileName    string    `json:"fileName"`
	FileType    string    `json:"fileType,omitempty"`
	DownloadURL string    `json:"downloadUrl"`
	UploadedAt  time.Time `json:"uploadedAt,omitempty"`
	SenderID    string    `json:"senderId,omitempty"`
	SenderName  string    `json:"senderName,omitempty"`
}

// filePayloadWire accepts both the camelCase keys and the snake_case keys
// used by the upload REST response.
type filePayloadWire struct {
	ID          flexString  `json:"id"`
	FileName    string      `json:"fileName"`
	FileNameS   string      `json:"file_name"`
	FileType    string      `json:"fileType"`
	FileTypeS   string      `json:"file_type"`
	DownloadURL string      `json:"downloadUrl"`
	DownloadS   string      `json:"download_url"`
	UploadedAt  *time.Time  `json:"uploadedAt"`
	UploadedS   *time.Time  `json:"uploaded_at"`
	SenderID    flexString  `json:"senderId"`
	SenderIDS   flexString  `json:"sender_id"`
	SenderName  string      `json:"senderName"`
	SenderNameS string      `json:"sender_name"`
}

func (f *FilePayload) UnmarshalJSON(data []byte) error {
	var w filePayloadWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	f.ID = string(w.ID)
	f.FileName = firstNonEmpty(w.FileName, w.FileNameS)
	f.FileType = firstNonEmpty(w.FileType, w.FileTypeS)
	f.DownloadURL = firstNonEmpty(w.DownloadURL, w.DownloadS)
	f.SenderID = firstNonEmpty(string(w.SenderID), string(w.SenderIDS))
	f.SenderName = firstNonEmpty(w.SenderName, w.SenderNameS)
	switch {
	case w.UploadedAt != nil:
		f.UploadedAt = *w.UploadedAt
	case w.UploadedS != nil:
		f.UploadedAt = *w.UploadedS
	}
	return nil
}

// flexString decodes either a JSON string or a JSON number.
type flexString string

func (s *flexString) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var v string
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*s = flexString(v)
		return nil
	}
	if string(data) == "null" {
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*s = flexString(n.String())
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
