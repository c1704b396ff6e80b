package router

import "github.com/mossy-p/telemed-rtc/internal/models"

// ChatLog keeps the chat lines of the current call in arrival order. Lines
// with an id already seen are dropped.
type ChatLog struct {
	entries []models.ChatPayload
	seen    map[string]struct{}
}

// Append adds p and reports whether it was new.
func (l *ChatLog) Append(p models.ChatPayload) bool {
	if p.ID != "" {
		if l.seen == nil {
			l.seen = make(map[string]struct{})
		}
		if _, ok := l.seen[p.ID]; ok {
			return false
		}
		l.seen[p.ID] = struct{}{}
	}
	l.entries = append(l.entries, p)
	return true
}

func (l *ChatLog) Entries() []models.ChatPayload {
	out := make([]models.ChatPayload, len(l.entries))
	copy(out, l.entries)
	return out
}

func (l *ChatLog) Len() int { return len(l.entries) }

// FileRegistry keeps the file references shared during the call. A notice
// for a known id replaces the earlier one.
type FileRegistry struct {
	files []models.FilePayload
	index map[string]int
}

// Register records f and reports whether it was new.
func (r *FileRegistry) Register(f models.FilePayload) bool {
	key := f.ID
	if key == "" {
		key = f.DownloadURL
	}
	if r.index == nil {
		r.index = make(map[string]int)
	}
	if i, ok := r.index[key]; ok {
		r.files[i] = f
		return false
	}
	r.index[key] = len(r.files)
	r.files = append(r.files, f)
	return true
}

func (r *FileRegistry) Files() []models.FilePayload {
	out := make([]models.FilePayload, len(r.files))
	copy(out, r.files)
	return out
}
