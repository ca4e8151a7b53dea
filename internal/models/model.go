package models

import "fmt"

// Model is one entry of the backend's model list. Name is the identity key.
type Model struct {
	Name       string `json:"name"`
	Size       int64  `json:"size"`
	ModifiedAt string `json:"modified_at"`

	// Temporary marks a model whose install has been requested but not yet confirmed by the backend.
	Temporary bool `json:"temporary"`
}

// InstallStatus summarizes the outcome of a model install.
type InstallStatus struct {
	Message   string `json:"message"`
	Digest    string `json:"digest,omitempty"`
	Total     int64  `json:"total,omitempty"`
	Completed int64  `json:"completed,omitempty"`
}

// Notice is a transient, non-fatal notification for the user. Notices never enter the transcript.
type Notice struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Destructive bool   `json:"destructive"`
}

// FormatSize renders a byte count with two decimals in the largest fitting binary unit.
func FormatSize(size int64) string {
	const (
		kb = 1024
		mb = kb * 1024
		gb = mb * 1024
	)

	switch {
	case size >= gb:
		return fmt.Sprintf("%.2f GB", float64(size)/gb)
	case size >= mb:
		return fmt.Sprintf("%.2f MB", float64(size)/mb)
	case size >= kb:
		return fmt.Sprintf("%.2f KB", float64(size)/kb)
	default:
		return fmt.Sprintf("%d B", size)
	}
}
