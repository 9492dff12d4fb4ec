package alerts

import "aura/internal/model"

const (
	CriticalPrefix  = "WARNING: "
	ImportantPrefix = "Alert: "
)

// Format prepends the spoken marker for the priority tier.
func Format(priority model.Priority, content string) string {
	switch priority {
	case model.PriorityCritical:
		return CriticalPrefix + content
	case model.PriorityImportant:
		return ImportantPrefix + content
	default:
		return content
	}
}
