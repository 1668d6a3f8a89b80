package rules

import (
	"cadence/internal/model"
)

// BuildPostContext flattens the fields rules may reference for a post.
func BuildPostContext(p *model.Post) map[string]any {
	at := p.ScheduledAt.UTC()
	media := make([]string, len(p.MediaURLs))
	copy(media, p.MediaURLs)
	return map[string]any{
		"tenant_id":         p.TenantID,
		"user_id":           p.UserID,
		"account_id":        p.AccountID,
		"platform":          string(p.Platform),
		"content":           p.Content,
		"content_length":    len([]rune(p.Content)),
		"media_urls":        media,
		"media_count":       len(p.MediaURLs),
		"scheduled_at":      at,
		"scheduled_hour":    at.Hour(),
		"scheduled_weekday": at.Weekday().String(),
		"status":            string(p.Status),
		"is_evergreen":      p.IsEvergreen,
		"retry_count":       p.RetryCount,
		"error":             p.Error,
	}
}
