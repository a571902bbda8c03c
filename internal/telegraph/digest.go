package telegraph

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/zulandar/switchyard/internal/store"
)

// DigestReport summarizes the escalation queue.
type DigestReport struct {
	GeneratedAt time.Time
	Open        int
	Unassigned  int
	Outstanding int64 // requires_human messages without a human reply
	Oldest      *store.QueueEntry
	ByReason    map[string]int
	ByPlatform  map[string]int
}

// BuildDigest summarizes the escalated conversations. Returns nil when the
// queue is empty.
func BuildDigest(ctx context.Context, s *store.Store, now time.Time) (*DigestReport, error) {
	entries, err := s.EscalatedQueue(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("telegraph: digest: %w", err)
	}
	if len(entries) == 0 {
		return nil, nil
	}
	r := &DigestReport{
		GeneratedAt: now,
		Open:        len(entries),
		ByReason:    make(map[string]int),
		ByPlatform:  make(map[string]int),
	}
	for i := range entries {
		e := &entries[i]
		if e.AssignedAdminID == nil {
			r.Unassigned++
		}
		r.Outstanding += e.RequiresHumanCount
		reason := "unknown"
		if e.EscalationReason != nil {
			reason = *e.EscalationReason
		}
		r.ByReason[reason]++
		r.ByPlatform[e.Platform]++
		if e.EscalationTimestamp == nil {
			continue
		}
		if r.Oldest == nil || e.EscalationTimestamp.Before(*r.Oldest.EscalationTimestamp) {
			r.Oldest = e
		}
	}
	return r, nil
}

// FormatDigest formats a digest report as a FormattedEvent.
func FormatDigest(r *DigestReport) FormattedEvent {
	var lines []string
	lines = append(lines, fmt.Sprintf("**Open**: %d escalated, %d unassigned", r.Open, r.Unassigned))
	if r.Outstanding > 0 {
		lines = append(lines, fmt.Sprintf("**Awaiting reply**: %d messages", r.Outstanding))
	}
	if r.Oldest != nil && r.Oldest.EscalationTimestamp != nil {
		lines = append(lines, fmt.Sprintf("**Oldest**: %s (%s/%s, waiting %s)",
			r.Oldest.ID, r.Oldest.Platform, r.Oldest.UserID,
			formatDuration(r.GeneratedAt.Sub(*r.Oldest.EscalationTimestamp))))
	}
	if len(r.ByReason) > 0 {
		lines = append(lines, "", "**By Reason**:")
		for _, k := range sortedKeys(r.ByReason) {
			lines = append(lines, fmt.Sprintf("  %s: %d", k, r.ByReason[k]))
		}
	}

	severity := "info"
	if r.Unassigned > 0 {
		severity = "warning"
	}
	fields := []Field{
		{Name: "Escalated", Value: fmt.Sprintf("%d", r.Open), Short: true},
		{Name: "Unassigned", Value: fmt.Sprintf("%d", r.Unassigned), Short: true},
	}
	for _, k := range sortedKeys(r.ByPlatform) {
		fields = append(fields, Field{Name: k, Value: fmt.Sprintf("%d", r.ByPlatform[k]), Short: true})
	}
	return FormattedEvent{
		Title:    "Escalation Digest",
		Body:     strings.Join(lines, "\n"),
		Severity: severity,
		Color:    severityColor(severity),
		Fields:   fields,
	}
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// formatDuration formats a duration as a human-readable string.
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	if h >= 24 {
		days := h / 24
		h = h % 24
		return fmt.Sprintf("%dd %dh", days, h)
	}
	return fmt.Sprintf("%dh %dm", h, m)
}
