package core

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MaxRetryDepth caps the number of _retry_ segments a task id may carry.
const MaxRetryDepth = 3

// Task id grammar: task_<decimal_ms>_<[a-z0-9_]{3,20}>(_retry_<decimal>_<decimal_ms>)*
var (
	tagPattern    = regexp.MustCompile(`^[a-z0-9_]{3,20}$`)
	taskIDPattern = regexp.MustCompile(`^task_\d+_[a-z0-9_]{3,20}(_retry_\d+_\d+)*$`)
	invalidTagRun = regexp.MustCompile(`[^a-z0-9_]+`)
)

// NewTaskID mints a task id from a contextual tag. Invalid tags are
// sanitized; empty or unusable tags fall back to <category>_<rand6>.
func NewTaskID(tag, category string) string {
	tag = SanitizeTag(tag)
	if tag == "" {
		tag = fallbackTag(category)
	}
	return fmt.Sprintf("task_%d_%s", time.Now().UnixMilli(), tag)
}

// NewRetryTaskID derives a retry id from its origin by appending a
// _retry_<attempt>_<ms> segment.
func NewRetryTaskID(originID string, attempt int) string {
	return fmt.Sprintf("%s_retry_%d_%d", originID, attempt, time.Now().UnixMilli())
}

// RetryDepth counts the _retry_ segments of a task id.
func RetryDepth(taskID string) int {
	return strings.Count(taskID, "_retry_")
}

// ValidTaskID reports whether the id matches the task id grammar.
func ValidTaskID(taskID string) bool {
	return taskIDPattern.MatchString(taskID)
}

// SanitizeTag lowercases and strips a candidate tag to the [a-z0-9_]{3,20}
// alphabet. Returns "" when nothing usable remains.
func SanitizeTag(tag string) string {
	tag = strings.ToLower(strings.TrimSpace(tag))
	tag = strings.ReplaceAll(tag, " ", "_")
	tag = strings.ReplaceAll(tag, "-", "_")
	tag = invalidTagRun.ReplaceAllString(tag, "")
	if len(tag) > 20 {
		tag = tag[:20]
	}
	tag = strings.Trim(tag, "_")
	if !tagPattern.MatchString(tag) {
		return ""
	}
	return tag
}

// fallbackTag builds <category>_<rand6>, trimming the category so the result
// stays within the 20-char tag limit.
func fallbackTag(category string) string {
	category = SanitizeTag(category)
	rand6 := strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
	if category == "" {
		return "task_" + rand6
	}
	if len(category) > 13 {
		category = category[:13]
	}
	return category + "_" + rand6
}
