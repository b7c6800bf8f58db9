package leitner

import (
	"fmt"
	"strings"
)

// CallbackID is the function id the review callback registers under.
const CallbackID = "leitner-review-job"

const reviewJobPrefix = "leitner-review-"

// ReviewJobName builds the per-user job name. All review jobs go through
// this helper so the naming convention lives in one place.
func ReviewJobName(userID string) string {
	return reviewJobPrefix + userID
}

// UserFromJobName inverts ReviewJobName; ok is false for foreign names.
func UserFromJobName(name string) (string, bool) {
	if !strings.HasPrefix(name, reviewJobPrefix) {
		return "", false
	}
	user := name[len(reviewJobPrefix):]
	return user, user != ""
}

// reviewCron derives the cron expression from the review settings:
// daily at H, or at H every N days.
func reviewCron(hour, intervalDays int) string {
	if intervalDays <= 1 {
		return fmt.Sprintf("0 %d * * *", hour)
	}
	return fmt.Sprintf("0 %d */%d * *", hour, intervalDays)
}
