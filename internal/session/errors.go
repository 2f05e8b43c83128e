package session

import (
	"errors"
	"fmt"
)

// OfflineMessage is shown when an online-only operation runs without network.
const OfflineMessage = "You're offline. Please check your internet connection and try again."

var ErrNoProfile = errors.New("no authenticated user found")

// OfflineError reports an online-only operation attempted while offline.
type OfflineError struct {
	Op string
}

func (e *OfflineError) Error() string {
	return OfflineMessage
}

// ProfileSyncError reports a failed profile store read or write. It is
// delivered as a notification, never returned from UpdateProfile.
type ProfileSyncError struct {
	Op     string
	UserID string
	Err    error
}

func (e *ProfileSyncError) Error() string {
	return fmt.Sprintf("profile sync %s for %s: %v", e.Op, e.UserID, e.Err)
}

func (e *ProfileSyncError) Unwrap() error {
	return e.Err
}

// CacheCorruptionError reports a cache value that failed to decode. The entry
// is treated as a miss.
type CacheCorruptionError struct {
	Key string
	Err error
}

func (e *CacheCorruptionError) Error() string {
	return fmt.Sprintf("corrupt cache entry %q: %v", e.Key, e.Err)
}

func (e *CacheCorruptionError) Unwrap() error {
	return e.Err
}

// IsOffline reports whether err is an *OfflineError.
func IsOffline(err error) bool {
	var offline *OfflineError
	return errors.As(err, &offline)
}
