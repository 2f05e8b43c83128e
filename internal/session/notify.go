package session

import (
	"sync"
	"time"
)

// Notification is a non-blocking message for the user, such as a toast.
type Notification struct {
	Title   string    `json:"title"`
	Message string    `json:"message"`
	Level   string    `json:"level"`
	Time    time.Time `json:"time"`
}

type Notifier interface {
	Notify(n Notification)
}

// Navigator performs client-side redirects.
type Navigator interface {
	Redirect(path string)
}

// NotificationLog buffers notifications until they are drained.
type NotificationLog struct {
	mu    sync.Mutex
	items []Notification
	limit int
}

func NewNotificationLog(limit int) *NotificationLog {
	if limit <= 0 {
		limit = 50
	}
	return &NotificationLog{limit: limit}
}

func (l *NotificationLog) Notify(n Notification) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items = append(l.items, n)
	if len(l.items) > l.limit {
		l.items = l.items[len(l.items)-l.limit:]
	}
}

// Drain returns buffered notifications oldest first and clears the buffer.
func (l *NotificationLog) Drain() []Notification {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.items
	l.items = nil
	if out == nil {
		out = []Notification{}
	}
	return out
}

// RedirectRecorder remembers the last requested redirect.
type RedirectRecorder struct {
	mu   sync.Mutex
	path string
}

func (r *RedirectRecorder) Redirect(path string) {
	r.mu.Lock()
	r.path = path
	r.mu.Unlock()
}

// Take returns and clears the pending redirect.
func (r *RedirectRecorder) Take() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	path := r.path
	r.path = ""
	return path
}
