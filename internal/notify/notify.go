package notify

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Source distinguishes notifications a user raised (alerts they triggered)
// from ones the system raised about its own operations.
type Source string

const (
	SourceUser   Source = "user"
	SourceSystem Source = "system"
)

const defaultCapacity = 100

type Notification struct {
	ID        string    `json:"id"`
	Level     Level     `json:"level"`
	Source    Source    `json:"source"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Center keeps the most recent notifications, newest first.
type Center struct {
	mu       sync.Mutex
	items    []Notification
	capacity int
	now      func() time.Time
}

func NewCenter(capacity int) *Center {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Center{capacity: capacity, now: time.Now}
}

// Notify records a notification and returns it. A nil Center drops it.
func (c *Center) Notify(level Level, source Source, message string) Notification {
	if c == nil {
		return Notification{}
	}
	n := Notification{
		ID:        uuid.NewString(),
		Level:     level,
		Source:    source,
		Message:   message,
		Timestamp: c.now().UTC(),
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = append([]Notification{n}, c.items...)
	if len(c.items) > c.capacity {
		c.items = c.items[:c.capacity]
	}
	return n
}

func (c *Center) Info(message string) Notification {
	return c.Notify(LevelInfo, SourceSystem, message)
}

func (c *Center) Success(message string) Notification {
	return c.Notify(LevelSuccess, SourceSystem, message)
}

func (c *Center) Error(message string) Notification {
	return c.Notify(LevelError, SourceSystem, message)
}

// List returns a copy of the notifications, newest first.
func (c *Center) List() []Notification {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Notification(nil), c.items...)
}

// Dismiss removes a notification. It reports whether id was present.
func (c *Center) Dismiss(id string) bool {
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, n := range c.items {
		if n.ID == id {
			c.items = append(c.items[:i], c.items[i+1:]...)
			return true
		}
	}
	return false
}

// UserCount is the badge count: notifications raised by the user.
func (c *Center) UserCount() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, item := range c.items {
		if item.Source == SourceUser {
			n++
		}
	}
	return n
}
