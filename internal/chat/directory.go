package chat

import (
	"strings"
	"sync"
)

// User is a directory entry used to resolve message authors.
type User struct {
	ID        string `json:"id"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Role      string `json:"role"`
}

// FullName returns "First Last", trimmed.
func (u User) FullName() string {
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

// Initials returns the first letter of each name part.
func (u User) Initials() string {
	var b strings.Builder
	for _, part := range []string{u.FirstName, u.LastName} {
		if part != "" {
			b.WriteString(strings.ToUpper(string([]rune(part)[:1])))
		}
	}
	return b.String()
}

// Directory resolves author ids to users.
type Directory interface {
	Lookup(id string) (User, bool)
}

// StaticDirectory is an in-memory Directory. It is safe for concurrent use.
type StaticDirectory struct {
	mu    sync.RWMutex
	users map[string]User
}

// NewStaticDirectory creates a directory from a list of users.
func NewStaticDirectory(users []User) *StaticDirectory {
	d := &StaticDirectory{users: make(map[string]User, len(users))}
	d.Replace(users)
	return d
}

// Lookup implements Directory.
func (d *StaticDirectory) Lookup(id string) (User, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.users[id]
	return u, ok
}

// Replace swaps the directory contents wholesale.
func (d *StaticDirectory) Replace(users []User) {
	next := make(map[string]User, len(users))
	for _, u := range users {
		next[u.ID] = u
	}
	d.mu.Lock()
	d.users = next
	d.mu.Unlock()
}

// DisplayName resolves an author for rendering, falling back to the raw id.
func DisplayName(dir Directory, id string) string {
	if dir != nil {
		if u, ok := dir.Lookup(id); ok {
			if name := u.FullName(); name != "" {
				return name
			}
		}
	}
	return id
}
