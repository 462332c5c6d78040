// Package membership provides a minimal file-backed stand-in for the
// tenant-membership store spec.md §1 places outside this control
// plane's scope: something authz and snapshot's TenantChecker
// interfaces can be wired against for this module's own tests and
// single-node deployments, not a substitute for the real membership
// system a production deployment would point at instead.
package membership

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Checker is a JSON-file-backed set of (userId, tenantId) membership
// pairs, guarded the same way internal/store guards its own table set.
type Checker struct {
	mu      sync.RWMutex
	path    string
	members map[string]map[string]struct{} // tenantId -> set of userId
}

type fileFormat struct {
	Members map[string][]string `json:"members"` // tenantId -> []userId
}

func Open(path string) (*Checker, error) {
	c := &Checker{path: strings.TrimSpace(path), members: make(map[string]map[string]struct{})}
	if c.path == "" {
		return c, nil
	}
	if err := c.load(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Checker) load() error {
	data, err := os.ReadFile(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if strings.TrimSpace(string(data)) == "" {
		return nil
	}
	var ff fileFormat
	if err := json.Unmarshal(data, &ff); err != nil {
		return err
	}
	for tenantID, users := range ff.Members {
		set := make(map[string]struct{}, len(users))
		for _, u := range users {
			set[u] = struct{}{}
		}
		c.members[tenantID] = set
	}
	return nil
}

// IsMember satisfies both authz.TenantChecker and snapshot.TenantChecker.
// An empty tenantId (single-tenant deployments) is always a member.
func (c *Checker) IsMember(_ context.Context, userID, tenantID string) (bool, error) {
	if tenantID == "" {
		return true, nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	set, ok := c.members[tenantID]
	if !ok {
		return false, nil
	}
	_, member := set[userID]
	return member, nil
}

// Add grants userID membership in tenantID and persists it, for the
// rare deployments that manage this file directly instead of pointing
// at a real membership service.
func (c *Checker) Add(userID, tenantID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	set, ok := c.members[tenantID]
	if !ok {
		set = make(map[string]struct{})
		c.members[tenantID] = set
	}
	set[userID] = struct{}{}
	return c.persistLocked()
}

func (c *Checker) persistLocked() error {
	if c.path == "" {
		return nil
	}
	ff := fileFormat{Members: make(map[string][]string, len(c.members))}
	for tenantID, set := range c.members {
		users := make([]string, 0, len(set))
		for u := range set {
			users = append(users, u)
		}
		ff.Members[tenantID] = users
	}
	data, err := json.MarshalIndent(&ff, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(c.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, c.path)
}


