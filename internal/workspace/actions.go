package workspace

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"

	"github.com/codefionn/agentpulse/internal/opencode"
)

var (
	// ErrUnknownWorkspace is returned for paths that are not registered.
	ErrUnknownWorkspace = errors.New("unknown workspace")
	// ErrUnknownPermission is returned when no instance of the workspace
	// holds the permission request.
	ErrUnknownPermission = errors.New("unknown permission request")
	// ErrUnknownSession is returned when no instance of the workspace owns
	// the root session.
	ErrUnknownSession = errors.New("unknown session")
)

func (m *Manager) clients(path string) ([]InstanceClient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[path]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWorkspace, path)
	}
	return slices.Clone(e.clients), nil
}

// PendingPermissions lists the open permission requests of every instance of
// path, sorted by session then id.
func (m *Manager) PendingPermissions(path string) ([]opencode.PermissionRequest, error) {
	clients, err := m.clients(path)
	if err != nil {
		return nil, err
	}
	out := []opencode.PermissionRequest{}
	for _, c := range clients {
		out = append(out, c.PendingPermissions()...)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SessionID != out[j].SessionID {
			return out[i].SessionID < out[j].SessionID
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// RespondPermission answers permissionID on the instance that raised it. The
// status moves once the instance confirms with a permission.replied event.
func (m *Manager) RespondPermission(ctx context.Context, path, permissionID string, response opencode.PermissionResponse) error {
	if !response.Valid() {
		return fmt.Errorf("invalid permission response %q", response)
	}
	clients, err := m.clients(path)
	if err != nil {
		return err
	}
	for _, c := range clients {
		for _, req := range c.PendingPermissions() {
			if req.ID == permissionID {
				return c.RespondPermission(ctx, req.SessionID, permissionID, response)
			}
		}
	}
	return fmt.Errorf("%w: %s", ErrUnknownPermission, permissionID)
}

// SendPrompt submits text to sessionID on the instance owning it. With an
// empty sessionID a new root session is created on the lowest port first.
// It returns the session the prompt went to.
func (m *Manager) SendPrompt(ctx context.Context, path, sessionID, text string) (string, error) {
	clients, err := m.clients(path)
	if err != nil {
		return "", err
	}

	var target InstanceClient
	if sessionID == "" {
		target = clients[0]
		s, err := target.CreateSession(ctx, "")
		if err != nil {
			return "", err
		}
		sessionID = s.ID
	} else {
		for _, c := range clients {
			if c.HasRootSession(sessionID) {
				target = c
				break
			}
		}
		if target == nil {
			return "", fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
		}
	}

	if err := target.SendPrompt(ctx, sessionID, text); err != nil {
		return "", err
	}
	m.log.Debug("workspace %s: prompt sent to session %s on port %d", path, sessionID, target.Port())
	return sessionID, nil
}
