package opencode

import "encoding/json"

type rawEvent struct {
	Type       string          `json:"type"`
	Properties json.RawMessage `json:"properties"`
}

type sessionInfoProps struct {
	Info Session `json:"info"`
}

type sessionStatusProps struct {
	SessionID string        `json:"sessionID"`
	Status    sessionStatus `json:"status"`
}

type permissionRepliedProps struct {
	SessionID    string `json:"sessionID"`
	PermissionID string `json:"permissionID"`
	RequestID    string `json:"requestID"`
	Response     string `json:"response"`
}

// handleEvent applies one pushed event. Events of sessions outside the root
// set are dropped without touching state or subscribers.
func (c *Client) handleEvent(gen uint64, data []byte) {
	var ev rawEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		c.log.Debug("dropping malformed event: %v", err)
		return
	}

	switch ev.Type {
	case "session.created":
		var p sessionInfoProps
		if !c.decodeProps(ev, &p) || p.Info.ID == "" {
			return
		}
		c.sessionCreated(gen, p.Info)

	case "session.deleted":
		var p sessionInfoProps
		if !c.decodeProps(ev, &p) || p.Info.ID == "" {
			return
		}
		c.sessionDeleted(gen, p.Info)

	case "session.status":
		var p sessionStatusProps
		if !c.decodeProps(ev, &p) {
			return
		}
		c.sessionStatus(gen, p.SessionID, parseStatus(p.Status.Type))

	case "session.idle":
		var p sessionStatusProps
		if !c.decodeProps(ev, &p) {
			return
		}
		c.sessionStatus(gen, p.SessionID, StatusIdle)

	case string(PermissionUpdated):
		var p PermissionRequest
		if !c.decodeProps(ev, &p) || p.ID == "" {
			return
		}
		c.permissionUpdated(gen, p, ev.Properties)

	case string(PermissionReplied):
		var p permissionRepliedProps
		if !c.decodeProps(ev, &p) {
			return
		}
		id := p.PermissionID
		if id == "" {
			id = p.RequestID
		}
		c.permissionReplied(gen, p.SessionID, id, PermissionResponse(p.Response), ev.Properties)
	}
}

func (c *Client) decodeProps(ev rawEvent, v any) bool {
	if err := json.Unmarshal(ev.Properties, v); err != nil {
		c.log.Debug("dropping %s event: %v", ev.Type, err)
		return false
	}
	return true
}

// lockCurrent takes c.mu if gen is still the live stream.
func (c *Client) lockCurrent(gen uint64) bool {
	c.mu.Lock()
	if c.disposed || c.streamGen != gen {
		c.mu.Unlock()
		return false
	}
	return true
}

func (c *Client) sessionCreated(gen uint64, s Session) {
	if !s.IsRoot() {
		return
	}
	if !c.lockCurrent(gen) {
		return
	}
	c.roots[s.ID] = struct{}{}
	delete(c.busy, s.ID)
	c.mu.Unlock()

	c.sessionSubs.Emit(SessionEvent{Type: SessionCreated, Session: s})
	c.statusSubs.Emit(StatusEvent{SessionID: s.ID, Status: StatusIdle})
}

func (c *Client) sessionDeleted(gen uint64, s Session) {
	if !c.lockCurrent(gen) {
		return
	}
	if _, ok := c.roots[s.ID]; !ok {
		c.mu.Unlock()
		return
	}
	delete(c.roots, s.ID)
	delete(c.busy, s.ID)
	for id, p := range c.permissions {
		if p.SessionID == s.ID {
			delete(c.permissions, id)
		}
	}
	c.mu.Unlock()

	c.sessionSubs.Emit(SessionEvent{Type: SessionDeleted, Session: s})
}

func (c *Client) sessionStatus(gen uint64, sessionID string, status Status) {
	if !c.lockCurrent(gen) {
		return
	}
	if _, ok := c.roots[sessionID]; !ok {
		c.mu.Unlock()
		return
	}
	if status == StatusBusy {
		c.busy[sessionID] = struct{}{}
	} else {
		delete(c.busy, sessionID)
	}
	c.mu.Unlock()

	c.statusSubs.Emit(StatusEvent{SessionID: sessionID, Status: status})
}

func (c *Client) permissionUpdated(gen uint64, p PermissionRequest, props json.RawMessage) {
	if !c.lockCurrent(gen) {
		return
	}
	if _, ok := c.roots[p.SessionID]; !ok {
		c.mu.Unlock()
		return
	}
	c.permissions[p.ID] = p
	c.mu.Unlock()

	c.permissionSubs.Emit(PermissionEvent{
		Type:         PermissionUpdated,
		SessionID:    p.SessionID,
		PermissionID: p.ID,
		Properties:   props,
	})
}

func (c *Client) permissionReplied(gen uint64, sessionID, permissionID string, response PermissionResponse, props json.RawMessage) {
	if !c.lockCurrent(gen) {
		return
	}
	if _, ok := c.roots[sessionID]; !ok {
		c.mu.Unlock()
		return
	}
	delete(c.permissions, permissionID)
	c.mu.Unlock()

	c.permissionSubs.Emit(PermissionEvent{
		Type:         PermissionReplied,
		SessionID:    sessionID,
		PermissionID: permissionID,
		Response:     response,
		Properties:   props,
	})
}
