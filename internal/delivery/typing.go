package delivery

import (
	"time"

	"advisorhub/pkg/types"
)

type typingKey struct {
	sessionID int64
	userID    int64
}

// typingTimer is the pending auto-stop for one (session, user). gen tells a
// timer that already fired apart from the one that replaced it.
type typingTimer struct {
	timer *time.Timer
	gen   uint64
}

// HandleTypingIndicator broadcasts the typing state of userID to the other
// members of sessionID. A true state auto-expires after the typing timeout
// unless refreshed; an explicit false cancels the pending expiry.
func (p *Pipeline) HandleTypingIndicator(sessionID, userID int64, isTyping bool) int {
	key := typingKey{sessionID: sessionID, userID: userID}

	p.typingMu.Lock()
	if pending, ok := p.typing[key]; ok {
		pending.timer.Stop()
		delete(p.typing, key)
	}
	if isTyping {
		p.typingGen++
		gen := p.typingGen
		p.typing[key] = &typingTimer{
			gen:   gen,
			timer: time.AfterFunc(p.typingTimeout, func() { p.expireTyping(key, gen) }),
		}
	}
	p.typingMu.Unlock()

	return p.broadcastTyping(sessionID, userID, isTyping)
}

func (p *Pipeline) expireTyping(key typingKey, gen uint64) {
	p.typingMu.Lock()
	pending, ok := p.typing[key]
	if !ok || pending.gen != gen {
		p.typingMu.Unlock()
		return
	}
	delete(p.typing, key)
	p.typingMu.Unlock()

	p.broadcastTyping(key.sessionID, key.userID, false)
}

func (p *Pipeline) broadcastTyping(sessionID, userID int64, isTyping bool) int {
	env := types.NewEnvelope(types.TypeTypingIndicator, types.TypingPayload{
		SessionID: sessionID,
		IsTyping:  isTyping,
	}, userID)
	env.SessionID = sessionID

	sent := 0
	for _, member := range p.members.GetUsersInSession(sessionID) {
		if member == userID {
			continue
		}
		if p.notifier.SendToUser(member, env) {
			sent++
		}
	}
	return sent
}

// ClearTyping cancels every pending indicator of userID and tells the other
// members the user stopped typing.
func (p *Pipeline) ClearTyping(userID int64) int {
	p.typingMu.Lock()
	var keys []typingKey
	for key, pending := range p.typing {
		if key.userID == userID {
			pending.timer.Stop()
			delete(p.typing, key)
			keys = append(keys, key)
		}
	}
	p.typingMu.Unlock()

	for _, key := range keys {
		p.broadcastTyping(key.sessionID, key.userID, false)
	}
	return len(keys)
}

// IsTyping reports whether userID has an unexpired indicator in sessionID.
func (p *Pipeline) IsTyping(sessionID, userID int64) bool {
	p.typingMu.Lock()
	defer p.typingMu.Unlock()
	_, ok := p.typing[typingKey{sessionID: sessionID, userID: userID}]
	return ok
}

// Stop cancels all pending typing timers without notifying anyone.
func (p *Pipeline) Stop() {
	p.typingMu.Lock()
	defer p.typingMu.Unlock()

	for key, pending := range p.typing {
		pending.timer.Stop()
		delete(p.typing, key)
	}
}
