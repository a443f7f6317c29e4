package websocket

import (
	"encoding/json"
	"log"
)

const (
	EventReportProgress = "report-progress"
	EventReportComplete = "report-complete"
	EventReportFailed   = "report-failed"
)

// Envelope is the JSON frame sent to every subscribed client.
type Envelope struct {
	Type    string `json:"type"`
	Event   string `json:"event"`
	Payload any    `json:"payload"`
}

// Emit sends payload to the clients subscribed to event. Slow clients whose
// buffer is full miss the message.
func (h *Hub) Emit(event string, payload any) {
	if h == nil {
		return
	}
	msg, err := json.Marshal(Envelope{Type: "event", Event: event, Payload: payload})
	if err != nil {
		log.Printf("⚠️ [ws] cannot encode %s: %v", event, err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if !c.subs["*"] && !c.subs[event] {
			continue
		}
		select {
		case c.send <- msg:
		default:
			log.Printf("⚠️ [ws] client buffer full, dropping %s", event)
		}
	}
}
