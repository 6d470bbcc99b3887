package httpapi

import (
	"time"

	"github.com/google/uuid"
	"github.com/jkaninda/okapi"

	"github.com/jkaninda/kaliagents/internal/supervisor"
)

// SSEDone is the payload of the final "done" event of a stream.
type SSEDone struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// handleEvents handles GET /v1/assessments/{id}/events. It sends the
// current summary as a "snapshot" event, then every session event named by
// its type, and a final "done" event once the session finishes.
func (g *Gateway) handleEvents(c *okapi.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid assessment id")
	}
	events, unsubscribe, err := g.engine.Subscribe(id)
	if err != nil {
		return engineError(c, err)
	}
	defer unsubscribe()

	summary, err := g.engine.Status(id)
	if err != nil {
		return engineError(c, err)
	}
	c.SSEvent("snapshot", summary)

	ctx := c.Context()
	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				final := string(summary.Status)
				if s, err := g.engine.Status(id); err == nil {
					final = string(s.Status)
				}
				c.SSEvent("done", SSEDone{ID: id.String(), Status: final})
				return nil
			}
			c.SSEvent(string(ev.Type), ev)
		case <-keepalive.C:
			c.SSEvent("ping", supervisor.Event{AssessmentID: id, Time: time.Now().UTC()})
		case <-ctx.Done():
			return nil
		}
	}
}
