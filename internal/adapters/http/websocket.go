package http

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gofiber/websocket/v2"
	"github.com/nats-io/nats.go"

	"github.com/samirrijal/geowatch/internal/core/domain"
	"github.com/samirrijal/geowatch/internal/core/geoquery"
	"github.com/samirrijal/geowatch/internal/pkg/metrics"
)

// maxQueriesPerConn bounds how many live queries one socket may hold open.
const maxQueriesPerConn = 16

// wsRequest is a client command. Lat/lon/radius are pointers so an update
// can change the radius without restating the center.
type wsRequest struct {
	Action string   `json:"action"` // "query" | "update" | "cancel" | "subscribe" | "unsubscribe"
	ID     string   `json:"id"`     // client-chosen live query id
	Lat    *float64 `json:"lat"`
	Lon    *float64 `json:"lon"`
	Radius *float64 `json:"radius"`
	Zone   string   `json:"zone"` // zone filter for subscribe; "" relays all zones
}

// wsEvent is a live query event pushed to the client. It carries the same
// shape zone events use on the bus, plus the owning query id.
type wsEvent struct {
	QueryID string `json:"query_id,omitempty"`
	domain.GeoEvent
}

// WebSocketHandler returns a handler that upgrades to WebSocket and serves
// per-connection live radius queries plus a relay of zone events from NATS.
// Clients send JSON like {"action":"query","id":"q1","lat":43.26,"lon":-2.93,"radius":500}
// or {"action":"subscribe","zone":"downtown"}.
func WebSocketHandler(deps *Dependencies) func(*websocket.Conn) {
	return func(c *websocket.Conn) {
		defer c.Close()

		remoteAddr := c.RemoteAddr().String()
		log.Printf("ws client connected: %s", remoteAddr)
		metrics.ActiveWebSockets.Inc()
		defer metrics.ActiveWebSockets.Dec()

		var mu sync.Mutex
		queries := make(map[string]*geoquery.Query) // query id -> live query
		subs := make(map[string]*nats.Subscription) // subject -> relay subscription

		// Helper: thread-safe write
		writeJSON := func(v interface{}) error {
			data, err := json.Marshal(v)
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			return c.WriteMessage(websocket.TextMessage, data)
		}
		writeError := func(msg string) {
			_ = writeJSON(map[string]string{"error": msg})
		}

		openQuery := func(m wsRequest) {
			if m.ID == "" {
				writeError("query id is required")
				return
			}
			if _, exists := queries[m.ID]; exists {
				writeError("query already open: " + m.ID)
				return
			}
			if len(queries) >= maxQueriesPerConn {
				writeError("too many open queries")
				return
			}
			if m.Lat == nil || m.Lon == nil || m.Radius == nil {
				writeError("lat, lon and radius are required")
				return
			}

			q, err := deps.Locations.Query(domain.GeoPoint{Lat: *m.Lat, Lon: *m.Lon}, *m.Radius)
			if err != nil {
				writeError(err.Error())
				return
			}

			id := m.ID
			relay := func(typ domain.EventType) geoquery.KeyCallback {
				return func(key string, location *domain.GeoPoint, distanceKm *float64, document json.RawMessage) {
					_ = writeJSON(wsEvent{QueryID: id, GeoEvent: domain.GeoEvent{
						Type:       typ,
						Key:        key,
						Location:   location,
						DistanceKm: distanceKm,
						Document:   document,
						At:         time.Now().UTC(),
					}})
				}
			}
			// Registering key_entered replays the current result set, so the
			// client sees every in-radius key before the ready event.
			for _, typ := range []domain.EventType{domain.EventKeyEntered, domain.EventKeyExited, domain.EventKeyMoved} {
				if _, err := q.On(typ, relay(typ)); err != nil {
					q.Cancel()
					writeError(err.Error())
					return
				}
			}
			if _, err := q.OnReady(func() {
				_ = writeJSON(wsEvent{QueryID: id, GeoEvent: domain.GeoEvent{
					Type: domain.EventReady,
					At:   time.Now().UTC(),
				}})
			}); err != nil {
				q.Cancel()
				writeError(err.Error())
				return
			}

			queries[id] = q
			metrics.ActiveLiveQueries.Inc()
			// The entered replay has already run by now, so the ack trails it.
			_ = writeJSON(map[string]string{"status": "opened", "id": id})
		}

		zoneSubject := func(zone string) string {
			if zone == "" {
				return "geo.events.>"
			}
			return "geo.events." + zone + ".>"
		}

		// Keep-alive ping
		done := make(chan struct{})
		go func() {
			ticker := time.NewTicker(30 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					mu.Lock()
					err := c.WriteMessage(websocket.PingMessage, nil)
					mu.Unlock()
					if err != nil {
						return
					}
				case <-done:
					return
				}
			}
		}()

		// Read client commands
		for {
			_, msg, err := c.ReadMessage()
			if err != nil {
				break
			}

			var m wsRequest
			if err := json.Unmarshal(msg, &m); err != nil {
				writeError("invalid JSON")
				continue
			}

			switch m.Action {
			case "query":
				openQuery(m)

			case "update":
				q, ok := queries[m.ID]
				if !ok {
					writeError("no open query: " + m.ID)
					continue
				}
				var crit geoquery.Criteria
				if m.Lat != nil || m.Lon != nil {
					if m.Lat == nil || m.Lon == nil {
						writeError("lat and lon must be updated together")
						continue
					}
					crit.Center = &domain.GeoPoint{Lat: *m.Lat, Lon: *m.Lon}
				}
				crit.RadiusMeters = m.Radius
				if err := q.UpdateCriteria(crit); err != nil {
					writeError(err.Error())
					continue
				}
				_ = writeJSON(map[string]string{"status": "updated", "id": m.ID})

			case "cancel":
				q, ok := queries[m.ID]
				if !ok {
					writeError("no open query: " + m.ID)
					continue
				}
				q.Cancel()
				delete(queries, m.ID)
				metrics.ActiveLiveQueries.Dec()
				_ = writeJSON(map[string]string{"status": "cancelled", "id": m.ID})

			case "subscribe":
				if deps.NATS == nil {
					writeError("zone event stream not available")
					continue
				}
				subject := zoneSubject(m.Zone)
				if _, exists := subs[subject]; exists {
					_ = writeJSON(map[string]string{"status": "already subscribed", "subject": subject})
					continue
				}
				s, err := deps.NATS.Subscribe(subject, func(msg *nats.Msg) {
					_ = writeJSON(json.RawMessage(msg.Data))
				})
				if err != nil {
					writeError("subscribe failed: " + err.Error())
					continue
				}
				subs[subject] = s
				_ = writeJSON(map[string]string{"status": "subscribed", "subject": subject})

			case "unsubscribe":
				subject := zoneSubject(m.Zone)
				if s, exists := subs[subject]; exists {
					_ = s.Unsubscribe()
					delete(subs, subject)
					_ = writeJSON(map[string]string{"status": "unsubscribed", "subject": subject})
				} else {
					writeError("not subscribed to " + subject)
				}

			default:
				writeError("unknown action: " + m.Action)
			}
		}

		// Cleanup: a dropped socket takes its queries with it.
		close(done)
		for _, q := range queries {
			q.Cancel()
			metrics.ActiveLiveQueries.Dec()
		}
		for _, s := range subs {
			_ = s.Unsubscribe()
		}
		log.Printf("ws client disconnected: %s", remoteAddr)
	}
}
