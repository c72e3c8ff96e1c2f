// Command eventsim runs a local stand-in for the fleet platform: it
// serves the auth and tracker endpoints plus a push channel that emits
// randomized state batches, so the engine can be exercised end to end
// without real devices.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/gorilla/websocket"
)

var incidentCodes = []string{"42", "33", "12", "46", "47"}

type simTracker struct {
	ID       int64
	SourceID int64
	Label    string
	Lat      float64
	Lng      float64
}

func main() {
	addr := flag.String("addr", ":9090", "listen address")
	trackers := flag.Int("trackers", 5, "number of simulated vehicles")
	interval := flag.Duration("interval", 5*time.Second, "push interval per batch")
	burst := flag.Bool("burst", false, "emit correlated incident bursts instead of random noise")
	flag.Parse()

	fleet := make([]simTracker, 0, *trackers)
	for i := 0; i < *trackers; i++ {
		fleet = append(fleet, simTracker{
			ID:       int64(100 + i),
			SourceID: int64(10433580 + i),
			Label:    fmt.Sprintf("%s %d", gofakeit.CarModel(), 100+i),
			Lat:      gofakeit.Float64Range(19.0, 25.5),
			Lng:      gofakeit.Float64Range(-107.9, -98.0),
		})
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/v2/user/auth", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"success": true, "hash": gofakeit.UUID()})
	})
	mux.HandleFunc("/v2/tracker/list", func(w http.ResponseWriter, r *http.Request) {
		list := make([]map[string]any, 0, len(fleet))
		for _, tr := range fleet {
			list = append(list, map[string]any{
				"id":     tr.ID,
				"label":  tr.Label,
				"source": map[string]any{"id": tr.SourceID},
			})
		}
		json.NewEncoder(w).Encode(map[string]any{"success": true, "list": list})
	})
	mux.HandleFunc("/v2/tracker/read", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			TrackerID int64 `json:"tracker_id"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		label := "unknown"
		for _, tr := range fleet {
			if tr.ID == req.TrackerID {
				label = tr.Label
			}
		}
		json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"value":   map[string]any{"label": label},
		})
	})
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		serveWS(w, r, fleet, *interval, *burst)
	})

	log.Printf("eventsim listening on %s (%d trackers, burst=%v)", *addr, len(fleet), *burst)
	log.Fatal(http.ListenAndServe(*addr, mux))
}

func serveWS(w http.ResponseWriter, r *http.Request, fleet []simTracker, interval time.Duration, burst bool) {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	// Wait for the subscribe action before pushing anything.
	if _, _, err := conn.ReadMessage(); err != nil {
		return
	}
	log.Printf("client subscribed from %s", r.RemoteAddr)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	heartbeat := time.NewTicker(25 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-heartbeat.C:
			if err := conn.WriteMessage(websocket.TextMessage, []byte("2")); err != nil {
				return
			}
		case <-ticker.C:
			frame := buildBatch(fleet, burst)
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		}
	}
}

// buildBatch assembles one state_batch frame. In burst mode a single
// vehicle reports three distinct incident codes back to back, which is
// the pattern the engine promotes to a consolidated alert.
func buildBatch(fleet []simTracker, burst bool) []byte {
	now := time.Now().UTC().Format(time.RFC3339)
	var items []map[string]any

	if burst {
		tr := fleet[rand.Intn(len(fleet))]
		for _, code := range []string{"42", "47", "46"} {
			items = append(items, stateItem(tr, code, now))
		}
	} else {
		for _, tr := range fleet {
			// Most batches carry plain position updates, not incidents.
			code := ""
			if rand.Float64() < 0.2 {
				code = incidentCodes[rand.Intn(len(incidentCodes))]
			}
			items = append(items, stateItem(tr, code, now))
		}
	}

	frame, _ := json.Marshal(map[string]any{
		"type":  "event",
		"event": "state_batch",
		"data":  items,
	})
	return frame
}

func stateItem(tr simTracker, code, updated string) map[string]any {
	state := map[string]any{
		"source_id": tr.SourceID,
		"gps": map[string]any{
			"location": map[string]any{
				"lat": tr.Lat + gofakeit.Float64Range(-0.01, 0.01),
				"lng": tr.Lng + gofakeit.Float64Range(-0.01, 0.01),
			},
			"speed":   gofakeit.Float64Range(0, 120),
			"updated": updated,
		},
		"updated": updated,
	}
	if code != "" {
		state["event_code"] = map[string]any{"value": code}
	}
	return map[string]any{
		"type":  "source_state_event",
		"state": state,
	}
}
