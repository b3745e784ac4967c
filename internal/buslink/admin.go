package buslink

import (
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"tailscale.com/tsweb"
)

// AttachAdminRoutes attaches bus debugging endpoints to the given HTTP mux
// served at /debug/. These routes are accessible only over localhost/via
// Tailscale and are not publicly accessible.
func (m *Manager) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.HandleFunc("bus-status", "current bus connection status", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, m.Status()+"\n")
	})

	// API endpoint to switch torque for a servo: POST motor=<id>&enabled=<bool>
	debug.HandleSilentFunc("send-torque", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		motorID, err := parseMotorID(r.FormValue("motor"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		enabled := r.FormValue("enabled") == "true" || r.FormValue("enabled") == "1"
		if err := m.SendTorque(motorID, enabled); err != nil {
			http.Error(w, fmt.Sprintf("Failed to send torque command: %v", err), http.StatusInternalServerError)
			return
		}
		fmt.Fprintf(w, "Sent torque=%v to motor %d\n", enabled, motorID)
	})

	// API endpoint to move a servo: POST motor=<id>&degrees=<float>
	debug.HandleSilentFunc("send-goal", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		motorID, err := parseMotorID(r.FormValue("motor"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		degrees, err := strconv.ParseFloat(strings.TrimSpace(r.FormValue("degrees")), 64)
		if err != nil {
			http.Error(w, "Invalid degrees value", http.StatusBadRequest)
			return
		}
		if err := m.SendGoalPosition(motorID, degrees); err != nil {
			http.Error(w, fmt.Sprintf("Failed to send goal position: %v", err), http.StatusInternalServerError)
			return
		}
		fmt.Fprintf(w, "Sent goal %.1f° to motor %d\n", degrees, motorID)
	})

	// API endpoint to issue Server-Side Events (SSE) with hex dumps of
	// frames coming off the bus.
	debug.HandleSilentFunc("bus-tail", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no") // Disable buffering for nginx

		id, c := m.Subscribe()
		defer m.Unsubscribe(id)

		// Send initial ping to establish connection
		w.Write([]byte(": ping\n\n"))
		w.(http.Flusher).Flush()

		for {
			select {
			case frame, ok := <-c:
				if !ok {
					// Channel closed, exit gracefully
					return
				}
				_, err := fmt.Fprintf(w, "data: %s\n\n", hex.EncodeToString(frame))
				if err != nil {
					return
				}
				w.(http.Flusher).Flush()
			case <-r.Context().Done():
				return
			}
		}
	})
}

func parseMotorID(s string) (byte, error) {
	id, err := strconv.ParseUint(strings.TrimSpace(s), 10, 8)
	if err != nil {
		return 0, fmt.Errorf("invalid motor id %q", s)
	}
	return byte(id), nil
}
