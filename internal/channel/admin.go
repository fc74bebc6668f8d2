package channel

import (
	"net/http"

	"tailscale.com/tsweb"

	"github.com/banshee-data/nozzle.control/internal/httputil"
	"github.com/banshee-data/nozzle.control/internal/version"
)

// Status is the server's admin snapshot.
type Status struct {
	Version     string           `json:"version"`
	Connections []ConnectionInfo `json:"connections"`
	LastSet     CommandSet       `json:"last_command_set"`
}

// Status returns the current connections and last merge result.
func (s *Server) Status() Status {
	return Status{
		Version:     version.String(),
		Connections: s.Connections(),
		LastSet:     s.LastCommandSet(),
	}
}

// AttachAdminRoutes attaches the server status endpoint to the mux served at
// /debug/.
func (s *Server) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.HandleFunc("nozzle-status", "control channel connections and last command set", func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSON(w, http.StatusOK, s.Status())
	})
}
