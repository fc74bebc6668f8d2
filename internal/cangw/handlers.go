package cangw

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"strings"

	"tailscale.com/tsweb"

	"github.com/banshee-data/nozzle.control/internal/httputil"
)

//go:embed templates/*
var adminTemplateFS embed.FS

var sendFrameTemplate = template.Must(template.ParseFS(adminTemplateFS, "templates/send-frame.html.tmpl"))

// AttachAdminRoutes attaches gateway debugging endpoints to the HTTP mux
// served at /debug/.
func (g *SerialGateway[T]) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.HandleFunc("can-send", "send a raw SLCAN frame and tail sensor telemetry", func(w http.ResponseWriter, r *http.Request) {
		buf := bytes.NewBuffer(nil)
		data := struct{ SendPath, TailPath string }{"/debug/can-send-api", "/debug/can-tail"}
		if err := sendFrameTemplate.Execute(buf, data); err != nil {
			http.Error(w, "Failed to render template", http.StatusInternalServerError)
			return
		}
		io.Copy(w, buf)
	})

	debug.HandleSilentFunc("can-send-api", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			httputil.MethodNotAllowed(w, http.MethodPost)
			return
		}
		frame := strings.TrimSpace(r.FormValue("frame"))
		parsed, err := ParseFrame(frame)
		if err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
		if err := g.SendRaw(frame); err != nil {
			httputil.InternalServerError(w, fmt.Sprintf("failed to write frame: %v", err))
			return
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
			"written": frame,
			"id":      fmt.Sprintf("0x%03X", parsed.ID),
			"length":  len(parsed.Data),
		})
	})

	debug.HandleSilentFunc("can-tail", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			httputil.MethodNotAllowed(w, http.MethodGet)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")

		id, c := g.Subscribe()
		defer g.Unsubscribe(id)

		w.Write([]byte(": ping\n\n"))
		flusher.Flush()

		for {
			select {
			case reading, ok := <-c:
				if !ok {
					return
				}
				payload, err := json.Marshal(reading)
				if err != nil {
					return
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
					return
				}
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	})
}
