package sensorfeed

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"tailscale.com/tsweb"

	"github.com/banshee-data/urbo/internal/httputil"
)

// AttachAdminRoutes mounts the feed's debug endpoints under /debug/.
func (f *Feed[T]) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.KVFunc("Sensor lines", func() any { return f.Stats().Lines })

	debug.HandleFunc("sensor-feed", "sensor feed counters", func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSONOK(w, f.Stats())
	})

	// POST a raw line as if the bridge had sent it.
	debug.HandleSilentFunc("sensor-inject", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			httputil.MethodNotAllowed(w)
			return
		}
		line := strings.TrimSpace(r.FormValue("line"))
		if line == "" {
			httputil.BadRequest(w, "missing line")
			return
		}
		if err := f.Inject(r.Context(), line); err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
		httputil.WriteJSONOK(w, f.Stats())
	})

	debug.HandleSilentFunc("sensor-command", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			httputil.MethodNotAllowed(w)
			return
		}
		command := strings.TrimSpace(r.FormValue("command"))
		if command == "" {
			httputil.BadRequest(w, "missing command")
			return
		}
		if err := f.SendCommand(command); err != nil {
			httputil.InternalServerError(w, "failed to write command")
			return
		}
		io.WriteString(w, fmt.Sprintf("Wrote command %q to sensor port", command))
	})

	// Server-sent events of raw bridge lines.
	debug.HandleSilentFunc("sensor-tail", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			httputil.MethodNotAllowed(w)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			httputil.InternalServerError(w, "streaming unsupported")
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")

		id, c := f.Subscribe()
		defer f.Unsubscribe(id)

		w.Write([]byte(": ping\n\n"))
		flusher.Flush()
		for {
			select {
			case payload, ok := <-c:
				if !ok {
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
