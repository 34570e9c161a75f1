// Documentation: https://ascom-standards.org/api/?urls.primaryName=ASCOM+Alpaca+Management+API

package alpaca

import (
	"fmt"
	"net/http"
	"strings"
)

type ServerDescription struct {
	Name                string `json:"ServerName"`
	Manufacturer        string `json:"Manufacturer"`
	ManufacturerVersion string `json:"ManufacturerVersion"`
	Location            string `json:"Location"`
}

// Server is the Alpaca management server. It mounts the device API of each
// registered focuser handler and the optional GUI surface.
type Server struct {
	description ServerDescription
	handlers    []*FocuserHandler
	gui         *GUIHandler
}

// NewServer creates a new management server instance. gui may be nil.
func NewServer(description ServerDescription, handlers []*FocuserHandler, gui *GUIHandler) *Server {
	return &Server{
		description: description,
		handlers:    handlers,
		gui:         gui,
	}
}

func (s *Server) AddRoutes() *http.ServeMux {
	r := http.NewServeMux()
	r.HandleFunc("GET /management/apiversions", s.handleAPIVersions)
	r.HandleFunc("GET /management/v1/description", s.handleDescription)
	r.HandleFunc("GET /management/v1/configureddevices", s.handleConfiguredDevices)

	for _, h := range s.handlers {
		mux := http.NewServeMux()
		h.RegisterRoutes(mux)

		info := h.DeviceInfo()
		prefix := fmt.Sprintf("/api/v1/%s/%d", strings.ToLower(info.Type), info.Number)
		r.Handle(prefix+"/", http.StripPrefix(prefix, mux))
	}

	if s.gui != nil {
		mux := http.NewServeMux()
		s.gui.RegisterRoutes(mux)
		r.Handle("/gui/", http.StripPrefix("/gui", mux))
	}

	return r
}

func (s *Server) handleAPIVersions(w http.ResponseWriter, r *http.Request) {
	handleResponse(w, r, []int{1})
}

func (s *Server) handleDescription(w http.ResponseWriter, r *http.Request) {
	handleResponse(w, r, s.description)
}

func (s *Server) handleConfiguredDevices(w http.ResponseWriter, r *http.Request) {
	devices := make([]DeviceInfo, 0, len(s.handlers))
	for _, h := range s.handlers {
		devices = append(devices, h.DeviceInfo())
	}

	handleResponse(w, r, devices)
}
