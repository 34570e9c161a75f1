package alpaca

import (
	"encoding/json"
	"net/http"
	"strconv"

	log "github.com/sirupsen/logrus"

	"robofocus/pkg/focuser"
	"robofocus/pkg/protocol"
)

// GUIHandler serves the JSON control API used by front-end panels. Unlike
// the device API it carries no Alpaca envelope.
type GUIHandler struct {
	driver *focuser.Driver
	trace  *protocol.Trace
	logger log.FieldLogger
}

func NewGUIHandler(driver *focuser.Driver, trace *protocol.Trace, logger log.FieldLogger) *GUIHandler {
	return &GUIHandler{driver: driver, trace: trace, logger: logger}
}

func (g *GUIHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /status", g.handleStatus)
	mux.HandleFunc("GET /ports", g.handlePorts)
	mux.HandleFunc("POST /scan", g.handleScan)
	mux.HandleFunc("POST /connect", g.handleConnect)
	mux.HandleFunc("POST /disconnect", g.handleDisconnect)

	mux.HandleFunc("POST /move", g.handleMove)
	mux.HandleFunc("POST /move-in", g.handleMoveIn)
	mux.HandleFunc("POST /move-out", g.handleMoveOut)
	mux.HandleFunc("POST /halt", g.handleHalt)

	mux.HandleFunc("POST /set-zero", g.handleSetZero)
	mux.HandleFunc("POST /sync", g.handleSync)
	mux.HandleFunc("POST /set-max", g.handleSetMax)
	mux.HandleFunc("POST /set-min", g.handleSetMin)
	mux.HandleFunc("POST /set-max-increment", g.handleSetMaxIncrement)
	mux.HandleFunc("POST /set-backlash", g.handleSetBacklash)

	mux.HandleFunc("GET /logs", g.handleLogs)
	mux.HandleFunc("POST /logs/clear", g.handleLogsClear)

	mux.HandleFunc("GET /mode", g.handleMode)
	mux.HandleFunc("PUT /mode", g.handleSetMode)
}

type guiError struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

func (g *GUIHandler) writeJSON(w http.ResponseWriter, value any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(value)
}

func (g *GUIHandler) writeError(w http.ResponseWriter, err error) {
	g.logger.Debugf("GUI request failed: %v", err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	json.NewEncoder(w).Encode(guiError{Error: err.Error(), Code: focuser.ErrorNumber(err)})
}

func decodeBody[T any](r *http.Request) (T, error) {
	var body T
	err := json.NewDecoder(r.Body).Decode(&body)
	return body, err
}

type statusResponse struct {
	focuser.Status
	Port        string `json:"port"`
	Simulator   bool   `json:"simulator"`
	MotorConfig int    `json:"motor_config,omitempty"`
	Switches    []int  `json:"switches,omitempty"`
}

func (g *GUIHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Status:    g.driver.Status(),
		Port:      g.driver.Port(),
		Simulator: g.driver.Simulator(),
	}
	if mc, sw, ok := g.driver.SimulatorState(); ok {
		resp.MotorConfig = mc
		resp.Switches = sw[:]
	}
	g.writeJSON(w, resp)
}

func (g *GUIHandler) handlePorts(w http.ResponseWriter, r *http.Request) {
	ports, err := g.driver.ListPorts()
	if err != nil {
		g.writeError(w, err)
		return
	}
	if ports == nil {
		ports = []string{}
	}
	g.writeJSON(w, ports)
}

func (g *GUIHandler) handleScan(w http.ResponseWriter, r *http.Request) {
	devices, err := g.driver.Scan()
	if err != nil {
		g.writeError(w, err)
		return
	}
	if devices == nil {
		devices = []protocol.DiscoveredDevice{}
	}
	g.writeJSON(w, devices)
}

func (g *GUIHandler) handleConnect(w http.ResponseWriter, r *http.Request) {
	body, err := decodeBody[struct {
		Port string `json:"port"`
	}](r)
	if err == nil && body.Port != "" {
		if err := g.driver.SetPort(body.Port); err != nil {
			g.writeError(w, err)
			return
		}
	}

	if err := g.driver.Connect(); err != nil {
		g.writeError(w, err)
		return
	}
	g.writeJSON(w, map[string]string{"firmware": g.driver.Status().Firmware})
}

func (g *GUIHandler) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if err := g.driver.Disconnect(); err != nil {
		g.writeError(w, err)
		return
	}
	g.writeJSON(w, map[string]bool{"connected": false})
}

func (g *GUIHandler) handleMove(w http.ResponseWriter, r *http.Request) {
	body, err := decodeBody[struct {
		Position int `json:"position"`
	}](r)
	if err != nil {
		g.writeError(w, err)
		return
	}
	if err := g.driver.Move(body.Position); err != nil {
		g.writeError(w, err)
		return
	}
	g.writeJSON(w, map[string]int{"target": body.Position})
}

func (g *GUIHandler) handleMoveIn(w http.ResponseWriter, r *http.Request) {
	g.handleRelative(w, r, g.driver.MoveIn)
}

func (g *GUIHandler) handleMoveOut(w http.ResponseWriter, r *http.Request) {
	g.handleRelative(w, r, g.driver.MoveOut)
}

func (g *GUIHandler) handleRelative(w http.ResponseWriter, r *http.Request, move func(int) error) {
	body, err := decodeBody[struct {
		Steps int `json:"steps"`
	}](r)
	if err != nil {
		g.writeError(w, err)
		return
	}
	if err := move(body.Steps); err != nil {
		g.writeError(w, err)
		return
	}
	g.writeJSON(w, map[string]int{"steps": body.Steps})
}

func (g *GUIHandler) handleHalt(w http.ResponseWriter, r *http.Request) {
	if err := g.driver.Halt(); err != nil {
		g.writeError(w, err)
		return
	}
	g.writeJSON(w, map[string]bool{"halted": true})
}

type valueBody struct {
	Value int `json:"value"`
}

func (g *GUIHandler) handleValue(w http.ResponseWriter, r *http.Request, apply func(int) error) {
	body, err := decodeBody[valueBody](r)
	if err != nil {
		g.writeError(w, err)
		return
	}
	if err := apply(body.Value); err != nil {
		g.writeError(w, err)
		return
	}
	g.writeJSON(w, g.driver.Status())
}

func (g *GUIHandler) handleSetZero(w http.ResponseWriter, r *http.Request) {
	g.handleValue(w, r, g.driver.SetZero)
}

func (g *GUIHandler) handleSync(w http.ResponseWriter, r *http.Request) {
	g.handleValue(w, r, g.driver.SyncPosition)
}

func (g *GUIHandler) handleSetMax(w http.ResponseWriter, r *http.Request) {
	g.handleValue(w, r, g.driver.SetMaxTravel)
}

func (g *GUIHandler) handleSetMin(w http.ResponseWriter, r *http.Request) {
	g.handleValue(w, r, g.driver.SetMinPosition)
}

func (g *GUIHandler) handleSetMaxIncrement(w http.ResponseWriter, r *http.Request) {
	g.handleValue(w, r, g.driver.SetMaxIncrement)
}

func (g *GUIHandler) handleSetBacklash(w http.ResponseWriter, r *http.Request) {
	g.handleValue(w, r, g.driver.SetBacklash)
}

func (g *GUIHandler) handleLogs(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	entries := g.trace.Entries(limit, offset)
	if entries == nil {
		entries = []protocol.TraceEntry{}
	}
	g.writeJSON(w, entries)
}

func (g *GUIHandler) handleLogsClear(w http.ResponseWriter, r *http.Request) {
	g.trace.Clear()
	g.writeJSON(w, map[string]bool{"cleared": true})
}

func (g *GUIHandler) handleMode(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, map[string]bool{"simulator": g.driver.Simulator()})
}

func (g *GUIHandler) handleSetMode(w http.ResponseWriter, r *http.Request) {
	body, err := decodeBody[struct {
		Simulator bool `json:"simulator"`
	}](r)
	if err != nil {
		g.writeError(w, err)
		return
	}
	if err := g.driver.SetSimulator(body.Simulator); err != nil {
		g.writeError(w, err)
		return
	}
	g.writeJSON(w, map[string]bool{"simulator": body.Simulator})
}
