package alpaca

import (
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"robofocus/pkg/focuser"
)

// Focuser is the device contract the HTTP surface serves. Implemented by
// focuser.Driver.
type Focuser interface {
	Number() int
	UniqueID() string
	Description() string

	Connected() bool
	Connecting() bool
	Connect() error
	Disconnect() error

	Position() (int, error)
	Moving() bool
	Temperature() (float64, error)
	MaxStep() (int, error)
	MaxIncrement() (int, error)
	StepSize() float64
	Backlash() (int, error)
	SetBacklash(int) error
	Move(int) error
	Halt() error
	Status() focuser.Status
}

// FocuserHandler serves the Alpaca focuser device API for one device.
type FocuserHandler struct {
	dev    Focuser
	logger log.FieldLogger
}

func NewFocuserHandler(dev Focuser, logger log.FieldLogger) *FocuserHandler {
	return &FocuserHandler{dev: dev, logger: logger}
}

func (h *FocuserHandler) DeviceInfo() DeviceInfo {
	return DeviceInfo{
		Name:     focuser.DeviceName,
		Type:     focuser.DeviceType,
		Number:   h.dev.Number(),
		UniqueID: h.dev.UniqueID(),
	}
}

func (h *FocuserHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /name", h.handleName)
	mux.HandleFunc("GET /description", h.handleDescription)
	mux.HandleFunc("GET /driverinfo", h.handleDriverInfo)
	mux.HandleFunc("GET /driverversion", h.handleDriverVersion)
	mux.HandleFunc("GET /interfaceversion", h.handleInterfaceVersion)
	mux.HandleFunc("GET /supportedactions", h.handleSupportedActions)
	mux.HandleFunc("GET /devicestate", h.handleState)

	mux.HandleFunc("GET /connected", h.handleConnected)
	mux.HandleFunc("PUT /connected", h.handleSetConnected)
	mux.HandleFunc("GET /connecting", h.handleConnecting)
	mux.HandleFunc("PUT /connect", h.handleConnect)
	mux.HandleFunc("PUT /disconnect", h.handleDisconnect)

	mux.HandleFunc("GET /absolute", h.handleAbsolute)
	mux.HandleFunc("GET /position", h.handlePosition)
	mux.HandleFunc("GET /ismoving", h.handleIsMoving)
	mux.HandleFunc("GET /maxstep", h.handleMaxStep)
	mux.HandleFunc("GET /maxincrement", h.handleMaxIncrement)
	mux.HandleFunc("GET /stepsize", h.handleStepSize)
	mux.HandleFunc("GET /temperature", h.handleTemperature)
	mux.HandleFunc("GET /tempcomp", h.handleTempComp)
	mux.HandleFunc("PUT /tempcomp", h.handleSetTempComp)
	mux.HandleFunc("GET /tempcompavailable", h.handleTempCompAvailable)
	mux.HandleFunc("GET /backlash", h.handleBacklash)
	mux.HandleFunc("PUT /backlash", h.handleSetBacklash)

	mux.HandleFunc("PUT /move", h.handleMove)
	mux.HandleFunc("PUT /halt", h.handleHalt)
}

func (h *FocuserHandler) handleName(w http.ResponseWriter, r *http.Request) {
	handleResponse(w, r, focuser.DeviceName)
}

func (h *FocuserHandler) handleDescription(w http.ResponseWriter, r *http.Request) {
	handleResponse(w, r, h.dev.Description())
}

func (h *FocuserHandler) handleDriverInfo(w http.ResponseWriter, r *http.Request) {
	handleResponse(w, r, focuser.DriverName)
}

func (h *FocuserHandler) handleDriverVersion(w http.ResponseWriter, r *http.Request) {
	handleResponse(w, r, focuser.DriverVersion)
}

func (h *FocuserHandler) handleInterfaceVersion(w http.ResponseWriter, r *http.Request) {
	handleResponse(w, r, focuser.InterfaceVersion)
}

func (h *FocuserHandler) handleSupportedActions(w http.ResponseWriter, r *http.Request) {
	handleResponse(w, r, []string{})
}

func (h *FocuserHandler) handleState(w http.ResponseWriter, r *http.Request) {
	props := []StateProperty{
		{Name: "TimeStamp", Value: time.Now().Format(time.RFC3339)},
	}

	if h.dev.Connected() {
		st := h.dev.Status()
		props = append(props,
			StateProperty{Name: "Position", Value: st.Position},
			StateProperty{Name: "IsMoving", Value: st.Moving},
			StateProperty{Name: "Temperature", Value: st.Temperature},
		)
	}

	handleResponse(w, r, props)
}

func (h *FocuserHandler) handleConnected(w http.ResponseWriter, r *http.Request) {
	handleResponse(w, r, h.dev.Connected())
}

func (h *FocuserHandler) handleSetConnected(w http.ResponseWriter, r *http.Request) {
	connected, err := parseBoolRequest(r, "Connected")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if connected {
		err = h.dev.Connect()
	} else {
		err = h.dev.Disconnect()
	}
	if err != nil {
		handleDriverError(w, r, err)
		return
	}
	handleResponse(w, r, nil)
}

func (h *FocuserHandler) handleConnecting(w http.ResponseWriter, r *http.Request) {
	handleResponse(w, r, h.dev.Connecting())
}

func (h *FocuserHandler) handleConnect(w http.ResponseWriter, r *http.Request) {
	if err := h.dev.Connect(); err != nil {
		handleDriverError(w, r, err)
		return
	}
	handleResponse(w, r, nil)
}

func (h *FocuserHandler) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if err := h.dev.Disconnect(); err != nil {
		handleDriverError(w, r, err)
		return
	}
	handleResponse(w, r, nil)
}

// handleAbsolute is fixed: Robofocus is an absolute-position focuser.
func (h *FocuserHandler) handleAbsolute(w http.ResponseWriter, r *http.Request) {
	handleResponse(w, r, true)
}

func (h *FocuserHandler) handlePosition(w http.ResponseWriter, r *http.Request) {
	position, err := h.dev.Position()
	if err != nil {
		handleDriverError(w, r, err)
		return
	}
	handleResponse(w, r, position)
}

func (h *FocuserHandler) handleIsMoving(w http.ResponseWriter, r *http.Request) {
	if !h.dev.Connected() {
		handleDriverError(w, r, focuser.ErrNotConnected)
		return
	}
	handleResponse(w, r, h.dev.Moving())
}

func (h *FocuserHandler) handleMaxStep(w http.ResponseWriter, r *http.Request) {
	maxStep, err := h.dev.MaxStep()
	if err != nil {
		handleDriverError(w, r, err)
		return
	}
	handleResponse(w, r, maxStep)
}

func (h *FocuserHandler) handleMaxIncrement(w http.ResponseWriter, r *http.Request) {
	maxInc, err := h.dev.MaxIncrement()
	if err != nil {
		handleDriverError(w, r, err)
		return
	}
	handleResponse(w, r, maxInc)
}

func (h *FocuserHandler) handleStepSize(w http.ResponseWriter, r *http.Request) {
	handleResponse(w, r, h.dev.StepSize())
}

func (h *FocuserHandler) handleTemperature(w http.ResponseWriter, r *http.Request) {
	temp, err := h.dev.Temperature()
	if err != nil {
		handleDriverError(w, r, err)
		return
	}
	handleResponse(w, r, temp)
}

// Temperature compensation is not a hardware capability.
func (h *FocuserHandler) handleTempComp(w http.ResponseWriter, r *http.Request) {
	handleResponse(w, r, false)
}

func (h *FocuserHandler) handleSetTempComp(w http.ResponseWriter, r *http.Request) {
	enabled, err := parseBoolRequest(r, "TempComp")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if enabled {
		handleError(w, r, focuser.CodeInvalidOperation, "temperature compensation is not available")
		return
	}
	handleResponse(w, r, nil)
}

func (h *FocuserHandler) handleTempCompAvailable(w http.ResponseWriter, r *http.Request) {
	handleResponse(w, r, false)
}

func (h *FocuserHandler) handleBacklash(w http.ResponseWriter, r *http.Request) {
	backlash, err := h.dev.Backlash()
	if err != nil {
		handleDriverError(w, r, err)
		return
	}
	handleResponse(w, r, backlash)
}

func (h *FocuserHandler) handleSetBacklash(w http.ResponseWriter, r *http.Request) {
	steps, err := parseIntRequest(r, "Backlash")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.dev.SetBacklash(steps); err != nil {
		handleDriverError(w, r, err)
		return
	}
	handleResponse(w, r, nil)
}

func (h *FocuserHandler) handleMove(w http.ResponseWriter, r *http.Request) {
	position, err := parseIntRequest(r, "Position")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	h.logger.Debugf("Move request to %d", position)
	if err := h.dev.Move(position); err != nil {
		handleDriverError(w, r, err)
		return
	}
	handleResponse(w, r, nil)
}

func (h *FocuserHandler) handleHalt(w http.ResponseWriter, r *http.Request) {
	if err := h.dev.Halt(); err != nil {
		handleDriverError(w, r, err)
		return
	}
	handleResponse(w, r, nil)
}
