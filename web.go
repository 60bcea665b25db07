package main

import (
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/skip2/go-qrcode"
)

// WebServer exposes the REST and websocket surface using Gin.
type WebServer struct {
	db         *Store
	states     *StateStore
	links      *LinkRegistry
	dispatcher *CommandDispatcher
	processor  *MessageProcessor
	hub        *Broadcaster
	device     *DeviceManager
	usage      *UsageTracker
	config     *Config
	router     *gin.Engine

	operationMutex sync.Mutex // Protects add/update/delete printer operations
}

// NewWebServer creates the web server and registers all routes.
func NewWebServer(db *Store, states *StateStore, links *LinkRegistry, dispatcher *CommandDispatcher,
	processor *MessageProcessor, hub *Broadcaster, device *DeviceManager, usage *UsageTracker, config *Config) *WebServer {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	// Add middleware
	router.Use(gin.Logger())
	router.Use(gin.Recovery())

	// Custom recovery for API routes to ensure JSON responses
	router.Use(func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				if strings.HasPrefix(c.Request.URL.Path, "/api/") {
					c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
					c.Abort()
				} else {
					c.AbortWithStatus(http.StatusInternalServerError)
				}
			}
		}()
		c.Next()
	})

	ws := &WebServer{
		db:         db,
		states:     states,
		links:      links,
		dispatcher: dispatcher,
		processor:  processor,
		hub:        hub,
		device:     device,
		usage:      usage,
		config:     config,
		router:     router,
	}
	ws.setupRoutes()
	return ws
}

func (ws *WebServer) setupRoutes() {
	api := ws.router.Group("/api")
	{
		api.GET("/status", ws.statusHandler)

		api.GET("/printers", ws.getPrintersHandler)
		api.POST("/printers", ws.addPrinterHandler)
		api.PUT("/printers/:serial", ws.updatePrinterHandler)
		api.DELETE("/printers/:serial", ws.deletePrinterHandler)
		api.POST("/printers/:serial/connect", ws.connectPrinterHandler)
		api.POST("/printers/:serial/disconnect", ws.disconnectPrinterHandler)
		api.GET("/printers/:serial/state", ws.printerStateHandler)

		api.GET("/printers/:serial/calibrations", ws.getCalibrationsHandler)
		api.POST("/printers/:serial/calibrations/refresh", ws.refreshCalibrationsHandler)

		api.POST("/printers/:serial/slots/:ams/:tray/filament", ws.setFilamentHandler)
		api.POST("/printers/:serial/slots/:ams/:tray/reset", ws.resetSlotHandler)
		api.POST("/printers/:serial/slots/:ams/:tray/calibration", ws.setCalibrationHandler)
		api.POST("/printers/:serial/slots/:ams/:tray/assign", ws.assignSlotHandler)
		api.DELETE("/printers/:serial/slots/:ams/:tray/assign", ws.unassignSlotHandler)
		api.GET("/printers/:serial/assignments", ws.getAssignmentsHandler)

		api.GET("/spools", ws.getSpoolsHandler)
		api.POST("/spools", ws.addSpoolHandler)
		api.GET("/spools/:id", ws.getSpoolHandler)
		api.PUT("/spools/:id", ws.updateSpoolHandler)
		api.DELETE("/spools/:id", ws.deleteSpoolHandler)
		api.POST("/spools/:id/weight", ws.setSpoolWeightHandler)
		api.GET("/spools/:id/usage", ws.spoolUsageHandler)
		api.GET("/spools/:id/label", ws.spoolLabelHandler)
		api.POST("/spools/:id/write-tag", ws.writeTagHandler)
		api.GET("/usage", ws.usageHistoryHandler)

		api.GET("/config", ws.getConfigHandler)
		api.POST("/config", ws.updateConfigHandler)

		api.GET("/display/status", ws.displayStatusHandler)
		api.GET("/display/heartbeat", ws.displayHeartbeatHandler)
		api.POST("/device/scale/tare", ws.deviceCommandHandler("scale_tare"))
		api.POST("/device/scale/calibrate", ws.scaleCalibrateHandler)
		api.POST("/device/reboot", ws.deviceCommandHandler("reboot"))
	}

	ws.router.GET("/ws/ui", func(c *gin.Context) {
		if _, err := ws.hub.Subscribe(c.Writer, c.Request, false); err != nil {
			log.Printf("UI session upgrade failed: %v", err)
		}
	})
	ws.router.GET("/ws/device", func(c *gin.Context) {
		if _, err := ws.hub.Subscribe(c.Writer, c.Request, true); err != nil {
			log.Printf("Device session upgrade failed: %v", err)
		}
	})
}

// Start begins listening on the given port.
func (ws *WebServer) Start(port string) error {
	log.Printf("Starting web server on port %s", port)
	return ws.router.Run(":" + port)
}

// ConnectPrinter establishes an MQTT session for a persisted printer.
// It is idempotent: an existing session is left alone.
func (ws *WebServer) ConnectPrinter(p Printer) error {
	if p.IPAddress == "" || p.AccessCode == "" {
		return fmt.Errorf("printer %s has no address or access code", p.Serial)
	}
	if ws.links.Get(p.Serial) != nil {
		return nil
	}

	// Seed the snapshot with the persisted identity so sessions see a
	// named printer before the first report arrives.
	name, model := p.Name, p.Model
	ws.states.ApplyDelta(p.Serial, StateDelta{Name: &name, Model: &model})
	ws.processor.LoadCachedProfiles(p.Serial)

	link := NewPrinterLink(p.Serial, p.IPAddress, p.AccessCode)
	link.SetHandlers(
		ws.processor.HandleMessage,
		func(serial string) {
			// Refresh the K-profile cache on every (re)connect.
			go func() {
				if _, err := ws.dispatcher.RequestCalibrations(serial, ws.config.NozzleDiameter); err != nil {
					log.Printf("Calibration refresh for %s failed: %v", serial, err)
				}
			}()
		},
		ws.processor.HandleDisconnect,
	)
	ws.links.Add(p.Serial, link)
	link.Start()
	return nil
}

// DisconnectPrinter tears down the MQTT session for a printer.
func (ws *WebServer) DisconnectPrinter(serial string) {
	if link := ws.links.Get(serial); link != nil {
		link.Stop()
		ws.links.Remove(serial)
	}
	ws.processor.HandleDisconnect(serial)
}

func (ws *WebServer) statusHandler(c *gin.Context) {
	printers, err := ws.db.GetPrinters()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"printers":        len(printers),
		"sessions":        ws.hub.SessionCount(),
		"device":          ws.device.Status(),
		"active_prints":   ws.usage.ActiveSessions(),
		"linked_printers": ws.links.Serials(),
	})
}

func (ws *WebServer) getPrintersHandler(c *gin.Context) {
	printers, err := ws.db.GetPrinters()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	out := make([]gin.H, 0, len(printers))
	for _, p := range printers {
		entry := gin.H{
			"serial":       p.Serial,
			"name":         p.Name,
			"model":        p.Model,
			"ip_address":   p.IPAddress,
			"auto_connect": p.AutoConnect,
			"link_state":   LinkDisconnected.String(),
		}
		if link := ws.links.Get(p.Serial); link != nil {
			entry["link_state"] = link.State().String()
		}
		if st, ok := ws.states.Snapshot(p.Serial); ok {
			entry["state"] = st
		}
		out = append(out, entry)
	}
	c.JSON(http.StatusOK, gin.H{"printers": out})
}

func (ws *WebServer) addPrinterHandler(c *gin.Context) {
	ws.operationMutex.Lock()
	defer ws.operationMutex.Unlock()

	var p Printer
	if err := c.ShouldBindJSON(&p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if p.Serial == "" || p.IPAddress == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "serial and ip_address are required"})
		return
	}
	if p.Name == "" {
		p.Name = p.Serial
	}
	if err := ws.db.SavePrinter(p); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if p.AutoConnect {
		if err := ws.ConnectPrinter(p); err != nil {
			log.Printf("Auto-connect for new printer %s failed: %v", p.Serial, err)
		}
	}
	c.JSON(http.StatusOK, gin.H{"message": "Printer added successfully", "serial": p.Serial})
}

func (ws *WebServer) updatePrinterHandler(c *gin.Context) {
	ws.operationMutex.Lock()
	defer ws.operationMutex.Unlock()

	serial := c.Param("serial")
	existing, err := ws.db.GetPrinter(serial)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if existing == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Printer not found"})
		return
	}

	var p Printer
	if err := c.ShouldBindJSON(&p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	p.Serial = serial
	if p.AccessCode == "" {
		p.AccessCode = existing.AccessCode
	}
	if err := ws.db.SavePrinter(p); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Printer updated successfully"})
}

func (ws *WebServer) deletePrinterHandler(c *gin.Context) {
	ws.operationMutex.Lock()
	defer ws.operationMutex.Unlock()

	serial := c.Param("serial")
	ws.DisconnectPrinter(serial)
	if err := ws.db.DeletePrinter(serial); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Printer deleted successfully"})
}

func (ws *WebServer) connectPrinterHandler(c *gin.Context) {
	serial := c.Param("serial")
	p, err := ws.db.GetPrinter(serial)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if p == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Printer not found"})
		return
	}
	if err := ws.ConnectPrinter(*p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Connecting"})
}

func (ws *WebServer) disconnectPrinterHandler(c *gin.Context) {
	ws.DisconnectPrinter(c.Param("serial"))
	c.JSON(http.StatusOK, gin.H{"message": "Disconnected"})
}

func (ws *WebServer) printerStateHandler(c *gin.Context) {
	st, ok := ws.states.Snapshot(c.Param("serial"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "No state for printer"})
		return
	}
	c.JSON(http.StatusOK, st)
}

func (ws *WebServer) getCalibrationsHandler(c *gin.Context) {
	serial := c.Param("serial")
	profiles := ws.processor.Profiles(serial)
	if profiles == nil {
		cached, err := ws.db.GetCalibrations(serial)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		profiles = cached
	}
	c.JSON(http.StatusOK, gin.H{"calibrations": profiles})
}

func (ws *WebServer) refreshCalibrationsHandler(c *gin.Context) {
	serial := c.Param("serial")
	nozzle := c.DefaultQuery("nozzle_diameter", ws.config.NozzleDiameter)

	if _, err := ws.dispatcher.RequestCalibrations(serial, nozzle); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"calibrations": ws.processor.Profiles(serial)})
}

// slotParams parses the :ams/:tray route segments and validates the
// addresses against the unit ranges the hardware can report.
func slotParams(c *gin.Context) (amsID, trayID int, ok bool) {
	amsID, err := strconv.Atoi(c.Param("ams"))
	if err != nil || !validAmsID(amsID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid ams id"})
		return 0, 0, false
	}
	trayID, err = strconv.Atoi(c.Param("tray"))
	maxSlot := SlotsPerAmsUnit - 1
	if amsID > AmsIDRegularMax {
		maxSlot = 0
	}
	if err != nil || trayID < 0 || trayID > maxSlot {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid tray id"})
		return 0, 0, false
	}
	return amsID, trayID, true
}

func (ws *WebServer) setFilamentHandler(c *gin.Context) {
	serial := c.Param("serial")
	amsID, trayID, ok := slotParams(c)
	if !ok {
		return
	}

	var req struct {
		TrayInfoIdx string `json:"tray_info_idx"`
		TrayType    string `json:"tray_type"`
		TrayColor   string `json:"tray_color"`
		TempMin     int    `json:"temp_min"`
		TempMax     int    `json:"temp_max"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.TrayType == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "tray_type is required"})
		return
	}

	err := ws.dispatcher.SetFilament(serial, amsID, trayID, req.TrayInfoIdx, req.TrayType, req.TrayColor, req.TempMin, req.TempMax)
	if err != nil {
		c.JSON(commandStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Filament set"})
}

func (ws *WebServer) resetSlotHandler(c *gin.Context) {
	serial := c.Param("serial")
	amsID, trayID, ok := slotParams(c)
	if !ok {
		return
	}
	if err := ws.dispatcher.ResetSlot(serial, amsID, trayID); err != nil {
		c.JSON(commandStatus(err), gin.H{"error": err.Error()})
		return
	}
	if err := ws.db.UnassignSlot(serial, amsID, trayID); err != nil {
		log.Printf("Error unassigning reset slot (%s,%d,%d): %v", serial, amsID, trayID, err)
	}
	c.JSON(http.StatusOK, gin.H{"message": "Slot reset"})
}

func (ws *WebServer) setCalibrationHandler(c *gin.Context) {
	serial := c.Param("serial")
	amsID, trayID, ok := slotParams(c)
	if !ok {
		return
	}

	var req struct {
		CaliIdx        int    `json:"cali_idx"`
		FilamentID     string `json:"filament_id"`
		NozzleDiameter string `json:"nozzle_diameter"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.NozzleDiameter == "" {
		req.NozzleDiameter = ws.config.NozzleDiameter
	}

	if err := ws.dispatcher.SetCalibration(serial, amsID, trayID, req.CaliIdx, req.FilamentID, req.NozzleDiameter); err != nil {
		c.JSON(commandStatus(err), gin.H{"error": err.Error()})
		return
	}

	// Reflect the selection in the snapshot without waiting for the
	// next full report.
	var k *float64
	for _, prof := range ws.processor.Profiles(serial) {
		if prof.CaliIdx == req.CaliIdx {
			v := prof.KValue
			k = &v
			break
		}
	}
	if st, changed := ws.states.SetTrayKValue(serial, amsID, trayID, k, req.CaliIdx); changed {
		ws.hub.PublishDiff(serial, map[string]any{"ams_units": st.AmsUnits})
	}
	c.JSON(http.StatusOK, gin.H{"message": "Calibration selected"})
}

func (ws *WebServer) assignSlotHandler(c *gin.Context) {
	serial := c.Param("serial")
	amsID, trayID, ok := slotParams(c)
	if !ok {
		return
	}

	var req struct {
		SpoolID int64 `json:"spool_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	spool, err := ws.db.GetSpool(req.SpoolID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if spool == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Spool not found"})
		return
	}
	if err := ws.db.AssignSlot(serial, amsID, trayID, req.SpoolID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Slot assigned"})
}

func (ws *WebServer) unassignSlotHandler(c *gin.Context) {
	serial := c.Param("serial")
	amsID, trayID, ok := slotParams(c)
	if !ok {
		return
	}
	if err := ws.db.UnassignSlot(serial, amsID, trayID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Slot unassigned"})
}

func (ws *WebServer) getAssignmentsHandler(c *gin.Context) {
	assignments, err := ws.db.GetAssignments(c.Param("serial"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"assignments": assignments})
}

func (ws *WebServer) getSpoolsHandler(c *gin.Context) {
	spools, err := ws.db.GetSpools()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"spools": spools})
}

func (ws *WebServer) addSpoolHandler(c *gin.Context) {
	var sp Spool
	if err := c.ShouldBindJSON(&sp); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	created, err := ws.db.CreateSpool(sp)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, created)
}

func spoolID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid spool id"})
		return 0, false
	}
	return id, true
}

func (ws *WebServer) getSpoolHandler(c *gin.Context) {
	id, ok := spoolID(c)
	if !ok {
		return
	}
	sp, err := ws.db.GetSpool(id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if sp == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Spool not found"})
		return
	}
	c.JSON(http.StatusOK, sp)
}

func (ws *WebServer) updateSpoolHandler(c *gin.Context) {
	id, ok := spoolID(c)
	if !ok {
		return
	}
	var sp Spool
	if err := c.ShouldBindJSON(&sp); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	sp.ID = id
	if err := ws.db.UpdateSpool(sp); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Spool updated"})
}

func (ws *WebServer) deleteSpoolHandler(c *gin.Context) {
	id, ok := spoolID(c)
	if !ok {
		return
	}
	if err := ws.db.DeleteSpool(id); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Spool deleted"})
}

func (ws *WebServer) setSpoolWeightHandler(c *gin.Context) {
	id, ok := spoolID(c)
	if !ok {
		return
	}
	var req struct {
		FilamentWeight int `json:"filament_weight"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.FilamentWeight < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "filament_weight must be >= 0"})
		return
	}
	if err := ws.db.SetSpoolWeight(id, req.FilamentWeight); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Weight recorded"})
}

func (ws *WebServer) spoolUsageHandler(c *gin.Context) {
	id, ok := spoolID(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	history, err := ws.db.GetUsageHistory(id, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"usage": history})
}

func (ws *WebServer) usageHistoryHandler(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	history, err := ws.db.GetUsageHistory(0, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"usage": history})
}

// spoolLabelHandler renders a QR code PNG identifying a spool, suitable
// for printing on a label.
func (ws *WebServer) spoolLabelHandler(c *gin.Context) {
	id, ok := spoolID(c)
	if !ok {
		return
	}
	sp, err := ws.db.GetSpool(id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if sp == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Spool not found"})
		return
	}

	url := fmt.Sprintf("spoolsync://spool/%d", sp.ID)
	qrCode, err := qrcode.Encode(url, qrcode.Medium, 256)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to generate QR code"})
		return
	}
	c.Data(http.StatusOK, "image/png", qrCode)
}

// writeTagHandler asks the connected device to write a spool's identity
// onto the tag on its reader.
func (ws *WebServer) writeTagHandler(c *gin.Context) {
	id, ok := spoolID(c)
	if !ok {
		return
	}
	sp, err := ws.db.GetSpool(id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if sp == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Spool not found"})
		return
	}
	if !ws.device.Status().Connected {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No device connected"})
		return
	}
	ws.device.RequestTagWrite(*sp)
	c.JSON(http.StatusOK, gin.H{"message": "Tag write requested"})
}

func (ws *WebServer) getConfigHandler(c *gin.Context) {
	config, err := ws.db.GetAllConfig()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, config)
}

func (ws *WebServer) updateConfigHandler(c *gin.Context) {
	var values map[string]string
	if err := c.ShouldBindJSON(&values); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	for key, value := range values {
		if err := ws.db.SetConfigValue(key, value); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"message": "Configuration updated"})
}

func (ws *WebServer) displayStatusHandler(c *gin.Context) {
	c.JSON(http.StatusOK, ws.device.Status())
}

func (ws *WebServer) displayHeartbeatHandler(c *gin.Context) {
	version := c.Query("version")
	var updateAvailable *bool
	if raw := c.Query("update_available"); raw != "" {
		v := raw == "true" || raw == "1"
		updateAvailable = &v
	}
	cmd := ws.device.Heartbeat(version, updateAvailable)
	if cmd != "" {
		c.JSON(http.StatusOK, gin.H{"ok": true, "command": cmd})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// deviceCommandHandler queues a fixed command for the device.
func (ws *WebServer) deviceCommandHandler(cmd string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !ws.device.Status().Connected {
			c.JSON(http.StatusBadRequest, gin.H{"error": "No device connected"})
			return
		}
		ws.device.QueueCommand(cmd)
		c.JSON(http.StatusOK, gin.H{"message": "Command queued"})
	}
}

func (ws *WebServer) scaleCalibrateHandler(c *gin.Context) {
	var req struct {
		KnownWeight float64 `json:"known_weight"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.KnownWeight <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "known_weight must be > 0"})
		return
	}
	if !ws.device.Status().Connected {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No device connected"})
		return
	}
	ws.device.QueueCommand(fmt.Sprintf("scale_calibrate:%.1f", req.KnownWeight))
	c.JSON(http.StatusOK, gin.H{"message": "Command queued"})
}

// commandStatus maps dispatcher errors onto HTTP statuses.
func commandStatus(err error) int {
	switch {
	case err == ErrNotConnected:
		return http.StatusConflict
	case err == ErrCommandTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}
