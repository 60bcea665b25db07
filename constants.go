package main

// Printer gcode states as reported over MQTT
const (
	GcodeStateIdle    = "IDLE"
	GcodeStateRunning = "RUNNING"
	GcodeStatePause   = "PAUSE"
	GcodeStateFinish  = "FINISH"
	GcodeStateFailed  = "FAILED"
)

// AMS unit id ranges. Regular four-slot units are 0-3, single-slot
// high-temperature units are 128-135, and 254/255 are reserved for the
// external spool holder positions.
const (
	AmsIDRegularMax = 3
	AmsIDHTFirst    = 128
	AmsIDHTLast     = 135
	AmsIDExternalL  = 254
	AmsIDExternal   = 255
)

// Global tray index layout. Indices 0-15 cover regular units, 16-23 map
// onto the HT unit range, anything >= 254 means "no active tray".
const (
	TrayIndexHTFirst  = 16
	TrayIndexHTLast   = 23
	TrayIndexSentinel = 254
	TrayIndexNone     = -1
	SlotsPerAmsUnit   = 4
)

// Default configuration values
const (
	DefaultWebPort        = "8000"
	DefaultDBFileName     = "spoolsync.db"
	DefaultCommandTimeout = 5  // seconds
	DefaultDeviceTimeout  = 10 // seconds without heartbeat before the display counts as gone
	DefaultNozzleDiameter = "0.4"
)

// Database configuration keys
const (
	ConfigKeyWebPort        = "web_port"
	ConfigKeyCommandTimeout = "command_timeout"
	ConfigKeyReconnectMax   = "reconnect_max_interval"
	ConfigKeyDeviceTimeout  = "device_timeout"
	ConfigKeyDefaultNozzle  = "default_nozzle_diameter"
)

// MQTT session parameters
const (
	MQTTPort             = 8883
	MQTTUsername         = "bblp"
	ReconnectBaseSeconds = 1
	ReconnectMaxSeconds  = 60
)
