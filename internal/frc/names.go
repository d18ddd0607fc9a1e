package frc

import "fmt"

// DeviceType is the 5-bit device class field.
type DeviceType uint8

const (
	BroadcastMessages       DeviceType = 0
	RobotController         DeviceType = 1
	MotorController         DeviceType = 2
	RelayController         DeviceType = 3
	GyroSensor              DeviceType = 4
	Accelerometer           DeviceType = 5
	UltrasonicSensor        DeviceType = 6
	GearToothSensor         DeviceType = 7
	PowerDistributionModule DeviceType = 8
	PneumaticsController    DeviceType = 9
	Miscellaneous           DeviceType = 10
	IOBreakout              DeviceType = 11
	FirmwareUpdate          DeviceType = 31
)

var deviceTypeNames = [...]string{
	"Broadcast Messages",
	"Robot Controller",
	"Motor Controller",
	"Relay Controller",
	"Gyro Sensor",
	"Accelerometer",
	"Ultrasonic Sensor",
	"Gear Tooth Sensor",
	"Power Distribution Module",
	"Pneumatics Controller",
	"Miscellaneous",
	"IO Breakout",
}

func (d DeviceType) String() string {
	switch {
	case int(d) < len(deviceTypeNames):
		return deviceTypeNames[d]
	case d == FirmwareUpdate:
		return "Firmware Update"
	default:
		return "Reserved"
	}
}

// Manufacturer is the 8-bit vendor field.
type Manufacturer uint8

const (
	ManufacturerBroadcast         Manufacturer = 0
	ManufacturerNI                Manufacturer = 1
	ManufacturerLuminaryMicro     Manufacturer = 2
	ManufacturerDEKA              Manufacturer = 3
	ManufacturerCTRElectronics    Manufacturer = 4
	ManufacturerREV               Manufacturer = 5
	ManufacturerGrapple           Manufacturer = 6
	ManufacturerMindSensors       Manufacturer = 7
	ManufacturerTeamUse           Manufacturer = 8
	ManufacturerKauaiLabs         Manufacturer = 9
	ManufacturerCopperforge       Manufacturer = 10
	ManufacturerPlayingWithFusion Manufacturer = 11
	ManufacturerStudica           Manufacturer = 12
	ManufacturerTheThriftyBot     Manufacturer = 13
	ManufacturerReduxRobotics     Manufacturer = 14
	ManufacturerAndyMark          Manufacturer = 15
	ManufacturerVividHosting      Manufacturer = 16
)

var manufacturerNames = [...]string{
	"Broadcast",
	"NI",
	"Luminary Micro",
	"DEKA",
	"CTR Electronics",
	"REV Robotics",
	"Grapple",
	"MindSensors",
	"Team Use",
	"Kauai Labs",
	"Copperforge",
	"Playing With Fusion",
	"Studica",
	"The Thrifty Bot",
	"Redux Robotics",
	"AndyMark",
	"Vivid Hosting",
}

func (m Manufacturer) String() string {
	if int(m) < len(manufacturerNames) {
		return manufacturerNames[m]
	}
	return "Reserved"
}

// API is the 10-bit SPARK MAX api code. Broadcast and per-device commands
// share part of the code space (0x01 is both system halt and setpoint set).
type API uint16

const (
	BroadcastDisable    API = 0x00
	BroadcastSystemHalt API = 0x01
	SetpointSet         API = 0x01
	DutyCycleSet        API = 0x02
	SpeedSet            API = 0x12
	SmartVelocitySet    API = 0x13
	PositionSet         API = 0x32
	VoltageSet          API = 0x42
	CurrentSet          API = 0x43
	SmartMotionSet      API = 0x52

	PeriodicStatus0 API = 0x60
	PeriodicStatus1 API = 0x61
	PeriodicStatus2 API = 0x62
	PeriodicStatus3 API = 0x63
	PeriodicStatus4 API = 0x64
	PeriodicStatus5 API = 0x65
	PeriodicStatus6 API = 0x66
	PeriodicStatus7 API = 0x67

	DrvStatus             API = 0x6A
	ClearFaults           API = 0x6E
	ConfigBurnFlash       API = 0x72
	SetFollowerMode       API = 0x73
	ConfigFactoryDefaults API = 0x74
	ConfigFactoryReset    API = 0x75
	Identify              API = 0x76
	NackGeneral           API = 0x80
	AckGeneral            API = 0x81

	BroadcastNotACommand API = 0x90
	Heartbeat            API = 0x92
	Sync                 API = 0x93
	IDQuery              API = 0x94
	IDAssign             API = 0x95
	FirmwareVersion      API = 0x98
	RevEnumerate         API = 0x99
	RoborioLock          API = 0x9B

	TelemetryPositionEncoderPort API = 0xA0
	TelemetryIAccum              API = 0xA2
	TelemetryPositionAnalog      API = 0xA3
	TelemetryPositionAltEncoder  API = 0xA4

	NonRoborioBroadcastNotACommand API = 0xB0
	NonRioLock                     API = 0xB1
	NonRioHeartbeat                API = 0xB2
	USBOnlyIdentify                API = 0xB3

	ParameterAccess API = 0x300
)

var apiNames = map[API]string{
	BroadcastDisable: "BROADCAST_DISABLE",
	// 0x01 is listed once; the broadcast meaning only applies to device 0.
	SetpointSet:                    "SETPOINT_SET",
	DutyCycleSet:                   "DUTY_CYCLE_SET",
	SpeedSet:                       "SPEED_SET",
	SmartVelocitySet:               "SMART_VELOCITY_SET",
	PositionSet:                    "POSITION_SET",
	VoltageSet:                     "VOLTAGE_SET",
	CurrentSet:                     "CURRENT_SET",
	SmartMotionSet:                 "SMART_MOTION_SET",
	PeriodicStatus0:                "PERIODIC_STATUS_0",
	PeriodicStatus1:                "PERIODIC_STATUS_1",
	PeriodicStatus2:                "PERIODIC_STATUS_2",
	PeriodicStatus3:                "PERIODIC_STATUS_3",
	PeriodicStatus4:                "PERIODIC_STATUS_4",
	PeriodicStatus5:                "PERIODIC_STATUS_5",
	PeriodicStatus6:                "PERIODIC_STATUS_6",
	PeriodicStatus7:                "PERIODIC_STATUS_7",
	DrvStatus:                      "DRV_STATUS",
	ClearFaults:                    "CLEAR_FAULTS",
	ConfigBurnFlash:                "CONFIG_BURN_FLASH",
	SetFollowerMode:                "SET_FOLLOWER_MODE",
	ConfigFactoryDefaults:          "CONFIG_FACTORY_DEFAULTS",
	ConfigFactoryReset:             "CONFIG_FACTORY_RESET",
	Identify:                       "IDENTIFY",
	NackGeneral:                    "NACK_GENERAL",
	AckGeneral:                     "ACK_GENERAL",
	BroadcastNotACommand:           "BROADCAST_NOT_A_COMMAND",
	Heartbeat:                      "HEARTBEAT",
	Sync:                           "SYNC",
	IDQuery:                        "ID_QUERY",
	IDAssign:                       "ID_ASSIGN",
	FirmwareVersion:                "FIRMWARE_VERSION",
	RevEnumerate:                   "REV_ENUMERATE",
	RoborioLock:                    "ROBORIO_LOCK",
	TelemetryPositionEncoderPort:   "TELEMETRY_UPDATE_MECHANICAL_POSITION_ENCODER_PORT",
	TelemetryIAccum:                "TELEMETRY_UPDATE_I_ACCUM",
	TelemetryPositionAnalog:        "TELEMETRY_UPDATE_MECHANICAL_POSITION_ANALOG",
	TelemetryPositionAltEncoder:    "TELEMETRY_UPDATE_MECHANICAL_POSITION_ALT_ENCODER",
	NonRoborioBroadcastNotACommand: "NON_ROBORIO_BROADCAST_NOT_A_COMMAND",
	NonRioLock:                     "NON_RIO_LOCK",
	NonRioHeartbeat:                "NON_RIO_HEARTBEAT",
	USBOnlyIdentify:                "USB_ONLY_IDENTIFY",
	ParameterAccess:                "PARAMETER_ACCESS",
}

// Known reports whether a is part of the SPARK MAX api enumeration.
func (a API) Known() bool {
	_, ok := apiNames[a]
	return ok
}

func (a API) String() string {
	if s, ok := apiNames[a]; ok {
		return s
	}
	return fmt.Sprintf("UNKNOWN(0x%03X)", uint16(a))
}

// Status returns the periodic status index (0..7) for a status api code.
func (a API) Status() (int, bool) {
	if a >= PeriodicStatus0 && a <= PeriodicStatus7 {
		return int(a - PeriodicStatus0), true
	}
	return 0, false
}
