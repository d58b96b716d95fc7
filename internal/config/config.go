package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"periph.io/x/conn/v3/physic"

	"github.com/relabs-tech/magnetic_fusion/internal/fusion"
)

// Config holds all application configuration values.
type Config struct {
	// MQTT
	MQTTBroker           string
	MQTTClientIDFusion   string
	MQTTClientIDConsole  string
	MQTTClientIDProducer string
	MQTTClientIDWeb      string

	// Topics: raw IMU counts in, fused output out, GPS fixes
	TopicIMULeft    string
	TopicIMURight   string
	TopicFusedLeft  string
	TopicFusedRight string
	TopicGPS        string
	TopicControl    string // reset / recalibrate commands for the fusion service

	// IMU Sensor Ranges
	// Accelerometer: 0=±2g, 1=±4g, 2=±8g, 3=±16g
	IMUAccelRange byte
	// Gyroscope: 0=±250°/s, 1=±500°/s, 2=±1000°/s, 3=±2000°/s
	IMUGyroRange byte

	// HardwareProfile is an optional YAML profile; empty means the built-in MPU9250.
	HardwareProfile string

	// Fusion tuning, applied on top of fusion.DefaultConfig
	Fusion fusion.Config

	// Calibration persistence: "sqlite:<path>" or a directory. Empty disables it.
	CalibrationStore string

	// Geomagnetic reference: a fixed field, a position table, or both
	GeomagHorizontal float64 // µT
	GeomagVertical   float64 // µT, positive down
	GeomagTable      string

	// GPS
	GPSSerialPort string
	GPSBaudRate   int

	// Timing
	IMUSampleInterval  int // milliseconds, simulated producer
	ConsoleLogInterval int // milliseconds

	// Web Server
	WebServerPort int
	MetricsPort   int // fusion service /metrics; 0 disables
}

// Package-level unexported variables for singleton pattern:
//   - globalConfig: only reachable through InitGlobal and Get.
//   - configOnce: ensures InitGlobal() only runs once, even if called multiple times.
//   - configMu: RWMutex protects concurrent access.
var (
	globalConfig *Config
	configOnce   sync.Once
	configMu     sync.RWMutex
)

// Defaults returns the configuration used for keys absent from the file.
func Defaults() *Config {
	return &Config{
		MQTTBroker:           "tcp://localhost:1883",
		MQTTClientIDFusion:   "magnetic-fusion",
		MQTTClientIDConsole:  "magnetic-fusion-console",
		MQTTClientIDProducer: "magnetic-fusion-producer",
		MQTTClientIDWeb:      "magnetic-fusion-web",
		TopicIMULeft:         "inertial/imu/left",
		TopicIMURight:        "inertial/imu/right",
		TopicFusedLeft:       "inertial/fused/left",
		TopicFusedRight:      "inertial/fused/right",
		TopicGPS:             "inertial/gps",
		TopicControl:         "inertial/fused/control",
		Fusion:               fusion.DefaultConfig(),
		GPSBaudRate:          9600,
		IMUSampleInterval:    20,
		ConsoleLogInterval:   1000,
		WebServerPort:        8080,
		MetricsPort:          9100,
	}
}

// Load reads the configuration file and returns a Config struct.
func Load(configPath string) (*Config, error) {
	file, err := os.Open(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	cfg := Defaults()
	scanner := bufio.NewScanner(file)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())

		// Skip empty lines and comments
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		// Parse KEY=VALUE
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid config line %d: %q", lineNum, line)
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		if err := cfg.setValue(key, value); err != nil {
			return nil, fmt.Errorf("config line %d: %w", lineNum, err)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// setValue sets a config value based on the key.
func (c *Config) setValue(key, value string) error {
	switch key {
	// MQTT
	case "MQTT_BROKER":
		c.MQTTBroker = value
	case "MQTT_CLIENT_ID_FUSION":
		c.MQTTClientIDFusion = value
	case "MQTT_CLIENT_ID_CONSOLE":
		c.MQTTClientIDConsole = value
	case "MQTT_CLIENT_ID_PRODUCER":
		c.MQTTClientIDProducer = value
	case "MQTT_CLIENT_ID_WEB":
		c.MQTTClientIDWeb = value

	// Topics
	case "TOPIC_IMU_LEFT":
		c.TopicIMULeft = value
	case "TOPIC_IMU_RIGHT":
		c.TopicIMURight = value
	case "TOPIC_FUSED_LEFT":
		c.TopicFusedLeft = value
	case "TOPIC_FUSED_RIGHT":
		c.TopicFusedRight = value
	case "TOPIC_GPS":
		c.TopicGPS = value
	case "TOPIC_CONTROL":
		c.TopicControl = value

	// IMU Sensor Ranges
	case "IMU_ACCEL_RANGE":
		rangeVal, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid IMU_ACCEL_RANGE %q: %w", value, err)
		}
		if rangeVal < 0 || rangeVal > 3 {
			return fmt.Errorf("IMU_ACCEL_RANGE must be 0-3 (0=±2g, 1=±4g, 2=±8g, 3=±16g), got %d", rangeVal)
		}
		c.IMUAccelRange = byte(rangeVal)
	case "IMU_GYRO_RANGE":
		rangeVal, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid IMU_GYRO_RANGE %q: %w", value, err)
		}
		if rangeVal < 0 || rangeVal > 3 {
			return fmt.Errorf("IMU_GYRO_RANGE must be 0-3 (0=±250°/s, 1=±500°/s, 2=±1000°/s, 3=±2000°/s), got %d", rangeVal)
		}
		c.IMUGyroRange = byte(rangeVal)
	case "HARDWARE_PROFILE":
		c.HardwareProfile = value

	// Fusion
	case "SAMPLE_FREQ":
		var f physic.Frequency
		if err := f.Set(value); err != nil {
			return fmt.Errorf("invalid SAMPLE_FREQ %q: %w", value, err)
		}
		c.Fusion.SampleFreq = f
	case "BETA":
		return setFloat(&c.Fusion.Beta, key, value)
	case "USE_MAGNETOMETER":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid USE_MAGNETOMETER %q: %w", value, err)
		}
		c.Fusion.UseMagnetometer = b
	case "MAG_TRUST":
		return setFloat(&c.Fusion.MagTrust, key, value)
	case "MAG_TRUST_RAMP_SAMPLES":
		return setInt(&c.Fusion.MagTrustRampSamples, key, value)
	case "ACCEL_REJECTION_THRESHOLD":
		return setFloat(&c.Fusion.AccelRejectionThreshold, key, value)
	case "ACCEL_STATIONARY_THRESHOLD":
		return setFloat(&c.Fusion.AccelStationaryThreshold, key, value)
	case "GYRO_STATIONARY_THRESHOLD":
		return setFloat(&c.Fusion.GyroStationaryThreshold, key, value)
	case "GYRO_BIAS_MAX_RATE":
		return setFloat(&c.Fusion.GyroBiasMaxRate, key, value)
	case "MOTION_WINDOW":
		return setInt(&c.Fusion.MotionWindow, key, value)
	case "GYRO_CALIBRATION_SAMPLES":
		return setInt(&c.Fusion.GyroCalibrationSamples, key, value)
	case "HARD_IRON_AUTOCAL_SAMPLES":
		return setInt(&c.Fusion.HardIronAutoCalSamples, key, value)
	case "HARD_IRON_ALPHA":
		return setFloat(&c.Fusion.HardIronAlpha, key, value)
	case "SOFT_IRON_MATRIX":
		m, err := parseMatrix(value)
		if err != nil {
			return fmt.Errorf("invalid SOFT_IRON_MATRIX: %w", err)
		}
		c.Fusion.SoftIron = m

	// Calibration persistence
	case "CALIBRATION_STORE":
		c.CalibrationStore = value

	// Geomagnetic reference
	case "GEOMAG_HORIZONTAL":
		return setFloat(&c.GeomagHorizontal, key, value)
	case "GEOMAG_VERTICAL":
		return setFloat(&c.GeomagVertical, key, value)
	case "GEOMAG_TABLE":
		c.GeomagTable = value

	// GPS
	case "GPS_SERIAL_PORT":
		c.GPSSerialPort = value
	case "GPS_BAUD_RATE":
		return setInt(&c.GPSBaudRate, key, value)

	// Timing
	case "IMU_SAMPLE_INTERVAL":
		return setInt(&c.IMUSampleInterval, key, value)
	case "CONSOLE_LOG_INTERVAL":
		return setInt(&c.ConsoleLogInterval, key, value)

	// Web Server
	case "WEB_SERVER_PORT":
		return setInt(&c.WebServerPort, key, value)
	case "METRICS_PORT":
		return setInt(&c.MetricsPort, key, value)

	default:
		return fmt.Errorf("unknown config key %q", key)
	}
	return nil
}

func setFloat(dst *float64, key, value string) error {
	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	*dst = v
	return nil
}

func setInt(dst *int, key, value string) error {
	v, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	*dst = v
	return nil
}

// parseMatrix reads nine comma-separated values in row-major order.
func parseMatrix(value string) ([3][3]float64, error) {
	var m [3][3]float64
	parts := strings.Split(value, ",")
	if len(parts) != 9 {
		return m, fmt.Errorf("want 9 values, got %d", len(parts))
	}
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return m, fmt.Errorf("value %d: %w", i+1, err)
		}
		m[i/3][i%3] = v
	}
	return m, nil
}

// validate checks that required configuration values are set.
func (c *Config) validate() error {
	if c.MQTTBroker == "" {
		return fmt.Errorf("MQTT_BROKER is required")
	}
	if c.TopicIMULeft == "" && c.TopicIMURight == "" {
		return fmt.Errorf("at least one of TOPIC_IMU_LEFT / TOPIC_IMU_RIGHT is required")
	}
	if c.TopicIMULeft != "" && c.TopicFusedLeft == "" {
		return fmt.Errorf("TOPIC_FUSED_LEFT is required when TOPIC_IMU_LEFT is set")
	}
	if c.TopicIMURight != "" && c.TopicFusedRight == "" {
		return fmt.Errorf("TOPIC_FUSED_RIGHT is required when TOPIC_IMU_RIGHT is set")
	}
	if err := c.Fusion.Validate(); err != nil {
		return fmt.Errorf("fusion: %w", err)
	}
	if c.GeomagVertical != 0 && c.GeomagHorizontal < 0 {
		return fmt.Errorf("GEOMAG_HORIZONTAL must be >= 0")
	}
	if c.GPSSerialPort != "" && c.GPSBaudRate <= 0 {
		return fmt.Errorf("GPS_BAUD_RATE must be > 0")
	}
	if c.IMUSampleInterval <= 0 {
		return fmt.Errorf("IMU_SAMPLE_INTERVAL must be > 0")
	}
	if c.ConsoleLogInterval < 0 {
		return fmt.Errorf("CONSOLE_LOG_INTERVAL must be >= 0")
	}
	if c.WebServerPort < 0 || c.WebServerPort > 65535 {
		return fmt.Errorf("WEB_SERVER_PORT must be 0-65535 (0 disables the server)")
	}
	if c.MetricsPort < 0 || c.MetricsPort > 65535 {
		return fmt.Errorf("METRICS_PORT must be 0-65535 (0 disables metrics)")
	}
	return nil
}

// Stream pairs a raw IMU topic with the topic its fused output goes to.
type Stream struct {
	Name       string
	RawTopic   string
	FusedTopic string
}

// Streams lists the configured IMU streams.
func (c *Config) Streams() []Stream {
	var out []Stream
	if c.TopicIMULeft != "" {
		out = append(out, Stream{Name: "left", RawTopic: c.TopicIMULeft, FusedTopic: c.TopicFusedLeft})
	}
	if c.TopicIMURight != "" {
		out = append(out, Stream{Name: "right", RawTopic: c.TopicIMURight, FusedTopic: c.TopicFusedRight})
	}
	return out
}

// InitGlobal loads the config file once and stores it globally.
func InitGlobal(configPath string) error {
	var err error
	configOnce.Do(func() {
		var cfg *Config
		cfg, err = Load(configPath)
		if err != nil {
			return
		}
		configMu.Lock()
		globalConfig = cfg
		configMu.Unlock()
	})
	return err
}

// Get returns the global config. Panics if InitGlobal was not called.
func Get() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	if globalConfig == nil {
		panic("config not initialized: call config.InitGlobal() first")
	}
	return globalConfig
}
