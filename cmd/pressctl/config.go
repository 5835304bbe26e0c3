package main

import (
	"os"
	"strconv"
	"time"

	"github.com/spf13/pflag"

	"github.com/mastercactapus/pressctl/force"
	"github.com/mastercactapus/pressctl/plunger"
	"github.com/mastercactapus/pressctl/recorder"
)

const envPrefix = "PRESSCTL_"

type config struct {
	Addr  string
	Debug bool

	SerialPort string
	Baud       int

	LaraURL        string
	EIO            int
	Reconnect      bool
	ReconnectDelay time.Duration

	DataDir        string
	MaxRecordBytes int64

	ReportInterval time.Duration
	SeekTimeout    time.Duration
	TempTimeout    time.Duration
	TempTolerance  float64

	MQTTBroker string
	MQTTPrefix string

	Force force.Config
}

func envString(name, def string) string {
	if v, ok := os.LookupEnv(envPrefix + name); ok {
		return v
	}
	return def
}

func envInt(name string, def int) int {
	v, err := strconv.Atoi(envString(name, ""))
	if err != nil {
		return def
	}
	return v
}

func envFloat(name string, def float64) float64 {
	v, err := strconv.ParseFloat(envString(name, ""), 64)
	if err != nil {
		return def
	}
	return v
}

func envBool(name string, def bool) bool {
	v, err := strconv.ParseBool(envString(name, ""))
	if err != nil {
		return def
	}
	return v
}

func envDuration(name string, def time.Duration) time.Duration {
	v, err := time.ParseDuration(envString(name, ""))
	if err != nil {
		return def
	}
	return v
}

// bindFlags registers every setting on fs, with defaults taken from
// PRESSCTL_* environment variables.
func (c *config) bindFlags(fs *pflag.FlagSet) {
	fc := force.DefaultConfig()

	fs.StringVar(&c.Addr, "addr", envString("ADDR", ":8082"), "Address to bind the HTTP server to.")
	fs.BoolVar(&c.Debug, "debug", envBool("DEBUG", false), "Enable debug logging.")

	fs.StringVar(&c.SerialPort, "port", envString("SERIAL_PORT", "/dev/ttyACM0"), "Serial port of the plunger peripheral.")
	fs.IntVar(&c.Baud, "baud", envInt("SERIAL_BAUD", plunger.DefaultBaud), "Serial baud rate.")

	fs.StringVar(&c.LaraURL, "lara", envString("LARA_URL", "http://192.168.2.13:8081"), "URL of the robot motion service.")
	fs.IntVar(&c.EIO, "eio", envInt("LARA_EIO", 3), "Engine.IO protocol revision of the motion service (3 or 4).")
	fs.BoolVar(&c.Reconnect, "reconnect", envBool("LARA_RECONNECT", false), "Reconnect to the motion service after a disconnect.")
	fs.DurationVar(&c.ReconnectDelay, "reconnect-delay", envDuration("LARA_RECONNECT_DELAY", 3*time.Second), "Delay between reconnect attempts.")

	fs.StringVar(&c.DataDir, "dir", envString("DATA_DIR", "./data"), "Directory for recordings.")
	fs.Int64Var(&c.MaxRecordBytes, "max-record-bytes", int64(envInt("MAX_RECORD_BYTES", recorder.DefaultMaxBytes)), "Size limit of a single recording.")

	fs.DurationVar(&c.ReportInterval, "report-interval", envDuration("REPORT_INTERVAL", 50*time.Millisecond), "Minimum interval between pushed telemetry frames.")
	fs.DurationVar(&c.SeekTimeout, "seek-timeout", envDuration("SEEK_TIMEOUT", time.Minute), "Timeout for moveUntilPressure requests.")
	fs.DurationVar(&c.TempTimeout, "temp-timeout", envDuration("TEMP_TIMEOUT", 5*time.Minute), "Timeout for wait_for_temperature requests.")
	fs.Float64Var(&c.TempTolerance, "temp-tolerance", envFloat("TEMP_TOLERANCE", 1), "Temperature accepted as reached, in degrees.")

	fs.StringVar(&c.MQTTBroker, "mqtt", envString("MQTT_BROKER", ""), "MQTT broker to mirror telemetry to, e.g. tcp://localhost:1883.")
	fs.StringVar(&c.MQTTPrefix, "mqtt-prefix", envString("MQTT_PREFIX", "pressctl"), "MQTT topic prefix.")

	fs.Float64Var(&c.Force.Gains.Kp, "kp", envFloat("KP", fc.Gains.Kp), "Proportional gain.")
	fs.Float64Var(&c.Force.Gains.Ki, "ki", envFloat("KI", fc.Gains.Ki), "Integral gain.")
	fs.Float64Var(&c.Force.Gains.Kd, "kd", envFloat("KD", fc.Gains.Kd), "Derivative gain.")
	fs.Float64Var(&c.Force.Ceiling, "ceiling", envFloat("CEILING", fc.Ceiling), "Force ceiling; exceeding it powers the robot off.")
	fs.Float64Var(&c.Force.PressCeiling, "press-ceiling", envFloat("PRESS_CEILING", fc.PressCeiling), "Force ceiling while pressing (0 uses --ceiling).")
	fs.Float64Var(&c.Force.MaxTravel, "max-travel", envFloat("MAX_TRAVEL", fc.MaxTravel), "Deepest a seek may move, in meters.")

	c.Force.Limit = fc.Limit
	c.Force.DeadBand = fc.DeadBand
	c.Force.ConvergeTicks = fc.ConvergeTicks
	c.Force.StallEpsilon = fc.StallEpsilon
	c.Force.StallTicks = fc.StallTicks
	c.Force.UnstickLift = fc.UnstickLift
	c.Force.UnstickDuration = fc.UnstickDuration
	c.Force.WarnRatio = fc.WarnRatio
}
