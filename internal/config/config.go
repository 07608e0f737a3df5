package config

import "time"

type AppConfig struct {
	Port            int
	PeerURL         string
	CalibrationFile string
	Workers         int
	QueueSize       int
	OutboundQueue   int
	DedupWindow     time.Duration
	ServoEncoding   string
	UIRate          time.Duration
	Detector        string
	ModelPath       string
	ORTLibrary      string
	Labels          []string
	MinConfidence   float64
	InputSize       int
	Annotate        bool
	// CalibrationSpace triangulates detector boxes with the calibration
	// intrinsics and the rig pixel scale instead of the rectified rig.
	CalibrationSpace bool
	ZMQEndpoint      string
	ZMQTopic         string
	MQTTBroker       string
	MQTTTopic        string
	PublishFormat    string
	PublishRate      time.Duration
	LogEvery         int
	ReconnectMin     time.Duration
	ReconnectMax     time.Duration
	Debug            bool
	DebugRate        float64
	JPEGQuality      int
}
