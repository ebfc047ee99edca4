package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"particle-roi-go/internal/detect"
)

type SavingType string

const (
	SaveNone  SavingType = "None"
	SaveRoi   SavingType = "Roi"
	SaveStack SavingType = "Stack"
	SaveImage SavingType = "Image" // time lapse of z stacks
)

func ParseSavingType(s string) (SavingType, error) {
	switch SavingType(s) {
	case SaveNone, SaveRoi, SaveStack, SaveImage:
		return SavingType(s), nil
	default:
		return "", fmt.Errorf("unknown saving type %q (want None, Roi, Stack or Image)", s)
	}
}

const (
	SourceSimulator = "simulator"
	SourceZMQ       = "zmq"
)

type Detection struct {
	Enabled         bool `yaml:"detect"`
	SelectedChannel int  `yaml:"selected_channel"`
	RoiSize         int  `yaml:"roi_size"`
	MinObjectArea   int  `yaml:"min_object_area"`
	MaxObjectArea   int  `yaml:"max_object_area"`
	KernelSize      int  `yaml:"kernel_size"`
	Iterations      int  `yaml:"iterations"`
}

func (d Detection) Params() detect.Params {
	return detect.Params{
		RoiSize:    d.RoiSize,
		MinArea:    d.MinObjectArea,
		MaxArea:    d.MaxObjectArea,
		KernelSize: d.KernelSize,
		Iterations: d.Iterations,
	}
}

// Sampling is the voxel size in micrometres.
type Sampling struct {
	X float64 `yaml:"xsampling"`
	Y float64 `yaml:"ysampling"`
	Z float64 `yaml:"zsampling"`
}

type Display struct {
	AutoLevels bool `yaml:"auto_levels"`
	LevelMin   int  `yaml:"level_min"`
	LevelMax   int  `yaml:"level_max"`
	Labels     bool `yaml:"labels"`
	Highlight  bool `yaml:"highlight_channel"`
}

type Simulator struct {
	Width           int     `yaml:"width"`
	Height          int     `yaml:"height"`
	NoiseAmplitude  float64 `yaml:"noise_amplitude"`
	SignalAmplitude float64 `yaml:"signal_amplitude"`
	MeanParticles   int     `yaml:"mean_particles"`
	Rate            float64 `yaml:"rate"`
	Seed            int64   `yaml:"seed"`
}

type AppConfig struct {
	Port           int           `yaml:"port"`
	Source         string        `yaml:"source"`
	Endpoint       string        `yaml:"endpoint"`
	DataKey        string        `yaml:"data_key"`
	DetectorAPI    string        `yaml:"detector_api"` // SIMPLON base URL, optional
	APIVersion     string        `yaml:"api_version"`
	IngestLogEvery int           `yaml:"ingest_log_every"`
	RawLogEnabled  bool          `yaml:"raw_log"`
	RawLogDir      string        `yaml:"raw_log_dir"`
	ChannelNum     int           `yaml:"channel_num"`
	FrameNum       int           `yaml:"frame_num"`
	TimeLapseNum   int           `yaml:"time_lapse_num"`
	SamplingPeriod time.Duration `yaml:"sampling_period"` // display refresh
	SavingType     SavingType    `yaml:"saving_type"`
	MaxRois        int           `yaml:"max_rois"`
	OutputDir      string        `yaml:"output_dir"`
	DetectionLog   bool          `yaml:"detection_log"`
	Detection      Detection     `yaml:"detection"`
	Sampling       Sampling      `yaml:"sampling"`
	Display        Display       `yaml:"display"`
	Simulator      Simulator     `yaml:"simulator"`
}

func Default() AppConfig {
	p := detect.DefaultParams()
	return AppConfig{
		Port:           8888,
		Source:         SourceSimulator,
		Endpoint:       "tcp://localhost:31001",
		APIVersion:     "1.8.0",
		IngestLogEvery: 100,
		RawLogDir:      "rawlog",
		ChannelNum:     2,
		FrameNum:       1,
		TimeLapseNum:   1,
		SamplingPeriod: 100 * time.Millisecond,
		SavingType:     SaveNone,
		MaxRois:        100,
		OutputDir:      "output",
		Detection: Detection{
			Enabled:         false,
			SelectedChannel: 0,
			RoiSize:         p.RoiSize,
			MinObjectArea:   p.MinArea,
			MaxObjectArea:   p.MaxArea,
			KernelSize:      p.KernelSize,
			Iterations:      p.Iterations,
		},
		Sampling: Sampling{X: 0.5, Y: 0.5, Z: 3.0},
		Display: Display{
			AutoLevels: true,
			LevelMin:   60,
			LevelMax:   4000,
		},
		Simulator: Simulator{
			Width:           512,
			Height:          256,
			NoiseAmplitude:  500,
			SignalAmplitude: 20000,
			MeanParticles:   10,
			Rate:            20,
			Seed:            1,
		},
	}
}

// Load reads a YAML file over the defaults. Unknown keys are an error.
func Load(path string) (AppConfig, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

func (c AppConfig) Validate() error {
	if err := c.Detection.Params().Validate(); err != nil {
		return err
	}
	if c.ChannelNum < 1 {
		return fmt.Errorf("channel_num must be >= 1, got %d", c.ChannelNum)
	}
	if c.Detection.SelectedChannel < 0 || c.Detection.SelectedChannel >= c.ChannelNum {
		return fmt.Errorf("selected_channel %d not in [0, %d)", c.Detection.SelectedChannel, c.ChannelNum)
	}
	if c.FrameNum < 1 {
		return fmt.Errorf("frame_num must be >= 1, got %d", c.FrameNum)
	}
	if c.TimeLapseNum < 1 {
		return fmt.Errorf("time_lapse_num must be >= 1, got %d", c.TimeLapseNum)
	}
	if c.SamplingPeriod <= 0 {
		return fmt.Errorf("sampling_period must be positive, got %v", c.SamplingPeriod)
	}
	if c.MaxRois < 1 {
		return fmt.Errorf("max_rois must be >= 1, got %d", c.MaxRois)
	}
	if _, err := ParseSavingType(string(c.SavingType)); err != nil {
		return err
	}
	if c.Sampling.X <= 0 || c.Sampling.Y <= 0 || c.Sampling.Z <= 0 {
		return fmt.Errorf("sampling must be positive, got %+v", c.Sampling)
	}
	if !c.Display.AutoLevels && c.Display.LevelMax <= c.Display.LevelMin {
		return fmt.Errorf("level_max %d must exceed level_min %d", c.Display.LevelMax, c.Display.LevelMin)
	}
	switch c.Source {
	case SourceSimulator:
		if c.Simulator.Width < 1 || c.Simulator.Height < 1 {
			return fmt.Errorf("invalid simulator size %dx%d", c.Simulator.Width, c.Simulator.Height)
		}
	case SourceZMQ:
		if c.Endpoint == "" {
			return fmt.Errorf("endpoint is required for the zmq source")
		}
	default:
		return fmt.Errorf("unknown source %q", c.Source)
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	return nil
}

// ElementSizeUm is the element_size_um attribute, ordered [z, y, x].
func (c AppConfig) ElementSizeUm() []float64 {
	return []float64{c.Sampling.Z, c.Sampling.Y, c.Sampling.X}
}
