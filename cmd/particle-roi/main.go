package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"particle-roi-go/internal/config"
	"particle-roi-go/internal/ingest"
	"particle-roi-go/internal/output"
	"particle-roi-go/internal/processing"
	"particle-roi-go/internal/render"
	"particle-roi-go/internal/server"
	"particle-roi-go/internal/simplon"
	"particle-roi-go/internal/simulator"
	"particle-roi-go/internal/source"
)

func main() {
	def := config.Default()
	var (
		configPath     = flag.String("config", "", "YAML configuration file; flags given explicitly override it")
		port           = flag.Int("port", def.Port, "HTTP port for the web UI")
		sourceKind     = flag.String("source", def.Source, "Frame source: simulator or zmq")
		endpoint       = flag.String("endpoint", def.Endpoint, "ZMQ endpoint for the zmq source")
		dataKey        = flag.String("data-key", def.DataKey, "Key of the image inside the message data map (default: first key)")
		detectorAPI    = flag.String("detector-api", def.DetectorAPI, "SIMPLON base URL of the detector feeding the zmq source")
		channelNum     = flag.Int("channel-num", def.ChannelNum, "Frames per cycle, one per channel")
		frameNum       = flag.Int("frame-num", def.FrameNum, "Number of z slices in a saved stack")
		timeLapseNum   = flag.Int("time-lapse-num", def.TimeLapseNum, "Number of time points saved in Image mode")
		samplingPeriod = flag.Duration("sampling-period", def.SamplingPeriod, "Display refresh period")
		savingType     = flag.String("saving-type", string(def.SavingType), "Initial saving mode: None, Roi, Stack or Image")
		maxRois        = flag.Int("max-rois", def.MaxRois, "Objects captured before Roi saving stops")
		outputDir      = flag.String("output-dir", def.OutputDir, "Directory for ROI and stack containers")
		detectOn       = flag.Bool("detect", def.Detection.Enabled, "Start with detection enabled")
		selected       = flag.Int("selected-channel", def.Detection.SelectedChannel, "Channel used for detection and display")
		roiSize        = flag.Int("roi-size", def.Detection.RoiSize, "Side of the square ROI in pixels")
		minArea        = flag.Int("min-object-area", def.Detection.MinObjectArea, "Objects must have a larger contour area")
		maxArea        = flag.Int("max-object-area", def.Detection.MaxObjectArea, "Objects must have a smaller contour area")
		detectionLog   = flag.Bool("detection-log", def.DetectionLog, "Write every detection to a text table")
		rawLogEnabled  = flag.Bool("raw-log", def.RawLogEnabled, "Write raw CBOR messages to disk")
		rawLogDir      = flag.String("raw-log-dir", def.RawLogDir, "Directory for raw ingest logs")
		ingestLogEvery = flag.Int("ingest-log-every", def.IngestLogEvery, "Log every Nth ingest error")
		simRate        = flag.Float64("sim-rate", def.Simulator.Rate, "Simulated frames per second")
		simSeed        = flag.Int64("sim-seed", def.Simulator.Seed, "Simulator random seed")
	)
	flag.Parse()

	cfg := def
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("load config: %v", err)
		}
		cfg = loaded
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "port":
			cfg.Port = *port
		case "source":
			cfg.Source = *sourceKind
		case "endpoint":
			cfg.Endpoint = *endpoint
		case "data-key":
			cfg.DataKey = *dataKey
		case "detector-api":
			cfg.DetectorAPI = *detectorAPI
		case "channel-num":
			cfg.ChannelNum = *channelNum
		case "frame-num":
			cfg.FrameNum = *frameNum
		case "time-lapse-num":
			cfg.TimeLapseNum = *timeLapseNum
		case "sampling-period":
			cfg.SamplingPeriod = *samplingPeriod
		case "saving-type":
			cfg.SavingType = config.SavingType(*savingType)
		case "max-rois":
			cfg.MaxRois = *maxRois
		case "output-dir":
			cfg.OutputDir = *outputDir
		case "detect":
			cfg.Detection.Enabled = *detectOn
		case "selected-channel":
			cfg.Detection.SelectedChannel = *selected
		case "roi-size":
			cfg.Detection.RoiSize = *roiSize
		case "min-object-area":
			cfg.Detection.MinObjectArea = *minArea
		case "max-object-area":
			cfg.Detection.MaxObjectArea = *maxArea
		case "detection-log":
			cfg.DetectionLog = *detectionLog
		case "raw-log":
			cfg.RawLogEnabled = *rawLogEnabled
		case "raw-log-dir":
			cfg.RawLogDir = *rawLogDir
		case "ingest-log-every":
			cfg.IngestLogEvery = *ingestLogEvery
		case "sim-rate":
			cfg.Simulator.Rate = *simRate
		case "sim-seed":
			cfg.Simulator.Seed = *simSeed
		}
	})
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatalf("%v", err)
	}
}

func run(ctx context.Context, cfg config.AppConfig) error {
	src, rawLog, err := buildSource(cfg)
	if err != nil {
		return err
	}
	if rawLog != nil {
		defer func() {
			if err := rawLog.Close(); err != nil {
				log.Printf("raw log close failed: %v", err)
			}
		}()
	}

	cycles := processing.NewLatest[processing.Cycle]()
	m, err := processing.NewMeasurement(src, cfg.Detection.Params(), processing.Options{
		Channels:      cfg.ChannelNum,
		FrameNum:      cfg.FrameNum,
		TimeLapseNum:  cfg.TimeLapseNum,
		MaxRois:       cfg.MaxRois,
		ElementSizeUm: cfg.ElementSizeUm(),
		OutputDir:     cfg.OutputDir,
		DetectionLog:  cfg.DetectionLog,
		Meta: map[string]any{
			"source":     cfg.Source,
			"started_at": time.Now().UTC().Format(time.RFC3339),
		},
	}, cycles)
	if err != nil {
		return err
	}
	m.SetDetect(cfg.Detection.Enabled)
	if err := m.SetSelectedChannel(cfg.Detection.SelectedChannel); err != nil {
		return err
	}
	m.SetSavingType(cfg.SavingType)

	uiMessages := make(chan any, 16)
	display := processing.NewDisplay(cycles, uiMessages, processing.DisplayOptions{
		Period: cfg.SamplingPeriod,
		Levels: render.Levels{
			Auto: cfg.Display.AutoLevels,
			Min:  cfg.Display.LevelMin,
			Max:  cfg.Display.LevelMax,
		},
		Labels:    cfg.Display.Labels,
		Highlight: cfg.Display.Highlight,
	})
	ctl := processing.Controller{M: m, D: display}
	if sim, ok := src.(*simulator.Device); ok {
		ctl.Sim = sim
	}

	var poller *simplon.Poller
	if cfg.Source == config.SourceZMQ && cfg.DetectorAPI != "" {
		poller = simplon.NewPoller(simplon.Config{BaseURL: cfg.DetectorAPI, APIVersion: cfg.APIVersion})
	}

	statusFn := func() map[string]any {
		payload := ctl.Status()
		payload["source"] = cfg.Source
		if in, ok := src.(*ingest.Source); ok {
			payload["last_image_id"] = in.LastImageID()
		}
		if rawLog != nil {
			payload["raw_log"] = rawLog.Path()
		}
		if poller != nil {
			payload["detector"] = poller.Status()
		}
		return payload
	}
	srv := server.New(cfg.Port, server.Hooks{
		Status:   statusFn,
		Snapshot: display.Latest,
		Config:   ctl.Config,
		Control:  ctl.Apply,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := m.Run(gctx); err != nil {
			return fmt.Errorf("measurement: %w", err)
		}
		log.Printf("measurement finished after %d frames", m.Status().Frames)
		return nil
	})
	g.Go(func() error {
		return display.Run(gctx)
	})
	g.Go(func() error {
		return srv.Run(gctx, uiMessages)
	})
	if poller != nil {
		g.Go(func() error {
			return poller.Run(gctx)
		})
	}
	g.Go(func() error {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				st := m.Status()
				rendered, dropped := display.Counters()
				log.Printf("frames=%d objects=%d captured=%d saving=%s rendered=%d dropped=%d",
					st.Frames, st.ObjectsInFrame, st.CapturedObjects, st.SavingType, rendered, dropped)
			}
		}
	})
	return g.Wait()
}

func buildSource(cfg config.AppConfig) (source.Source, *output.RawLogWriter, error) {
	switch cfg.Source {
	case config.SourceZMQ:
		var rawLog *output.RawLogWriter
		icfg := ingest.Config{
			Endpoint: cfg.Endpoint,
			DataKey:  cfg.DataKey,
			LogEvery: cfg.IngestLogEvery,
		}
		if cfg.RawLogEnabled {
			w, err := output.NewRawLogWriter(cfg.RawLogDir, "raw_cbor")
			if err != nil {
				return nil, nil, fmt.Errorf("start raw log: %w", err)
			}
			log.Printf("recording raw messages to %s", w.Path())
			rawLog = w
			icfg.Recorder = w
		}
		return ingest.New(icfg), rawLog, nil
	default:
		log.Printf("using simulated frames (%dx%d at %.1f fps)", cfg.Simulator.Width, cfg.Simulator.Height, cfg.Simulator.Rate)
		return simulator.New(simulator.Config{
			Width:           cfg.Simulator.Width,
			Height:          cfg.Simulator.Height,
			NoiseAmplitude:  cfg.Simulator.NoiseAmplitude,
			SignalAmplitude: cfg.Simulator.SignalAmplitude,
			MeanParticles:   cfg.Simulator.MeanParticles,
			Rate:            cfg.Simulator.Rate,
			Seed:            cfg.Simulator.Seed,
		}), nil, nil
	}
}
