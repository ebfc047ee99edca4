package processing

import (
	"fmt"

	"go.uber.org/multierr"

	"particle-roi-go/internal/config"
	"particle-roi-go/internal/types"
)

// SimulatorTuner is implemented by the simulated source.
type SimulatorTuner interface {
	SetSignalAmplitude(v float64)
	SetNoiseAmplitude(v float64)
	SetMeanParticles(n int)
}

// Controller applies live controls from the browser.
type Controller struct {
	M   *Measurement
	D   *Display
	Sim SimulatorTuner // nil unless frames are simulated
}

// Apply validates every field before changing anything, so a rejected
// control leaves all settings as they were.
func (c Controller) Apply(ctl types.Control) error {
	var errs error

	params := c.M.Params()
	paramsChanged := false
	if ctl.RoiSize != nil {
		params.RoiSize = *ctl.RoiSize
		paramsChanged = true
	}
	if ctl.MinObjectArea != nil {
		params.MinArea = *ctl.MinObjectArea
		paramsChanged = true
	}
	if ctl.MaxObjectArea != nil {
		params.MaxArea = *ctl.MaxObjectArea
		paramsChanged = true
	}
	if paramsChanged {
		errs = multierr.Append(errs, params.Validate())
	}

	var saving config.SavingType
	if ctl.SavingType != nil {
		t, err := config.ParseSavingType(*ctl.SavingType)
		errs = multierr.Append(errs, err)
		saving = t
	}
	if ctl.SelectedChannel != nil {
		if ch := *ctl.SelectedChannel; ch < 0 || ch >= c.M.opts.Channels {
			errs = multierr.Append(errs, fmt.Errorf("selected_channel %d not in [0, %d)", ch, c.M.opts.Channels))
		}
	}

	levelsChanged := ctl.AutoLevels != nil || ctl.LevelMin != nil || ctl.LevelMax != nil
	levels, _ := c.D.Levels()
	if ctl.AutoLevels != nil {
		levels.Auto = *ctl.AutoLevels
	}
	if ctl.LevelMin != nil {
		levels.Min = *ctl.LevelMin
	}
	if ctl.LevelMax != nil {
		levels.Max = *ctl.LevelMax
	}
	if levelsChanged && !levels.Auto && levels.Max <= levels.Min {
		errs = multierr.Append(errs, fmt.Errorf("level_max %d must exceed level_min %d", levels.Max, levels.Min))
	}
	simChanged := ctl.SignalAmplitude != nil || ctl.NoiseAmplitude != nil || ctl.MeanParticles != nil
	if simChanged {
		if c.Sim == nil {
			errs = multierr.Append(errs, fmt.Errorf("simulator controls need the simulator source"))
		}
		if (ctl.SignalAmplitude != nil && *ctl.SignalAmplitude < 0) || (ctl.NoiseAmplitude != nil && *ctl.NoiseAmplitude < 0) {
			errs = multierr.Append(errs, fmt.Errorf("amplitudes must not be negative"))
		}
		if ctl.MeanParticles != nil && *ctl.MeanParticles < 0 {
			errs = multierr.Append(errs, fmt.Errorf("mean_particles must not be negative, got %d", *ctl.MeanParticles))
		}
	}
	if errs != nil {
		return errs
	}

	if paramsChanged {
		if err := c.M.SetParams(params); err != nil {
			return err
		}
	}
	if ctl.SelectedChannel != nil {
		if err := c.M.SetSelectedChannel(*ctl.SelectedChannel); err != nil {
			return err
		}
	}
	if ctl.Detect != nil {
		c.M.SetDetect(*ctl.Detect)
	}
	if ctl.SavingType != nil {
		c.M.SetSavingType(saving)
	}
	if levelsChanged {
		if err := c.D.SetLevels(levels); err != nil {
			return err
		}
	}
	if ctl.Labels != nil || ctl.Highlight != nil {
		labels, highlight := c.D.Overlay()
		if ctl.Labels != nil {
			labels = *ctl.Labels
		}
		if ctl.Highlight != nil {
			highlight = *ctl.Highlight
		}
		c.D.SetOverlay(labels, highlight)
	}
	if ctl.SignalAmplitude != nil {
		c.Sim.SetSignalAmplitude(*ctl.SignalAmplitude)
	}
	if ctl.NoiseAmplitude != nil {
		c.Sim.SetNoiseAmplitude(*ctl.NoiseAmplitude)
	}
	if ctl.MeanParticles != nil {
		c.Sim.SetMeanParticles(*ctl.MeanParticles)
	}
	return nil
}

// Status merges measurement and display state for /status.
func (c Controller) Status() map[string]any {
	st := c.M.Status()
	configured, used := c.D.Levels()
	labels, highlight := c.D.Overlay()
	rendered, dropped := c.D.Counters()
	return map[string]any{
		"measurement": st,
		"display": map[string]any{
			"auto_levels":       configured.Auto,
			"level_min":         used.Min,
			"level_max":         used.Max,
			"labels":            labels,
			"highlight_channel": highlight,
			"rendered":          rendered,
			"dropped":           dropped,
		},
	}
}

// Config is the settings block sent to a browser when it connects.
func (c Controller) Config() map[string]any {
	st := c.M.Status()
	p := c.M.Params()
	configured, _ := c.D.Levels()
	labels, highlight := c.D.Overlay()
	return map[string]any{
		"type":              "config",
		"channel_num":       c.M.opts.Channels,
		"frame_num":         c.M.opts.FrameNum,
		"time_lapse_num":    c.M.opts.TimeLapseNum,
		"detect":            st.Detect,
		"selected_channel":  st.SelectedChannel,
		"saving_type":       st.SavingType,
		"roi_size":          p.RoiSize,
		"min_object_area":   p.MinArea,
		"max_object_area":   p.MaxArea,
		"auto_levels":       configured.Auto,
		"level_min":         configured.Min,
		"level_max":         configured.Max,
		"labels":            labels,
		"highlight_channel": highlight,
		"simulator":         c.Sim != nil,
	}
}
