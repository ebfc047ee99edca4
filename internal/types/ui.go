package types

// FrameMessage is the rendered live view of one frame cycle.
type FrameMessage struct {
	Type     string         `json:"type"`
	Frame    uint64         `json:"frame"`
	Channel  int            `json:"channel"`
	Width    int            `json:"width"`
	Height   int            `json:"height"`
	Image    string         `json:"image"` // base64 PNG
	Objects  []Object       `json:"objects"`
	Levels   Levels         `json:"levels"`
	Stats    []ChannelStats `json:"stats"`
	Progress float64        `json:"progress"`
}

// Control changes live settings. Nil fields are left alone.
type Control struct {
	Type            string  `json:"type"`
	Detect          *bool   `json:"detect,omitempty"`
	SelectedChannel *int    `json:"selected_channel,omitempty"`
	SavingType      *string `json:"saving_type,omitempty"`
	RoiSize         *int    `json:"roi_size,omitempty"`
	MinObjectArea   *int    `json:"min_object_area,omitempty"`
	MaxObjectArea   *int    `json:"max_object_area,omitempty"`
	AutoLevels      *bool   `json:"auto_levels,omitempty"`
	LevelMin        *int    `json:"level_min,omitempty"`
	LevelMax        *int    `json:"level_max,omitempty"`
	Labels          *bool   `json:"labels,omitempty"`
	Highlight       *bool   `json:"highlight_channel,omitempty"`

	// simulator source only
	SignalAmplitude *float64 `json:"signal_amplitude,omitempty"`
	NoiseAmplitude  *float64 `json:"noise_amplitude,omitempty"`
	MeanParticles   *int     `json:"mean_particles,omitempty"`
}

type ControlAck struct {
	Type  string `json:"type"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}
