package types

// Object is one detection as sent to the browser.
type Object struct {
	CX   int     `json:"cx"`
	CY   int     `json:"cy"`
	Area float64 `json:"area"`
}

type ChannelStats struct {
	Channel   int     `json:"channel"`
	Min       float64 `json:"min"`
	Max       float64 `json:"max"`
	Mean      float64 `json:"mean"`
	Std       float64 `json:"std"`
	Saturated int     `json:"saturated"`
}

type Levels struct {
	Auto bool `json:"auto"`
	Min  int  `json:"min"`
	Max  int  `json:"max"`
}
