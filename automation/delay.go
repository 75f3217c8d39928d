package automation

// AppState is the foreground/background requirement of a delay.
type AppState string

const (
	AppStateForeground AppState = "foreground"
	AppStateBackground AppState = "background"
)

// Delay holds a triggered schedule back until time and app conditions allow.
type Delay struct {
	Seconds              float64   `json:"seconds,omitempty"`
	Screens              []string  `json:"screens,omitempty"`
	RegionID             string    `json:"region_id,omitempty"`
	AppState             AppState  `json:"app_state,omitempty"`
	CancellationTriggers []Trigger `json:"cancellation_triggers,omitempty"`
}
