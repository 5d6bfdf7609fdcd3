package domain

// Container represents a running container as reported by the runtime,
// annotated with its compose project so it can be tied back to a catalog
// environment.
type Container struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Image   string `json:"image"`
	Status  string `json:"status"`
	State   string `json:"state"` // running, exited, etc.
	Project string `json:"project,omitempty"`
	Ports   []int  `json:"ports,omitempty"` // published host ports
}
