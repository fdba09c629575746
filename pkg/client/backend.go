package client

// Backend is the metadata of one compute target. Capability discovery is
// owned by the service; only the fields the runtime needs are modelled.
type Backend struct {
	Name     string `json:"name"`
	Status   string `json:"status"`
	Version  string `json:"version"`
	NumUnits int    `json:"numUnits"`
}

// Online reports whether the backend is accepting jobs.
func (b *Backend) Online() bool {
	return b.Status == "online"
}
