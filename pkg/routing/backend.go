package routing

// BackendConfig is a reusable {name,address} mapping: the virtual host and one backend serving it.
type BackendConfig struct {
	Name    string `yaml:"name"`    // Virtual host (exact match against the extracted Host)
	Address string `yaml:"address"` // Backend address (host:port)
}
