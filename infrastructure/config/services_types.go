package config

// ServiceSettings holds static seed configuration for one upstream service,
// read from services.yaml and used to pre-register discovery instances at
// startup (see discovery.Registry.SeedFromConfig).
type ServiceSettings struct {
	// Enabled determines if the service should be seeded into discovery.
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Port is the upstream's HTTP port.
	Port int `yaml:"port" json:"port"`

	// Description is a human-readable description.
	Description string `yaml:"description" json:"description"`

	// Extra holds any additional service-specific configuration.
	Extra map[string]any `yaml:"extra,omitempty" json:"extra,omitempty"`
}

// ServicesConfig holds seed configuration for all known upstream services.
type ServicesConfig struct {
	Services map[string]*ServiceSettings `yaml:"services" json:"services"`
}

// IsEnabled checks if a service is enabled in the configuration.
// Returns false if the service is not found in config.
func (c *ServicesConfig) IsEnabled(serviceID string) bool {
	if c == nil || c.Services == nil {
		return false
	}
	settings, ok := c.Services[serviceID]
	if !ok {
		return false
	}
	return settings.Enabled
}

// GetSettings returns the settings for a service.
// Returns nil if the service is not found.
func (c *ServicesConfig) GetSettings(serviceID string) *ServiceSettings {
	if c == nil || c.Services == nil {
		return nil
	}
	return c.Services[serviceID]
}

// EnabledServices returns a list of enabled service IDs.
func (c *ServicesConfig) EnabledServices() []string {
	if c == nil || c.Services == nil {
		return nil
	}
	var enabled []string
	for id, settings := range c.Services {
		if settings.Enabled {
			enabled = append(enabled, id)
		}
	}
	return enabled
}

// DisabledServices returns a list of disabled service IDs.
func (c *ServicesConfig) DisabledServices() []string {
	if c == nil || c.Services == nil {
		return nil
	}
	var disabled []string
	for id, settings := range c.Services {
		if !settings.Enabled {
			disabled = append(disabled, id)
		}
	}
	return disabled
}
