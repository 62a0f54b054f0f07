package config

// Defaults applied to an advertised plugin record.
const (
	DefaultVersion     = "0.1.0"
	DefaultAPIVersion  = "0.2.3"
	DefaultDescription = "[TODO: add description]"
)

// Plugin is the configuration record a peer advertises in its imjoyRPCReady announcement
// and attaches to its interface.
type Plugin struct {
	ID             string `json:"id" mapstructure:"id"`
	Name           string `json:"name" mapstructure:"name"`
	Version        string `json:"version" mapstructure:"version"`
	APIVersion     string `json:"api_version" mapstructure:"api_version"`
	Description    string `json:"description" mapstructure:"description"`
	AllowExecution bool   `json:"allow_execution" mapstructure:"allow_execution"`
}

// Normalize returns a copy with the id forced to id and every empty field defaulted.
func (p Plugin) Normalize(id string) Plugin {
	p.ID = id
	if p.Name == "" {
		p.Name = p.ID
	}
	if p.Version == "" {
		p.Version = DefaultVersion
	}
	if p.APIVersion == "" {
		p.APIVersion = DefaultAPIVersion
	}
	if p.Description == "" {
		p.Description = DefaultDescription
	}
	return p
}

// Map renders the record the way it travels inside a message.
func (p Plugin) Map() map[string]any {
	return map[string]any{
		"id":              p.ID,
		"name":            p.Name,
		"version":         p.Version,
		"api_version":     p.APIVersion,
		"description":     p.Description,
		"allow_execution": p.AllowExecution,
	}
}

// PluginFromMap reads a record received inside a message. Unknown keys are ignored.
func PluginFromMap(m map[string]any) Plugin {
	str := func(k string) string {
		s, _ := m[k].(string)
		return s
	}
	allow, _ := m["allow_execution"].(bool)
	return Plugin{
		ID:             str("id"),
		Name:           str("name"),
		Version:        str("version"),
		APIVersion:     str("api_version"),
		Description:    str("description"),
		AllowExecution: allow,
	}
}
