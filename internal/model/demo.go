package model

// Persona segments a demo may be offered to.
const (
	PersonaSMB        = "SMB"
	PersonaExec       = "EXEC"
	PersonaFreelancer = "FREELANCER"
	PersonaSolo       = "SOLO"
)

// DemoConfig is a static registry entry describing a runnable demo type.
type DemoConfig struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	Description     string   `json:"description"`
	TimeoutSeconds  int      `json:"timeout"`
	MaxRetries      int      `json:"maxRetries"`
	RequiresAuth    bool     `json:"requiresAuth"`
	AllowedPersonas []string `json:"allowedPersonas,omitempty"`
	Locked          bool     `json:"locked"`
}

// AllowsPersona reports whether persona may see the demo. An empty allow list
// admits everyone.
func (d DemoConfig) AllowsPersona(persona string) bool {
	if len(d.AllowedPersonas) == 0 {
		return true
	}
	for _, p := range d.AllowedPersonas {
		if p == persona {
			return true
		}
	}
	return false
}

// DemoCard is the catalog projection consumed by the dashboard UI.
type DemoCard struct {
	ID              string   `json:"id"`
	Title           string   `json:"title"`
	Description     string   `json:"description"`
	Locked          bool     `json:"locked"`
	EstimatedTime   int      `json:"estimatedDuration"`
	AllowedPersonas []string `json:"allowedPersonas,omitempty"`
}

// Card projects a config to its catalog card.
func (d DemoConfig) Card() DemoCard {
	return DemoCard{
		ID:              d.ID,
		Title:           d.Name,
		Description:     d.Description,
		Locked:          d.Locked,
		EstimatedTime:   d.TimeoutSeconds,
		AllowedPersonas: d.AllowedPersonas,
	}
}
