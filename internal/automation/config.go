package automation

import (
	"time"

	"patient-intake-service/internal/entity"
)

// Config describes the target clinic application and the bounds of every wait.
type Config struct {
	LoginURL      string
	NewPatientURL string
	Username      string
	Password      string

	NavigationTimeout  time.Duration
	LoginTimeout       time.Duration
	FormTimeout        time.Duration
	NetworkIdleTimeout time.Duration
	NetworkQuietWindow time.Duration
	ScreenshotTimeout  time.Duration

	Selectors Selectors
}

// Selectors are CSS selectors of the clinic application.
type Selectors struct {
	Username       string            `yaml:"username"`
	Password       string            `yaml:"password"`
	Submit         string            `yaml:"submit"`
	LoggedInMarker string            `yaml:"logged_in_marker"`
	FormAnchor     string            `yaml:"form_anchor"`
	Fields         map[string]string `yaml:"fields"`
}

func DefaultSelectors() Selectors {
	return Selectors{
		Username:       `input[name="usuario"]`,
		Password:       `input[name="password"]`,
		Submit:         `button[type="submit"]`,
		LoggedInMarker: `#menu-principal`,
		FormAnchor:     `#nombre`,
	}
}

// WithDefaults fills zero values with the production bounds.
func (c Config) WithDefaults() Config {
	if c.NavigationTimeout <= 0 {
		c.NavigationTimeout = 60 * time.Second
	}
	if c.LoginTimeout <= 0 {
		c.LoginTimeout = 30 * time.Second
	}
	if c.FormTimeout <= 0 {
		c.FormTimeout = 25 * time.Second
	}
	if c.NetworkIdleTimeout <= 0 {
		c.NetworkIdleTimeout = 15 * time.Second
	}
	if c.NetworkQuietWindow <= 0 {
		c.NetworkQuietWindow = 500 * time.Millisecond
	}
	if c.ScreenshotTimeout <= 0 {
		c.ScreenshotTimeout = 10 * time.Second
	}

	def := DefaultSelectors()
	s := &c.Selectors
	if s.Username == "" {
		s.Username = def.Username
	}
	if s.Password == "" {
		s.Password = def.Password
	}
	if s.Submit == "" {
		s.Submit = def.Submit
	}
	if s.LoggedInMarker == "" {
		s.LoggedInMarker = def.LoggedInMarker
	}
	if s.FormAnchor == "" {
		s.FormAnchor = def.FormAnchor
	}
	return c
}

type fieldKind int

const (
	kindText fieldKind = iota
	kindSelect
)

type formField struct {
	Name     string
	Selector string
	Kind     fieldKind
}

// patientFormLayout is the new-patient form in on-screen order. Population
// always follows this order regardless of payload key order.
var patientFormLayout = []formField{
	{Name: entity.FieldNombre, Selector: "#nombre", Kind: kindText},
	{Name: entity.FieldApellidos, Selector: "#apellidos", Kind: kindText},
	{Name: entity.FieldDNI, Selector: "#nif", Kind: kindText},
	{Name: entity.FieldFechaNacimiento, Selector: "#fecha_nacimiento", Kind: kindText},
	{Name: entity.FieldSexo, Selector: "#sexo", Kind: kindSelect},
	{Name: entity.FieldTelefono, Selector: "#telefono", Kind: kindText},
	{Name: entity.FieldMovil, Selector: "#movil", Kind: kindText},
	{Name: entity.FieldEmail, Selector: "#email", Kind: kindText},
	{Name: entity.FieldDireccion, Selector: "#direccion", Kind: kindText},
	{Name: entity.FieldCodigoPostal, Selector: "#cp", Kind: kindText},
	{Name: entity.FieldPoblacion, Selector: "#poblacion", Kind: kindText},
	{Name: entity.FieldProvincia, Selector: "#provincia", Kind: kindText},
	{Name: entity.FieldObservaciones, Selector: "#observaciones", Kind: kindText},
}

func (s Selectors) formLayout() []formField {
	out := make([]formField, len(patientFormLayout))
	copy(out, patientFormLayout)
	for i := range out {
		if sel, ok := s.Fields[out[i].Name]; ok && sel != "" {
			out[i].Selector = sel
		}
	}
	return out
}
