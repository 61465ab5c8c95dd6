package entity

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Patient field names as sent by the intake form.
const (
	FieldNombre          = "nombre"
	FieldApellidos       = "apellidos"
	FieldDNI             = "dni"
	FieldFechaNacimiento = "fecha_nacimiento"
	FieldSexo            = "sexo"
	FieldTelefono        = "telefono"
	FieldMovil           = "movil"
	FieldEmail           = "email"
	FieldDireccion       = "direccion"
	FieldCodigoPostal    = "codigo_postal"
	FieldPoblacion       = "poblacion"
	FieldProvincia       = "provincia"
	FieldObservaciones   = "observaciones"
)

var ErrEmptyPayload = errors.New("empty payload")

// Payload maps named patient fields to their values. Unknown keys are kept
// for forensic replay but never typed into the clinic form.
type Payload map[string]string

// Get returns the trimmed value of a field and whether it is present and non-empty.
func (p Payload) Get(field string) (string, bool) {
	v, ok := p[field]
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

// DisplayName is the identifying label used in logs and alerts.
func (p Payload) DisplayName() string {
	nombre, _ := p.Get(FieldNombre)
	apellidos, _ := p.Get(FieldApellidos)
	return strings.TrimSpace(nombre + " " + apellidos)
}

// JSON renders the payload with sorted keys.
func (p Payload) JSON() string {
	b, err := json.Marshal(p)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// Fields projects the payload onto the validated patient struct.
func (p Payload) Fields() PatientFields {
	return PatientFields{
		Nombre:          p.trimmed(FieldNombre),
		Apellidos:       p.trimmed(FieldApellidos),
		DNI:             p.trimmed(FieldDNI),
		FechaNacimiento: p.trimmed(FieldFechaNacimiento),
		Sexo:            p.trimmed(FieldSexo),
		Telefono:        p.trimmed(FieldTelefono),
		Movil:           p.trimmed(FieldMovil),
		Email:           p.trimmed(FieldEmail),
		Direccion:       p.trimmed(FieldDireccion),
		CodigoPostal:    p.trimmed(FieldCodigoPostal),
		Poblacion:       p.trimmed(FieldPoblacion),
		Provincia:       p.trimmed(FieldProvincia),
		Observaciones:   p.trimmed(FieldObservaciones),
	}
}

func (p Payload) trimmed(field string) string {
	v, _ := p.Get(field)
	return v
}

// PayloadFromJSON converts a decoded JSON object into a Payload. Scalars are
// stringified, nulls dropped; nested objects and arrays are rejected.
func PayloadFromJSON(raw map[string]any) (Payload, error) {
	if len(raw) == 0 {
		return nil, ErrEmptyPayload
	}
	p := make(Payload, len(raw))
	for k, v := range raw {
		switch val := v.(type) {
		case nil:
			continue
		case string:
			p[k] = val
		case float64:
			p[k] = strconv.FormatFloat(val, 'f', -1, 64)
		case bool:
			p[k] = strconv.FormatBool(val)
		default:
			return nil, &ValidationError{Field: k, Message: fmt.Sprintf("unsupported value type %T", v)}
		}
	}
	if len(p) == 0 {
		return nil, ErrEmptyPayload
	}
	return p, nil
}

// PatientFields carries the validation rules for known form fields.
type PatientFields struct {
	Nombre          string `validate:"required,max=120"`
	Apellidos       string `validate:"max=200"`
	DNI             string `validate:"max=20"`
	FechaNacimiento string `validate:"max=30"`
	Sexo            string `validate:"max=20"`
	Telefono        string `validate:"max=30"`
	Movil           string `validate:"max=30"`
	Email           string `validate:"max=254"`
	Direccion       string `validate:"max=255"`
	CodigoPostal    string `validate:"max=10"`
	Poblacion       string `validate:"max=120"`
	Provincia       string `validate:"max=120"`
	Observaciones   string `validate:"max=2000"`
}

// ValidationError represents a field-level validation failure.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}
