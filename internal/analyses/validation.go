package analyses

import (
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"
)

// DefaultRegistryArea is applied when a request omits the registral area.
const DefaultRegistryArea = "Propiedad Inmueble Predial"

const maxRegistryAreaLen = 200

var folioPattern = regexp.MustCompile(`^\d{6,12}$`)

var validOffices = map[string]struct{}{
	"LIMA": {}, "AREQUIPA": {}, "TRUJILLO": {}, "CHICLAYO": {}, "CUSCO": {},
	"HUANCAYO": {}, "PIURA": {}, "IQUITOS": {}, "TACNA": {}, "ICA": {},
	"PUNO": {}, "AYACUCHO": {}, "JUNIN": {}, "LAMBAYEQUE": {}, "ANCASH": {},
	"CAJAMARCA": {}, "LORETO": {}, "UCAYALI": {}, "SAN_MARTIN": {}, "TUMBES": {},
	"MOQUEGUA": {}, "MADRE_DE_DIOS": {}, "HUANUCO": {}, "PASCO": {}, "APURIMAC": {},
	"AMAZONAS": {}, "HUANCAVELICA": {},
}

// Offices returns the accepted registry office identifiers, sorted.
func Offices() []string {
	out := make([]string, 0, len(validOffices))
	for office := range validOffices {
		out = append(out, office)
	}
	sort.Strings(out)
	return out
}

// CreateRequest is the payload for a new analysis.
type CreateRequest struct {
	Office       string `json:"oficina"`
	Folio        string `json:"partida"`
	RegistryArea string `json:"area_registral"`
}

// NewCreateRequest normalizes and validates user input.
func NewCreateRequest(office, folio, area string) (CreateRequest, error) {
	req := CreateRequest{
		Office:       strings.ToUpper(strings.TrimSpace(office)),
		Folio:        strings.TrimSpace(folio),
		RegistryArea: strings.TrimSpace(area),
	}
	if req.RegistryArea == "" {
		req.RegistryArea = DefaultRegistryArea
	}
	if err := req.Validate(); err != nil {
		return CreateRequest{}, err
	}
	return req, nil
}

// Validate checks the request against the office set, folio pattern and area bounds.
func (r CreateRequest) Validate() error {
	if r.Office == "" {
		return &ValidationError{Field: "oficina", Message: "office is required"}
	}
	if _, ok := validOffices[r.Office]; !ok {
		return &ValidationError{Field: "oficina", Message: "unknown office " + r.Office}
	}
	if r.Folio == "" {
		return &ValidationError{Field: "partida", Message: "folio is required"}
	}
	if !folioPattern.MatchString(r.Folio) {
		return &ValidationError{Field: "partida", Message: "folio must contain only digits and be between 6 and 12 characters long"}
	}
	if strings.TrimSpace(r.RegistryArea) == "" {
		return &ValidationError{Field: "area_registral", Message: "registry area cannot be empty"}
	}
	if utf8.RuneCountInString(r.RegistryArea) > maxRegistryAreaLen {
		return &ValidationError{Field: "area_registral", Message: "registry area is too long (max 200 characters)"}
	}
	return nil
}

// ListParams selects one page of the analysis history.
type ListParams struct {
	Page    int
	PerPage int
	Status  Status
}

const (
	DefaultPerPage = 20
	MaxPerPage     = 100
)

// Normalize applies defaults and clamps the page size.
func (p ListParams) Normalize() ListParams {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.PerPage < 1 {
		p.PerPage = DefaultPerPage
	}
	if p.PerPage > MaxPerPage {
		p.PerPage = MaxPerPage
	}
	return p
}
