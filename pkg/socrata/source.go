// Package socrata describes the SECOP datasets published on datos.gov.co and
// builds the SoQL queries issued against them. The two registry generations
// expose the same logical contract record under different column names; the
// column map in each Source translates the shared schema to the dataset's
// native columns.
package socrata

import "fmt"

// DefaultBaseURL is the Socrata host serving both SECOP datasets.
const DefaultBaseURL = "https://www.datos.gov.co"

// Columns maps the seven semantic fields of a contract record to a dataset's
// native column names.
type Columns struct {
	ContractID  string
	Entity      string
	Subject     string
	Amount      string
	Contractor  string
	SignedAt    string
	DocumentURL string
}

// Source is an immutable descriptor for one SECOP dataset.
type Source struct {
	// Name is the logical source label ("SECOP_I", "SECOP_II").
	Name string

	// DatasetID is the Socrata four-by-four dataset identifier.
	DatasetID string

	// Cols translates shared field names to this dataset's columns.
	Cols Columns
}

// Path returns the resource path for this dataset, resolved against the
// Socrata host by the executing client.
func (s Source) Path() string {
	return fmt.Sprintf("/resource/%s.json", s.DatasetID)
}

// DisplayName returns the human-facing source tag carried on merged rows.
func (s Source) DisplayName() string {
	switch s.Name {
	case "SECOP_I":
		return "SECOP I"
	case "SECOP_II":
		return "SECOP II"
	default:
		return s.Name
	}
}

// DefaultSources returns the two SECOP registry generations. Both descriptors
// are defined at process start and never mutated.
func DefaultSources() []Source {
	return []Source{
		{
			Name:      "SECOP_I",
			DatasetID: "rpmr-utcd",
			Cols: Columns{
				ContractID:  "numero_del_contrato",
				Entity:      "nombre_de_la_entidad",
				Subject:     "objeto_a_contratar",
				Amount:      "valor_contrato",
				Contractor:  "nom_raz_social_contratista",
				SignedAt:    "fecha_de_firma_del_contrato",
				DocumentURL: "url_contrato",
			},
		},
		{
			Name:      "SECOP_II",
			DatasetID: "jbjy-vk9h",
			Cols: Columns{
				ContractID:  "referencia_del_contrato",
				Entity:      "nombre_entidad",
				Subject:     "objeto_del_contrato",
				Amount:      "valor_del_contrato",
				Contractor:  "proveedor_adjudicado",
				SignedAt:    "fecha_de_firma",
				DocumentURL: "urlproceso",
			},
		},
	}
}
