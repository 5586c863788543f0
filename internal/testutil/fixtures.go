package testutil

import (
	"encoding/base64"

	"github.com/roach88/fhirengine/internal/resource"
)

// Vaccine codes (CVX) used by the immunization fixtures.
const (
	CVXModerna = "207"
	CVXPfizer  = "208"
	CVXJanssen = "212"
)

// Canonical URLs of the fixture libraries.
const (
	CommonLibraryURL    = "http://localhost/Library/ImmunizationCommon"
	COVIDCheckURL       = "http://localhost/Library/COVIDCheck"
	FixtureLibraryVer   = "1.0.0"
	COVIDCheckCanonical = COVIDCheckURL + "|" + FixtureLibraryVer
)

// CommonLibrarySource selects a patient's completed immunizations in
// administration order.
const CommonLibrarySource = `library ImmunizationCommon version '1.0.0'

define "CompletedImmunizations":
  [Immunization].where(status = 'completed').sort(occurrenceDateTime)
`

// COVIDCheckSource decides whether a patient completed a COVID-19
// vaccination protocol.
const COVIDCheckSource = `library COVIDCheck version '1.0.0'

// CVX 207 Moderna, 208 Pfizer, 212 Janssen
define "ModernaDoses":
  ImmunizationCommon."CompletedImmunizations".where(vaccineCode.coding.where(code = '207').exists())

define "PfizerDoses":
  ImmunizationCommon."CompletedImmunizations".where(vaccineCode.coding.where(code = '208').exists())

define "JanssenDoses":
  ImmunizationCommon."CompletedImmunizations".where(vaccineCode.coding.where(code = '212').exists())

define "ModernaProtocol":
  "ModernaDoses".count() >= 2
    and daysBetween("ModernaDoses".first().occurrenceDateTime, "ModernaDoses".last().occurrenceDateTime) >= 28

define "PfizerProtocol":
  "PfizerDoses".count() >= 2
    and daysBetween("PfizerDoses".first().occurrenceDateTime, "PfizerDoses".last().occurrenceDateTime) >= 21

define "GetSingleDose":
  "JanssenDoses".first()

define "GetFinalDose":
  iif("ModernaProtocol", "ModernaDoses".last(), iif("PfizerProtocol", "PfizerDoses".last(), "GetSingleDose"))

define "CompletedImmunization":
  "ModernaProtocol" or "PfizerProtocol" or "GetSingleDose".exists()
`

// Patient returns a minimal Patient.
func Patient(id, family string) resource.Resource {
	return resource.Resource{
		Type: "Patient",
		ID:   id,
		Content: map[string]any{
			"resourceType": "Patient",
			"id":           id,
			"name":         []any{map[string]any{"family": family, "given": []any{"Test"}}},
			"gender":       "female",
			"birthDate":    "1980-05-17",
		},
	}
}

// Immunization returns a completed Immunization of patientID with the
// given CVX code, administered on date (YYYY-MM-DD).
func Immunization(id, patientID, cvx, date string) resource.Resource {
	return resource.Resource{
		Type: "Immunization",
		ID:   id,
		Content: map[string]any{
			"resourceType": "Immunization",
			"id":           id,
			"status":       "completed",
			"patient":      map[string]any{"reference": "Patient/" + patientID},
			"vaccineCode": map[string]any{
				"coding": []any{map[string]any{
					"system": "http://hl7.org/fhir/sid/cvx",
					"code":   cvx,
				}},
			},
			"occurrenceDateTime": date,
		},
	}
}

// Library returns a FHIR Library carrying source as base64 text/cql.
// deps are canonical "url|version" strings.
func Library(id, name, url, version, source string, deps ...string) map[string]any {
	lib := map[string]any{
		"resourceType": "Library",
		"name":         name,
		"url":          url,
		"version":      version,
		"status":       "active",
		"type": map[string]any{"coding": []any{map[string]any{
			"system": "http://terminology.hl7.org/CodeSystem/library-type",
			"code":   "logic-library",
		}}},
		"content": []any{map[string]any{
			"contentType": "text/cql",
			"data":        base64.StdEncoding.EncodeToString([]byte(source)),
		}},
	}
	if id != "" {
		lib["id"] = id
	}
	if len(deps) > 0 {
		related := make([]any, len(deps))
		for i, d := range deps {
			related[i] = map[string]any{"type": "depends-on", "resource": d}
		}
		lib["relatedArtifact"] = related
	}
	return lib
}

// Bundle wraps resources in a collection Bundle.
func Bundle(resources ...map[string]any) map[string]any {
	entries := make([]any, len(resources))
	for i, r := range resources {
		entries[i] = map[string]any{"resource": r}
	}
	return map[string]any{
		"resourceType": "Bundle",
		"type":         "collection",
		"entry":        entries,
	}
}

// COVIDCheckBundle returns the two-library COVID check bundle.
func COVIDCheckBundle() map[string]any {
	return Bundle(
		Library("ImmunizationCommon", "ImmunizationCommon", CommonLibraryURL, FixtureLibraryVer, CommonLibrarySource),
		Library("COVIDCheck", "COVIDCheck", COVIDCheckURL, FixtureLibraryVer, COVIDCheckSource,
			CommonLibraryURL+"|"+FixtureLibraryVer),
	)
}
