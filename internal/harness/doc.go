// Package harness runs library evaluation scenarios described in YAML.
//
// A scenario loads library bundles and clinical resources into a fresh
// store, evaluates expressions of one library for one context resource
// and checks the values:
//
//	name: moderna-complete
//	description: two Moderna doses 28 days apart complete the protocol
//	reference_time: "2021-06-01T00:00:00Z"
//	bundles:
//	  - ../bundles/covid-check.cue
//	resources:
//	  - file: ../resources/patient-1.json
//	  - inline:
//	      resourceType: Immunization
//	      id: dose-1
//	      ...
//	evaluate:
//	  library: http://localhost/Library/COVIDCheck|1.0.0
//	  context: Patient/1
//	  expressions: [ModernaProtocol, PfizerProtocol]
//	expect:
//	  ModernaProtocol: true
//	  PfizerProtocol: false
//	assertions:
//	  - type: count
//	    expression: ModernaDoses
//	    count: 2
//
// Paths are relative to the scenario file. Every run uses its own
// temporary store and a fake clock, so results are reproducible and can
// be compared against golden files with RunWithGolden.
package harness
