// Package library loads clinical logic libraries into the resource store
// and resolves the dependency graph between them.
//
// A library is a FHIR Library resource whose content carries expression
// source as base64 text/cql, and whose relatedArtifact entries of type
// depends-on name the libraries it references by canonical URL:
//
//	{
//	  "resourceType": "Library",
//	  "url": "http://localhost/Library/COVIDCheck",
//	  "version": "1.0.0",
//	  "name": "COVIDCheck",
//	  "relatedArtifact": [{"type": "depends-on",
//	    "resource": "http://localhost/Library/ImmunizationCommon|1.0.0"}],
//	  "content": [{"contentType": "text/cql", "data": "bGlicmFyeSBD..."}]
//	}
//
// Libraries are addressed by "url|version", by bare url (highest version
// wins), or by "Library/<logicalId>".
package library
