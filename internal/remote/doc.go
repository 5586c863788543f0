// Package remote implements the remote repository side of
// synchronization: an in-memory repository, an HTTP transport that talks
// FHIR batch and history Bundles, and a reference server exposing a
// Memory over HTTP.
//
// Wire format:
//
//	POST {base}/                      batch Bundle, one entry per change
//	  PUT    Type/id  ifNoneMatch: *  create
//	  PUT    Type/id  ifMatch: W/"v"  update against remote version v
//	  PUT    Type/id                  forced write
//	  DELETE Type/id  ifMatch: W/"v"  delete (forced without ifMatch)
//	GET  {base}/_history?_since=T&_count=N
//	  history Bundle; the next token is in the sync-token meta extension
//	  and a "next" link means more pages follow.
package remote
