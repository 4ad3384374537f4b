// Package api serves the access request REST API under /v1.
//
// Callers are identified by the X-Auth-User and X-Auth-Roles headers set by
// the authenticating proxy in front of the service. Policy updates also
// require the admin bearer token.
package api
