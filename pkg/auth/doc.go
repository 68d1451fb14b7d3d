// Package auth establishes who is calling.
//
// A TokenVerifier turns a bearer token into an Identity: the stable
// external subject plus profile claims. The authentication middleware
// exchanges that identity for a Principal (a provisioned user row) and
// installs it on the request context. Everything downstream — permission
// resolution, record guards, audit attribution — reads the Principal;
// nothing below this package touches tokens.
//
// Two verifiers ship: HMACVerifier validates HS256 JWTs signed with a
// shared secret (development and first-party API clients), OIDCVerifier
// validates ID tokens against a discovered OpenID Connect provider.
package auth
