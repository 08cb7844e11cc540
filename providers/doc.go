// Package providers holds the pieces shared by the accounting provider
// adapters: the OAuth2 authorization-code helper on golang.org/x/oauth2 and
// the restartable paged listing used by every data fetch.
//
// Concrete adapters live in the xero, quickbooks, sage and freeagent
// subpackages.
package providers
