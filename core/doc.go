// Package core holds the credential broker domain: provider contracts, the
// token lifecycle manager, store contracts with in-memory implementations,
// and the error taxonomy shared by every adapter. Core must not depend on
// provider-specific, storage-specific or transport-specific packages.
package core
