// Package credential acquires and caches bearer tokens for the remote agent
// service using the OAuth2 client-credentials grant.
//
// A Provider is created once per process and shared. Tokens are fetched
// lazily on first use, reused until shortly before expiry, and dropped on
// Invalidate so the next request re-authenticates. Provider implements
// oauth2.TokenSource and hands out an *http.Client that injects the token
// into every request.
package credential
