package delivery

import "sync"

// AuthState is the process-wide authentication state: the cached
// credential and whether the gateway last accepted it. It is cleared on any
// 401-class response and is independent of the recording session.
type AuthState struct {
	mu            sync.RWMutex
	credential    string
	authenticated bool
}

// Set caches a credential the gateway has accepted.
func (a *AuthState) Set(credential string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.credential = credential
	a.authenticated = credential != ""
}

// Clear forgets the credential.
func (a *AuthState) Clear() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.credential = ""
	a.authenticated = false
}

// Credential returns the cached credential and whether it is usable.
func (a *AuthState) Credential() (string, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.credential, a.authenticated
}

// Authenticated reports whether a credential is cached.
func (a *AuthState) Authenticated() bool {
	_, ok := a.Credential()
	return ok
}
