package mssql

// AuthProvider is the opaque credential-producer boundary (§6). The core
// never implements SQL auth, Windows-integrated auth, or Azure AD token
// auth itself; it only calls into whatever AuthProvider the caller supplies
// at Config.Auth.
//
// A nil AuthProvider means plain SQL login: Config.User/Password are sent
// directly in LOGIN7 and ProduceLogin7Auth/NextAuthMessage are never
// called.
type AuthProvider interface {
	// ProduceLogin7Auth returns an SSPI blob (if any) and whether integrated
	// security is in use. When integrated is true the handshake sends LOGIN7
	// with an empty UserName and Password. The blob is not placed in LOGIN7
	// (its SSPI field stays empty) and OptionFlags2's integrated-security bit
	// is not set.
	ProduceLogin7Auth() (sspi []byte, integrated bool, err error)

	// NextAuthMessage continues a multi-round SSPI/federated-auth
	// handshake: given the server's challenge bytes (from an SSPI or
	// FedAuthInfo token), it returns the client's next message, or ok=false
	// once the provider considers the handshake complete.
	NextAuthMessage(serverMsg []byte) (clientMsg []byte, ok bool, err error)
}

// sqlAuthProvider is the trivial AuthProvider used when Config.Auth is nil:
// it contributes nothing, since plain SQL login fields are already on the
// LOGIN7 request itself.
type sqlAuthProvider struct{}

func (sqlAuthProvider) ProduceLogin7Auth() ([]byte, bool, error) { return nil, false, nil }
func (sqlAuthProvider) NextAuthMessage([]byte) ([]byte, bool, error) { return nil, false, nil }

func resolveAuth(a AuthProvider) AuthProvider {
	if a == nil {
		return sqlAuthProvider{}
	}
	return a
}
