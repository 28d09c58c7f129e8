package auth

import (
	"encoding/base64"
	"fmt"

	"github.com/go-webauthn/webauthn/webauthn"

	"ttyhub/internal/state"
)

// serviceUser adapts the single-owner state to the webauthn.User interface.
type serviceUser struct {
	id    []byte
	name  string
	creds []webauthn.Credential
}

func (u *serviceUser) WebAuthnID() []byte                         { return u.id }
func (u *serviceUser) WebAuthnName() string                       { return u.name }
func (u *serviceUser) WebAuthnDisplayName() string                { return u.name }
func (u *serviceUser) WebAuthnCredentials() []webauthn.Credential { return u.creds }

// stateUser builds the webauthn user for the owner recorded in st, including
// all registered credentials. Credentials that fail to decode are skipped.
func stateUser(st state.AuthState) *serviceUser {
	u := &serviceUser{id: []byte("owner"), name: "owner"}
	if st.User != nil {
		if id, err := base64.RawURLEncoding.DecodeString(st.User.ID); err == nil {
			u.id = id
		}
		u.name = st.User.Name
	}
	for _, c := range st.Credentials {
		wc, err := decodeCredential(c)
		if err != nil {
			continue
		}
		u.creds = append(u.creds, wc)
	}
	return u
}

func encodeCredentialID(raw []byte) string {
	return base64.RawURLEncoding.EncodeToString(raw)
}

func decodeCredential(c state.Credential) (webauthn.Credential, error) {
	id, err := base64.RawURLEncoding.DecodeString(c.ID)
	if err != nil {
		return webauthn.Credential{}, fmt.Errorf("auth: decode credential id: %w", err)
	}
	key, err := base64.RawURLEncoding.DecodeString(c.PublicKey)
	if err != nil {
		return webauthn.Credential{}, fmt.Errorf("auth: decode public key: %w", err)
	}
	return webauthn.Credential{
		ID:        id,
		PublicKey: key,
		Authenticator: webauthn.Authenticator{
			SignCount: c.Counter,
		},
	}, nil
}
