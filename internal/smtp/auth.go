// Package smtp implements the SMTP ingress: a go-smtp backend that parses
// accepted messages and appends them to the node mailbox.
package smtp

import (
	"crypto/subtle"

	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"
)

// Authenticator checks SMTP AUTH credentials against a configured pair.
type Authenticator struct {
	username string
	password string
}

// NewAuthenticator creates an Authenticator with the given credentials.
// If either is empty, authentication is disabled.
func NewAuthenticator(username, password string) *Authenticator {
	return &Authenticator{
		username: username,
		password: password,
	}
}

// Enabled returns true if authentication credentials are configured.
func (a *Authenticator) Enabled() bool {
	return a.username != "" && a.password != ""
}

// Verify compares the given credentials in constant time and returns
// ErrAuthFailed on mismatch.
func (a *Authenticator) Verify(username, password string) error {
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(a.username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(password), []byte(a.password)) == 1
	if !userOK || !passOK {
		return gosmtp.ErrAuthFailed
	}
	return nil
}

// Mechanisms lists the SASL mechanisms offered when authentication is
// enabled.
func (a *Authenticator) Mechanisms() []string {
	if !a.Enabled() {
		return nil
	}
	return []string{sasl.Plain, sasl.Login}
}

// Server returns a SASL server for mech. onSuccess runs once the client has
// authenticated.
func (a *Authenticator) Server(mech string, onSuccess func(username string)) (sasl.Server, error) {
	verify := func(username, password string) error {
		if err := a.Verify(username, password); err != nil {
			return err
		}
		onSuccess(username)
		return nil
	}

	switch mech {
	case sasl.Plain:
		return sasl.NewPlainServer(func(_, username, password string) error {
			return verify(username, password)
		}), nil
	case sasl.Login:
		return &loginServer{verify: verify}, nil
	default:
		return nil, gosmtp.ErrAuthUnknownMechanism
	}
}

// loginServer implements the server side of AUTH LOGIN.
type loginServer struct {
	verify   func(username, password string) error
	username string
	step     int
}

func (s *loginServer) Next(response []byte) (challenge []byte, done bool, err error) {
	switch s.step {
	case 0:
		s.step++
		// AUTH LOGIN with an initial response carries the username.
		if response != nil {
			s.username = string(response)
			s.step++
			return []byte("Password:"), false, nil
		}
		return []byte("Username:"), false, nil
	case 1:
		s.username = string(response)
		s.step++
		return []byte("Password:"), false, nil
	case 2:
		s.step++
		return nil, true, s.verify(s.username, string(response))
	default:
		return nil, true, sasl.ErrUnexpectedClientResponse
	}
}
