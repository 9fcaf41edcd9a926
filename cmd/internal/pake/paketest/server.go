package paketest

import (
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"io"

	"cloudauth/cmd/internal/pake"
)

// Server is the peer side of the toy suite. Password is the password-equivalent
// record the server holds for the device.
type Server struct {
	Password []byte
}

// LoginResponse answers a login start message.
func (s Server) LoginResponse(rng io.Reader, start []byte) ([]byte, error) {
	if len(start) != NonceSize {
		return nil, fmt.Errorf("%w: login start is %d bytes", pake.ErrInvalidMessage, len(start))
	}
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rng, nonce); err != nil {
		return nil, fmt.Errorf("paketest: read nonce: %w", err)
	}
	return append(nonce, mac(s.Password, labelLoginServer, start, nonce)...), nil
}

// VerifyLogin checks the client's completion and returns the export key the client derived.
func (s Server) VerifyLogin(start, response, finish []byte) ([]byte, error) {
	if len(response) < NonceSize {
		return nil, pake.ErrInvalidMessage
	}
	serverNonce := response[:NonceSize]
	if !hmac.Equal(finish, mac(s.Password, labelLoginClient, start, serverNonce)) {
		return nil, pake.ErrAuthentication
	}
	return mac(s.Password, labelLoginExport, start, serverNonce), nil
}

// RegistrationResponse answers a registration start message.
func (s Server) RegistrationResponse(rng io.Reader, start []byte) ([]byte, error) {
	if len(start) != NonceSize {
		return nil, fmt.Errorf("%w: registration start is %d bytes", pake.ErrInvalidMessage, len(start))
	}
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rng, nonce); err != nil {
		return nil, fmt.Errorf("paketest: read nonce: %w", err)
	}
	return nonce, nil
}

// VerifyRegistration checks the uploaded record and returns the export key the client derived.
func (s Server) VerifyRegistration(start, response, finish []byte) ([]byte, error) {
	if len(finish) != NonceSize+sha256.Size {
		return nil, fmt.Errorf("%w: registration record is %d bytes", pake.ErrInvalidMessage, len(finish))
	}
	envelope, record := finish[:NonceSize], finish[NonceSize:]
	if !hmac.Equal(record, mac(s.Password, labelRegRecord, start, response, envelope)) {
		return nil, pake.ErrAuthentication
	}
	return mac(s.Password, labelRegExport, start, response, envelope), nil
}
