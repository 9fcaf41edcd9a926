package paketest

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"io"
	"sync"

	"cloudauth/cmd/internal/pake"
)

// NonceSize is the length of every nonce exchanged by the suite.
const NonceSize = 32

// Domain separation labels.
const (
	labelLoginServer = "paketest login server"
	labelLoginClient = "paketest login client"
	labelLoginExport = "paketest login export"
	labelRegRecord   = "paketest registration record"
	labelRegExport   = "paketest registration export"
)

// Suite hands out the login and registration capabilities of the toy protocol.
// It tracks every ephemeral state it hands out so tests can assert wiping.
type Suite struct {
	mu     sync.Mutex
	states []*state
}

// Login returns the suite as a login capability.
func (s *Suite) Login() pake.ClientLogin { return loginSuite{s} }

// Registration returns the suite as a registration capability.
func (s *Suite) Registration() pake.ClientRegistration { return registrationSuite{s} }

// States reports how many ephemeral states were created and how many were wiped.
func (s *Suite) States() (created, wiped int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, st := range s.states {
		if st.wiped {
			wiped++
		}
	}
	return len(s.states), wiped
}

func (s *Suite) start(rng io.Reader, password []byte) (*state, []byte, error) {
	if len(password) == 0 {
		return nil, nil, fmt.Errorf("%w: empty password", pake.ErrInvalidMessage)
	}

	st := &state{suite: s, nonce: make([]byte, NonceSize), password: bytes.Clone(password)}
	if _, err := io.ReadFull(rng, st.nonce); err != nil {
		return nil, nil, fmt.Errorf("paketest: read nonce: %w", err)
	}

	s.mu.Lock()
	s.states = append(s.states, st)
	s.mu.Unlock()

	return st, bytes.Clone(st.nonce), nil
}

type loginSuite struct{ s *Suite }

func (l loginSuite) Start(rng io.Reader, password []byte) ([]byte, pake.LoginState, error) {
	st, msg, err := l.s.start(rng, password)
	if err != nil {
		return nil, nil, err
	}
	return msg, (*loginState)(st), nil
}

type registrationSuite struct{ s *Suite }

func (r registrationSuite) Start(rng io.Reader, password []byte) ([]byte, pake.RegistrationState, error) {
	st, msg, err := r.s.start(rng, password)
	if err != nil {
		return nil, nil, err
	}
	return msg, (*registrationState)(st), nil
}

// state is shared by both flows. It is used by one handshake at a time; the
// suite mutex only guards the wiped flag read by States.
type state struct {
	suite    *Suite
	nonce    []byte
	password []byte
	consumed bool
	wiped    bool
}

func (st *state) take(password []byte) error {
	st.suite.mu.Lock()
	wiped := st.wiped
	st.suite.mu.Unlock()

	if st.consumed || wiped {
		return pake.ErrStateConsumed
	}
	st.consumed = true
	if !hmac.Equal(password, st.password) {
		return fmt.Errorf("%w: password changed between start and finish", pake.ErrAuthentication)
	}
	return nil
}

func (st *state) Wipe() {
	pake.WipeBytes(st.nonce)
	pake.WipeBytes(st.password)

	st.suite.mu.Lock()
	st.wiped = true
	st.suite.mu.Unlock()
}

type loginState state

func (ls *loginState) Wipe() { (*state)(ls).Wipe() }

func (ls *loginState) Finish(password, response []byte) (pake.FinishResult, error) {
	st := (*state)(ls)
	if err := st.take(password); err != nil {
		return pake.FinishResult{}, err
	}
	if len(response) != NonceSize+sha256.Size {
		return pake.FinishResult{}, fmt.Errorf("%w: login response is %d bytes", pake.ErrInvalidMessage, len(response))
	}

	serverNonce, serverMAC := response[:NonceSize], response[NonceSize:]
	if !hmac.Equal(serverMAC, mac(password, labelLoginServer, st.nonce, serverNonce)) {
		return pake.FinishResult{}, pake.ErrAuthentication
	}

	return pake.FinishResult{
		Message:   mac(password, labelLoginClient, st.nonce, serverNonce),
		ExportKey: mac(password, labelLoginExport, st.nonce, serverNonce),
	}, nil
}

type registrationState state

func (rs *registrationState) Wipe() { (*state)(rs).Wipe() }

func (rs *registrationState) Finish(rng io.Reader, password, response []byte) (pake.FinishResult, error) {
	st := (*state)(rs)
	if err := st.take(password); err != nil {
		return pake.FinishResult{}, err
	}
	if len(response) != NonceSize {
		return pake.FinishResult{}, fmt.Errorf("%w: registration response is %d bytes", pake.ErrInvalidMessage, len(response))
	}

	envelope := make([]byte, NonceSize)
	if _, err := io.ReadFull(rng, envelope); err != nil {
		return pake.FinishResult{}, fmt.Errorf("paketest: read envelope nonce: %w", err)
	}

	record := mac(password, labelRegRecord, st.nonce, response, envelope)
	return pake.FinishResult{
		Message:   append(envelope, record...),
		ExportKey: mac(password, labelRegExport, st.nonce, response, envelope),
	}, nil
}

func mac(key []byte, label string, parts ...[]byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(label))
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}
