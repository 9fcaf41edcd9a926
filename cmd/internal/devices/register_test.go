package devices

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"cloudauth/cmd/internal/pake/paketest"
	v1 "cloudauth/shared/contracts/devices/v1"
)

func registerServer(t *testing.T, password []byte, got chan<- v1.RegisterPayload, keys chan<- []byte) serverFunc {
	srv := paketest.Server{Password: password}
	return func(first v1.Envelope, in <-chan v1.Envelope, out chan<- v1.Envelope) {
		var p v1.RegisterPayload
		mustDecode(t, first, &p)
		got <- p

		resp, err := srv.RegistrationResponse(paketest.NewDeterministicReader("server"), p.OpaqueRegisterMessage)
		if err != nil {
			respondError(out, "bad_request", err.Error())
			return
		}
		respond(out, v1.StateRegistrationResponse, resp)

		fin, ok := recvTimeout(in)
		if !ok || fin.Type != v1.TypeRegisterFinish {
			return
		}
		var f v1.RegisterFinishPayload
		mustDecode(t, fin, &f)

		export, err := srv.VerifyRegistration(p.OpaqueRegisterMessage, resp, f.OpaqueRegistrationFinish)
		if err != nil {
			respondError(out, "unauthorized", err.Error())
			return
		}
		keys <- export
		respond(out, v1.StateEnd, nil)
	}
}

func testRegisterData() RegisterData {
	return RegisterData{
		Name:          "studio-laptop",
		OS:            OSLinux,
		HardwareModel: "Framework 13",
		StorageSize:   1 << 40,
		UsedStorage:   1 << 38,
		ConnectionID:  "01J9ZK3V6Q7W8X9Y0A1B2C3D4E",
	}
}

func TestRegister_DerivesServerKey(t *testing.T) {
	t.Parallel()

	id := testIdentity(t)
	payloads := make(chan v1.RegisterPayload, 1)
	keys := make(chan []byte, 1)
	suite := &paketest.Suite{}
	streamer := &fakeStreamer{serve: registerServer(t, id.Secret[:], payloads, keys)}
	c := NewClient(testLogger(), streamer, suite.Login(), suite.Registration())

	data := testRegisterData()
	key, err := c.Register(context.Background(), "access-1", data, id, paketest.NewDeterministicReader("client"))
	if err != nil {
		t.Fatalf("Register()=%v", err)
	}

	p := <-payloads
	if p.AccessToken != "access-1" || p.PubID != testPubID.String() || p.Name != data.Name ||
		p.OS != string(OSLinux) || p.HardwareModel != data.HardwareModel ||
		p.StorageSize != data.StorageSize || p.UsedStorage != data.UsedStorage ||
		p.ConnectionID != data.ConnectionID {
		t.Fatalf("register payload=%+v", p)
	}

	if !bytes.Equal(key[:], <-keys) {
		t.Fatalf("client and server keys differ")
	}
	if created, wiped := suite.States(); created != 1 || wiped != 1 {
		t.Fatalf("States()=%d,%d want 1,1", created, wiped)
	}
}

func TestRegister_EndInRoundOneIsDesync(t *testing.T) {
	t.Parallel()

	suite := &paketest.Suite{}
	streamer := &fakeStreamer{serve: func(first v1.Envelope, in <-chan v1.Envelope, out chan<- v1.Envelope) {
		respond(out, v1.StateEnd, nil)
	}}
	c := NewClient(testLogger(), streamer, suite.Login(), suite.Registration())

	key, err := c.Register(context.Background(), "access", testRegisterData(), testIdentity(t), paketest.NewDeterministicReader("c"))

	var de DesyncError
	if !errors.As(err, &de) || de.Flow != FlowRegister || de.Got != v1.StateEnd {
		t.Fatalf("Register() err=%v want register desync", err)
	}
	if !key.IsZero() {
		t.Fatalf("desync returned a key")
	}
	if streamer.Last().Aborted() == "" {
		t.Fatalf("stream not aborted on desync")
	}
}

func TestRegister_LoginResponseIsDesync(t *testing.T) {
	t.Parallel()

	suite := &paketest.Suite{}
	streamer := &fakeStreamer{serve: func(first v1.Envelope, in <-chan v1.Envelope, out chan<- v1.Envelope) {
		respond(out, v1.StateLoginResponse, make([]byte, paketest.NonceSize))
	}}
	c := NewClient(testLogger(), streamer, suite.Login(), suite.Registration())

	_, err := c.Register(context.Background(), "access", testRegisterData(), testIdentity(t), paketest.NewDeterministicReader("c"))
	if !errors.Is(err, ErrProtocolDesync) {
		t.Fatalf("Register() err=%v want ErrProtocolDesync", err)
	}
}

func TestRegister_InvalidData(t *testing.T) {
	t.Parallel()

	suite := &paketest.Suite{}
	c := NewClient(testLogger(), &fakeStreamer{}, suite.Login(), suite.Registration())

	mutate := []func(*RegisterData){
		func(d *RegisterData) { d.Name = " " },
		func(d *RegisterData) { d.OS = "" },
		func(d *RegisterData) { d.ConnectionID = "" },
		func(d *RegisterData) { d.UsedStorage = d.StorageSize + 1 },
	}
	for i, m := range mutate {
		data := testRegisterData()
		m(&data)
		if _, err := c.Register(context.Background(), "access", data, testIdentity(t), nil); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("case %d: Register() err=%v want ErrInvalidInput", i, err)
		}
	}
	if created, _ := suite.States(); created != 0 {
		t.Fatalf("invalid input reached the key exchange")
	}
}
