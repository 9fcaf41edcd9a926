// Package v1 defines the cloud device protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between the device client and test servers to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is the WebSocket subprotocol negotiated for device streams.
const Subprotocol = "cloud.devices.v1"

// Type constants (wire-stable).
const (
	// TypeHello opens a device login stream (client -> server).
	TypeHello = "device_hello"
	// TypeHelloFinish continues a device login stream with the PAKE completion (client -> server).
	TypeHelloFinish = "device_hello_finish"

	// TypeRegister opens a device registration stream (client -> server).
	TypeRegister = "device_register"
	// TypeRegisterFinish continues a device registration stream with the PAKE completion (client -> server).
	TypeRegisterFinish = "device_register_finish"

	// TypeResponse carries a handshake state transition (server -> client).
	TypeResponse = "device_response"

	// TypeGet, TypeList, TypeDelete and TypeUpdate are unary device requests (client -> server).
	TypeGet    = "device_get"
	TypeList   = "device_list"
	TypeDelete = "device_delete"
	TypeUpdate = "device_update"

	// TypeResult answers a unary request (server -> client).
	TypeResult = "device_result"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Handshake states carried by ResponsePayload.
const (
	StateLoginResponse        = "login_response"
	StateRegistrationResponse = "registration_response"
	StateEnd                  = "end"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeHello,
		TypeHelloFinish,
		TypeRegister,
		TypeRegisterFinish,
		TypeResponse,
		TypeGet,
		TypeList,
		TypeDelete,
		TypeUpdate,
		TypeResult,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// NewEnvelope marshals payload into an Envelope of the given type.
func NewEnvelope(typ, id string, ts time.Time, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	return Envelope{V: Version, Type: typ, ID: id, TS: ts, Payload: raw}, nil
}

// Decode unmarshals the envelope payload into dst.
func (e Envelope) Decode(dst any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s: missing payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("%s: invalid payload: %w", e.Type, err)
	}
	return nil
}

// ---- Payloads ----

// HelloPayload opens a device login. OpaqueLoginMessage is the PAKE start message.
type HelloPayload struct {
	AccessToken        string `json:"access_token"`
	PubID              string `json:"pub_id"`
	OpaqueLoginMessage []byte `json:"opaque_login_message"`
}

// HelloFinishPayload carries the PAKE login completion message.
type HelloFinishPayload struct {
	OpaqueLoginFinish []byte `json:"opaque_login_finish"`
}

// RegisterPayload opens a device registration.
type RegisterPayload struct {
	AccessToken           string `json:"access_token"`
	PubID                 string `json:"pub_id"`
	Name                  string `json:"name"`
	OS                    string `json:"os"`
	HardwareModel         string `json:"hardware_model"`
	StorageSize           uint64 `json:"storage_size"`
	UsedStorage           uint64 `json:"used_storage"`
	ConnectionID          string `json:"connection_id"`
	OpaqueRegisterMessage []byte `json:"opaque_register_message"`
}

// RegisterFinishPayload carries the PAKE registration completion message.
type RegisterFinishPayload struct {
	OpaqueRegistrationFinish []byte `json:"opaque_registration_finish"`
}

// ResponsePayload is a handshake state transition.
// Message is empty when State is StateEnd.
type ResponsePayload struct {
	State   string `json:"state"`
	Message []byte `json:"message,omitempty"`
}

// DeviceRequestPayload addresses a single device (get, delete).
type DeviceRequestPayload struct {
	AccessToken string `json:"access_token"`
	PubID       string `json:"pub_id,omitempty"`
}

// UpdatePayload renames a device.
type UpdatePayload struct {
	AccessToken string `json:"access_token"`
	PubID       string `json:"pub_id"`
	Name        string `json:"name"`
}

// Device is the server-side view of a registered device.
type Device struct {
	PubID         string    `json:"pub_id"`
	Name          string    `json:"name"`
	OS            string    `json:"os"`
	HardwareModel string    `json:"hardware_model"`
	StorageSize   uint64    `json:"storage_size"`
	UsedStorage   uint64    `json:"used_storage"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// ResultPayload answers unary requests. Only the fields relevant to the request are set.
type ResultPayload struct {
	Device  *Device  `json:"device,omitempty"`
	Devices []Device `json:"devices,omitempty"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
