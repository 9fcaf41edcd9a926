package devices

import (
	"fmt"
	"runtime"

	"cloudauth/cmd/identity/ids"
	"cloudauth/cmd/security/digest"

	"github.com/google/uuid"
)

// Identity is the local device's public id and the secret derived from it.
// Secret is the password input of both PAKE flows.
type Identity struct {
	PubID  uuid.UUID
	Secret [digest.SecretSize]byte
}

// NewIdentity derives the identity secret from pubID.
func NewIdentity(pubID uuid.UUID) (Identity, error) {
	if pubID == uuid.Nil {
		return Identity{}, fmt.Errorf("%w: nil device pub id", ErrInvalidInput)
	}
	secret, err := digest.IdentitySecret(pubID[:])
	if err != nil {
		return Identity{}, err
	}
	return Identity{PubID: pubID, Secret: secret}, nil
}

// NewPubID returns a fresh time-ordered device public id.
func NewPubID() (uuid.UUID, error) {
	return uuid.NewV7()
}

// ParsePubID parses the textual form of a device public id.
func ParsePubID(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: pub id: %v", ErrInvalidInput, err)
	}
	return id, nil
}

// OS is the wire name of a device operating system.
type OS string

const (
	OSLinux   OS = "linux"
	OSWindows OS = "windows"
	OSMacOS   OS = "macos"
	OSIOS     OS = "ios"
	OSAndroid OS = "android"
	OSUnknown OS = "unknown"
)

// CurrentOS maps runtime.GOOS to the wire enum.
func CurrentOS() OS {
	return osFromGOOS(runtime.GOOS)
}

func osFromGOOS(goos string) OS {
	switch goos {
	case "linux":
		return OSLinux
	case "windows":
		return OSWindows
	case "darwin":
		return OSMacOS
	case "ios":
		return OSIOS
	case "android":
		return OSAndroid
	default:
		return OSUnknown
	}
}

// NewConnectionID returns an id for the device's cloud connection.
func NewConnectionID() (string, error) {
	return ids.NewULID(timeNow())
}
