package devices

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"cloudauth/cmd/internal/auth/token"
	v1 "cloudauth/shared/contracts/devices/v1"

	"github.com/google/uuid"
)

// Device is a device registered with the cloud service.
type Device struct {
	PubID         uuid.UUID
	Name          string
	OS            OS
	HardwareModel string
	StorageSize   uint64
	UsedStorage   uint64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Get fetches one device.
func (c *Client) Get(ctx context.Context, access token.Access, pubID uuid.UUID) (Device, error) {
	if err := requireAccess(access); err != nil {
		return Device{}, err
	}
	res, err := c.unary(ctx, "get", v1.TypeGet, v1.DeviceRequestPayload{AccessToken: string(access), PubID: pubID.String()})
	if err != nil {
		return Device{}, err
	}
	if res.Device == nil {
		return Device{}, DesyncError{Flow: "get", Phase: "result", Got: "empty result"}
	}

	d, err := deviceFromWire(*res.Device)
	if err != nil {
		return Device{}, err
	}
	c.log.Debug("devices.get", "pub_id", d.PubID.String())
	return d, nil
}

// List returns every device of the account except local, the device making the call.
func (c *Client) List(ctx context.Context, access token.Access, local uuid.UUID) ([]Device, error) {
	if err := requireAccess(access); err != nil {
		return nil, err
	}
	res, err := c.unary(ctx, "list", v1.TypeList, v1.DeviceRequestPayload{AccessToken: string(access)})
	if err != nil {
		return nil, err
	}

	out := make([]Device, 0, len(res.Devices))
	for _, w := range res.Devices {
		d, err := deviceFromWire(w)
		if err != nil {
			return nil, err
		}
		if d.PubID == local {
			continue
		}
		out = append(out, d)
	}

	c.log.Debug("devices.list", "count", len(out))
	return out, nil
}

// Delete removes a device from the account.
func (c *Client) Delete(ctx context.Context, access token.Access, pubID uuid.UUID) error {
	if err := requireAccess(access); err != nil {
		return err
	}
	_, err := c.unary(ctx, "delete", v1.TypeDelete, v1.DeviceRequestPayload{AccessToken: string(access), PubID: pubID.String()})
	if err != nil {
		return err
	}
	c.log.Info("devices.delete", "pub_id", pubID.String())
	return nil
}

// Update renames a device.
func (c *Client) Update(ctx context.Context, access token.Access, pubID uuid.UUID, name string) error {
	if err := requireAccess(access); err != nil {
		return err
	}
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: device name required", ErrInvalidInput)
	}
	_, err := c.unary(ctx, "update", v1.TypeUpdate, v1.UpdatePayload{AccessToken: string(access), PubID: pubID.String(), Name: name})
	if err != nil {
		return err
	}
	c.log.Info("devices.update", "pub_id", pubID.String())
	return nil
}

// unary sends one request on a fresh stream and reads exactly one result.
func (c *Client) unary(ctx context.Context, op, typ string, payload any) (v1.ResultPayload, error) {
	req, err := v1.NewEnvelope(typ, "", time.Time{}, payload)
	if err != nil {
		return v1.ResultPayload{}, fmt.Errorf("%s: build request: %w", op, err)
	}

	s, err := c.streamer.Open(ctx, req)
	if err != nil {
		return v1.ResultPayload{}, commError(ctx, op, "open", err)
	}
	defer func() { _ = s.Close() }()

	env, err := s.Recv(ctx)
	if err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return v1.ResultPayload{}, commError(ctx, op, "recv result", err)
	}

	switch env.Type {
	case v1.TypeResult:
	case v1.TypeError:
		err := remoteError(env)
		c.log.Warn("devices.rpc.fail", "op", op, "err", err)
		return v1.ResultPayload{}, err
	default:
		return v1.ResultPayload{}, desync(s, op, "result", env.Type)
	}

	var res v1.ResultPayload
	if len(env.Payload) == 0 {
		return res, nil
	}
	if err := env.Decode(&res); err != nil {
		return v1.ResultPayload{}, desync(s, op, "result", "undecodable result")
	}
	return res, nil
}

func deviceFromWire(w v1.Device) (Device, error) {
	id, err := uuid.Parse(w.PubID)
	if err != nil {
		return Device{}, DesyncError{Flow: "device", Phase: "result", Got: "invalid pub id " + w.PubID}
	}
	return Device{
		PubID:         id,
		Name:          w.Name,
		OS:            OS(w.OS),
		HardwareModel: w.HardwareModel,
		StorageSize:   w.StorageSize,
		UsedStorage:   w.UsedStorage,
		CreatedAt:     w.CreatedAt,
		UpdatedAt:     w.UpdatedAt,
	}, nil
}
