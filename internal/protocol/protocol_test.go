package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	data, err := Encode(CmdContainerStop, &ContainerStopRequest{ID: "abc"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"command":"container.stop","payload":{"id":"abc"}}`, string(data))

	env, payload, err := Decode(append(data, '\n'))
	require.NoError(t, err)
	assert.Equal(t, CmdContainerStop, env.Command)

	req, err := DecodePayload[ContainerStopRequest](payload)
	require.NoError(t, err)
	assert.Equal(t, "abc", req.ID)
}

func TestEncodeNilPayload(t *testing.T) {
	data, err := Encode(CmdStatus, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"command":"status"}`, string(data))

	_, payload, err := Decode(data)
	require.NoError(t, err)
	req, err := DecodePayload[ContainerRequest](payload)
	require.NoError(t, err)
	assert.Empty(t, req.ID)
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"not json", "hello"},
		{"missing command", `{"payload":{}}`},
		{"empty", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := Decode([]byte(tt.input))
			assert.ErrorIs(t, err, ErrProtocol)
		})
	}
}

func TestDecodePayloadRejectsUnknownFields(t *testing.T) {
	_, err := DecodePayload[ContainerRequest](json.RawMessage(`{"id":"x","force":true}`))
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestErrorClassesRoundTrip(t *testing.T) {
	tests := []struct {
		err  error
		kind string
		is   func(error) bool
	}{
		{fmt.Errorf("container %w", errdefs.ErrNotFound), KindNotFound, errdefs.IsNotFound},
		{fmt.Errorf("bad: %w", errdefs.ErrInvalidArgument), KindInvalidArgument, errdefs.IsInvalidArgument},
		{fmt.Errorf("running: %w", errdefs.ErrFailedPrecondition), KindFailedPrecondition, errdefs.IsFailedPrecondition},
		{fmt.Errorf("digest: %w", errdefs.ErrDataLoss), KindDataLoss, errdefs.IsDataLoss},
		{errors.New("boom"), KindUnknown, errdefs.IsUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			res := NewError(tt.err)
			assert.Equal(t, tt.kind, res.Kind)

			err := res.Err()
			assert.Equal(t, tt.err.Error(), err.Error())
			assert.True(t, tt.is(err))
		})
	}
}
