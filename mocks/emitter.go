package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"
)

type Emitter struct {
	mock.Mock
}

func (m *Emitter) Emit(ctx context.Context, connectionID string, event string, data interface{}) error {
	args := m.Called(ctx, connectionID, event, data)
	return args.Error(0)
}

func (m *Emitter) ForceClose(ctx context.Context, connectionID string, detach bool, reason string) error {
	args := m.Called(ctx, connectionID, detach, reason)
	return args.Error(0)
}
