package access

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
)

// Accessor is a typed handle on one characteristic.
type Accessor[T any] struct {
	svc         *Service
	serviceUUID string
	charUUID    string
	codec       Codec[T]
}

// New creates an accessor for the characteristic charUUID of serviceUUID.
func New[T any](svc *Service, serviceUUID, charUUID string, codec Codec[T]) *Accessor[T] {
	return &Accessor[T]{svc: svc, serviceUUID: serviceUUID, charUUID: charUUID, codec: codec}
}

// Read reads the characteristic and decodes its value.
func (a *Accessor[T]) Read(ctx context.Context) (T, error) {
	var zero T
	data, err := a.svc.Read(ctx, a.serviceUUID, a.charUUID)
	if err != nil {
		return zero, err
	}
	return a.codec.Decode(data)
}

// Write encodes v and writes it with a write request.
func (a *Accessor[T]) Write(ctx context.Context, v T) error {
	return a.write(ctx, v, true)
}

// WriteWithoutResponse encodes v and sends it as a write command.
func (a *Accessor[T]) WriteWithoutResponse(ctx context.Context, v T) error {
	return a.write(ctx, v, false)
}

func (a *Accessor[T]) write(ctx context.Context, v T, withResponse bool) error {
	data, err := a.codec.Encode(v)
	if err != nil {
		return err
	}
	return a.svc.Write(ctx, a.serviceUUID, a.charUUID, data, withResponse)
}

// Notify subscribes handler to decoded value updates. Values the codec rejects are
// logged and dropped.
func (a *Accessor[T]) Notify(ctx context.Context, handler func(T)) (*Subscription, error) {
	if handler == nil {
		return nil, fmt.Errorf("notification handler is required")
	}
	return a.svc.Notify(ctx, a.serviceUUID, a.charUUID, func(data []byte) {
		v, err := a.codec.Decode(data)
		if err != nil {
			a.svc.logger.WithFields(logrus.Fields{
				"char_uuid": a.charUUID,
				"codec":     a.codec.Name(),
				"error":     err,
			}).Warn("Dropping undecodable notification")
			return
		}
		handler(v)
	})
}

// Subscribers returns how many subscriptions are open on the characteristic, typed or not.
func (a *Accessor[T]) Subscribers() int {
	return a.svc.Subscribers(a.serviceUUID, a.charUUID)
}
