// Package remote holds the collaborators mutations are delivered to.
package remote

import (
	"context"
	"encoding/json"
	"errors"
)

var (
	ErrUnknownCollection = errors.New("unknown collection")
	ErrOffline           = errors.New("remote backend not configured")
)

// Backend applies one mutation to the remote system of record. Any non-nil
// error is a failed delivery.
type Backend interface {
	Insert(ctx context.Context, collection string, payload json.RawMessage) error
	UpdateByID(ctx context.Context, collection, id string, payload json.RawMessage) error
	DeleteByID(ctx context.Context, collection, id string) error
	Ping(ctx context.Context) error
}

// Unconfigured rejects every delivery. It keeps the queue intact when the
// process runs without a remote.
type Unconfigured struct{}

func (Unconfigured) Insert(context.Context, string, json.RawMessage) error { return ErrOffline }

func (Unconfigured) UpdateByID(context.Context, string, string, json.RawMessage) error {
	return ErrOffline
}

func (Unconfigured) DeleteByID(context.Context, string, string) error { return ErrOffline }

func (Unconfigured) Ping(context.Context) error { return ErrOffline }
