// Copyright 2026 FinOs Authors
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
)

type contextKey string

const (
	accountIDKey contextKey = "account_id"
	deviceIDKey  contextKey = "device_id"
)

// SetAccountID sets the authenticated account ID in the context.
func SetAccountID(ctx context.Context, accountID string) context.Context {
	return context.WithValue(ctx, accountIDKey, accountID)
}

// GetAccountID retrieves the authenticated account ID from the context.
func GetAccountID(ctx context.Context) (string, bool) {
	accountID, ok := ctx.Value(accountIDKey).(string)
	return accountID, ok
}

// SetDeviceID sets the calling device ID in the context.
func SetDeviceID(ctx context.Context, deviceID string) context.Context {
	return context.WithValue(ctx, deviceIDKey, deviceID)
}

// GetDeviceID retrieves the calling device ID from the context.
func GetDeviceID(ctx context.Context) (string, bool) {
	deviceID, ok := ctx.Value(deviceIDKey).(string)
	return deviceID, ok
}

// SetAuthContext sets both account and device ID in the context.
func SetAuthContext(ctx context.Context, accountID, deviceID string) context.Context {
	ctx = SetAccountID(ctx, accountID)
	ctx = SetDeviceID(ctx, deviceID)
	return ctx
}
