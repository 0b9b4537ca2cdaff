// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
)

type contextKey string

const (
	userIDKey   contextKey = "user_id"
	operatorKey contextKey = "operator"
)

// SetUserID sets the authenticated user ID in the context
func SetUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// GetUserID retrieves the user ID from the context
func GetUserID(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(userIDKey).(string)
	return userID, ok
}

// SetOperator marks the caller as an operator acting for other users
func SetOperator(ctx context.Context, operator bool) context.Context {
	return context.WithValue(ctx, operatorKey, operator)
}

// IsOperator reports whether the caller carries an operator token
func IsOperator(ctx context.Context) bool {
	op, _ := ctx.Value(operatorKey).(bool)
	return op
}
