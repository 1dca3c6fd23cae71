// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
)

type contextKey string

const (
	surveyorIDKey contextKey = "surveyor_id"
	deviceIDKey   contextKey = "device_id"
)

// SetDeviceID sets the device ID in the context
func SetDeviceID(ctx context.Context, deviceID string) context.Context {
	return context.WithValue(ctx, deviceIDKey, deviceID)
}

// GetDeviceID retrieves the device ID from the context
func GetDeviceID(ctx context.Context) (string, bool) {
	deviceID, ok := ctx.Value(deviceIDKey).(string)
	return deviceID, ok && deviceID != ""
}

// SetSurveyorID sets the surveyor ID in the context
func SetSurveyorID(ctx context.Context, surveyorID string) context.Context {
	return context.WithValue(ctx, surveyorIDKey, surveyorID)
}

// GetSurveyorID retrieves the surveyor ID from the context
func GetSurveyorID(ctx context.Context) (string, bool) {
	surveyorID, ok := ctx.Value(surveyorIDKey).(string)
	return surveyorID, ok && surveyorID != ""
}

// SetIdentity sets both surveyor and device ID in context
func SetIdentity(ctx context.Context, surveyorID, deviceID string) context.Context {
	return SetDeviceID(SetSurveyorID(ctx, surveyorID), deviceID)
}
