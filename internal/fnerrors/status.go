/*
SPDX-FileCopyrightText: Copyright (c) 2026 NVIDIA CORPORATION & AFFILIATES. All rights reserved.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.

SPDX-License-Identifier: Apache-2.0
*/

// Package fnerrors implements the closed error taxonomy that every
// scheduler-facing response carries: a stable Code plus a human message.
package fnerrors

import "fmt"

// Code is one of the closed set of scheduler error kinds.
type Code string

const (
	// CodeOK indicates success.
	CodeOK Code = "OK"

	// Parameter errors: surfaced immediately to the caller.
	CodeParameterError Code = "PARAMETER_ERROR"

	// Resource conflicts: retry-eligible.
	CodeResourceConflict    Code = "ERR_RESOURCE_CONFLICT"
	CodeInnerSystemError    Code = "ERR_INNER_SYSTEM_ERROR"
	CodeScheduleConflicted  Code = "ERR_SCHEDULE_CONFLICTED"

	// Cancellation.
	CodeScheduleCanceled Code = "ERR_SCHEDULE_CANCELED"

	// Transport errors, locally retried, surfaced via timeout if a reply
	// is required.
	CodeRequestTimeout     Code = "REQUEST_TIME_OUT"
	CodeTransportError     Code = "ERR_TRANSPORT"
	CodeMetaStoragePutErr  Code = "BP_META_STORAGE_PUT_ERROR"
	CodeMetaStorageGrantErr Code = "BP_META_STORAGE_GRANT_ERROR"
	CodeMetaStorageRevokeErr Code = "BP_META_STORAGE_REVOKE_ERROR"
	CodeLeaseIDNotFound    Code = "BP_LEASE_ID_NOT_FOUND"

	// Registration / idempotence.
	CodeAlreadyInFlight Code = "ERR_ALREADY_IN_FLIGHT"
	CodeRegisterExhausted Code = "ERR_REGISTER_EXHAUSTED"
)

// Status is the error type every spec-facing operation returns.
type Status struct {
	Code    Code
	Message string
}

// OK is the zero-value success status.
var OK = Status{Code: CodeOK}

// New constructs a Status with the given code and formatted message.
func New(code Code, format string, args ...any) Status {
	return Status{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Error implements the error interface.
func (s Status) Error() string {
	if s.Message == "" {
		return string(s.Code)
	}
	return fmt.Sprintf("%s: %s", s.Code, s.Message)
}

// IsOK reports whether the status represents success.
func (s Status) IsOK() bool {
	return s.Code == CodeOK || s.Code == ""
}

// IsError reports whether the status represents failure.
func (s Status) IsError() bool {
	return !s.IsOK()
}

// AsStatus converts a plain error into a Status, defaulting unrecognized
// errors to CodeInnerSystemError. A nil error converts to OK.
func AsStatus(err error) Status {
	if err == nil {
		return OK
	}
	if st, ok := err.(Status); ok {
		return st
	}
	return New(CodeInnerSystemError, "%s", err.Error())
}
