// Copyright 2024 The referd authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// 	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package errors maps internal failures onto SIP status codes. No raw error
// crosses into the protocol layer: everything is converted to a Status at the
// dispatch boundary.
package errors

import (
	"errors"
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

var (
	ErrNoConfig = errors.New("missing config")
)

func ErrCouldNotParseConfig(err error) error {
	return pkgerrors.Wrap(err, "could not parse config")
}

// Class is the failure taxonomy used across the transfer path.
type Class int

const (
	ClassValidation = Class(iota + 1)
	ClassResolution
	ClassPermission
	ClassExecution
	ClassInfrastructure
)

func (c Class) String() string {
	switch c {
	case ClassValidation:
		return "validation"
	case ClassResolution:
		return "resolution"
	case ClassPermission:
		return "permission"
	case ClassExecution:
		return "execution"
	case ClassInfrastructure:
		return "infrastructure"
	}
	return "unknown"
}

// Status is an error carrying the SIP status code it should be answered with.
type Status struct {
	Class   Class
	Code    int
	Message string
	cause   error
}

func (e *Status) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("sip status %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("sip status %d", e.Code)
}

func (e *Status) Unwrap() error { return e.cause }

func newStatus(class Class, code int, format string, args ...any) *Status {
	return &Status{Class: class, Code: code, Message: fmt.Sprintf(format, args...)}
}

func Validation(format string, args ...any) *Status {
	return newStatus(ClassValidation, 400, format, args...)
}

func NotFound(format string, args ...any) *Status {
	return newStatus(ClassResolution, 404, format, args...)
}

func NoSuchDialog(format string, args ...any) *Status {
	return newStatus(ClassResolution, 481, format, args...)
}

func Decline(format string, args ...any) *Status {
	return newStatus(ClassResolution, 603, format, args...)
}

func Forbidden(format string, args ...any) *Status {
	return newStatus(ClassPermission, 403, format, args...)
}

func Execution(format string, args ...any) *Status {
	return newStatus(ClassExecution, 500, format, args...)
}

// Infrastructure wraps an allocation or setup failure. These always map to 500.
func Infrastructure(err error, msg string) *Status {
	return &Status{
		Class:   ClassInfrastructure,
		Code:    500,
		Message: msg,
		cause:   pkgerrors.WithStack(err),
	}
}

// StatusCode extracts the SIP code for any error. Unknown errors are treated
// as internal failures.
func StatusCode(err error) int {
	if err == nil {
		return 200
	}
	var st *Status
	if errors.As(err, &st) {
		return st.Code
	}
	return 500
}

// ClassOf returns the taxonomy class, or ClassInfrastructure for errors that
// did not originate here.
func ClassOf(err error) Class {
	var st *Status
	if errors.As(err, &st) {
		return st.Class
	}
	return ClassInfrastructure
}
