// Copyright 1999-2020 Alibaba Group Holding Ltd.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package registry

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrModelNotFound means the requested model has no registry entry.
	ErrModelNotFound = errors.New("model not found")

	// ErrCapabilityNotSupported means the model exists but no provider in
	// its routing chain supports the requested capability.
	ErrCapabilityNotSupported = errors.New("capability not supported")
)

// ConfigError is fatal at startup: the configuration document cannot
// describe a runnable gateway.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	if e == nil {
		return "ConfigError{nil}"
	}
	if e.Field == "" {
		return fmt.Sprintf("config error: %s", e.Reason)
	}
	return fmt.Sprintf("config error: %s: %s", e.Field, e.Reason)
}

func newConfigError(field, format string, args ...interface{}) *ConfigError {
	return &ConfigError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
