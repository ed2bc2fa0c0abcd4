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

package logging

import (
	"strings"
	"testing"

	"github.com/pkg/errors"
)

func TestAssembleMsgStructure(t *testing.T) {
	got := AssembleMsg(2, "INFO", "request admitted", nil, "identity", "team-alpha", "remaining", 9)

	if !strings.Contains(got, "INFO") {
		t.Errorf("missing level in %q", got)
	}
	if !strings.Contains(got, `"msg":"request admitted"`) {
		t.Errorf("missing message in %q", got)
	}
	if !strings.Contains(got, `"identity":"team-alpha"`) {
		t.Errorf("missing string attribute in %q", got)
	}
	if !strings.Contains(got, `"remaining":9`) {
		t.Errorf("missing numeric attribute in %q", got)
	}
	if !strings.Contains(got, "logging_test.go:") {
		t.Errorf("missing caller in %q", got)
	}
}

func TestAssembleMsgWithError(t *testing.T) {
	err := errors.New("store unreachable")
	got := AssembleMsg(2, "ERROR", "sync failed", err)
	if !strings.Contains(got, "store unreachable") {
		t.Errorf("missing error detail in %q", got)
	}
}

func TestAssembleMsgOddKvs(t *testing.T) {
	got := AssembleMsg(2, "WARN", "odd attributes", nil, "dangling")
	if !strings.Contains(got, `"kvs":`) {
		t.Errorf("odd key/value list not preserved in %q", got)
	}
}

func TestResetGlobalLoggerRejectsNil(t *testing.T) {
	if err := ResetGlobalLogger(nil); err == nil {
		t.Error("expected error for nil logger")
	}
}

func TestGlobalLoggerLevel(t *testing.T) {
	original := GetGlobalLoggerLevel()
	defer ResetGlobalLoggerLevel(original)

	ResetGlobalLoggerLevel(ErrorLevel)
	if GetGlobalLoggerLevel() != ErrorLevel {
		t.Errorf("level = %v, want ErrorLevel", GetGlobalLoggerLevel())
	}
	if InfoEnabled() {
		t.Error("info must be disabled at error level")
	}
	if !ErrorEnabled() {
		t.Error("error must stay enabled at error level")
	}
}
