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
	"encoding/json"
	"fmt"
	"log"
	"os"
	"runtime"
	"strings"
	"time"
)

// Level represents the level of logging.
type Level uint8

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

const (
	// RecordLogFileName represents the default log filename.
	RecordLogFileName = "aigateway-record.log"

	GlobalCallerDepth = 4
)

var (
	globalLogLevel = InfoLevel
	globalLogger   = NewConsoleLogger()
)

// Logger is the universal logging interface of the gateway.
// Implementations must be safe for concurrent use.
type Logger interface {
	Debug(msg string, keysAndValues ...interface{})
	DebugEnabled() bool

	Info(msg string, keysAndValues ...interface{})
	InfoEnabled() bool

	Warn(msg string, keysAndValues ...interface{})
	WarnEnabled() bool

	Error(err error, msg string, keysAndValues ...interface{})
	ErrorEnabled() bool
}

func GetGlobalLoggerLevel() Level {
	return globalLogLevel
}

func ResetGlobalLoggerLevel(l Level) {
	globalLogLevel = l
}

func ResetGlobalLogger(logger Logger) error {
	if logger == nil {
		return fmt.Errorf("nil logger")
	}
	globalLogger = logger
	return nil
}

func NewConsoleLogger() Logger {
	return &DefaultLogger{
		log: log.New(os.Stdout, "", 0),
	}
}

// DefaultLogger is a structured key/value logger backed by the stdlib log.Logger.
type DefaultLogger struct {
	log *log.Logger
}

func caller(depth int) (file string, line int) {
	_, file, line, ok := runtime.Caller(depth)
	if !ok {
		return "???", 0
	}
	if idx := strings.LastIndex(file, "/"); idx >= 0 {
		file = file[idx+1:]
	}
	return file, line
}

// AssembleMsg formats one log record as a single line with a JSON attribute body.
func AssembleMsg(depth int, logLevel, msg string, err error, keysAndValues ...interface{}) string {
	sb := strings.Builder{}
	file, line := caller(depth)
	timeStr := time.Now().Format("2006-01-02 15:04:05.000")
	sb.WriteString(timeStr)
	sb.WriteString("\t")
	sb.WriteString(logLevel)
	sb.WriteString("\t")
	sb.WriteString(file)
	sb.WriteString(":")
	sb.WriteString(fmt.Sprintf("%d", line))
	sb.WriteString("\t")
	sb.WriteString(`{"logLevel":"`)
	sb.WriteString(logLevel)
	sb.WriteString(`","msg":"`)
	sb.WriteString(msg)
	sb.WriteString(`"`)

	kvLen := len(keysAndValues)
	if kvLen&1 != 0 {
		sb.WriteString(`,"kvs":`)
		sb.WriteString(toSafeJSONString(keysAndValues))
	} else if kvLen != 0 {
		for i := 0; i < kvLen; {
			k := keysAndValues[i]
			v := keysAndValues[i+1]
			kStr, kIsStr := k.(string)
			if !kIsStr {
				kStr = fmt.Sprintf("%+v", k)
			}
			sb.WriteString(",\"")
			sb.WriteString(kStr)
			sb.WriteString("\":")
			sb.WriteString(toSafeJSONString(v))
			i += 2
		}
	}
	sb.WriteString("}")
	if err != nil {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%+v", err))
	}
	return sb.String()
}

func toSafeJSONString(v interface{}) string {
	if b, err := json.Marshal(v); err == nil {
		return string(b)
	}
	return fmt.Sprintf("\"%+v\"", v)
}

func (l *DefaultLogger) Debug(msg string, keysAndValues ...interface{}) {
	if !l.DebugEnabled() {
		return
	}
	l.log.Print(AssembleMsg(GlobalCallerDepth, "DEBUG", msg, nil, keysAndValues...))
}

func (l *DefaultLogger) DebugEnabled() bool {
	return DebugLevel >= globalLogLevel
}

func (l *DefaultLogger) Info(msg string, keysAndValues ...interface{}) {
	if !l.InfoEnabled() {
		return
	}
	l.log.Print(AssembleMsg(GlobalCallerDepth, "INFO", msg, nil, keysAndValues...))
}

func (l *DefaultLogger) InfoEnabled() bool {
	return InfoLevel >= globalLogLevel
}

func (l *DefaultLogger) Warn(msg string, keysAndValues ...interface{}) {
	if !l.WarnEnabled() {
		return
	}
	l.log.Print(AssembleMsg(GlobalCallerDepth, "WARN", msg, nil, keysAndValues...))
}

func (l *DefaultLogger) WarnEnabled() bool {
	return WarnLevel >= globalLogLevel
}

func (l *DefaultLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	if !l.ErrorEnabled() {
		return
	}
	l.log.Print(AssembleMsg(GlobalCallerDepth, "ERROR", msg, err, keysAndValues...))
}

func (l *DefaultLogger) ErrorEnabled() bool {
	return ErrorLevel >= globalLogLevel
}

func Debug(msg string, keysAndValues ...interface{}) {
	globalLogger.Debug(msg, keysAndValues...)
}

func DebugEnabled() bool {
	return globalLogger.DebugEnabled()
}

func Info(msg string, keysAndValues ...interface{}) {
	globalLogger.Info(msg, keysAndValues...)
}

func InfoEnabled() bool {
	return globalLogger.InfoEnabled()
}

func Warn(msg string, keysAndValues ...interface{}) {
	globalLogger.Warn(msg, keysAndValues...)
}

func WarnEnabled() bool {
	return globalLogger.WarnEnabled()
}

func Error(err error, msg string, keysAndValues ...interface{}) {
	globalLogger.Error(err, msg, keysAndValues...)
}

func ErrorEnabled() bool {
	return globalLogger.ErrorEnabled()
}
