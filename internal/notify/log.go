/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package notify

import (
	"github.com/go-logr/logr"
)

// LogSink records every notification as a structured log line. Always
// present in the fan-out set so notifications are never silently lost when
// no external provider is configured.
type LogSink struct {
	Logger logr.Logger
}

// NewLogSink constructs a LogSink writing through the given logger.
func NewLogSink(logger logr.Logger) *LogSink {
	return &LogSink{Logger: logger}
}

// Send logs the event at info level, or error level for failure kinds.
func (s *LogSink) Send(e Event) {
	fields := []interface{}{
		"namespace", e.Namespace,
		"name", e.Name,
		"container", e.Container,
		"image", e.Image,
	}
	switch e.Kind {
	case EventFailed, EventRollbackFailed:
		s.Logger.Error(nil, string(e.Kind), append(fields, "message", e.Message)...)
	default:
		s.Logger.Info(string(e.Kind), fields...)
	}
}
