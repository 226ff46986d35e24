// Copyright 2025 The Opsmesh Authors
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

// Package logger configures the process-wide slog logger.
//
// All opsmesh components log through log/slog with structured key/value
// pairs. Values logged under sensitive keys (password, token, secret,
// api_key, credential, auth) are redacted before they reach any handler.
package logger

import (
	"log/slog"
	"os"
	"strings"
)

// sensitiveKeys are attribute keys whose values must never appear in logs.
var sensitiveKeys = map[string]struct{}{
	"password":   {},
	"token":      {},
	"secret":     {},
	"api_key":    {},
	"credential": {},
	"auth":       {},
}

const redactedValue = "[REDACTED]"

// ParseLevel converts a string log level to slog.Level.
// Valid levels: debug, info, warn, error. Unknown levels fall back to info.
func ParseLevel(levelStr string) slog.Level {
	switch strings.ToLower(levelStr) {
	case "debug":
		return slog.LevelDebug
	case "info", "":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// redactAttr masks values for sensitive keys. Applied via ReplaceAttr so it
// covers every handler uniformly.
func redactAttr(_ []string, a slog.Attr) slog.Attr {
	key := strings.ToLower(a.Key)
	if _, sensitive := sensitiveKeys[key]; sensitive {
		return slog.String(a.Key, redactedValue)
	}
	return a
}

// Init installs the default logger writing to output.
// format "json" selects structured JSON output; anything else uses text.
func Init(level slog.Level, output *os.File, format string) {
	if output == nil {
		output = os.Stderr
	}

	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: redactAttr,
	}

	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(output, opts)
	} else {
		handler = slog.NewTextHandler(output, opts)
	}

	slog.SetDefault(slog.New(handler))
}

// InitFromConfig is a convenience wrapper taking string inputs as they
// appear in the configuration file. When logFile is non-empty the file is
// opened in append mode; open failures fall back to stderr.
func InitFromConfig(levelStr, format, logFile string) {
	output := os.Stderr
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err == nil {
			output = f
		} else {
			slog.Warn("Failed to open log file, using stderr", "path", logFile, "error", err)
		}
	}
	Init(ParseLevel(levelStr), output, format)
}
