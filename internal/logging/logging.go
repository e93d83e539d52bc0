/*
Copyright 2024 Gravitational, Inc.

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

// Package logging initialises the process-lifetime logrus logger from the
// log_level/log_path/log_groups configuration keys (spec §6). Grounded on
// the teacher's logrus + lumberjack rotation convention — a process-lifetime
// singleton, injected everywhere else, per spec §9's "global singletons:
// logger initialisation is process-lifetime; everything else is
// instance-scoped".
package logging

import (
	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Init builds the root logger. A non-empty logGroups raises the whole
// logger to debug level; the group names are not matched against component
// names (logger.WithField("component", name)), so every component logs at
// debug once any group is listed.
func Init(level, path string, logGroups []string) (*logrus.Logger, error) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, trace.Wrap(err, "parsing log_level %v", level)
	}

	log := logrus.New()
	log.SetLevel(lvl)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	if path != "" {
		log.SetOutput(&lumberjack.Logger{
			Filename:   path,
			MaxSize:    100, // megabytes
			MaxBackups: 7,
			MaxAge:     28, // days
			Compress:   true,
		})
	}

	debugGroups := make(map[string]bool, len(logGroups))
	for _, g := range logGroups {
		debugGroups[g] = true
	}

	if len(debugGroups) > 0 && lvl < logrus.DebugLevel {
		log.SetLevel(logrus.DebugLevel)
	}

	return log, nil
}

// ForComponent returns a field logger scoped to one component name, the
// teacher's per-subsystem logging idiom (e.g. logrus.WithField(trace.
// Component, "transport") in lib/srv/app/transport.go).
func ForComponent(log *logrus.Logger, component string) logrus.FieldLogger {
	return log.WithField("component", component)
}
