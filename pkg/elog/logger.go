/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */
package elog

import (
	"fmt"
	"sync"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
)

// Logger is an interface that has the ability to hide debug/info output
// depending on the verbosity the caller was configured with.
type Logger interface {
	Debugf(format string, x ...interface{})
	Errorf(format string, x ...interface{})
	Infof(format string, x ...interface{})
	Printf(format string, x ...interface{})
	Warnf(format string, x ...interface{})
	IsInfoEnabled() bool
	IsDebugEnabled() bool
}

// Progress reports the completion fraction of a long-running pass. The
// conversion driver's CLI front-end (out of scope here) is the only expected
// implementor of ProgressReporter; the core never blocks on it.
type Progress interface {
	Finish(success bool)
	Increment(n int64)
}

// ProgressReporter can hand out Progress trackers keyed by label.
type ProgressReporter interface {
	NewProgress(label string, total int64) Progress
}

// View bundles a Logger with progress reporting, the shape the driver
// expects from whatever front-end embeds it.
type View interface {
	Logger
	ProgressReporter
}

// CLI is a generic logrus-backed logger for terminal output.
type CLI struct {
	DisableColors bool
	DisableTTY    bool
	IsDebug       bool
	IsVerbose     bool
	lock          sync.Mutex
}

// Debugf wraps logrus.Tracef, only emitting output when debug is enabled.
func (log *CLI) Debugf(format string, x ...interface{}) {
	if log.IsDebug {
		logrus.Tracef(format, x...)
	}
}

// Errorf wraps logrus.Errorf.
func (log *CLI) Errorf(format string, x ...interface{}) {
	logrus.Errorf(format, x...)
}

// Infof wraps logrus.Debugf, only emitting output when verbose is enabled.
func (log *CLI) Infof(format string, x ...interface{}) {
	if log.IsVerbose {
		logrus.Debugf(format, x...)
	}
}

// Printf wraps logrus.Printf.
func (log *CLI) Printf(format string, x ...interface{}) {
	logrus.Printf(format, x...)
}

// Warnf wraps logrus.Warnf.
func (log *CLI) Warnf(format string, x ...interface{}) {
	logrus.Warnf(format, x...)
}

// IsInfoEnabled reports whether InfoLevel logging is enabled.
func (log *CLI) IsInfoEnabled() bool {
	return logrus.IsLevelEnabled(logrus.InfoLevel)
}

// IsDebugEnabled reports whether DebugLevel logging is enabled.
func (log *CLI) IsDebugEnabled() bool {
	return logrus.IsLevelEnabled(logrus.DebugLevel)
}

// silentProgress discards updates; used when DisableTTY is set.
type silentProgress struct{}

func (s *silentProgress) Finish(success bool) {}
func (s *silentProgress) Increment(n int64)   {}

type barProgress struct {
	log     *CLI
	label   string
	total   int64
	current int64
}

// NewProgress returns a Progress tracker. With DisableTTY it is a no-op.
func (log *CLI) NewProgress(label string, total int64) Progress {
	if log.DisableTTY {
		return &silentProgress{}
	}
	return &barProgress{log: log, label: label, total: total}
}

// Increment advances the tracked count without printing anything; this is
// deliberately cheap since the passes call it per-block.
func (p *barProgress) Increment(n int64) {
	p.log.lock.Lock()
	defer p.log.lock.Unlock()
	p.current += n
}

// Finish reports completion of the tracked operation.
func (p *barProgress) Finish(success bool) {
	p.log.lock.Lock()
	defer p.log.lock.Unlock()
	if success {
		p.log.Infof("%s: done (%d/%d)", p.label, p.current, p.total)
	} else {
		p.log.Warnf("%s: aborted at %d/%d", p.label, p.current, p.total)
	}
}

// Format implements logrus.Formatter, coloring by level the way the CLI
// front-end expects.
func (log *CLI) Format(entry *logrus.Entry) ([]byte, error) {

	faint := color.New(color.Faint).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()
	blue := color.New(color.FgBlue).SprintFunc()

	x := entry.Message
	if !log.DisableColors {
		switch entry.Level {
		case logrus.TraceLevel:
			x = fmt.Sprintf("%s\n", faint(x))
		case logrus.DebugLevel:
			x = fmt.Sprintf("%s\n", blue(x))
		case logrus.InfoLevel:
			x = fmt.Sprintf("%s\n", x)
		case logrus.WarnLevel:
			x = fmt.Sprintf("%s\n", yellow(x))
		case logrus.ErrorLevel:
			x = fmt.Sprintf("%s\n", red(x))
		default:
		}
	} else {
		x = fmt.Sprintf("%s\n", x)
	}

	return []byte(x), nil
}
