// Package klog is the kernel-wide structured logger. Every subsystem logs
// through the shared instance here instead of calling fmt.Printf directly,
// the way the teacher's packages scatter ad-hoc Printf diagnostics (e.g.
// mem.Phys_init's "Reserved %v pages..."); this generalizes those prints
// into leveled, field-tagged entries.
package klog

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"simplix/caller"
)

// L is the kernel-wide logger. Fields such as "layer" (l0/l1/l2/l3/l4/gate)
// and "pid" are attached by callers via L.WithFields.
var L = newLogger()

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	l.SetLevel(logrus.InfoLevel)
	return l
}

// Panic logs a site+message+reason entry plus the call stack and halts the
// current goroutine via a Go panic, the hosted stand-in for "Panic prints
// site + message + reason and halts with interrupts disabled" (spec §7,
// Fatal tier). A real os.Exit would make this untestable, so halting here
// means an unrecovered Go panic, which a kernelsim top-level recover still
// reports before exiting.
func Panic(site, reason string, fields logrus.Fields) {
	if fields == nil {
		fields = logrus.Fields{}
	}
	fields["site"] = site
	fields["stack"] = caller.Dump(2)
	L.WithFields(fields).Error(reason)
	panic(fmt.Sprintf("%s: %s", site, reason))
}
