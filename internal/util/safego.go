// safego.go — Panic-recovering goroutine launcher.
package util

import (
	"runtime/debug"

	"github.com/sirupsen/logrus"
)

// SafeGo launches fn in a goroutine with deferred panic recovery. A panicking
// background goroutine is logged with its stack and the process stays up; the
// bridge must outlive a bad frame or a misbehaving peer.
func SafeGo(log *logrus.Entry, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.WithFields(logrus.Fields{
					"panic": r,
					"stack": string(debug.Stack()),
				}).Error("panic in background goroutine")
			}
		}()
		fn()
	}()
}
