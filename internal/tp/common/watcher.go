/*
 * Copyright (c) 2026, xcm contributors
 * All rights reserved.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

// Package common holds the small amount of plumbing shared by every
// concrete transport (ux, tcp, tls, sctp): a background readiness
// watcher that signals a socket's shared event fd.
package common

import (
	"time"

	"github.com/abiaog/xcm/internal/evfd"
)

// Watcher polls a probe function and signals efd whenever it reports
// actionable readiness, clearing it otherwise: the descriptor becomes
// readable whenever the socket can make progress toward its desired
// condition or background work.
type Watcher struct {
	efd  *evfd.EventFD
	stop chan struct{}
	done chan struct{}
}

// StartWatcher launches a watcher ticking at a short, fixed interval.
// Transports call it once at socket creation and Stop it at Close/Cleanup.
func StartWatcher(efd *evfd.EventFD, probe func() bool) *Watcher {
	w := &Watcher{efd: efd, stop: make(chan struct{}), done: make(chan struct{})}
	go func() {
		defer close(w.done)
		t := time.NewTicker(time.Millisecond)
		defer t.Stop()
		for {
			select {
			case <-w.stop:
				return
			case <-t.C:
				efd.SetSource(w, probe())
			}
		}
	}()
	return w
}

// Stop halts the watcher goroutine and waits for it to exit.
func (w *Watcher) Stop() {
	if w == nil {
		return
	}
	close(w.stop)
	<-w.done
	w.efd.SetSource(w, false)
}
