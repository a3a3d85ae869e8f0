// Copyright (C) 2017  Nexedi SA and Contributors.
//                     Kirill Smelkov <kirr@nexedi.com>
//
// This program is free software: you can Use, Study, Modify and Redistribute
// it under the terms of the GNU General Public License version 3, or (at your
// option) any later version, as published by the Free Software Foundation.
//
// You can also Link and Combine this program with other software covered by
// the terms of any of the Open Source Initiative approved licenses and Convey
// the resulting work. Corresponding source of such a combination shall include
// the source code for all other software used.
//
// This program is distributed WITHOUT ANY WARRANTY; without even the implied
// warranty of MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.
//
// See COPYING file for full licensing terms.

// Package xsync provides a WorkGroup that also understands exc exceptions,
// used to fan work out across goroutines during commit-time verification
// (§4.E step 4) without losing a typed panic raised deep inside a worker.
package xsync

import (
	"context"

	"golang.org/x/sync/errgroup"

	"lab.nexedi.com/kirr/go123/exc"
)

// WorkGroup is like x/sync/errgroup.Group but also understands exc exceptions
// raised inside spawned goroutines.
type WorkGroup struct {
	errgroup.Group
}

// Gox calls f in a new goroutine, translating any exc exception it raises
// into a regular error of the group.
func (g *WorkGroup) Gox(f func()) {
	g.Go(func() error {
		return exc.Runx(f)
	})
}

// WorkGroupCtx returns a new WorkGroup together with a context that is
// canceled as soon as one of the group's goroutines returns a non-nil error.
func WorkGroupCtx(ctx context.Context) (*WorkGroup, context.Context) {
	g, ctx := errgroup.WithContext(ctx)
	return &WorkGroup{*g}, ctx
}
