// Package plog provides logging with severity levels, tagged with the
// current internal/task operation stack.
//
// Modelled after the teacher's xcommon/log, which layers the same idea on
// top of glog.
package plog

import (
	"context"
	"fmt"

	"github.com/golang/glog"

	"github.com/stex/petra/internal/task"
)

func prefix(ctx context.Context) string {
	s := task.Current(ctx).String()
	if s != "" {
		s += ": "
	}
	return s
}

// Depth lets a wrapper function attribute log lines to its caller's caller.
type Depth int

func (d Depth) Infof(ctx context.Context, format string, argv ...interface{}) {
	glog.InfoDepth(int(d)+1, prefix(ctx)+fmt.Sprintf(format, argv...))
}

func (d Depth) Warningf(ctx context.Context, format string, argv ...interface{}) {
	glog.WarningDepth(int(d)+1, prefix(ctx)+fmt.Sprintf(format, argv...))
}

func (d Depth) Errorf(ctx context.Context, format string, argv ...interface{}) {
	glog.ErrorDepth(int(d)+1, prefix(ctx)+fmt.Sprintf(format, argv...))
}

func Infof(ctx context.Context, format string, argv ...interface{}) {
	Depth(1).Infof(ctx, format, argv...)
}

func Warningf(ctx context.Context, format string, argv ...interface{}) {
	Depth(1).Warningf(ctx, format, argv...)
}

func Errorf(ctx context.Context, format string, argv ...interface{}) {
	Depth(1).Errorf(ctx, format, argv...)
}
