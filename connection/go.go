package connection

import (
	"context"
	"runtime/debug"

	"github.com/sirupsen/logrus"
)

// GoFunc runs f on a new goroutine, logging its error and any panic.
func GoFunc(ctx context.Context, f func(ctx context.Context) error) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logrus.WithField("stacks", string(debug.Stack())).Errorf("run go func panic, r:%v", r)
			}
		}()
		err := f(ctx)
		if err != nil {
			logrus.Errorf("run go func error:%v", err)
		}
	}()
}
