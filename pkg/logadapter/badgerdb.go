// Package logadapter bridges third-party logging interfaces to zap.
package logadapter

import "go.uber.org/zap"

// Badger2Zap routes BadgerDB's log output through the shared zap logger, so
// the torrent result store logs like the rest of the service. The embedded
// SugaredLogger covers Errorf, Infof and Debugf.
type Badger2Zap struct {
	*zap.SugaredLogger
}

func NewBadger2Zap(logger *zap.Logger) *Badger2Zap {
	return &Badger2Zap{SugaredLogger: logger.Sugar()}
}

// Warningf completes badger.Logger, which uses this name instead of Warnf.
func (logger *Badger2Zap) Warningf(template string, args ...interface{}) {
	logger.Warnf(template, args...)
}
