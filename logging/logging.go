// Package logging holds the logger seam shared by the session, acquisition,
// and HTTP layers.  Callers may plug in any printf-style logger; the default
// is a zap sugared logger and tests use Null.
package logging

import (
	"go.uber.org/zap"
)

// Logger is the printf-style logging interface consumed throughout the
// module.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Null discards everything.
type Null struct{}

func (Null) Debugf(format string, args ...interface{}) {}
func (Null) Infof(format string, args ...interface{})  {}
func (Null) Warnf(format string, args ...interface{})  {}
func (Null) Errorf(format string, args ...interface{}) {}

// New builds a zap-backed Logger.  debug selects the development config with
// human-readable output and debug level enabled.
func New(debug bool) (Logger, error) {
	var (
		l   *zap.Logger
		err error
	)
	if debug {
		l, err = zap.NewDevelopment()
	} else {
		l, err = zap.NewProduction()
	}
	if err != nil {
		return nil, err
	}
	return l.Sugar(), nil
}
