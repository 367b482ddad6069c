package logging

type noopLogger struct{}

// NewNoop returns a Logger that discards everything. Used as the
// default in tests that don't care about log output.
func NewNoop() Logger { return noopLogger{} }

func (noopLogger) Tracef(string, ...interface{})   {}
func (noopLogger) Debugf(string, ...interface{})   {}
func (noopLogger) Infof(string, ...interface{})    {}
func (noopLogger) Warningf(string, ...interface{}) {}
func (noopLogger) Errorf(string, ...interface{})   {}

func (noopLogger) Trace(...interface{})   {}
func (noopLogger) Debug(...interface{})   {}
func (noopLogger) Info(...interface{})    {}
func (noopLogger) Warning(...interface{}) {}
func (noopLogger) Error(...interface{})   {}

func (n noopLogger) WithField(string, interface{}) Logger { return n }
