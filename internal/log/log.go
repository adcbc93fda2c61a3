// Package log is the program-wide structured logging wrapper. It adds one
// thing logrus doesn't have out of the box: a "module" field that tracks
// which component (capacity probe, endurance engine, reconnect watcher, ...)
// is currently logging, using a balance-checked push/pop stack so a missing
// PopModule panics close to the call that forgot it instead of silently
// mislabeling every log line that follows.
package log

import (
	"io"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/mendersoftware/flashburn/internal/scopestack"
)

// Logger wraps a logrus.Logger with the module stack.
type Logger struct {
	*logrus.Logger

	mu      sync.Mutex
	modules scopestack.ScopeStack
	filter  map[string]bool
}

// Log is the package-global logger. Components obtain tagged entries from it
// via WithModule rather than constructing their own logrus.Logger.
var Log = New()

// New returns a freshly configured Logger: text formatter, Info level,
// output to os.Stderr (logrus's own default).
func New() *Logger {
	l := logrus.New()
	// Distance 1: the balance check looks past PushModule/PopModule at
	// the function that called them.
	return &Logger{Logger: l, modules: *scopestack.NewScopeStack(1)}
}

// SetOutput redirects the package logger's output.
func SetOutput(w io.Writer) { Log.SetOutput(w) }

// SetLevel sets the package logger's minimum level.
func SetLevel(level logrus.Level) { Log.SetLevel(level) }

// PushModule makes name the active module tag for subsequent log calls,
// until the matching PopModule from the same function.
func (l *Logger) PushModule(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.modules.Push(name)
}

// PopModule restores the previously active module tag. It panics if called
// from a different function than the matching PushModule, or if the module
// stack is empty.
func (l *Logger) PopModule() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.modules.Pop()
}

func PushModule(name string) { Log.PushModule(name) }
func PopModule()              { Log.PopModule() }

// SetModuleFilter restricts Debug-level output to the named modules; an
// empty filter (the default) logs every module's debug output.
func (l *Logger) SetModuleFilter(modules []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(modules) == 0 {
		l.filter = nil
		return
	}
	l.filter = make(map[string]bool, len(modules))
	for _, m := range modules {
		l.filter[m] = true
	}
}

func SetModuleFilter(modules []string) { Log.SetModuleFilter(modules) }

// currentModule returns the active module name, or "" if the stack is empty.
func (l *Logger) currentModule() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	v := l.modules.Peek()
	if v == nil {
		return ""
	}
	return v.(string)
}

// entry returns a logrus.Entry tagged with the current module, or the bare
// logger's entry if no module is active.
func (l *Logger) entry() *logrus.Entry {
	m := l.currentModule()
	if m == "" {
		return logrus.NewEntry(l.Logger)
	}
	return l.Logger.WithField("module", m)
}

// WithModule returns an entry explicitly tagged with module, independent of
// the push/pop stack -- for one-off tags on a goroutine that never pushes.
func (l *Logger) WithModule(module string) *logrus.Entry {
	return l.Logger.WithField("module", module)
}

func WithModule(module string) *logrus.Entry { return Log.WithModule(module) }

func (l *Logger) debugAllowed(module string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.filter == nil {
		return true
	}
	return l.filter[module]
}

// Print, Printf, Println, Info*, Warn*, Warning*, Error*, Panic* forward to
// the current module's entry unconditionally. Debug* additionally consults
// the module filter.
func Print(args ...interface{})                 { Log.entry().Print(args...) }
func Printf(format string, args ...interface{}) { Log.entry().Printf(format, args...) }
func Println(args ...interface{})               { Log.entry().Println(args...) }
func Info(args ...interface{})                  { Log.entry().Info(args...) }
func Infof(format string, args ...interface{})  { Log.entry().Infof(format, args...) }
func Infoln(args ...interface{})                { Log.entry().Infoln(args...) }
func Warn(args ...interface{})                  { Log.entry().Warn(args...) }
func Warnf(format string, args ...interface{})  { Log.entry().Warnf(format, args...) }
func Warnln(args ...interface{})                { Log.entry().Warnln(args...) }
func Warning(args ...interface{})               { Log.entry().Warning(args...) }
func Warningf(format string, args ...interface{}) {
	Log.entry().Warningf(format, args...)
}
func Warningln(args ...interface{})             { Log.entry().Warningln(args...) }
func Error(args ...interface{})                 { Log.entry().Error(args...) }
func Errorf(format string, args ...interface{}) { Log.entry().Errorf(format, args...) }
func Errorln(args ...interface{})               { Log.entry().Errorln(args...) }
func Panic(args ...interface{})                 { Log.entry().Panic(args...) }
func Panicf(format string, args ...interface{}) { Log.entry().Panicf(format, args...) }
func Panicln(args ...interface{})               { Log.entry().Panicln(args...) }

func Debug(args ...interface{}) {
	m := Log.currentModule()
	if Log.debugAllowed(m) {
		Log.entry().Debug(args...)
	}
}

func Debugf(format string, args ...interface{}) {
	m := Log.currentModule()
	if Log.debugAllowed(m) {
		Log.entry().Debugf(format, args...)
	}
}

func Debugln(args ...interface{}) {
	m := Log.currentModule()
	if Log.debugAllowed(m) {
		Log.entry().Debugln(args...)
	}
}
