package log

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger is a named sugared logger. It resolves the global zap logger on
// every call so package-level loggers created before Init pick up the
// configured sink.
type Logger struct {
	name string
}

func New(name string) Logger {
	return Logger{name: name}
}

func (l Logger) s() *zap.SugaredLogger {
	return zap.S().Named(l.name)
}

func (l Logger) Debugw(msg string, kv ...interface{}) { l.s().Debugw(msg, kv...) }
func (l Logger) Infow(msg string, kv ...interface{})  { l.s().Infow(msg, kv...) }
func (l Logger) Warnw(msg string, kv ...interface{})  { l.s().Warnw(msg, kv...) }
func (l Logger) Errorw(msg string, kv ...interface{}) { l.s().Errorw(msg, kv...) }

// Init installs the global logger. An empty path logs to stderr, otherwise
// the file is rotated by lumberjack.
func Init(path, level string) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
		lvl = zapcore.InfoLevel
	}

	encConf := zap.NewProductionEncoderConfig()
	encConf.EncodeTime = zapcore.ISO8601TimeEncoder

	var ws zapcore.WriteSyncer
	var enc zapcore.Encoder
	if path == "" {
		ws = zapcore.Lock(os.Stderr)
		enc = zapcore.NewConsoleEncoder(encConf)
	} else {
		ws = zapcore.AddSync(&lumberjack.Logger{
			Filename:   path,
			MaxSize:    128, // megabytes
			MaxBackups: 8,
			MaxAge:     30, // days
		})
		enc = zapcore.NewJSONEncoder(encConf)
	}

	core := zapcore.NewCore(enc, ws, zap.NewAtomicLevelAt(lvl))
	zap.ReplaceGlobals(zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1)))
}

func Sync() {
	_ = zap.L().Sync()
}
