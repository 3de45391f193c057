package orchestrator

import (
	"fmt"
	"runtime"
	"strings"
)

// PanicLogger receives a recovered panic value with a trimmed stack.
type PanicLogger func(funcName string, err any, stack []byte, fields ...map[string]any)

// MakePanicHandler returns a function meant to be deferred. It recovers a
// panic and hands it to logger.
func MakePanicHandler(logger PanicLogger) func(funcName string, fields ...map[string]any) {
	return func(funcName string, fields ...map[string]any) {
		if err := recover(); err != nil {
			logger(funcName, err, captureStack(), fields...)
		}
	}
}

// LoggerPanicHandler builds a PanicLogger that writes to logger at error level.
func LoggerPanicHandler(logger Logger) PanicLogger {
	logger = NormalizeLogger(logger)
	return func(funcName string, err any, stack []byte, fields ...map[string]any) {
		l := logger
		if len(fields) > 0 && fields[0] != nil {
			l = WithLoggerFields(l, fields[0])
		}
		l.Error("recovered from panic in %s: %v\n%s", funcName, err, stack)
	}
}

// RecoverError converts a panic raised by fn into an error.
func RecoverError(funcName string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = NewError(ErrStepExecutionFailed, fmt.Sprintf("panic in %s: %v", funcName, r), nil, map[string]any{
				"panic": fmt.Sprint(r),
				"stack": string(captureStack()),
			})
		}
	}()
	return fn()
}

func captureStack() []byte {
	buf := make([]byte, 8096)
	n := runtime.Stack(buf, false)
	return cleanStackTrace(buf[:n])
}

func cleanStackTrace(stack []byte) []byte {
	lines := strings.Split(string(stack), "\n")

	panicLineIndex := -1
	for i, line := range lines {
		if strings.Contains(line, "panic(") {
			panicLineIndex = i
			break
		}
	}

	// drop the panic() frame and its file line
	if panicLineIndex >= 0 && panicLineIndex+2 < len(lines) {
		lines = lines[panicLineIndex+2:]
	}

	return []byte(strings.Join(lines, "\n"))
}
