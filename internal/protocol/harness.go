// Package protocol defines the wire contract between the parent process and
// the child that runs an untrusted function.
//
// Inbound, the arguments travel as a single JSON object in argv[1]. Outbound,
// the child prints exactly one JSON object as the last non-empty line of
// stdout. Every other stdout line is diagnostic output, never protocol.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ScriptName is the file name of the generated harness inside a run directory.
const ScriptName = "harness.py"

// Mode selects the harness variant.
type Mode int

const (
	// ModeExecute is the production harness. Function output goes straight
	// to the child's stdout and stderr.
	ModeExecute Mode = iota
	// ModeTest captures the function's stdout and stderr in memory and
	// reports them inside the result line, along with the call duration.
	ModeTest
)

func (m Mode) String() string {
	if m == ModeTest {
		return "test"
	}
	return "execute"
}

// ErrInvalidName is returned when a function name is not a Python identifier.
var ErrInvalidName = errors.New("invalid function name")

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidateName reports whether name can be called from the harness.
func ValidateName(name string) error {
	if !identifier.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// BuildScript returns the harness source: the function code verbatim followed
// by an entry point that calls name(**args) and prints the result line.
func BuildScript(mode Mode, name, code string) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}
	// The name is embedded as a JSON string literal, which is also a valid
	// Python string literal for identifiers.
	quoted, err := json.Marshal(name)
	if err != nil {
		return "", fmt.Errorf("quoting function name: %w", err)
	}

	var b strings.Builder
	b.WriteString(harnessPrelude)
	b.WriteString("\n")
	b.WriteString(code)
	b.WriteString("\n\n")
	switch mode {
	case ModeTest:
		b.WriteString(strings.ReplaceAll(testEntry, "__FNGATE_NAME__", string(quoted)))
	default:
		b.WriteString(strings.ReplaceAll(executeEntry, "__FNGATE_NAME__", string(quoted)))
	}
	return b.String(), nil
}

// EncodeArguments renders args as the single argv token the harness reads.
// A nil map encodes as an empty object.
func EncodeArguments(args map[string]any) (string, error) {
	if args == nil {
		return "{}", nil
	}
	data, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("encoding arguments: %w", err)
	}
	return string(data), nil
}

const harnessPrelude = `import json as _fngate_json
import sys as _fngate_sys
import time as _fngate_time
import traceback as _fngate_traceback
from io import StringIO as _FngateStringIO
`

// Shared by both entry points. The leading newline in _fngate_emit keeps the
// result on its own line when the function left a partial line on stdout.
const harnessCommon = `
def _fngate_emit(payload):
    try:
        line = _fngate_json.dumps(payload)
    except (TypeError, ValueError) as exc:
        line = _fngate_json.dumps({
            "success": False,
            "error": "result is not JSON serializable: %s" % exc,
            "traceback": _fngate_traceback.format_exc(),
        })
    _fngate_sys.__stdout__.write("\n" + line + "\n")
    _fngate_sys.__stdout__.flush()


def _fngate_target(name):
    fn = globals().get(name)
    if fn is None or not callable(fn):
        raise NameError("function '%s' not found in the provided code" % name)
    return fn


def _fngate_args():
    raw = _fngate_sys.argv[1] if len(_fngate_sys.argv) > 1 else "{}"
    args = _fngate_json.loads(raw)
    if not isinstance(args, dict):
        raise TypeError("arguments must be a JSON object")
    return args
`

const executeEntry = harnessCommon + `

def _fngate_main():
    try:
        result = _fngate_target(__FNGATE_NAME__)(**_fngate_args())
        payload = {"success": True, "result": result}
    except Exception as exc:
        payload = {
            "success": False,
            "error": str(exc),
            "traceback": _fngate_traceback.format_exc(),
        }
    _fngate_emit(payload)


if __name__ == "__main__":
    _fngate_main()
`

// testEntry clips captured output so the result line stays well under the
// parent's per-stream tail.
const testEntry = harnessCommon + `

_FNGATE_CAPTURE_MAX = 65536


def _fngate_clip(text):
    if len(text) <= _FNGATE_CAPTURE_MAX:
        return text
    half = _FNGATE_CAPTURE_MAX // 2
    return "%s\n[... %d characters omitted ...]\n%s" % (
        text[:half], len(text) - 2 * half, text[-half:])


class _FngateCapture:
    def __init__(self):
        self.stdout = _FngateStringIO()
        self.stderr = _FngateStringIO()

    def __enter__(self):
        self._saved = (_fngate_sys.stdout, _fngate_sys.stderr)
        _fngate_sys.stdout = self.stdout
        _fngate_sys.stderr = self.stderr
        return self

    def __exit__(self, exc_type, exc, tb):
        _fngate_sys.stdout, _fngate_sys.stderr = self._saved
        return False


def _fngate_main():
    capture = _FngateCapture()
    start = _fngate_time.time()
    try:
        fn = _fngate_target(__FNGATE_NAME__)
        args = _fngate_args()
        with capture:
            result = fn(**args)
        payload = {
            "success": True,
            "result": result,
            "execution_time": _fngate_time.time() - start,
        }
    except Exception as exc:
        payload = {
            "success": False,
            "error": str(exc),
            "traceback": _fngate_traceback.format_exc(),
            "execution_time": _fngate_time.time() - start,
        }
    payload["stdout"] = _fngate_clip(capture.stdout.getvalue())
    payload["stderr"] = _fngate_clip(capture.stderr.getvalue())
    _fngate_emit(payload)


if __name__ == "__main__":
    _fngate_main()
`
