package protocol

import (
	"errors"
	"reflect"
	"strings"
	"testing"
)

// --- Harness ---

func TestBuildScript_EmbedsCodeVerbatim(t *testing.T) {
	code := "def add(a, b):\n    return a + b\n"
	for _, mode := range []Mode{ModeExecute, ModeTest} {
		script, err := BuildScript(mode, "add", code)
		if err != nil {
			t.Fatalf("BuildScript: %v", err)
		}
		if !strings.Contains(script, code) {
			t.Error("script must contain the function code verbatim")
		}
		if !strings.Contains(script, `_fngate_target("add")`) {
			t.Error("script must call the named function")
		}
		if strings.Contains(script, "__FNGATE_NAME__") {
			t.Error("placeholder left in script")
		}
	}
}

func TestBuildScript_TestModeCaptures(t *testing.T) {
	script, err := BuildScript(ModeTest, "f", "def f():\n    pass\n")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(script, "_FngateCapture") {
		t.Error("test harness should redirect output")
	}
	prod, _ := BuildScript(ModeExecute, "f", "def f():\n    pass\n")
	if strings.Contains(prod, "_FngateCapture()") {
		t.Error("production harness should not capture output")
	}
}

func TestBuildScript_RejectsBadNames(t *testing.T) {
	for _, name := range []string{"", "1abc", "f()", "a b", "os.system", "f\"); import os; (\""} {
		if _, err := BuildScript(ModeExecute, name, ""); !errors.Is(err, ErrInvalidName) {
			t.Errorf("BuildScript(%q) err = %v, want ErrInvalidName", name, err)
		}
	}
}

func TestEncodeArguments(t *testing.T) {
	got, err := EncodeArguments(nil)
	if err != nil || got != "{}" {
		t.Fatalf("EncodeArguments(nil) = %q, %v", got, err)
	}
	got, err = EncodeArguments(map[string]any{"path": "a b; rm -rf /"})
	if err != nil {
		t.Fatal(err)
	}
	if got != `{"path":"a b; rm -rf /"}` {
		t.Errorf("EncodeArguments = %s", got)
	}
	if _, err := EncodeArguments(map[string]any{"ch": make(chan int)}); err == nil {
		t.Error("expected error for unencodable argument")
	}
}

// --- Codec ---

func TestParseOutput_Success(t *testing.T) {
	stdout := "debug line\nanother\n\n{\"success\": true, \"result\": {\"x\": 1}}\n"
	p, diag, err := ParseOutput(stdout)
	if err != nil {
		t.Fatalf("ParseOutput: %v", err)
	}
	if !p.Success {
		t.Error("expected success")
	}
	if !reflect.DeepEqual(p.Result, map[string]any{"x": float64(1)}) {
		t.Errorf("result = %#v", p.Result)
	}
	if diag != "debug line\nanother" {
		t.Errorf("diagnostic = %q", diag)
	}
}

func TestParseOutput_FunctionError(t *testing.T) {
	p, _, err := ParseOutput(`{"success": false, "error": "boom", "traceback": "Traceback..."}`)
	if err != nil {
		t.Fatal(err)
	}
	if p.Success || p.Error != "boom" || p.Traceback == "" {
		t.Errorf("payload = %+v", p)
	}
}

func TestParseOutput_TestModeFields(t *testing.T) {
	p, _, err := ParseOutput(`{"success": true, "result": null, "stdout": "hi\n", "stderr": "", "execution_time": 0.25}`)
	if err != nil {
		t.Fatal(err)
	}
	if p.Stdout == nil || *p.Stdout != "hi\n" {
		t.Errorf("stdout = %v", p.Stdout)
	}
	if p.Stderr == nil || *p.Stderr != "" {
		t.Error("empty stderr should still be reported as present")
	}
	if p.ExecutionTime == nil || *p.ExecutionTime != 0.25 {
		t.Errorf("execution_time = %v", p.ExecutionTime)
	}
}

func TestParseOutput_Failures(t *testing.T) {
	tests := []struct {
		name   string
		stdout string
		want   error
	}{
		{"empty", "", ErrNoOutput},
		{"whitespace", "  \n\n ", ErrNoOutput},
		{"not json", "hello world", ErrMalformed},
		{"json array", "[1, 2]", ErrMalformed},
		{"json null", "null", ErrMalformed},
		{"result not last", "{\"success\": true}\ntrailing noise", ErrMalformed},
		{"missing success", `{"result": 1}`, ErrMissingSuccess},
		{"string success", `{"success": "yes"}`, ErrMissingSuccess},
		{"wrong error type", `{"success": false, "error": 3}`, ErrMalformed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := ParseOutput(tt.stdout)
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			var de *DecodeError
			if !errors.As(err, &de) {
				t.Fatalf("err should be a *DecodeError, got %T", err)
			}
		})
	}
}

func TestParseOutput_DecodeErrorKeepsRawLine(t *testing.T) {
	_, _, err := ParseOutput("noise\nnot-json-here\n")
	var de *DecodeError
	if !errors.As(err, &de) {
		t.Fatalf("err = %v", err)
	}
	if de.Raw != "not-json-here" {
		t.Errorf("raw = %q", de.Raw)
	}
}

func TestFingerprint(t *testing.T) {
	a := Fingerprint("def f():\n    return 1\n")
	if len(a) != 16 {
		t.Fatalf("fingerprint %q should be 16 hex digits", a)
	}
	if a != Fingerprint("def f():\n    return 1\n") {
		t.Error("fingerprint must be stable")
	}
	if a == Fingerprint("def f():\n    return 2\n") {
		t.Error("different code should hash differently")
	}
}
