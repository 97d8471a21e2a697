package permission

import (
	"strings"
	"sync"
	"testing"
)

// --- Levels ---

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"none", None},
		{"read_only", ReadOnly},
		{"READ_ONLY", ReadOnly},
		{"limited", Limited},
		{" full ", Full},
		{"admin", None},
		{"", None},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestParseLevelStrict_Unknown(t *testing.T) {
	if _, err := ParseLevelStrict("root"); err == nil {
		t.Fatal("expected error for unknown level")
	}
}

func TestLevel_TextRoundTrip(t *testing.T) {
	var l Level
	if err := l.UnmarshalText([]byte("limited")); err != nil {
		t.Fatalf("UnmarshalText: %v", err)
	}
	out, _ := l.MarshalText()
	if string(out) != "limited" {
		t.Errorf("MarshalText = %q, want limited", out)
	}
}

// --- Table ---

func TestTable_ResolveFallsBackToDefault(t *testing.T) {
	tbl := NewTable(Limited)
	if got := tbl.Resolve("anything"); got != Limited {
		t.Errorf("Resolve = %v, want limited", got)
	}
	tbl.Set("anything", None)
	if got := tbl.Resolve("anything"); got != None {
		t.Errorf("Resolve after Set = %v, want none", got)
	}
	tbl.Delete("anything")
	if _, ok := tbl.Lookup("anything"); ok {
		t.Error("entry should be gone after Delete")
	}
}

func TestTable_LastWriteWins(t *testing.T) {
	tbl := NewTable(None)
	tbl.Set("f", Full)
	tbl.Merge(map[string]Level{"f": ReadOnly, "g": Limited})
	if got := tbl.Resolve("f"); got != ReadOnly {
		t.Errorf("f = %v, want read_only", got)
	}
	snap := tbl.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("snapshot has %d entries, want 2", len(snap))
	}
	snap["f"] = Full
	if tbl.Resolve("f") != ReadOnly {
		t.Error("mutating a snapshot must not change the table")
	}
}

func TestTable_ConcurrentAccess(t *testing.T) {
	tbl := NewTable(None)
	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			tbl.Set("f", Level(i%4))
		}()
		go func() {
			defer wg.Done()
			_ = tbl.Resolve("f")
		}()
	}
	wg.Wait()
}

// --- Policy ---

func TestAuthorize_None(t *testing.T) {
	p := NewPolicy(NewTable(None))
	d := p.Authorize("get_status", "def get_status():\n    return 1\n")
	if d.Allow {
		t.Fatal("none must deny")
	}
	if d.Reason != "no permission granted" {
		t.Errorf("reason = %q", d.Reason)
	}
}

func TestAuthorize_ReadOnly(t *testing.T) {
	tests := []struct {
		name    string
		fn      string
		code    string
		allow   bool
		reasons string
	}{
		{"write-named function", "delete_file", "def delete_file():\n    return 1\n", false, "does not appear to be read-only"},
		{"denylisted code", "get_status", "import subprocess\ndef get_status():\n    return subprocess.run(['ls'])\n", false, "subprocess"},
		{"clean read function", "get_status", "def get_status():\n    return {'ok': True}\n", true, ""},
		{"read prefix", "read_config", "def read_config():\n    return 1\n", true, ""},
		{"substring match", "target_budget", "def target_budget():\n    return 1\n", true, ""},
		{"case sensitive", "GET_STATUS", "def GET_STATUS():\n    return 1\n", false, "read-only"},
		{"file open", "read_file", "def read_file(p):\n    return open(p).read()\n", false, "open("},
		{"dynamic import", "get_mod", "def get_mod():\n    return __import__('os')\n", false, "__import__"},
		{"eval", "get_value", "def get_value(x):\n    return eval(x)\n", false, "eval("},
	}
	p := NewPolicy(NewTable(ReadOnly))
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := p.Authorize(tt.fn, tt.code)
			if d.Allow != tt.allow {
				t.Fatalf("Allow = %v, want %v (reason %q)", d.Allow, tt.allow, d.Reason)
			}
			if tt.reasons != "" && !strings.Contains(d.Reason, tt.reasons) {
				t.Errorf("reason %q should mention %q", d.Reason, tt.reasons)
			}
			if d.NeedsConfirmation {
				t.Error("read_only never needs confirmation")
			}
		})
	}
}

// The denylist is a substring scan. Obfuscated calls are expected to pass;
// this test pins that limitation so nobody mistakes the scan for a boundary.
func TestAuthorize_ReadOnlyObfuscationBypass(t *testing.T) {
	code := "def get_listing():\n" +
		"    m = getattr(__builtins__, '__imp' + 'ort__')('o' + 's')\n" +
		"    return m.listdir('.')\n"
	p := NewPolicy(NewTable(ReadOnly))
	if d := p.Authorize("get_listing", code); !d.Allow {
		t.Fatalf("obfuscated code was expected to bypass the scan, got reason %q", d.Reason)
	}
}

func TestAuthorize_LimitedSkipsScan(t *testing.T) {
	p := NewPolicy(NewTable(Limited))
	d := p.Authorize("delete_file", "import os\ndef delete_file(p):\n    os.remove(p)\n")
	if !d.Allow || d.NeedsConfirmation {
		t.Fatalf("limited should allow without confirmation, got %+v", d)
	}
}

func TestAuthorize_FullNeedsConfirmation(t *testing.T) {
	tbl := NewTable(None)
	tbl.Set("deploy", Full)
	d := NewPolicy(tbl).Authorize("deploy", "def deploy():\n    pass\n")
	if !d.Allow || !d.NeedsConfirmation {
		t.Fatalf("full should be provisionally allowed pending confirmation, got %+v", d)
	}
	if d.Level != Full {
		t.Errorf("level = %v, want full", d.Level)
	}
}

func TestScanUnsafe(t *testing.T) {
	if _, found := ScanUnsafe("def f():\n    return 1\n"); found {
		t.Error("clean code flagged")
	}
	if p, found := ScanUnsafe("import shutil\n"); !found || p != "import shutil" {
		t.Errorf("ScanUnsafe = %q, %v", p, found)
	}
}
