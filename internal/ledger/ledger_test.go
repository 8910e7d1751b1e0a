package ledger

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestEntryRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		json string
		want Entry
	}{
		{
			name: "attempt count",
			json: "4",
			want: Entry{Attempts: 4},
		},
		{
			name: "zero attempts",
			json: "0",
			want: Entry{},
		},
		{
			name: "terminal success",
			json: "true",
			want: Entry{Terminal: true, Success: true},
		},
		{
			name: "terminal failure",
			json: "false",
			want: Entry{Terminal: true},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got Entry
			if err := json.Unmarshal([]byte(tt.json), &got); err != nil {
				t.Fatalf("Unmarshal() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Unmarshal() = %+v, want %+v", got, tt.want)
			}
			out, err := json.Marshal(got)
			if err != nil {
				t.Fatalf("Marshal() error = %v", err)
			}
			if string(out) != tt.json {
				t.Errorf("Marshal() = %s, want %s", out, tt.json)
			}
		})
	}
}

func TestEntryRejectsGarbage(t *testing.T) {
	var e Entry
	if err := json.Unmarshal([]byte(`"ten"`), &e); err == nil {
		t.Error("expected error for non bool/int entry")
	}
}

func TestLedgerPersistsEveryMutation(t *testing.T) {
	path := Path(t.TempDir(), "iOS", "key_log")

	l, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Seed([]string{"22A3354", "22B83"}); err != nil {
		t.Fatal(err)
	}

	// a failure must be visible to a fresh Open right away
	if err := l.Fail("22A3354", 10); err != nil {
		t.Fatal(err)
	}
	reopened, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if e, _ := reopened.Get("22A3354"); e.Attempts != 1 {
		t.Errorf("got %d attempts after reopen, want 1", e.Attempts)
	}

	if err := l.Succeed("22B83"); err != nil {
		t.Fatal(err)
	}
	reopened, err = Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if e, _ := reopened.Get("22B83"); !e.Terminal || !e.Success {
		t.Errorf("got %+v after reopen, want terminal success", e)
	}
}

func TestLedgerFailureBecomesTerminalAtMax(t *testing.T) {
	l, err := Open(Path(t.TempDir(), "iPadOS", "key_log"))
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Seed([]string{"22C150"}); err != nil {
		t.Fatal(err)
	}

	for i := 1; i <= 3; i++ {
		if err := l.Fail("22C150", 3); err != nil {
			t.Fatal(err)
		}
		e, _ := l.Get("22C150")
		if i < 3 {
			if e.Terminal {
				t.Fatalf("terminal after %d attempts, want only at 3", i)
			}
			if e.Attempts != i {
				t.Fatalf("got %d attempts, want %d", e.Attempts, i)
			}
		} else if !e.Terminal || e.Success {
			t.Fatalf("got %+v after max attempts, want terminal failure", e)
		}
	}

	// terminal entries never move again
	if err := l.Fail("22C150", 3); err != nil {
		t.Fatal(err)
	}
	if e, _ := l.Get("22C150"); !e.Terminal || e.Success {
		t.Errorf("terminal failure mutated: %+v", e)
	}
}

func TestLedgerSeedKeepsExisting(t *testing.T) {
	l, err := Open(Path(t.TempDir(), "macOS", "key_log"))
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Seed([]string{"24A335"}); err != nil {
		t.Fatal(err)
	}
	if err := l.Succeed("24A335"); err != nil {
		t.Fatal(err)
	}
	if err := l.Seed([]string{"24A335", "24B83"}); err != nil {
		t.Fatal(err)
	}
	if e, _ := l.Get("24A335"); !e.Terminal || !e.Success {
		t.Errorf("Seed() clobbered terminal entry: %+v", e)
	}
	if got := l.Builds(); !reflect.DeepEqual(got, []string{"24A335", "24B83"}) {
		t.Errorf("Builds() = %v", got)
	}
}

func TestLedgerFileIsSortedPrettyJSON(t *testing.T) {
	path := Path(t.TempDir(), "iOS", "key_log")
	l, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Seed([]string{"22B83", "22A3354"}); err != nil {
		t.Fatal(err)
	}
	if err := l.Succeed("22B83"); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	want := "{\n  \"22A3354\": 0,\n  \"22B83\": true\n}\n"
	if string(data) != want {
		t.Errorf("ledger file = %q, want %q", data, want)
	}
}

func TestEachSkipsTerminalBuilds(t *testing.T) {
	l, err := Open(Path(t.TempDir(), "iOS", "key_log"))
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Seed([]string{"22A1", "22A2", "22A3"}); err != nil {
		t.Fatal(err)
	}
	if err := l.Succeed("22A1"); err != nil {
		t.Fatal(err)
	}

	var tried []string
	err = l.Each(10, func(build string) error {
		tried = append(tried, build)
		return nil
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(tried, []string{"22A2", "22A3"}) {
		t.Errorf("tried %v, want only non-terminal builds", tried)
	}

	// everything is terminal now: a rerun must not invoke the action at all
	tried = nil
	if err := l.Each(10, func(build string) error {
		tried = append(tried, build)
		return nil
	}, nil); err != nil {
		t.Fatal(err)
	}
	if len(tried) != 0 {
		t.Errorf("rerun retried terminal builds: %v", tried)
	}
}

func TestEachConvertsErrorsToAttempts(t *testing.T) {
	l, err := Open(Path(t.TempDir(), "iOS", "key_log"))
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Seed([]string{"22A1"}); err != nil {
		t.Fatal(err)
	}

	boom := fmt.Errorf("no keys for you")
	for i := 1; i <= 2; i++ {
		if err := l.Each(2, func(string) error { return boom }, nil); err != nil {
			t.Fatalf("Each() propagated action error: %v", err)
		}
	}
	if e, _ := l.Get("22A1"); !e.Terminal || e.Success {
		t.Errorf("got %+v after exhausting attempts, want terminal failure", e)
	}
}

func TestEachRunsFinalize(t *testing.T) {
	l, err := Open(Path(t.TempDir(), "iOS", "key_log"))
	if err != nil {
		t.Fatal(err)
	}
	var finalized bool
	if err := l.Each(1, func(string) error { return nil }, func() error {
		finalized = true
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if !finalized {
		t.Error("finalize did not run")
	}
}

func TestOpenMissingDirFails(t *testing.T) {
	l, err := Open(filepath.Join(t.TempDir(), "nope", "iOS_key_log.json"))
	if err != nil {
		t.Fatal(err)
	}
	// directory does not exist, so the very first save must surface an error
	if err := l.Seed([]string{"22A1"}); err == nil {
		t.Error("expected save error for missing directory")
	}
}
