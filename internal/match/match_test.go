package match

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

func TestDoesTextMatch(t *testing.T) {
	e := New(map[string]models.Matches{
		"yes":       {"yes": models.MatchString, "yep": models.MatchString, "sure": models.MatchString},
		"agreement": {"yes": models.MatchMatchFile, "^ok(ay)?$": models.MatchRegexp},
	})
	tests := []struct {
		name    string
		matches models.Matches
		text    string
		want    bool
	}{
		{"literal case insensitive", models.Matches{"Help": models.MatchString}, "  hELp ", true},
		{"literal is exact", models.Matches{"help": models.MatchString}, "help me", false},
		{"literal with regex chars", models.Matches{"a.b": models.MatchString}, "axb", false},
		{"regexp", models.Matches{`^\d{3}$`: models.MatchRegexp}, "123", true},
		{"regexp case insensitive", models.Matches{"^stop": models.MatchRegexp}, "STOP now", true},
		{"empty kind skipped", models.Matches{"help": ""}, "help", false},
		{"match file", models.Matches{"yes": models.MatchMatchFile}, "Yep", true},
		{"nested match file", models.Matches{"agreement": models.MatchMatchFile}, "sure", true},
		{"nested regexp", models.Matches{"agreement": models.MatchMatchFile}, "Okay", true},
		{"unknown match file", models.Matches{"nope": models.MatchMatchFile}, "yes", false},
		{"no patterns", nil, "yes", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := e.DoesTextMatch(tt.matches, tt.text); got != tt.want {
				t.Errorf("DoesTextMatch(%v, %q) = %v, want %v", tt.matches, tt.text, got, tt.want)
			}
		})
	}
}

func TestCyclicMatchFilesTerminate(t *testing.T) {
	e := New(map[string]models.Matches{
		"a": {"b": models.MatchMatchFile},
		"b": {"a": models.MatchMatchFile},
	})
	if e.DoesTextMatch(models.Matches{"a": models.MatchMatchFile}, "anything") {
		t.Error("cyclic match files must not match")
	}
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	content := "yes: string\n'^y(es)?$': regexp\n"
	if err := os.WriteFile(filepath.Join(dir, "yes.yaml"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644); err != nil {
		t.Fatal(err)
	}
	files, err := LoadDir(dir)
	if err != nil {
		t.Fatalf("LoadDir error: %v", err)
	}
	if len(files) != 1 {
		t.Fatalf("expected 1 match file, got %d", len(files))
	}
	if files["yes"]["^y(es)?$"] != models.MatchRegexp {
		t.Errorf("unexpected match file content %v", files["yes"])
	}

	missing, err := LoadDir(filepath.Join(dir, "missing"))
	if err != nil || len(missing) != 0 {
		t.Errorf("missing dir should yield empty table, got %v, %v", missing, err)
	}
}
