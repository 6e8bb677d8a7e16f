package roadmap

import (
	"encoding/json"
	"testing"
)

func TestTextUnmarshal(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain string", `"hello"`, "hello"},
		{"string list", `["a","b","c"]`, "a\nb\nc"},
		{"empty list", `[]`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got Text
			if err := json.Unmarshal([]byte(tt.in), &got); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestStringListUnmarshal(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{"array", `["a.go","b.go"]`, []string{"a.go", "b.go"}},
		{"comma string", `"a.go, b.go"`, []string{"a.go", "b.go"}},
		{"single string", `"a.go"`, []string{"a.go"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got StringList
			if err := json.Unmarshal([]byte(tt.in), &got); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("item %d: got %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestTaskSlug(t *testing.T) {
	tests := []struct {
		name  string
		task  Task
		want  string
	}{
		{"simple", Task{ID: 3, Title: "Parse Config"}, "003-parse-config"},
		{"punctuation", Task{ID: 12, Title: "Add /api routes!"}, "012-add-api-routes"},
		{"trailing symbols", Task{ID: 1, Title: "Init..."}, "001-init"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.task.Slug(); got != tt.want {
				t.Errorf("Slug() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTaskHeading(t *testing.T) {
	task := Task{ID: 7, Title: "Wire scheduler"}
	if got, want := task.Heading(), "## 007 - Wire scheduler"; got != want {
		t.Errorf("Heading() = %q, want %q", got, want)
	}
}

func TestDeployEnabled(t *testing.T) {
	yes, no := true, false
	tests := []struct {
		name string
		cfg  *DeployConfig
		want bool
	}{
		{"nil block", nil, false},
		{"absent enabled key", &DeployConfig{Script: "./deploy.sh"}, true},
		{"explicit true", &DeployConfig{Enabled: &yes}, true},
		{"explicit false", &DeployConfig{Enabled: &no}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.DeployEnabled(); got != tt.want {
				t.Errorf("DeployEnabled() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestReviewEnabled(t *testing.T) {
	yes, no := true, false
	tests := []struct {
		name    string
		project bool
		task    *Task
		want    bool
	}{
		{"project off, no override", false, &Task{}, false},
		{"project on, no override", true, &Task{}, true},
		{"project on, task opts out", true, &Task{Review: &no}, false},
		{"project off, task opts in", false, &Task{Review: &yes}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &Roadmap{Review: tt.project}
			if got := r.ReviewEnabled(tt.task); got != tt.want {
				t.Errorf("ReviewEnabled() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseCapturesUnknownFields(t *testing.T) {
	data := []byte(`{
		"name": "demo",
		"tasks": [
			{"id": 1, "title": "Init", "depends_on": [], "outputs": ["main.go"],
			 "acceptance": "builds", "frobnicate": true}
		]
	}`)
	r, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(r.Tasks) != 1 {
		t.Fatalf("expected 1 task, got %d", len(r.Tasks))
	}
	if got := r.Tasks[0].unknownFields; len(got) != 1 || got[0] != "frobnicate" {
		t.Errorf("unknownFields = %v, want [frobnicate]", got)
	}
}

func TestParseInvalidJSON(t *testing.T) {
	_, err := Parse([]byte(`{not json`))
	if err == nil {
		t.Fatal("expected error for invalid JSON")
	}
	if _, ok := err.(*ValidationError); !ok {
		t.Errorf("expected *ValidationError, got %T", err)
	}
}
