package models

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestParseLocation(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    Location
		wantErr bool
	}{
		{"minio object", "minio://minio.local:9000/gr-proj/a/b.txt", Location{"minio", "minio.local:9000", "gr-proj/a/b.txt"}, false},
		{"no scheme", "minio.local/gr-proj/b.txt", Location{}, true},
		{"no object", "minio://minio.local", Location{}, true},
		{"empty", "", Location{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseLocation(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLocation(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseLocation(%q) = %+v, want %+v", tt.in, got, tt.want)
			}
		})
	}
}

func TestResourceNodeDerived(t *testing.T) {
	tests := []struct {
		name     string
		node     ResourceNode
		wantType string
		wantZone string
		wantPath string
	}{
		{
			name:     "greenroom file",
			node:     ResourceNode{Name: "b.txt", Labels: []string{"Greenroom", "File"}, Location: "minio://m/gr-proj/raw/b.txt"},
			wantType: TypeFile, wantZone: ZoneGreenroom, wantPath: "gr-proj/raw/b.txt",
		},
		{
			name:     "legacy core folder",
			node:     ResourceNode{Name: "sub", Labels: []string{"Folder", "VRECore"}, ProjectCode: "proj", FolderRelativePath: "a"},
			wantType: TypeFolder, wantZone: ZoneCore, wantPath: "proj/a/sub",
		},
		{
			name:     "container",
			node:     ResourceNode{Name: "Project", Labels: []string{"Container"}, ProjectCode: "proj"},
			wantType: TypeContainer, wantZone: "", wantPath: "proj",
		},
		{
			name:     "file without location",
			node:     ResourceNode{Name: "c.txt", Labels: []string{"File", "Core"}, ProjectCode: "proj", FolderRelativePath: "x"},
			wantType: TypeFile, wantZone: ZoneCore, wantPath: "proj/x/c.txt",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.node.Type(); got != tt.wantType {
				t.Errorf("Type() = %q, want %q", got, tt.wantType)
			}
			if got := tt.node.Zone(); got != tt.wantZone {
				t.Errorf("Zone() = %q, want %q", got, tt.wantZone)
			}
			if got := tt.node.Path(); got != tt.wantPath {
				t.Errorf("Path() = %q, want %q", got, tt.wantPath)
			}
		})
	}
}

func TestPayloadJSONRoundTrip(t *testing.T) {
	in := `{"error":"boom","targets":["a","b"],"count":3,"nested":{"ok":true}}`

	var p Payload
	if err := json.Unmarshal([]byte(in), &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if s, ok := p["error"].Str(); !ok || s != "boom" {
		t.Errorf("error = %q/%v, want boom", s, ok)
	}
	if n, ok := p["count"].Num(); !ok || n != 3 {
		t.Errorf("count = %v/%v, want 3", n, ok)
	}
	items, ok := p["targets"].Items()
	if !ok || len(items) != 2 {
		t.Fatalf("targets = %v/%v", items, ok)
	}
	fields, ok := p["nested"].Fields()
	if !ok || !fields["ok"].Equal(Bool(true)) {
		t.Errorf("nested = %v/%v", fields, ok)
	}

	out, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back Payload
	if err := json.Unmarshal(out, &back); err != nil {
		t.Fatalf("unmarshal back: %v", err)
	}
	for k, v := range p {
		if !v.Equal(back[k]) {
			t.Errorf("key %q changed across round trip", k)
		}
	}
}

func TestFromAnyRejectsUnknown(t *testing.T) {
	if _, err := FromAny(struct{}{}); err == nil {
		t.Error("expected error for struct value")
	}
}

func TestPayloadCloneIsDeep(t *testing.T) {
	p := Payload{"list": Strings([]string{"a"}), "m": Map(Payload{"k": String("v")})}
	cp := p.Clone()

	inner, _ := cp["m"].Fields()
	inner["k"] = String("changed")

	orig, _ := p["m"].Fields()
	if s, _ := orig["k"].Str(); s != "v" {
		t.Errorf("clone shares nested map with original")
	}
}

func TestNewGEID(t *testing.T) {
	a, b := NewGEID(), NewGEID()
	if a == b {
		t.Fatal("expected unique ids")
	}
	if strings.Count(a, "-") != 5 {
		t.Errorf("NewGEID() = %q, want uuid-unix form", a)
	}
}

func TestParseJobStatus(t *testing.T) {
	if _, err := ParseJobStatus("RUNNING"); err != nil {
		t.Errorf("RUNNING rejected: %v", err)
	}
	if _, err := ParseJobStatus("running"); err == nil {
		t.Error("lowercase status accepted")
	}
	if !StatusTerminated.Done() || StatusRunning.Done() {
		t.Error("Done() mismatch")
	}
}

func TestJobRevision(t *testing.T) {
	var j Job
	j.Touch(time.UnixMilli(1_700_000_000_250))
	if j.UpdateTimestamp != "1700000000" {
		t.Errorf("UpdateTimestamp = %q, want unix seconds", j.UpdateTimestamp)
	}
	if got := j.Revision(); got != 1_700_000_000_250 {
		t.Errorf("Revision() = %d, want millisecond stamp", got)
	}

	legacy := Job{UpdateTimestamp: "1700000000"}
	if got := legacy.Revision(); got != 1_700_000_000_000 {
		t.Errorf("legacy Revision() = %d, want seconds scaled to ms", got)
	}
}

func TestBucket(t *testing.T) {
	if got := Bucket(ZoneGreenroom, "proj"); got != "gr-proj" {
		t.Errorf("Bucket(Greenroom) = %q", got)
	}
	if got := Bucket(ZoneCore, "proj"); got != "core-proj" {
		t.Errorf("Bucket(Core) = %q", got)
	}
}
