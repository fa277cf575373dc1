package proto

import (
	"encoding/json"
	"testing"
)

func TestClassifyContentText(t *testing.T) {
	c := ClassifyContent("just a plain message")
	if c.Kind != ContentText || c.Raw != "just a plain message" {
		t.Fatalf("got %+v", c)
	}
}

func TestClassifyContentJSONWithoutType(t *testing.T) {
	// Valid JSON but no recognised type tag stays text.
	c := ClassifyContent(`{"hello":"world"}`)
	if c.Kind != ContentText {
		t.Fatalf("got kind %s", c.Kind)
	}
}

func TestClassifyContentFile(t *testing.T) {
	raw, _ := json.Marshal(FilePayload{Type: "file", Name: "notes.txt", Data: "aGk=", Size: 2})
	c := ClassifyContent(string(raw))
	if c.Kind != ContentFile || c.File == nil {
		t.Fatalf("got %+v", c)
	}
	if c.File.Name != "notes.txt" || c.File.Size != 2 {
		t.Fatalf("file payload lost fields: %+v", c.File)
	}
}

func TestClassifyContentAudio(t *testing.T) {
	c := ClassifyContent(`{"type":"audio","data":"UklGRg=="}`)
	if c.Kind != ContentAudio || c.Audio == nil || c.Audio.Data != "UklGRg==" {
		t.Fatalf("got %+v", c)
	}
}

func TestClassifyContentCallLog(t *testing.T) {
	raw := NewCallLogContent("completed", 61500)
	c := ClassifyContent(raw)
	if c.Kind != ContentCallLog || c.CallLog == nil {
		t.Fatalf("got %+v", c)
	}
	if c.CallLog.Status != "completed" || c.CallLog.DurationMs != 61500 {
		t.Fatalf("call log lost fields: %+v", c.CallLog)
	}
}

func TestNewMessageIDUnique(t *testing.T) {
	a, b := NewMessageID(), NewMessageID()
	if a == "" || a == b {
		t.Fatalf("ids not unique: %q %q", a, b)
	}
}
