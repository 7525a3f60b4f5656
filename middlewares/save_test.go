package middlewares

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/netresearch/jobbroker/core"
)

func TestNewSaveNilForEmptyConfig(t *testing.T) {
	if NewSave(&SaveConfig{}) != nil {
		t.Error("expected NewSave to return nil for an empty config")
	}
}

func TestNewSaveNonNilForPopulatedConfig(t *testing.T) {
	m := NewSave(&SaveConfig{SaveFolder: t.TempDir()})
	if m == nil {
		t.Fatal("expected NewSave to return a notifier for a populated config")
	}
}

func TestSaveConfigRestoreHistoryEnabled(t *testing.T) {
	var c SaveConfig
	if c.RestoreHistoryEnabled() {
		t.Error("expected default (no SaveFolder) to disable restoration")
	}

	c.SaveFolder = "/tmp/jobs"
	if !c.RestoreHistoryEnabled() {
		t.Error("expected a configured SaveFolder to enable restoration by default")
	}

	disabled := false
	c.RestoreHistory = &disabled
	if c.RestoreHistoryEnabled() {
		t.Error("expected explicit false to override the SaveFolder default")
	}
}

func TestSaveConfigGetRestoreHistoryMaxAge(t *testing.T) {
	var c SaveConfig
	if c.GetRestoreHistoryMaxAge() != 24*time.Hour {
		t.Errorf("expected default max age of 24h, got %s", c.GetRestoreHistoryMaxAge())
	}

	c.RestoreHistoryMaxAge = time.Hour
	if c.GetRestoreHistoryMaxAge() != time.Hour {
		t.Errorf("expected configured max age to be honored, got %s", c.GetRestoreHistoryMaxAge())
	}
}

func TestSaveNotifyWritesRecord(t *testing.T) {
	dir := t.TempDir()
	s := &Save{SaveConfig{SaveFolder: dir}}
	evt := core.NotifyEvent{JobID: 7, JobName: "backup", Application: "backup-app", State: "ok"}

	if err := s.Notify(evt); err != nil {
		t.Fatalf("Notify returned error: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 record written, got %d", len(entries))
	}

	data, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	var got core.NotifyEvent
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.JobName != "backup" || got.JobID != 7 {
		t.Errorf("unexpected record content: %+v", got)
	}
}

func TestSaveNotifySkipsSuccessWhenOnlyOnError(t *testing.T) {
	dir := t.TempDir()
	onlyOnError := true
	s := &Save{SaveConfig{SaveFolder: dir, SaveOnlyOnError: &onlyOnError}}
	evt := core.NotifyEvent{JobID: 1, JobName: "backup", State: "ok"}

	if err := s.Notify(evt); err != nil {
		t.Fatalf("Notify returned error: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected no record written for a success event, got %d", len(entries))
	}
}

func TestSaveNotifyRejectsDangerousFolder(t *testing.T) {
	s := &Save{SaveConfig{SaveFolder: "/etc/jobbroker-evil"}}
	evt := core.NotifyEvent{JobID: 1, JobName: "backup", State: "error"}

	if err := s.Notify(evt); err == nil {
		t.Error("expected Notify to reject a system-directory save folder")
	}
}
