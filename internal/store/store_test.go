package store

import (
	"path/filepath"
	"testing"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "epg.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUpsertPreservesDescription(t *testing.T) {
	s := openTest(t)
	p := Program{
		Frequency: "605000000", ChannelID: "55.1",
		StartTime: 1000, EndTime: 2000,
		Title: "News", EventID: 7, SourceID: 3,
	}
	if err := s.UpsertProgram(p); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := s.UpdateDescription("605000000", "55.1", 7, "Evening headlines."); err != nil {
		t.Fatalf("update description: %v", err)
	}
	// Re-announce the same event with a longer end time and no description.
	p.EndTime = 2500
	p.Description = ""
	if err := s.UpsertProgram(p); err != nil {
		t.Fatalf("re-upsert: %v", err)
	}
	got, err := s.SelectActive(1500)
	if err != nil {
		t.Fatalf("select active: %v", err)
	}
	cur, ok := got["55.1"]
	if !ok {
		t.Fatal("program missing")
	}
	if cur.EndTime != 2500 {
		t.Fatalf("end time not refreshed: %d", cur.EndTime)
	}
	if cur.Description != "Evening headlines." {
		t.Fatalf("description wiped by upsert: %q", cur.Description)
	}
}

func TestUpsertRejectsInvalid(t *testing.T) {
	s := openTest(t)
	bad := []Program{
		{Frequency: "1", ChannelID: "1.1", StartTime: 0, EndTime: 10, Title: "x"},
		{Frequency: "1", ChannelID: "1.1", StartTime: 10, EndTime: 10, Title: "x"},
		{Frequency: "1", ChannelID: "1.1", StartTime: 10, EndTime: 20, Title: ""},
	}
	for i, p := range bad {
		if err := s.UpsertProgram(p); err == nil {
			t.Errorf("case %d: want rejection", i)
		}
	}
	if n, _ := s.Count(); n != 0 {
		t.Fatalf("invalid rows stored: %d", n)
	}
}

func TestUpdateDescriptionUnknownEvent(t *testing.T) {
	s := openTest(t)
	// No matching event: dropped silently, never inserted.
	if err := s.UpdateDescription("605000000", "55.1", 99, "orphan"); err != nil {
		t.Fatalf("update description: %v", err)
	}
	if n, _ := s.Count(); n != 0 {
		t.Fatalf("orphan description created a row: %d", n)
	}
}

func TestSelectWindowAndPrune(t *testing.T) {
	s := openTest(t)
	progs := []Program{
		{Frequency: "1", ChannelID: "7.1", StartTime: 100, EndTime: 200, Title: "old"},
		{Frequency: "1", ChannelID: "7.1", StartTime: 900, EndTime: 1100, Title: "current"},
		{Frequency: "1", ChannelID: "7.1", StartTime: 1100, EndTime: 1200, Title: "next"},
		{Frequency: "2", ChannelID: "8.1", StartTime: 950, EndTime: 1050, Title: "other"},
	}
	for _, p := range progs {
		if err := s.UpsertProgram(p); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}
	up, err := s.SelectWindow(1000, 0)
	if err != nil {
		t.Fatalf("select window: %v", err)
	}
	if len(up) != 3 {
		t.Fatalf("open window = %d, want 3", len(up))
	}
	// Ordered by channel, then start.
	if up[0].Title != "current" || up[1].Title != "next" || up[2].Title != "other" {
		t.Fatalf("order wrong: %v %v %v", up[0].Title, up[1].Title, up[2].Title)
	}

	// A bounded window excludes programs starting at or after its end.
	bounded, err := s.SelectWindow(1000, 1100)
	if err != nil {
		t.Fatalf("select window: %v", err)
	}
	if len(bounded) != 2 || bounded[0].Title != "current" || bounded[1].Title != "other" {
		t.Fatalf("bounded window = %+v", bounded)
	}

	n, err := s.Prune(900)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 1 {
		t.Fatalf("pruned %d, want 1", n)
	}
	if c, _ := s.Count(); c != 3 {
		t.Fatalf("count after prune = %d", c)
	}
}
