package channel

import (
	"fmt"
	"sync"
	"testing"
)

func TestSelectAnchor(t *testing.T) {
	tests := []struct {
		name         string
		ts, threadTS string
		wantAnchor   string
		wantInThread bool
	}{
		{"top level", "1700000000.000100", "", "1700000000.000100", false},
		{"thread root", "1700000000.000100", "1700000000.000100", "1700000000.000100", false},
		{"thread reply", "1700000005.000300", "1700000000.000100", "1700000000.000100", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			anchor, inThread := SelectAnchor(tt.ts, tt.threadTS)
			if anchor != tt.wantAnchor || inThread != tt.wantInThread {
				t.Fatalf("SelectAnchor(%q, %q) = (%q, %v), want (%q, %v)",
					tt.ts, tt.threadTS, anchor, inThread, tt.wantAnchor, tt.wantInThread)
			}
		})
	}
}

func TestThreadTracker_RecordOverwrites(t *testing.T) {
	tr := NewThreadTracker()
	if _, ok := tr.Current("grp-42"); ok {
		t.Fatal("new tracker should have no anchor")
	}

	tr.Record("grp-42", "1.1")
	tr.Record("grp-42", "2.2")
	if got, _ := tr.Current("grp-42"); got != "2.2" {
		t.Fatalf("expected latest anchor, got %q", got)
	}
}

func TestThreadTracker_IgnoresEmptyAnchor(t *testing.T) {
	tr := NewThreadTracker()
	tr.Record("grp-42", "1.1")
	tr.Record("grp-42", "")
	if got, _ := tr.Current("grp-42"); got != "1.1" {
		t.Fatalf("empty anchor should be ignored, got %q", got)
	}
}

func TestThreadTracker_Forget(t *testing.T) {
	tr := NewThreadTracker()
	tr.Record("grp-42", "1.1")
	tr.Forget("grp-42")
	tr.Forget("never-seen")
	if _, ok := tr.Current("grp-42"); ok {
		t.Fatal("anchor should be gone")
	}
}

func TestThreadTracker_Concurrent(t *testing.T) {
	tr := NewThreadTracker()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			jid := fmt.Sprintf("grp-%d", i%5)
			tr.Record(jid, fmt.Sprintf("%d.0", i))
			tr.Current(jid)
		}(i)
	}
	wg.Wait()
	for i := 0; i < 5; i++ {
		if _, ok := tr.Current(fmt.Sprintf("grp-%d", i)); !ok {
			t.Fatalf("grp-%d should have an anchor", i)
		}
	}
}
