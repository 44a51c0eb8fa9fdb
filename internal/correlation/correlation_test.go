package correlation_test

import (
	"net"
	"testing"

	"github.com/reaktive/tcp-nukleus/internal/correlation"
)

func TestPutRemoveRoundTrip(t *testing.T) {
	r := correlation.New()
	r.Put(1, correlation.Correlation{SourceName: "tcp", TargetName: "app", CorrelatedStreamID: 9})

	c, ok := r.Remove(1)
	if !ok {
		t.Fatal("expected correlation to be present")
	}
	if c.CorrelatedStreamID != 9 {
		t.Fatalf("CorrelatedStreamID = %d, want 9", c.CorrelatedStreamID)
	}

	if _, ok := r.Remove(1); ok {
		t.Fatal("correlation must not be consumable twice")
	}
}

func TestSweepRemovesUnkept(t *testing.T) {
	r := correlation.New()
	closedConn, _ := net.Pipe()
	openConn, _ := net.Pipe()
	r.Put(1, correlation.Correlation{Socket: closedConn})
	r.Put(2, correlation.Correlation{Socket: openConn})

	r.Sweep(func(c correlation.Correlation) bool { return c.Socket == openConn })

	if r.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", r.Len())
	}
	if _, ok := r.Remove(2); !ok {
		t.Fatal("expected the kept correlation to survive the sweep")
	}
}
