package testbroker

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/abd-ulbasit/goqueue-producer-go/internal/conn"
)

func postJSON(t *testing.T, url string, body, out any) int {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("POST %s failed: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decoding response: %v", err)
		}
	}
	return resp.StatusCode
}

func TestServer_InitAndFaults(t *testing.T) {
	// WHAT: Identifier endpoint, plus every injected misbehavior
	// WHY: The producer tests script faults through these knobs; they
	// must do exactly what they claim

	s := NewServer(nil, nil)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	// A rejection consumes exactly one unit of the fault budget.
	s.FailInitNext(1)
	var rejected initResponse
	postJSON(t, ts.URL+"/producer/id", initRequest{ClientKey: "k"}, &rejected)
	if rejected.ErrorCode != conn.BrokerErrNotReady {
		t.Errorf("injected rejection carried code %d", rejected.ErrorCode)
	}

	s.InvalidInitNext(1)
	var invalid initResponse
	postJSON(t, ts.URL+"/producer/id", initRequest{ClientKey: "k"}, &invalid)
	if invalid.ErrorCode != conn.BrokerErrNone || invalid.ProducerID >= 0 {
		t.Errorf("injected invalid identifier = %+v", invalid)
	}

	// Budget spent: a normal allocation follows.
	var ok initResponse
	postJSON(t, ts.URL+"/producer/id", initRequest{ClientKey: "k"}, &ok)
	if ok.ErrorCode != conn.BrokerErrNone || ok.ProducerID < 0 {
		t.Errorf("allocation after faults = %+v", ok)
	}

	if code := postJSON(t, ts.URL+"/producer/id", map[string]string{}, nil); code != http.StatusBadRequest {
		t.Errorf("empty client key accepted with status %d", code)
	}

	s.SetDown(true)
	if code := postJSON(t, ts.URL+"/producer/id", initRequest{ClientKey: "k"}, nil); code != http.StatusServiceUnavailable {
		t.Errorf("down broker answered %d, want 503", code)
	}
	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("down health = %d, want 503", resp.StatusCode)
	}
}

func TestServer_PublishDedupAndFencing(t *testing.T) {
	// WHAT: Publish enforces the allocator's verdicts on the wire
	// WHY: The producer's Result.Duplicate and fencing behavior come
	// straight from these responses

	s := NewServer(nil, nil)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	var id initResponse
	postJSON(t, ts.URL+"/producer/id", initRequest{ClientKey: "k"}, &id)

	pub := publishRequest{
		Value:         []byte("v"),
		ProducerID:    id.ProducerID,
		ProducerEpoch: id.ProducerEpoch,
		Sequence:      0,
	}

	var first publishResponse
	postJSON(t, ts.URL+"/topics/orders/messages", pub, &first)
	if first.ErrorCode != conn.BrokerErrNone || first.Offset != 0 || first.Duplicate {
		t.Errorf("first publish = %+v", first)
	}

	// Same stamp again: acked as duplicate, not re-appended.
	var dup publishResponse
	postJSON(t, ts.URL+"/topics/orders/messages", pub, &dup)
	if !dup.Duplicate || dup.Offset != 0 {
		t.Errorf("replay = %+v, want duplicate ack at offset 0", dup)
	}

	// Skipping ahead is a sequence gap.
	pub.Sequence = 5
	var gap publishResponse
	postJSON(t, ts.URL+"/topics/orders/messages", pub, &gap)
	if gap.ErrorCode != conn.BrokerErrInvalidSequence {
		t.Errorf("gap publish carried code %d", gap.ErrorCode)
	}

	// A stale epoch is fenced.
	postJSON(t, ts.URL+"/producer/id", initRequest{ClientKey: "k"}, &initResponse{})
	pub.Sequence = 1
	var fenced publishResponse
	postJSON(t, ts.URL+"/topics/orders/messages", pub, &fenced)
	if fenced.ErrorCode != conn.BrokerErrFenced {
		t.Errorf("stale epoch publish carried code %d", fenced.ErrorCode)
	}
}
