// Copyright 2025 James Ross
package store

import (
	"fmt"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	s, err := OpenStandalone("sqlite3", dsn)
	if err != nil {
		t.Fatalf("openStandalone: %v", err)
	}
	if err := Migrate("sqlite3", s.DB().DB); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAndFilterAvailable(t *testing.T) {
	s := newTestStore(t)
	hashes := []string{"aaa", "bbb", "ccc"}
	for _, h := range hashes {
		if err := s.CreateBinary(h); err != nil {
			t.Fatalf("CreateBinary(%s): %v", h, err)
		}
	}
	// Nothing marked available yet; all three should remain.
	remaining, err := s.FilterAvailable(hashes)
	if err != nil {
		t.Fatal(err)
	}
	if len(remaining) != 3 {
		t.Fatalf("expected 3 remaining, got %d", len(remaining))
	}

	if err := s.MarkAvailable("aaa", 1024); err != nil {
		t.Fatal(err)
	}
	remaining, err = s.FilterAvailable(hashes)
	if err != nil {
		t.Fatal(err)
	}
	if len(remaining) != 2 {
		t.Fatalf("expected 2 remaining after marking aaa available, got %d", len(remaining))
	}
}

func TestCreateBinaryIdempotent(t *testing.T) {
	s := newTestStore(t)
	if err := s.CreateBinary("dup"); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateBinary("dup"); err != nil {
		t.Fatalf("expected duplicate CreateBinary to be tolerated, got %v", err)
	}
}

func TestCreateResultDuplicateConflict(t *testing.T) {
	s := newTestStore(t)
	r := AnalysisResult{SHA256: "aaa", JobID: "j1", ConnectorName: "null", AnalysisName: "scan", Score: 5}
	if _, err := s.CreateResult(r); err != nil {
		t.Fatal(err)
	}
	if _, err := s.CreateResult(r); err != ErrConflict {
		t.Fatalf("expected ErrConflict on duplicate, got %v", err)
	}
}

func TestScoreNormalization(t *testing.T) {
	s := newTestStore(t)
	id, err := s.CreateResult(AnalysisResult{SHA256: "aaa", JobID: "j1", ConnectorName: "null", AnalysisName: "scan", Score: 95})
	if err != nil {
		t.Fatal(err)
	}
	results, err := s.GetResultsByIDs([]int64{id})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Score != 9 {
		t.Fatalf("expected normalized score 9, got %+v", results)
	}

	id2, err := s.CreateResult(AnalysisResult{SHA256: "aaa", JobID: "j1", ConnectorName: "null", AnalysisName: "scan2", Score: -3})
	if err != nil {
		t.Fatal(err)
	}
	results2, err := s.GetResultsByIDs([]int64{id2})
	if err != nil {
		t.Fatal(err)
	}
	if results2[0].Score != 1 {
		t.Fatalf("expected floor score 1, got %d", results2[0].Score)
	}
}

func TestResultRoundTripsErrorAndPayload(t *testing.T) {
	s := newTestStore(t)
	id, err := s.CreateResult(AnalysisResult{
		SHA256: "aaa", JobID: "j1", ConnectorName: "null", AnalysisName: "scan",
		Score: 5, Error: true, Payload: []byte(`{"raw":"detail"}`),
	})
	if err != nil {
		t.Fatal(err)
	}
	results, err := s.GetResultsByIDs([]int64{id})
	if err != nil {
		t.Fatal(err)
	}
	if !results[0].Error {
		t.Fatal("expected error=true to round-trip")
	}
	payload, err := results[0].PayloadJSON()
	if err != nil {
		t.Fatal(err)
	}
	if payload["raw"] != "detail" {
		t.Fatalf("expected payload to round-trip, got %+v", payload)
	}
}

func TestIOCRoundTripsTaggedMatchType(t *testing.T) {
	s := newTestStore(t)
	id, err := s.CreateResult(AnalysisResult{SHA256: "aaa", JobID: "j1", ConnectorName: "null", AnalysisName: "scan", Score: 5})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.AddIOCs(id, []IOC{
		{MatchType: IOCMatchRegex, Values: []string{"a.*b", "c.*d"}, Field: "filename", Link: "https://example.com/rule"},
	}); err != nil {
		t.Fatal(err)
	}
	iocs, err := s.IOCsForResult(id)
	if err != nil {
		t.Fatal(err)
	}
	if len(iocs) != 1 {
		t.Fatalf("expected 1 ioc, got %d", len(iocs))
	}
	got := iocs[0]
	if got.MatchType != IOCMatchRegex {
		t.Fatalf("expected match_type=regex, got %q", got.MatchType)
	}
	if len(got.Values) != 2 || got.Values[0] != "a.*b" || got.Values[1] != "c.*d" {
		t.Fatalf("expected values to round-trip as a list, got %+v", got.Values)
	}
	if got.Field != "filename" || got.Link != "https://example.com/rule" {
		t.Fatalf("expected field/link to round-trip, got field=%q link=%q", got.Field, got.Link)
	}
	dict := got.AsDict()
	if dict["match_type"] != "regex" {
		t.Fatalf("expected AsDict match_type=regex, got %+v", dict)
	}
}

func TestDeleteResultCascadesIOCs(t *testing.T) {
	s := newTestStore(t)
	id, err := s.CreateResult(AnalysisResult{SHA256: "aaa", JobID: "j1", ConnectorName: "null", AnalysisName: "scan", Score: 5})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.AddIOCs(id, []IOC{
		{MatchType: IOCMatchEquality, Values: []string{"1.2.3.4"}, Field: "ip"},
		{MatchType: IOCMatchEquality, Values: []string{"evil.example"}, Field: "domain"},
	}); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteResult(id); err != nil {
		t.Fatal(err)
	}
	iocs, err := s.IOCsForResult(id)
	if err != nil {
		t.Fatal(err)
	}
	if len(iocs) != 0 {
		t.Fatalf("expected IOCs deleted alongside result, got %d", len(iocs))
	}
}

func TestMarkDispatched(t *testing.T) {
	s := newTestStore(t)
	id, err := s.CreateResult(AnalysisResult{SHA256: "aaa", JobID: "j1", ConnectorName: "null", AnalysisName: "scan", Score: 5})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.MarkDispatched([]int64{id}); err != nil {
		t.Fatal(err)
	}
	results, err := s.GetResultsByIDs([]int64{id})
	if err != nil {
		t.Fatal(err)
	}
	if !results[0].Dispatched {
		t.Fatalf("expected dispatched=true")
	}
}
