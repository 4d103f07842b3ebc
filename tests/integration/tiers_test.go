//go:build integration
// +build integration

// Package integration provides end-to-end tests against a running Perch server.
//
// These tests drive the whole pipeline over HTTP:
//
//	CSV import -> visit index -> rule evaluation -> tier / ranking / stored run
//
// Run with: PERCH_TEST_URL=http://localhost:8080 go test -tags=integration -v ./tests/integration/...
//
// THE FIXTURE:
//
// Every test imports the same reservations and classifies as of 2024-03-15,
// so the 3-month window runs from 2023-12-15 to 2024-03-15 23:59:59.
//
// | Customer | Distinct visit days in window | Tier (stock rules) |
// |----------|-------------------------------|--------------------|
// | c1 Ana   | 4 (one day booked twice)      | Super VIP          |
// | c2 Bob   | 2                             | VIP                |
// | c3 Cy    | 1 (plus one before window)    | No tier            |
//
// NOTE: importing replaces the server's dataset and rules are reset to the
// stock program, so do not point these tests at a server holding real data.
package integration

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"
)

const asOf = "2024-03-15"

const fixtureCSV = `reservation_id,customer_id,name,email,phone,datetime,party_size
r1,c1,Ana,ana@example.com,555-0001,2024-01-10T19:00,2
r2,c1,Ana,ana@example.com,555-0001,2024-02-10T19:00,2
r3,c1,Ana,ana@example.com,555-0001,2024-03-01T12:30,4
r4,c1,Ana,ana@example.com,555-0001,2024-03-01T20:00,4
r5,c1,Ana,ana@example.com,555-0001,2024-03-10 20:00,2
r6,c2,Bob,bob@example.com,555-0002,2024-02-01,3
r7,c2,Bob,bob@example.com,555-0002,2024-03-05T13:00,3
r8,c3,Cy,cy@example.com,555-0003,2024-03-14T21:15,1
r9,c3,Cy,cy@example.com,555-0003,2023-11-02T19:00,1
`

var stockRules = `{"rules":[
  {"minVisits":4,"windowMonths":3,"tier":{"name":"Super VIP","priority":2}},
  {"minVisits":2,"windowMonths":3,"tier":{"name":"VIP","priority":1}}
]}`

func baseURL() string {
	if u := os.Getenv("PERCH_TEST_URL"); u != "" {
		return u
	}
	return "http://localhost:8080"
}

var client = &http.Client{Timeout: 10 * time.Second}

// call sends a request and decodes a JSON response into out when given.
func call(t *testing.T, method, path, body string, wantStatus int, out any) []byte {
	t.Helper()

	req, err := http.NewRequest(method, baseURL()+path, bytes.NewReader([]byte(body)))
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read response: %v", err)
	}
	if resp.StatusCode != wantStatus {
		t.Fatalf("%s %s: expected status %d, got %d: %s", method, path, wantStatus, resp.StatusCode, respBody)
	}
	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			t.Fatalf("Failed to unmarshal response: %v (body: %s)", err, respBody)
		}
	}
	return respBody
}

// setup imports the fixture and resets the rules.
func setup(t *testing.T) {
	t.Helper()
	call(t, http.MethodPut, "/rules", stockRules, http.StatusOK, nil)

	var resp struct {
		Stats struct {
			Imported  int `json:"imported"`
			Customers int `json:"customers"`
		} `json:"stats"`
	}
	call(t, http.MethodPost, "/import", fixtureCSV, http.StatusOK, &resp)
	if resp.Stats.Imported != 9 || resp.Stats.Customers != 3 {
		t.Fatalf("unexpected import stats %+v", resp.Stats)
	}
}

type tierResponse struct {
	CustomerID string `json:"customerId"`
	Label      string `json:"label"`
	AsOf       string `json:"asOf"`
}

func TestHealth(t *testing.T) {
	var resp map[string]string
	call(t, http.MethodGet, "/health", "", http.StatusOK, &resp)
	if resp["status"] != "healthy" {
		t.Errorf("expected healthy, got %s", resp["status"])
	}
}

func TestCustomerTiers(t *testing.T) {
	setup(t)

	/*
	   Ana's two bookings on 2024-03-01 count as one visit day, which still
	   leaves her at the Super VIP threshold of 4.
	*/
	cases := map[string]string{
		"c1": "Super VIP",
		"c2": "VIP",
		"c3": "No tier",
	}
	for id, want := range cases {
		t.Run(id, func(t *testing.T) {
			var resp tierResponse
			call(t, http.MethodGet, "/customers/"+id+"/tier?as_of="+asOf, "", http.StatusOK, &resp)
			if resp.Label != want {
				t.Errorf("expected %s, got %s", want, resp.Label)
			}
		})
	}

	t.Run("UnknownCustomer", func(t *testing.T) {
		call(t, http.MethodGet, "/customers/nobody/tier?as_of="+asOf, "", http.StatusNotFound, nil)
	})
}

func TestTiersGroupedAndRanking(t *testing.T) {
	setup(t)

	var tiers struct {
		Groups []struct {
			Label     string `json:"label"`
			Customers []struct {
				CustomerID string `json:"customerId"`
			} `json:"customers"`
		} `json:"groups"`
	}
	call(t, http.MethodGet, "/tiers?as_of="+asOf, "", http.StatusOK, &tiers)

	var labels []string
	for _, g := range tiers.Groups {
		labels = append(labels, g.Label)
	}
	if strings.Join(labels, ",") != "Super VIP,VIP,No tier" {
		t.Errorf("unexpected groups %v", labels)
	}

	var ranking struct {
		Entries []struct {
			Customer struct {
				ID string `json:"id"`
			} `json:"customer"`
			Visits int `json:"visits"`
		} `json:"entries"`
	}
	call(t, http.MethodGet, "/ranking?months=3&as_of="+asOf, "", http.StatusOK, &ranking)
	if len(ranking.Entries) != 3 {
		t.Fatalf("expected 3 ranking entries, got %d", len(ranking.Entries))
	}
	want := []int{4, 2, 1}
	for i, e := range ranking.Entries {
		if e.Visits != want[i] {
			t.Errorf("entry %d (%s): expected %d visits, got %d", i, e.Customer.ID, want[i], e.Visits)
		}
	}

	csv := call(t, http.MethodGet, "/ranking/export?months=3&as_of="+asOf, "", http.StatusOK, nil)
	if !strings.HasPrefix(string(csv), "customer_id,name,email,phone,visits_last_window") {
		t.Errorf("unexpected export header %q", csv)
	}
}

func TestRuleChangeReclassifies(t *testing.T) {
	setup(t)

	call(t, http.MethodPut, "/rules", `{"rules":[{"minVisits":1,"windowMonths":3,"tier":{"name":"Regular","priority":1}}]}`, http.StatusOK, nil)
	defer call(t, http.MethodPut, "/rules", stockRules, http.StatusOK, nil)

	var resp tierResponse
	call(t, http.MethodGet, "/customers/c3/tier?as_of="+asOf, "", http.StatusOK, &resp)
	if resp.Label != "Regular" {
		t.Errorf("expected Regular after rule change, got %s", resp.Label)
	}
}

func TestClassificationRunStored(t *testing.T) {
	setup(t)

	var run struct {
		ID      string `json:"id"`
		Summary struct {
			Customers int `json:"customers"`
			Tiered    int `json:"tiered"`
		} `json:"summary"`
	}
	call(t, http.MethodPost, "/classifications?as_of="+asOf, "", http.StatusCreated, &run)
	if run.Summary.Customers != 3 || run.Summary.Tiered != 2 {
		t.Errorf("unexpected summary %+v", run.Summary)
	}

	var stored struct {
		ID string `json:"id"`
	}
	call(t, http.MethodGet, "/classifications/"+run.ID, "", http.StatusOK, &stored)
	if stored.ID != run.ID {
		t.Errorf("expected run %s, got %s", run.ID, stored.ID)
	}
}
